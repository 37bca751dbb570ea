package eventmodels

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StreamMessageDTO is one frame from the Binance combined stream endpoint.
// Frames that do not carry a kline payload leave Data.Kline nil.
type StreamMessageDTO struct {
	Stream string             `json:"stream"`
	Data   StreamKlineDataDTO `json:"data"`
}

type StreamKlineDataDTO struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     *KlineDTO `json:"k"`
}

type KlineDTO struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	IsClosed  bool   `json:"x"`
}

// ParseStreamMessage decodes a raw websocket frame. A nil DTO with a nil
// error means the frame was well-formed JSON but not a kline event; callers
// log those at debug level and drop them.
func ParseStreamMessage(payload []byte) (*KlineDTO, error) {
	var msg StreamMessageDTO
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("ParseStreamMessage: failed to decode json: %w", err)
	}

	if msg.Data.Kline == nil {
		return nil, nil
	}

	return msg.Data.Kline, nil
}

func (dto *KlineDTO) Validate() error {
	if dto.Symbol == "" {
		return fmt.Errorf("KlineDTO.Validate: missing symbol")
	}

	if dto.Interval == "" {
		return fmt.Errorf("KlineDTO.Validate: missing interval")
	}

	if dto.OpenTime <= 0 {
		return fmt.Errorf("KlineDTO.Validate: missing open time")
	}

	for name, value := range map[string]string{"open": dto.Open, "high": dto.High, "low": dto.Low, "close": dto.Close, "volume": dto.Volume} {
		if value == "" {
			return fmt.Errorf("KlineDTO.Validate: missing %s", name)
		}
	}

	return nil
}

// ToCandle converts the wire representation to a Candle keyed by its series.
func (dto *KlineDTO) ToCandle() (SeriesKey, *Candle, error) {
	if err := dto.Validate(); err != nil {
		return SeriesKey{}, nil, fmt.Errorf("KlineDTO.ToCandle: %w", err)
	}

	open, err := strconv.ParseFloat(dto.Open, 64)
	if err != nil {
		return SeriesKey{}, nil, fmt.Errorf("KlineDTO.ToCandle: failed to parse open: %w", err)
	}

	high, err := strconv.ParseFloat(dto.High, 64)
	if err != nil {
		return SeriesKey{}, nil, fmt.Errorf("KlineDTO.ToCandle: failed to parse high: %w", err)
	}

	low, err := strconv.ParseFloat(dto.Low, 64)
	if err != nil {
		return SeriesKey{}, nil, fmt.Errorf("KlineDTO.ToCandle: failed to parse low: %w", err)
	}

	close, err := strconv.ParseFloat(dto.Close, 64)
	if err != nil {
		return SeriesKey{}, nil, fmt.Errorf("KlineDTO.ToCandle: failed to parse close: %w", err)
	}

	volume, err := strconv.ParseFloat(dto.Volume, 64)
	if err != nil {
		return SeriesKey{}, nil, fmt.Errorf("KlineDTO.ToCandle: failed to parse volume: %w", err)
	}

	key := NewSeriesKey(dto.Symbol, Interval(dto.Interval))

	candle := &Candle{
		Timestamp: time.UnixMilli(dto.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}

	return key, candle, nil
}
