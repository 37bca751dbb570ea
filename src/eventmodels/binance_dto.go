package eventmodels

import (
	"fmt"
	"strconv"
	"time"
)

// BinanceKlineRow is one row of the futures klines endpoint response. Binance
// returns a 12-column array per kline; only the first six columns matter here.
type BinanceKlineRow []interface{}

func (row BinanceKlineRow) ToCandle() (*Candle, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("BinanceKlineRow.ToCandle: expected at least 6 columns, got %d", len(row))
	}

	openTime, ok := row[0].(float64)
	if !ok {
		return nil, fmt.Errorf("BinanceKlineRow.ToCandle: open time is not numeric: %v", row[0])
	}

	values := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		str, ok := row[i].(string)
		if !ok {
			return nil, fmt.Errorf("BinanceKlineRow.ToCandle: column %d is not a string: %v", i, row[i])
		}

		value, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("BinanceKlineRow.ToCandle: failed to parse column %d: %w", i, err)
		}

		values[i-1] = value
	}

	return &Candle{
		Timestamp: time.UnixMilli(int64(openTime)).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

// ExchangeInfoDTO is the subset of the futures exchangeInfo response the
// symbol manager needs.
type ExchangeInfoDTO struct {
	Symbols []ExchangeSymbolDTO `json:"symbols"`
}

type ExchangeSymbolDTO struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	QuoteAsset string `json:"quoteAsset"`
}

// Ticker24hDTO is one entry of the 24hr ticker statistics response.
type Ticker24hDTO struct {
	Symbol             string `json:"symbol"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	TradeCount         int64  `json:"count"`
}

func (dto *Ticker24hDTO) ToInstrumentStats() (*InstrumentStats, error) {
	quoteVolume, err := strconv.ParseFloat(dto.QuoteVolume, 64)
	if err != nil {
		return nil, fmt.Errorf("Ticker24hDTO.ToInstrumentStats: failed to parse quote volume: %w", err)
	}

	priceChange, err := strconv.ParseFloat(dto.PriceChangePercent, 64)
	if err != nil {
		return nil, fmt.Errorf("Ticker24hDTO.ToInstrumentStats: failed to parse price change percent: %w", err)
	}

	lastPrice, err := strconv.ParseFloat(dto.LastPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("Ticker24hDTO.ToInstrumentStats: failed to parse last price: %w", err)
	}

	return &InstrumentStats{
		Symbol:             dto.Symbol,
		QuoteVolume24h:     quoteVolume,
		PriceChangePercent: priceChange,
		TradeCount:         dto.TradeCount,
		LastPrice:          lastPrice,
	}, nil
}
