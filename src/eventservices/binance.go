package eventservices

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

var ErrRateLimited = fmt.Errorf("binance: rate limited by venue")

// BinanceClient talks to the USDⓈ-M futures REST API. Every call goes through
// the shared rate limiter first; quota exhaustion shows up as a wait, never as
// an error, unless the venue itself rejects the request.
type BinanceClient struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	rateLimiter *RateLimiter
	httpClient  *http.Client
}

func NewBinanceClient(baseURL, apiKey, apiSecret string, rateLimiter *RateLimiter) *BinanceClient {
	return &BinanceClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		rateLimiter: rateLimiter,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchKlines loads up to limit historical candles for the symbol/interval.
// Limits above the venue cap are clamped to the cap rather than rejected.
// Malformed rows are dropped and logged; the rest of the batch survives.
func (c *BinanceClient) FetchKlines(symbol string, interval eventmodels.Interval, limit int) ([]*eventmodels.Candle, error) {
	if limit > MaxKlinesLimit {
		log.Warnf("FetchKlines: limit %d exceeds venue cap, clamping to %d", limit, MaxKlinesLimit)
		limit = MaxKlinesLimit
	}

	weight := KlinesWeight(limit)
	if _, admitted := c.rateLimiter.WaitForSlot(weight); !admitted {
		return nil, fmt.Errorf("FetchKlines: rate limiter retry attempts exhausted for %s %s", symbol, interval)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("limit", fmt.Sprintf("%d", limit))

	var rows []eventmodels.BinanceKlineRow
	headers, err := c.get("/fapi/v1/klines", params, false, &rows)
	if err != nil {
		return nil, fmt.Errorf("FetchKlines: %w", err)
	}

	c.rateLimiter.Record(weight, headers)

	candles := make([]*eventmodels.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := row.ToCandle()
		if err != nil {
			log.Warnf("FetchKlines: dropping malformed kline for %s %s: %v", symbol, interval, err)
			continue
		}

		candles = append(candles, candle)
	}

	return candles, nil
}

// FetchFuturesSymbols returns all actively trading USDT-quoted futures symbols.
func (c *BinanceClient) FetchFuturesSymbols() ([]string, error) {
	if _, admitted := c.rateLimiter.WaitForSlot(1); !admitted {
		return nil, fmt.Errorf("FetchFuturesSymbols: rate limiter retry attempts exhausted")
	}

	var dto eventmodels.ExchangeInfoDTO
	headers, err := c.get("/fapi/v1/exchangeInfo", nil, false, &dto)
	if err != nil {
		return nil, fmt.Errorf("FetchFuturesSymbols: %w", err)
	}

	c.rateLimiter.Record(1, headers)

	var symbols []string
	for _, s := range dto.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" {
			symbols = append(symbols, s.Symbol)
		}
	}

	return symbols, nil
}

// FetchSymbolStats returns 24h activity statistics for all futures symbols,
// scored and sorted by quality (best first).
func (c *BinanceClient) FetchSymbolStats() ([]*eventmodels.InstrumentStats, error) {
	if _, admitted := c.rateLimiter.WaitForSlot(40); !admitted {
		return nil, fmt.Errorf("FetchSymbolStats: rate limiter retry attempts exhausted")
	}

	var dtos []eventmodels.Ticker24hDTO
	headers, err := c.get("/fapi/v1/ticker/24hr", nil, false, &dtos)
	if err != nil {
		return nil, fmt.Errorf("FetchSymbolStats: %w", err)
	}

	c.rateLimiter.Record(40, headers)

	var statsList []*eventmodels.InstrumentStats
	for _, dto := range dtos {
		instrumentStats, err := dto.ToInstrumentStats()
		if err != nil {
			log.Warnf("FetchSymbolStats: dropping malformed ticker entry %s: %v", dto.Symbol, err)
			continue
		}

		statsList = append(statsList, instrumentStats)
	}

	ScoreInstruments(statsList)

	sort.Slice(statsList, func(i, j int) bool {
		return statsList[i].QualityScore > statsList[j].QualityScore
	})

	return statsList, nil
}

// LeverageBracketDTO is one entry of the leverageBracket response.
type LeverageBracketDTO struct {
	Symbol   string `json:"symbol"`
	Brackets []struct {
		InitialLeverage int `json:"initialLeverage"`
	} `json:"brackets"`
}

// FetchMaxLeverage returns the highest configured leverage bracket for the
// symbol. Requires API credentials; used to populate the position side-data
// cache, so failures are surfaced to the caller and handled as degraded mode.
func (c *BinanceClient) FetchMaxLeverage(symbol string) (int, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return 0, fmt.Errorf("FetchMaxLeverage: missing api credentials")
	}

	if _, admitted := c.rateLimiter.WaitForSlot(1); !admitted {
		return 0, fmt.Errorf("FetchMaxLeverage: rate limiter retry attempts exhausted")
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	var dtos []LeverageBracketDTO
	headers, err := c.get("/fapi/v1/leverageBracket", params, true, &dtos)
	if err != nil {
		return 0, fmt.Errorf("FetchMaxLeverage: %w", err)
	}

	c.rateLimiter.Record(1, headers)

	maxLeverage := 0
	for _, dto := range dtos {
		if dto.Symbol != symbol {
			continue
		}

		for _, bracket := range dto.Brackets {
			if bracket.InitialLeverage > maxLeverage {
				maxLeverage = bracket.InitialLeverage
			}
		}
	}

	if maxLeverage == 0 {
		return 0, fmt.Errorf("FetchMaxLeverage: no brackets returned for %s", symbol)
	}

	return maxLeverage, nil
}

func (c *BinanceClient) get(endpoint string, params url.Values, signed bool, out interface{}) (http.Header, error) {
	if params == nil {
		params = url.Values{}
	}

	if signed {
		params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
		params.Set("signature", c.sign(params.Encode()))
	}

	requestURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
	if encoded := params.Encode(); encoded != "" {
		requestURL = fmt.Sprintf("%s?%s", requestURL, encoded)
	}

	req, err := http.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("get: failed to create request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if signed {
		req.Header.Add("X-MBX-APIKEY", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get: request failed: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode == 418 {
		c.rateLimiter.RecordBlocked(fmt.Sprintf("%s returned http %v", endpoint, res.Status))
		return nil, fmt.Errorf("get: %s: %w", endpoint, ErrRateLimited)
	}

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get: %s returned http %v", endpoint, res.Status)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("get: failed to decode json: %w", err)
	}

	return res.Header, nil
}

func (c *BinanceClient) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}
