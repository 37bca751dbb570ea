package eventservices

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// symbolToCoinGeckoID maps Binance futures symbols to CoinGecko coin ids.
// Symbols without a mapping cannot be market-cap filtered and pass through.
var symbolToCoinGeckoID = map[string]string{
	"BTCUSDT":  "bitcoin",
	"ETHUSDT":  "ethereum",
	"BNBUSDT":  "binancecoin",
	"SOLUSDT":  "solana",
	"XRPUSDT":  "ripple",
	"ADAUSDT":  "cardano",
	"DOGEUSDT": "dogecoin",
	"AVAXUSDT": "avalanche-2",
	"DOTUSDT":  "polkadot",
	"LINKUSDT": "chainlink",
	"LTCUSDT":  "litecoin",
	"TRXUSDT":  "tron",
}

type coinMarketDTO struct {
	ID        string   `json:"id"`
	MarketCap *float64 `json:"market_cap"`
}

// CoinGeckoService looks up market capitalizations on the free CoinGecko
// tier. Everything here is best-effort: lookups are TTL-cached and failures
// are reported to the caller, who skips the market-cap filter rather than
// treating it as fatal.
type CoinGeckoService struct {
	baseURL    string
	httpClient *http.Client
	capCache   *cache.Cache
}

func NewCoinGeckoService(baseURL string) *CoinGeckoService {
	return &CoinGeckoService{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		capCache: cache.New(30*time.Minute, time.Hour),
	}
}

// FilterByMarketCap returns the subset of symbols whose market cap meets the
// minimum. Symbols without a CoinGecko mapping or whose lookup fails are kept.
func (s *CoinGeckoService) FilterByMarketCap(symbols []string, minMarketCapUSD float64) ([]string, error) {
	var ids []string
	idToSymbol := make(map[string]string)

	for _, symbol := range symbols {
		if id, found := symbolToCoinGeckoID[symbol]; found {
			if _, cached := s.capCache.Get(id); !cached {
				ids = append(ids, id)
			}
			idToSymbol[id] = symbol
		}
	}

	if len(ids) > 0 {
		if err := s.fetchMarketCaps(ids); err != nil {
			return nil, fmt.Errorf("FilterByMarketCap: %w", err)
		}
	}

	var filtered []string
	for _, symbol := range symbols {
		id, mapped := symbolToCoinGeckoID[symbol]
		if !mapped {
			filtered = append(filtered, symbol)
			continue
		}

		value, cached := s.capCache.Get(id)
		if !cached {
			log.Debugf("FilterByMarketCap: no market cap data for %s, keeping", symbol)
			filtered = append(filtered, symbol)
			continue
		}

		if value.(float64) >= minMarketCapUSD {
			filtered = append(filtered, symbol)
		}
	}

	return filtered, nil
}

func (s *CoinGeckoService) fetchMarketCaps(ids []string) error {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("ids", strings.Join(ids, ","))

	requestURL := fmt.Sprintf("%s/api/v3/coins/markets?%s", s.baseURL, params.Encode())

	req, err := http.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("fetchMarketCaps: failed to create request: %w", err)
	}

	req.Header.Add("Accept", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetchMarketCaps: request failed: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("fetchMarketCaps: coingecko returned http %v", res.Status)
	}

	var dtos []coinMarketDTO
	if err := json.NewDecoder(res.Body).Decode(&dtos); err != nil {
		return fmt.Errorf("fetchMarketCaps: failed to decode json: %w", err)
	}

	for _, dto := range dtos {
		if dto.MarketCap == nil {
			log.Warnf("fetchMarketCaps: market cap missing for %s", dto.ID)
			continue
		}

		s.capCache.Set(dto.ID, *dto.MarketCap, cache.DefaultExpiration)
	}

	return nil
}
