package eventservices

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinGeckoFilterByMarketCap(t *testing.T) {
	t.Run("screens mapped symbols by cap, keeps unmapped ones", func(t *testing.T) {
		// arrange
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v3/coins/markets", r.URL.Path)
			assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))

			fmt.Fprint(w, `[
				{"id":"bitcoin","market_cap":1300000000000},
				{"id":"dogecoin","market_cap":20000000000}
			]`)
		}))
		defer server.Close()

		service := NewCoinGeckoService(server.URL)

		// act: DOGE misses the floor, NEWCOIN has no mapping at all
		filtered, err := service.FilterByMarketCap([]string{"BTCUSDT", "DOGEUSDT", "NEWCOINUSDT"}, 100_000_000_000)

		// assert
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT", "NEWCOINUSDT"}, filtered)
	})

	t.Run("caches lookups across calls", func(t *testing.T) {
		// arrange
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			fmt.Fprint(w, `[{"id":"bitcoin","market_cap":1300000000000}]`)
		}))
		defer server.Close()

		service := NewCoinGeckoService(server.URL)

		// act
		_, err := service.FilterByMarketCap([]string{"BTCUSDT"}, 1)
		require.NoError(t, err)
		_, err = service.FilterByMarketCap([]string{"BTCUSDT"}, 1)
		require.NoError(t, err)

		// assert
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("missing market cap data keeps the symbol", func(t *testing.T) {
		// arrange: coingecko reports null caps for some coins
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[{"id":"bitcoin","market_cap":null}]`)
		}))
		defer server.Close()

		service := NewCoinGeckoService(server.URL)

		// act
		filtered, err := service.FilterByMarketCap([]string{"BTCUSDT"}, 100_000_000_000)

		// assert
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT"}, filtered)
	})

	t.Run("upstream failure is surfaced to the caller", func(t *testing.T) {
		// arrange
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		service := NewCoinGeckoService(server.URL)

		// act
		_, err := service.FilterByMarketCap([]string{"BTCUSDT"}, 1)

		// assert
		assert.Error(t, err)
	})

	t.Run("no mapped symbols means no network call", func(t *testing.T) {
		// arrange: a server that fails the test if touched
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request to coingecko")
		}))
		defer server.Close()

		service := NewCoinGeckoService(server.URL)

		// act
		filtered, err := service.FilterByMarketCap([]string{"NEWCOINUSDT"}, 1)

		// assert
		require.NoError(t, err)
		assert.Equal(t, []string{"NEWCOINUSDT"}, filtered)
	})
}
