package worker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

type fakeSymbolSource struct {
	symbols    []string
	statsList  []*eventmodels.InstrumentStats
	statsErr   error
	statsCalls int
}

func (f *fakeSymbolSource) FetchFuturesSymbols() ([]string, error) {
	return f.symbols, nil
}

func (f *fakeSymbolSource) FetchSymbolStats() ([]*eventmodels.InstrumentStats, error) {
	f.statsCalls++
	if f.statsErr != nil {
		return nil, f.statsErr
	}

	return f.statsList, nil
}

type fakeMarketCapFilter struct {
	passing []string
	err     error
}

func (f *fakeMarketCapFilter) FilterByMarketCap(symbols []string, minMarketCapUSD float64) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.passing, nil
}

func instrument(symbol string, volume, quality float64) *eventmodels.InstrumentStats {
	return &eventmodels.InstrumentStats{
		Symbol:         symbol,
		QuoteVolume24h: volume,
		QualityScore:   quality,
	}
}

func testSymbolConfig() SymbolManagerConfig {
	config := NewSymbolManagerConfig()
	config.CheckInterval = 10 * time.Millisecond
	config.StopTimeout = time.Second
	return config
}

func TestSymbolManagerStaticList(t *testing.T) {
	// arrange
	config := testSymbolConfig()
	config.StaticSymbols = []string{"BTCUSDT", "ETHUSDT"}
	source := &fakeSymbolSource{}
	manager := NewSymbolManager(config, source, nil)

	// act
	manager.Start()
	<-manager.Ready()

	// assert: the configured list is served and nothing was fetched
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, manager.CurrentSymbols())
	assert.Zero(t, source.statsCalls)

	manager.Stop()
}

func TestSymbolManagerDynamicRefresh(t *testing.T) {
	t.Run("ranked selection fills the universe", func(t *testing.T) {
		// arrange: source pre-sorts by quality, per the exchange client
		config := testSymbolConfig()
		config.MaxSymbols = 2
		config.MinQuoteVolume24h = 1_000_000
		source := &fakeSymbolSource{statsList: []*eventmodels.InstrumentStats{
			instrument("BTCUSDT", 50_000_000, 3.0),
			instrument("ETHUSDT", 40_000_000, 2.0),
			instrument("SOLUSDT", 30_000_000, 1.0),
		}}
		manager := NewSymbolManager(config, source, nil)
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, manager.CurrentSymbols())
		require.Len(t, manager.SymbolStats(), 2)
	})

	t.Run("low-volume symbols are filtered out", func(t *testing.T) {
		// arrange
		config := testSymbolConfig()
		config.MaxSymbols = 10
		config.MinQuoteVolume24h = 20_000_000
		source := &fakeSymbolSource{statsList: []*eventmodels.InstrumentStats{
			instrument("BTCUSDT", 50_000_000, 3.0),
			instrument("DUSTUSDT", 1_000, 2.0),
		}}
		manager := NewSymbolManager(config, source, nil)
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert
		assert.Equal(t, []string{"BTCUSDT"}, manager.CurrentSymbols())
	})

	t.Run("volume strategy reorders by turnover", func(t *testing.T) {
		// arrange: quality order disagrees with volume order
		config := testSymbolConfig()
		config.MaxSymbols = 2
		config.MinQuoteVolume24h = 0
		config.SelectionStrategy = eventmodels.SelectionStrategyVolume
		source := &fakeSymbolSource{statsList: []*eventmodels.InstrumentStats{
			instrument("BTCUSDT", 10_000_000, 3.0),
			instrument("ETHUSDT", 90_000_000, 2.0),
		}}
		manager := NewSymbolManager(config, source, nil)
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert
		assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, manager.CurrentSymbols())
	})

	t.Run("unlimited universe serves the raw exchange list", func(t *testing.T) {
		// arrange
		config := testSymbolConfig()
		config.MaxSymbols = 0
		source := &fakeSymbolSource{symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}}
		manager := NewSymbolManager(config, source, nil)
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert
		assert.Len(t, manager.CurrentSymbols(), 3)
		assert.Empty(t, manager.SymbolStats())
		assert.Zero(t, source.statsCalls)
	})

	t.Run("ready fires even when the first refresh fails", func(t *testing.T) {
		// arrange
		config := testSymbolConfig()
		source := &fakeSymbolSource{statsErr: fmt.Errorf("FetchSymbolStats: venue unavailable")}
		manager := NewSymbolManager(config, source, nil)
		defer manager.Stop()

		// act
		manager.Start()

		// assert: startup is not wedged, the universe is just empty
		select {
		case <-manager.Ready():
		case <-time.After(time.Second):
			t.Fatal("Ready() did not fire after a failed refresh")
		}

		assert.Empty(t, manager.CurrentSymbols())
	})
}

func TestSymbolManagerMarketCapFilter(t *testing.T) {
	baseStats := func() []*eventmodels.InstrumentStats {
		return []*eventmodels.InstrumentStats{
			instrument("BTCUSDT", 50_000_000, 3.0),
			instrument("MEMEUSDT", 40_000_000, 2.0),
		}
	}

	t.Run("screens out symbols below the cap floor", func(t *testing.T) {
		// arrange
		config := testSymbolConfig()
		config.MaxSymbols = 10
		config.MinMarketCapUSD = 1_000_000_000
		source := &fakeSymbolSource{statsList: baseStats()}
		manager := NewSymbolManager(config, source, &fakeMarketCapFilter{passing: []string{"BTCUSDT"}})
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert
		assert.Equal(t, []string{"BTCUSDT"}, manager.CurrentSymbols())
	})

	t.Run("filter failure is tolerated, not fatal", func(t *testing.T) {
		// arrange
		config := testSymbolConfig()
		config.MaxSymbols = 10
		config.MinMarketCapUSD = 1_000_000_000
		source := &fakeSymbolSource{statsList: baseStats()}
		manager := NewSymbolManager(config, source, &fakeMarketCapFilter{err: fmt.Errorf("coingecko timeout")})
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert: selection proceeds without the screen
		assert.Equal(t, []string{"BTCUSDT", "MEMEUSDT"}, manager.CurrentSymbols())
	})

	t.Run("empty result falls back to the unfiltered ranking", func(t *testing.T) {
		// arrange: volume floor no symbol can meet
		config := testSymbolConfig()
		config.MaxSymbols = 1
		config.MinQuoteVolume24h = 1e15
		source := &fakeSymbolSource{statsList: baseStats()}
		manager := NewSymbolManager(config, source, nil)
		defer manager.Stop()

		// act
		manager.Start()
		<-manager.Ready()

		// assert
		assert.Equal(t, []string{"BTCUSDT"}, manager.CurrentSymbols())
	})
}

func TestSymbolManagerStop(t *testing.T) {
	// arrange
	config := testSymbolConfig()
	source := &fakeSymbolSource{statsList: []*eventmodels.InstrumentStats{
		instrument("BTCUSDT", 50_000_000, 3.0),
	}}
	manager := NewSymbolManager(config, source, nil)
	manager.Start()
	<-manager.Ready()

	// act: stop twice, as a signal handler might
	manager.Stop()
	manager.Stop()

	// assert: the list stays readable after shutdown
	assert.Equal(t, []string{"BTCUSDT"}, manager.CurrentSymbols())
}
