package worker

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

// SymbolSource provides the tradable universe with activity metadata.
type SymbolSource interface {
	FetchFuturesSymbols() ([]string, error)
	FetchSymbolStats() ([]*eventmodels.InstrumentStats, error)
}

// MarketCapFilter is the optional, best-effort market-cap screen.
type MarketCapFilter interface {
	FilterByMarketCap(symbols []string, minMarketCapUSD float64) ([]string, error)
}

type SymbolManagerConfig struct {
	// StaticSymbols, when non-empty, disables the refresh loop entirely and
	// serves this list forever.
	StaticSymbols []string

	RefreshInterval time.Duration
	CheckInterval   time.Duration

	MinQuoteVolume24h float64
	MinMarketCapUSD   float64

	SelectionStrategy eventmodels.SymbolSelectionStrategy

	// MaxSymbols bounds the dynamic universe; 0 means unlimited, which
	// skips quality scoring and serves the full exchange list.
	MaxSymbols int

	StopTimeout time.Duration
}

func NewSymbolManagerConfig() SymbolManagerConfig {
	return SymbolManagerConfig{
		RefreshInterval:   7 * 24 * time.Hour,
		CheckInterval:     time.Hour,
		MinQuoteVolume24h: 10_000_000,
		SelectionStrategy: eventmodels.SelectionStrategyQuality,
		MaxSymbols:        30,
		StopTimeout:       5 * time.Second,
	}
}

// SymbolManager owns the tradable-symbol universe: a weekly refresh loop that
// ranks and filters the exchange's futures symbols, replaced atomically so
// readers never observe a half-updated list. The first refresh gates startup
// through Ready().
type SymbolManager struct {
	config    SymbolManagerConfig
	client    SymbolSource
	marketCap MarketCapFilter

	mu          sync.Mutex
	symbols     []string
	symbolStats []*eventmodels.InstrumentStats
	lastRefresh time.Time

	readyOnce sync.Once
	readyCh   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	started bool
}

// NewSymbolManager constructs a manager. marketCap may be nil; the market-cap
// filter is then skipped.
func NewSymbolManager(config SymbolManagerConfig, client SymbolSource, marketCap MarketCapFilter) *SymbolManager {
	return &SymbolManager{
		config:    config,
		client:    client,
		marketCap: marketCap,
		readyCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the refresh worker, or serves the static list when one is
// configured. Callers block on Ready() before relying on the universe.
func (m *SymbolManager) Start() {
	if len(m.config.StaticSymbols) > 0 {
		log.Infof("using %d symbols from config, automatic refresh disabled", len(m.config.StaticSymbols))

		m.mu.Lock()
		m.symbols = append([]string(nil), m.config.StaticSymbols...)
		m.mu.Unlock()

		m.signalReady()
		close(m.doneCh)
		return
	}

	m.started = true
	go m.refreshWorker()
	log.Info("started symbol refresh worker")
}

// Ready returns a channel closed after the first refresh attempt completes.
func (m *SymbolManager) Ready() <-chan struct{} {
	return m.readyCh
}

// CurrentSymbols returns the latest accepted symbol list.
func (m *SymbolManager) CurrentSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.symbols...)
}

// SymbolStats returns the quality statistics behind the current selection.
// Empty when a static list is configured or MaxSymbols is unlimited.
func (m *SymbolManager) SymbolStats() []*eventmodels.InstrumentStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*eventmodels.InstrumentStats(nil), m.symbolStats...)
}

// Stop shuts the refresh worker down, waiting up to the stop timeout for it
// to exit. Safe to call twice and from a signal handler.
func (m *SymbolManager) Stop() {
	m.stopOnce.Do(func() {
		log.Info("stopping symbol refresh worker...")
		close(m.stopCh)
	})

	select {
	case <-m.doneCh:
	case <-time.After(m.config.StopTimeout):
		log.Warn("timed out waiting for symbol refresh worker to exit")
	}
}

func (m *SymbolManager) signalReady() {
	m.readyOnce.Do(func() {
		close(m.readyCh)
	})
}

func (m *SymbolManager) refreshWorker() {
	defer close(m.doneCh)

	for {
		m.mu.Lock()
		due := m.lastRefresh.IsZero() || time.Since(m.lastRefresh) > m.config.RefreshInterval
		m.mu.Unlock()

		if due {
			m.refresh()

			m.mu.Lock()
			m.lastRefresh = time.Now().UTC()
			m.mu.Unlock()

			m.signalReady()
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(m.config.CheckInterval):
		}
	}
}

// refresh fetches and replaces the universe. Any failure retains the old
// list; a refresh never leaves readers with a partial one.
func (m *SymbolManager) refresh() {
	if m.config.MaxSymbols > 0 {
		statsList, err := m.client.FetchSymbolStats()
		if err != nil {
			log.Errorf("failed to fetch symbol stats, retaining old list: %v", err)
			return
		}

		selected := m.selectBestSymbols(statsList)

		m.mu.Lock()
		m.symbols = symbolNames(selected)
		m.symbolStats = selected
		m.mu.Unlock()

		log.Infof("quality-based symbol selection completed, selected %d symbols", len(selected))
		m.logSelectionSummary(selected)
		return
	}

	symbols, err := m.client.FetchFuturesSymbols()
	if err != nil {
		log.Errorf("failed to fetch futures symbols, retaining old list: %v", err)
		return
	}

	m.mu.Lock()
	m.symbols = symbols
	m.symbolStats = nil
	m.mu.Unlock()

	log.Infof("symbol list refreshed, total symbols: %d", len(symbols))
}

func (m *SymbolManager) selectBestSymbols(statsList []*eventmodels.InstrumentStats) []*eventmodels.InstrumentStats {
	if len(statsList) == 0 {
		return nil
	}

	filtered := make([]*eventmodels.InstrumentStats, 0, len(statsList))
	for _, instrumentStats := range statsList {
		if instrumentStats.QuoteVolume24h >= m.config.MinQuoteVolume24h {
			filtered = append(filtered, instrumentStats)
		}
	}

	log.Infof("after volume filter (min $%.0f): %d symbols", m.config.MinQuoteVolume24h, len(filtered))

	if m.config.MinMarketCapUSD > 0 && m.marketCap != nil {
		passing, err := m.marketCap.FilterByMarketCap(symbolNames(filtered), m.config.MinMarketCapUSD)
		if err != nil {
			log.Warnf("market cap filtering failed, continuing without it: %v", err)
		} else {
			passingSet := make(map[string]bool, len(passing))
			for _, symbol := range passing {
				passingSet[symbol] = true
			}

			withCap := filtered[:0]
			for _, instrumentStats := range filtered {
				if passingSet[instrumentStats.Symbol] {
					withCap = append(withCap, instrumentStats)
				}
			}

			filtered = withCap
			log.Infof("after market cap filter (min $%.0f): %d symbols", m.config.MinMarketCapUSD, len(filtered))
		}
	}

	if len(filtered) == 0 {
		log.Warn("no symbols meet filtering requirements, using top symbols without filters")
		filtered = statsList
	}

	switch m.config.SelectionStrategy {
	case eventmodels.SelectionStrategyQuality:
		// already sorted by quality score by the source
	case eventmodels.SelectionStrategyVolume:
		sort.Slice(filtered, func(i, j int) bool {
			return filtered[i].QuoteVolume24h > filtered[j].QuoteVolume24h
		})
	case eventmodels.SelectionStrategyRandom:
		rand.Shuffle(len(filtered), func(i, j int) {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		})
	default:
		log.Warnf("unknown selection strategy %q, using quality", m.config.SelectionStrategy)
	}

	if len(filtered) > m.config.MaxSymbols {
		filtered = filtered[:m.config.MaxSymbols]
	}

	return filtered
}

func (m *SymbolManager) logSelectionSummary(selected []*eventmodels.InstrumentStats) {
	top := selected
	if len(top) > 10 {
		top = top[:10]
	}

	for i, instrumentStats := range top {
		log.Infof("%2d. %-12s | vol: $%14.0f | change: %6.2f%% | quality: %6.2f",
			i+1, instrumentStats.Symbol, instrumentStats.QuoteVolume24h, instrumentStats.PriceChangePercent, instrumentStats.QualityScore)
	}

	if len(selected) > 10 {
		log.Infof("... and %d more symbols", len(selected)-10)
	}
}

func symbolNames(statsList []*eventmodels.InstrumentStats) []string {
	names := make([]string, len(statsList))
	for i, instrumentStats := range statsList {
		names[i] = instrumentStats.Symbol
	}

	return names
}
