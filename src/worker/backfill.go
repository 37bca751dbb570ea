package worker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/binance-feed/src/datastore"
	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

// HistoricalDataFetcher is the rate-limited source of historical candles.
type HistoricalDataFetcher interface {
	FetchKlines(symbol string, interval eventmodels.Interval, limit int) ([]*eventmodels.Candle, error)
}

// CandlePersistence is the durable cache consulted before the network.
type CandlePersistence interface {
	LoadCandles(key eventmodels.SeriesKey, limit int) ([]*eventmodels.Candle, error)
	StoreCandles(key eventmodels.SeriesKey, candles []*eventmodels.Candle) error
}

type BackfillConfig struct {
	Workers       int
	HistoryLength int

	// MaxLazyLoads caps how many series may be warmed on demand after the
	// initial preload. Once reached, further lazy requests are refused and
	// counted, never queued.
	MaxLazyLoads int

	// CacheCoverageRatio is the fraction of the requested length a cached
	// window must cover to be accepted without a network fetch.
	CacheCoverageRatio float64
}

func NewBackfillConfig() BackfillConfig {
	return BackfillConfig{
		Workers:            15,
		HistoryLength:      200,
		MaxLazyLoads:       50,
		CacheCoverageRatio: 0.8,
	}
}

// BackfillScheduler warms the candle store from the persistent cache and the
// rate-limited REST source, bounded by a fixed worker count. One key's
// failure never aborts a batch, and a key already being fetched is never
// re-submitted.
type BackfillScheduler struct {
	config  BackfillConfig
	fetcher HistoricalDataFetcher
	cache   CandlePersistence
	store   *datastore.CandleDataStore

	sem chan struct{}

	mu        sync.Mutex
	inFlight  map[eventmodels.SeriesKey]bool
	loaded    map[eventmodels.SeriesKey]bool
	lazyCount int

	refusedLazyLoads int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBackfillScheduler constructs a scheduler. cache may be nil when
// persistence is disabled; every lookup then goes straight to the fetcher.
func NewBackfillScheduler(config BackfillConfig, fetcher HistoricalDataFetcher, cache CandlePersistence, store *datastore.CandleDataStore) *BackfillScheduler {
	return &BackfillScheduler{
		config:   config,
		fetcher:  fetcher,
		cache:    cache,
		store:    store,
		sem:      make(chan struct{}, config.Workers),
		inFlight: make(map[eventmodels.SeriesKey]bool),
		loaded:   make(map[eventmodels.SeriesKey]bool),
		stopCh:   make(chan struct{}),
	}
}

// Preload fetches history for all keys with bounded concurrency and blocks
// until every dispatched task finishes or the scheduler is stopped. Partial
// failures are tolerated; failed keys are simply left unwarmed.
func (s *BackfillScheduler) Preload(keys []eventmodels.SeriesKey) {
	var wg sync.WaitGroup

	submitted := 0
	for _, key := range keys {
		if !s.claim(key, false) {
			continue
		}

		if !s.acquireSlot() {
			s.release(key, false, false)
			log.Warnf("Preload: shutting down, skipping %s", key)
			continue
		}

		submitted++
		wg.Add(1)

		go func(key eventmodels.SeriesKey) {
			defer wg.Done()
			defer func() { <-s.sem }()

			ok := s.runTask(key)
			s.release(key, ok, false)
		}(key)
	}

	wg.Wait()
	log.Infof("preload complete: %d/%d series dispatched", submitted, len(keys))
}

// LazyLoad warms a single key on demand, the first time a consumer needs it.
// Returns true when the series ends up loaded. Requests beyond the lazy-load
// ceiling are refused and counted, not queued; a later attempt may retry a
// key whose fetch failed.
func (s *BackfillScheduler) LazyLoad(key eventmodels.SeriesKey) bool {
	s.mu.Lock()
	if s.loaded[key] {
		s.mu.Unlock()
		return true
	}

	if s.inFlight[key] {
		s.mu.Unlock()
		log.Debugf("LazyLoad: %s already being fetched", key)
		return false
	}

	if s.lazyCount >= s.config.MaxLazyLoads {
		s.refusedLazyLoads++
		refused := s.refusedLazyLoads
		s.mu.Unlock()
		log.Warnf("LazyLoad: ceiling of %d reached, refusing %s (%d refused so far)", s.config.MaxLazyLoads, key, refused)
		return false
	}

	s.inFlight[key] = true
	s.lazyCount++
	s.mu.Unlock()

	if !s.acquireSlot() {
		s.release(key, false, true)
		return false
	}

	defer func() { <-s.sem }()

	ok := s.runTask(key)
	s.release(key, ok, true)

	return ok
}

// RefusedLazyLoads reports how many lazy requests were refused at the ceiling.
func (s *BackfillScheduler) RefusedLazyLoads() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refusedLazyLoads
}

// Stop prevents new work from being dispatched. In-flight tasks finish on
// their own; Preload callers unblock once those drain. Safe to call twice.
func (s *BackfillScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// acquireSlot takes a worker slot, refusing once the scheduler is stopping.
// The stop check runs first so a free slot never races a shutdown.
func (s *BackfillScheduler) acquireSlot() bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}

	select {
	case <-s.stopCh:
		return false
	case s.sem <- struct{}{}:
		return true
	}
}

// claim marks the key in flight. Returns false if it is already in flight or
// already loaded.
func (s *BackfillScheduler) claim(key eventmodels.SeriesKey, lazy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded[key] || s.inFlight[key] {
		return false
	}

	s.inFlight[key] = true
	if lazy {
		s.lazyCount++
	}

	return true
}

// release clears the in-flight mark and records the outcome. A failed lazy
// load releases its ceiling slot so a later attempt may retry the key.
func (s *BackfillScheduler) release(key eventmodels.SeriesKey, ok bool, lazy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, key)

	if ok {
		s.loaded[key] = true
	} else if lazy {
		s.lazyCount--
	}
}

// runTask loads one series: persistent cache first, then the rate-limited
// source with write-through. Returns false on failure without retrying; the
// key stays unwarmed and a later lazy load may try again.
func (s *BackfillScheduler) runTask(key eventmodels.SeriesKey) bool {
	taskID := uuid.New()
	taskLog := log.WithFields(log.Fields{
		"task":   taskID,
		"series": key.String(),
	})

	if s.cache != nil {
		cached, err := s.cache.LoadCandles(key, s.config.HistoryLength)
		if err != nil {
			taskLog.Warnf("cache lookup failed: %v", err)
		} else if s.coversRequest(len(cached)) {
			s.store.BulkReplace(key, cached)
			taskLog.Infof("loaded %d candles from cache", len(cached))
			return true
		}
	}

	candles, err := s.fetcher.FetchKlines(key.Symbol, key.Interval, s.config.HistoryLength)
	if err != nil {
		taskLog.Errorf("backfill fetch failed: %v", err)
		return false
	}

	if len(candles) == 0 {
		taskLog.Error("backfill fetch returned no candles")
		return false
	}

	s.store.BulkReplace(key, candles)

	if s.cache != nil {
		if err := s.cache.StoreCandles(key, candles); err != nil {
			// the in-memory store is already warm; cache write-through
			// failing only costs us a future network fetch
			taskLog.Warnf("cache write-through failed: %v", err)
		}
	}

	taskLog.Infof("loaded %d candles from source", len(candles))
	return true
}

func (s *BackfillScheduler) coversRequest(cachedLength int) bool {
	required := int(float64(s.config.HistoryLength) * s.config.CacheCoverageRatio)
	return cachedLength >= required
}

func (s *BackfillScheduler) String() string {
	return fmt.Sprintf("BackfillScheduler(workers=%d, history=%d)", s.config.Workers, s.config.HistoryLength)
}
