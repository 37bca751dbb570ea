package datastore

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

// CandleDataStore is the in-memory view of recent candle series, keyed by
// (symbol, interval). Live stream updates land here one candle at a time and
// backfill lands in bulk; readers only ever receive copies. A single RWMutex
// guards the whole map and is never held across network or disk I/O.
type CandleDataStore struct {
	mu        sync.RWMutex
	series    map[eventmodels.SeriesKey][]*eventmodels.Candle
	maxLength int
}

func NewCandleDataStore(maxLength int) *CandleDataStore {
	return &CandleDataStore{
		series:    make(map[eventmodels.SeriesKey][]*eventmodels.Candle),
		maxLength: maxLength,
	}
}

// Upsert inserts the candle in timestamp order, replacing any existing candle
// with the same timestamp. Duplicate delivery is therefore idempotent. When
// the window exceeds capacity the oldest candles are evicted.
func (s *CandleDataStore) Upsert(key eventmodels.SeriesKey, candle *eventmodels.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.series[key]

	idx := sort.Search(len(window), func(i int) bool {
		return !window[i].Timestamp.Before(candle.Timestamp)
	})

	if idx < len(window) && window[idx].Timestamp.Equal(candle.Timestamp) {
		window[idx] = candle
	} else {
		window = append(window, nil)
		copy(window[idx+1:], window[idx:])
		window[idx] = candle
	}

	if len(window) > s.maxLength {
		window = window[len(window)-s.maxLength:]
	}

	s.series[key] = window
}

// BulkReplace swaps the window for the backfilled candles, then merges back
// any live candles already present that are newer than the backfill range.
// Used by the backfill scheduler so a fetch never loses stream updates that
// arrived while it was in flight.
func (s *CandleDataStore) BulkReplace(key eventmodels.SeriesKey, candles []*eventmodels.Candle) {
	window := make([]*eventmodels.Candle, len(candles))
	copy(window, candles)

	sort.Slice(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})

	window = dedupeSorted(window)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(window) == 0 {
		s.series[key] = nil
		return
	}

	lastBackfilled := window[len(window)-1].Timestamp
	for _, existing := range s.series[key] {
		if existing.Timestamp.After(lastBackfilled) {
			window = append(window, existing)
		}
	}

	if len(window) > s.maxLength {
		window = window[len(window)-s.maxLength:]
	}

	s.series[key] = window
}

// Snapshot returns a copy of the window, sorted ascending by timestamp.
func (s *CandleDataStore) Snapshot(key eventmodels.SeriesKey) []*eventmodels.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.series[key]
	snapshot := make([]*eventmodels.Candle, len(window))
	copy(snapshot, window)

	return snapshot
}

// CleanSnapshot returns a copy of the window with OHLC-inconsistent candles
// filtered out. Used only at the chart/export boundary; the live window keeps
// everything the stream delivered.
func (s *CandleDataStore) CleanSnapshot(key eventmodels.SeriesKey) []*eventmodels.Candle {
	snapshot := s.Snapshot(key)

	clean := make([]*eventmodels.Candle, 0, len(snapshot))
	for _, candle := range snapshot {
		if candle == nil {
			continue
		}

		if !candle.IsConsistent() {
			log.Debugf("CleanSnapshot: dropping inconsistent candle for %s at %v", key, candle.Timestamp)
			continue
		}

		clean = append(clean, candle)
	}

	return clean
}

func (s *CandleDataStore) Len(key eventmodels.SeriesKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.series[key])
}

func (s *CandleDataStore) Keys() []eventmodels.SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]eventmodels.SeriesKey, 0, len(s.series))
	for key := range s.series {
		keys = append(keys, key)
	}

	return keys
}

// dedupeSorted removes duplicate timestamps from a sorted window, keeping the
// last occurrence.
func dedupeSorted(window []*eventmodels.Candle) []*eventmodels.Candle {
	if len(window) < 2 {
		return window
	}

	out := window[:1]
	for _, candle := range window[1:] {
		if candle.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out[len(out)-1] = candle
			continue
		}

		out = append(out, candle)
	}

	return out
}
