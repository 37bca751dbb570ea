package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

func candleAt(minute int, close float64) *eventmodels.Candle {
	return &eventmodels.Candle{
		Timestamp: time.Date(2025, 3, 1, 12, minute, 0, 0, time.UTC),
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
	}
}

func TestCandleDataStoreUpsert(t *testing.T) {
	key := eventmodels.NewSeriesKey("BTCUSDT", eventmodels.Interval1m)

	t.Run("out-of-order inserts come back sorted", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)

		// act
		store.Upsert(key, candleAt(3, 103))
		store.Upsert(key, candleAt(1, 101))
		store.Upsert(key, candleAt(2, 102))

		// assert
		snapshot := store.Snapshot(key)
		require.Len(t, snapshot, 3)
		assert.Equal(t, 101.0, snapshot[0].Close)
		assert.Equal(t, 102.0, snapshot[1].Close)
		assert.Equal(t, 103.0, snapshot[2].Close)
	})

	t.Run("same timestamp replaces in place", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)
		store.Upsert(key, candleAt(1, 101))

		// act: the stream re-delivers the bar with an updated close
		store.Upsert(key, candleAt(1, 150))

		// assert
		snapshot := store.Snapshot(key)
		require.Len(t, snapshot, 1)
		assert.Equal(t, 150.0, snapshot[0].Close)
	})

	t.Run("evicts oldest beyond capacity", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(3)

		// act
		for minute := 0; minute < 5; minute++ {
			store.Upsert(key, candleAt(minute, 100+float64(minute)))
		}

		// assert: only the 3 most recent remain
		snapshot := store.Snapshot(key)
		require.Len(t, snapshot, 3)
		assert.Equal(t, 102.0, snapshot[0].Close)
		assert.Equal(t, 104.0, snapshot[2].Close)
	})

	t.Run("series are independent per key", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)
		otherKey := eventmodels.NewSeriesKey("ETHUSDT", eventmodels.Interval1m)

		// act
		store.Upsert(key, candleAt(1, 101))
		store.Upsert(otherKey, candleAt(1, 201))

		// assert
		assert.Equal(t, 1, store.Len(key))
		assert.Equal(t, 1, store.Len(otherKey))
		assert.ElementsMatch(t, []eventmodels.SeriesKey{key, otherKey}, store.Keys())
	})
}

func TestCandleDataStoreBulkReplace(t *testing.T) {
	key := eventmodels.NewSeriesKey("BTCUSDT", eventmodels.Interval5m)

	t.Run("sorts and dedupes the incoming batch", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)
		batch := []*eventmodels.Candle{
			candleAt(10, 110),
			candleAt(5, 105),
			candleAt(10, 999), // later occurrence wins
		}

		// act
		store.BulkReplace(key, batch)

		// assert
		snapshot := store.Snapshot(key)
		require.Len(t, snapshot, 2)
		assert.Equal(t, 105.0, snapshot[0].Close)
		assert.Equal(t, 999.0, snapshot[1].Close)
	})

	t.Run("keeps live candles newer than the backfill range", func(t *testing.T) {
		// arrange: a stream update arrived while the backfill was in flight
		store := NewCandleDataStore(100)
		store.Upsert(key, candleAt(20, 120))
		store.Upsert(key, candleAt(25, 125))

		// act: backfill covers only up to minute 20
		store.BulkReplace(key, []*eventmodels.Candle{
			candleAt(10, 110),
			candleAt(15, 115),
			candleAt(20, 500),
		})

		// assert: backfill wins inside its range, the live tail survives
		snapshot := store.Snapshot(key)
		require.Len(t, snapshot, 4)
		assert.Equal(t, 500.0, snapshot[2].Close)
		assert.Equal(t, 125.0, snapshot[3].Close)
	})

	t.Run("empty batch clears the window", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)
		store.Upsert(key, candleAt(1, 101))

		// act
		store.BulkReplace(key, nil)

		// assert
		assert.Equal(t, 0, store.Len(key))
	})

	t.Run("capacity applies after the merge", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(3)
		store.Upsert(key, candleAt(30, 130))

		// act
		store.BulkReplace(key, []*eventmodels.Candle{
			candleAt(10, 110),
			candleAt(15, 115),
			candleAt(20, 120),
			candleAt(25, 125),
		})

		// assert: oldest backfilled bars are evicted first
		snapshot := store.Snapshot(key)
		require.Len(t, snapshot, 3)
		assert.Equal(t, 120.0, snapshot[0].Close)
		assert.Equal(t, 130.0, snapshot[2].Close)
	})
}

func TestCandleDataStoreSnapshots(t *testing.T) {
	key := eventmodels.NewSeriesKey("BTCUSDT", eventmodels.Interval1h)

	t.Run("snapshot is a copy, not a view", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)
		store.Upsert(key, candleAt(1, 101))

		// act
		snapshot := store.Snapshot(key)
		snapshot[0] = candleAt(1, 999)

		// assert
		assert.Equal(t, 101.0, store.Snapshot(key)[0].Close)
	})

	t.Run("clean snapshot drops inconsistent candles", func(t *testing.T) {
		// arrange
		store := NewCandleDataStore(100)
		store.Upsert(key, candleAt(1, 101))

		broken := candleAt(2, 102)
		broken.High = broken.Low - 10
		store.Upsert(key, broken)

		// act
		clean := store.CleanSnapshot(key)

		// assert: the raw window keeps everything
		require.Len(t, clean, 1)
		assert.Equal(t, 101.0, clean[0].Close)
		assert.Equal(t, 2, store.Len(key))
	})

	t.Run("unknown key yields an empty snapshot", func(t *testing.T) {
		store := NewCandleDataStore(100)
		assert.Empty(t, store.Snapshot(eventmodels.NewSeriesKey("XRPUSDT", eventmodels.Interval1m)))
	})
}
