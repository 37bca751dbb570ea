package datastore

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

// HistoricalCandleRecord is the durable form of one candle. Uniqueness on
// (symbol, interval, timestamp) makes bulk writes idempotent.
type HistoricalCandleRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"uniqueIndex:idx_symbol_interval_timestamp;index:idx_series_lookup,priority:1"`
	Interval  string `gorm:"uniqueIndex:idx_symbol_interval_timestamp;index:idx_series_lookup,priority:2"`
	Timestamp int64  `gorm:"uniqueIndex:idx_symbol_interval_timestamp;index:idx_series_lookup,priority:3,sort:desc"`
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CreatedAt time.Time
}

// PositionCacheRecord holds last-known leverage/margin side data per symbol
// with a freshness timestamp.
type PositionCacheRecord struct {
	Symbol     string `gorm:"primaryKey"`
	Leverage   int
	MarginType string
	UpdatedAt  time.Time
}

// CandleCache is the postgres-backed persistent cache consulted before the
// rate-limited source. It is deliberately dumb: lookups, idempotent bulk
// inserts and TTL checks, nothing else.
type CandleCache struct {
	db *gorm.DB
}

func NewCandleCache(db *gorm.DB) *CandleCache {
	return &CandleCache{db: db}
}

// LoadCandles returns up to limit of the most recent cached candles for the
// series, oldest first.
func (c *CandleCache) LoadCandles(key eventmodels.SeriesKey, limit int) ([]*eventmodels.Candle, error) {
	var records []HistoricalCandleRecord

	result := c.db.Where("symbol = ? AND interval = ?", key.Symbol, string(key.Interval)).
		Order("timestamp DESC").
		Limit(limit).
		Find(&records)

	if result.Error != nil {
		return nil, fmt.Errorf("CandleCache.LoadCandles: query failed for %s: %w", key, result.Error)
	}

	candles := make([]*eventmodels.Candle, len(records))
	for i, record := range records {
		// records arrive newest first; reverse into chronological order
		candles[len(records)-1-i] = &eventmodels.Candle{
			Timestamp: time.UnixMilli(record.Timestamp).UTC(),
			Open:      record.Open,
			High:      record.High,
			Low:       record.Low,
			Close:     record.Close,
			Volume:    record.Volume,
		}
	}

	return candles, nil
}

// StoreCandles writes the batch through with upsert-on-conflict semantics.
func (c *CandleCache) StoreCandles(key eventmodels.SeriesKey, candles []*eventmodels.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	records := make([]HistoricalCandleRecord, len(candles))
	for i, candle := range candles {
		records[i] = HistoricalCandleRecord{
			Symbol:    key.Symbol,
			Interval:  string(key.Interval),
			Timestamp: candle.Timestamp.UnixMilli(),
			Open:      candle.Open,
			High:      candle.High,
			Low:       candle.Low,
			Close:     candle.Close,
			Volume:    candle.Volume,
		}
	}

	result := c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).CreateInBatches(records, 500)

	if result.Error != nil {
		return fmt.Errorf("CandleCache.StoreCandles: insert failed for %s: %w", key, result.Error)
	}

	log.Debugf("stored %d candles for %s", len(records), key)
	return nil
}

// CachePositionInfo stores last-known leverage/margin type for a symbol.
func (c *CandleCache) CachePositionInfo(symbol string, leverage int, marginType string) error {
	record := PositionCacheRecord{
		Symbol:     symbol,
		Leverage:   leverage,
		MarginType: marginType,
		UpdatedAt:  time.Now().UTC(),
	}

	result := c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"leverage", "margin_type", "updated_at"}),
	}).Create(&record)

	if result.Error != nil {
		return fmt.Errorf("CandleCache.CachePositionInfo: upsert failed for %s: %w", symbol, result.Error)
	}

	return nil
}

// GetCachedPositionInfo returns the cached leverage/margin type for a symbol
// if it is fresher than maxAge. A stale or missing entry reports found=false.
func (c *CandleCache) GetCachedPositionInfo(symbol string, maxAge time.Duration) (int, string, bool, error) {
	var record PositionCacheRecord

	result := c.db.Where("symbol = ?", symbol).First(&record)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return 0, "", false, nil
		}

		return 0, "", false, fmt.Errorf("CandleCache.GetCachedPositionInfo: query failed for %s: %w", symbol, result.Error)
	}

	if time.Since(record.UpdatedAt) > maxAge {
		return 0, "", false, nil
	}

	return record.Leverage, record.MarginType, true, nil
}

// CleanupOldData drops historical candles older than the retention window.
// Run from a maintenance ticker, never from the serving path.
func (c *CandleCache) CleanupOldData(retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)

	result := c.db.Where("created_at < ?", cutoff).Delete(&HistoricalCandleRecord{})
	if result.Error != nil {
		return fmt.Errorf("CandleCache.CleanupOldData: delete failed: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		log.Infof("cleaned up %d historical candles older than %v", result.RowsAffected, retention)
	}

	return nil
}
