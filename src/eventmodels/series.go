package eventmodels

import "fmt"

// Interval is a Binance kline interval, e.g. "15m" or "1h".
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
)

var supportedIntervals = map[Interval]struct{}{
	Interval1m:  {},
	Interval3m:  {},
	Interval5m:  {},
	Interval15m: {},
	Interval30m: {},
	Interval1h:  {},
	Interval2h:  {},
	Interval4h:  {},
	Interval6h:  {},
	Interval8h:  {},
	Interval12h: {},
	Interval1d:  {},
}

func (i Interval) IsSupported() bool {
	_, found := supportedIntervals[i]
	return found
}

// SeriesKey identifies one candle series: a symbol at a fixed interval. It is
// used as the map key across the data store, the backfill scheduler and the
// persistent cache.
type SeriesKey struct {
	Symbol   string
	Interval Interval
}

func NewSeriesKey(symbol string, interval Interval) SeriesKey {
	return SeriesKey{
		Symbol:   symbol,
		Interval: interval,
	}
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s-%s", k.Symbol, k.Interval)
}

func (k SeriesKey) Validate() error {
	if k.Symbol == "" {
		return fmt.Errorf("SeriesKey.Validate: missing symbol")
	}

	if !k.Interval.IsSupported() {
		return fmt.Errorf("SeriesKey.Validate: unsupported interval: %s", k.Interval)
	}

	return nil
}
