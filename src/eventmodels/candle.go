package eventmodels

import (
	"fmt"
	"time"
)

type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// IsConsistent reports whether the candle satisfies basic OHLC invariants:
// positive prices, high at or above open/close, low at or below open/close.
func (c *Candle) IsConsistent() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return false
	}

	if c.Volume < 0 {
		return false
	}

	if c.High < c.Open || c.High < c.Close {
		return false
	}

	if c.Low > c.Open || c.Low > c.Close {
		return false
	}

	return true
}

func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("Candle.Validate: missing timestamp")
	}

	if !c.IsConsistent() {
		return fmt.Errorf("Candle.Validate: inconsistent ohlc values: o=%v h=%v l=%v c=%v v=%v", c.Open, c.High, c.Low, c.Close, c.Volume)
	}

	return nil
}
