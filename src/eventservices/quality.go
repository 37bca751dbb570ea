package eventservices

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

// quality score weights: liquidity dominates, activity and volatility refine
const (
	volumeWeight     = 0.5
	tradeCountWeight = 0.3
	volatilityWeight = 0.2
)

// ScoreInstruments assigns each instrument a composite quality score built
// from z-scores of 24h quote volume, trade count and absolute price change
// across the whole universe. Scores are only meaningful relative to the batch
// they were computed in.
func ScoreInstruments(instruments []*eventmodels.InstrumentStats) {
	if len(instruments) < 2 {
		for _, instrument := range instruments {
			instrument.QualityScore = 0
		}

		return
	}

	volumes := make([]float64, len(instruments))
	tradeCounts := make([]float64, len(instruments))
	changes := make([]float64, len(instruments))

	for i, instrument := range instruments {
		// log-scale volume and trade count: the universe spans several
		// orders of magnitude and raw z-scores would be dominated by BTC/ETH
		volumes[i] = math.Log1p(instrument.QuoteVolume24h)
		tradeCounts[i] = math.Log1p(float64(instrument.TradeCount))
		changes[i] = math.Abs(instrument.PriceChangePercent)
	}

	volumeScores := zScores(volumes)
	tradeCountScores := zScores(tradeCounts)
	changeScores := zScores(changes)

	for i, instrument := range instruments {
		instrument.QualityScore = volumeWeight*volumeScores[i] + tradeCountWeight*tradeCountScores[i] + volatilityWeight*changeScores[i]
	}
}

func zScores(values []float64) []float64 {
	mean, err := stats.Mean(values)
	if err != nil {
		return make([]float64, len(values))
	}

	stddev, err := stats.StandardDeviation(values)
	if err != nil || stddev == 0 {
		return make([]float64, len(values))
	}

	scores := make([]float64, len(values))
	for i, value := range values {
		scores[i] = (value - mean) / stddev
	}

	return scores
}
