package eventmodels

// InstrumentStats carries the 24h activity metrics for one futures symbol,
// fetched from the ticker endpoint. The slice held by the symbol manager is
// replaced wholesale on each refresh; readers only ever see full snapshots.
type InstrumentStats struct {
	Symbol             string
	QuoteVolume24h     float64
	PriceChangePercent float64
	TradeCount         int64
	LastPrice          float64
	QualityScore       float64
}

// SymbolSelectionStrategy determines how the symbol manager ranks the
// tradable universe before truncating it to the configured maximum.
type SymbolSelectionStrategy string

const (
	SelectionStrategyQuality SymbolSelectionStrategy = "quality"
	SelectionStrategyVolume  SymbolSelectionStrategy = "volume"
	SelectionStrategyRandom  SymbolSelectionStrategy = "random"
)
