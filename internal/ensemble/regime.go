package ensemble

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tradebridge/internal/domain"
)

// regime classification thresholds, tuned for 5 s real-time bars.
const (
	regimeMinBars     = 30
	adxTrendThreshold = 25.0
	atrVolThreshold   = 0.004 // ATR / close ratio above which the tape is "volatile"
	regimePeriod      = 14
)

// BarSource supplies recent bars for a symbol. The IBKR subscription
// registry's ring buffers implement this.
type BarSource interface {
	RecentBars(symbol string) []domain.Bar
}

// RegimeClassifier labels the current market state per symbol from recent
// bars: directional strength (ADX) picks out trends, relative ATR separates
// volatile chop from quiet chop. With too little data it reports CHOP, the
// neutral prior.
type RegimeClassifier struct {
	bars BarSource
}

// NewRegimeClassifier creates a classifier over a bar source.
func NewRegimeClassifier(bars BarSource) *RegimeClassifier {
	return &RegimeClassifier{bars: bars}
}

// Classify returns the regime label for a symbol.
func (c *RegimeClassifier) Classify(symbol string) domain.Regime {
	if c.bars == nil {
		return domain.RegimeChop
	}
	bars := c.bars.RecentBars(symbol)
	if len(bars) < regimeMinBars {
		return domain.RegimeChop
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	adx := talib.Adx(high, low, closes, regimePeriod)
	atr := talib.Atr(high, low, closes, regimePeriod)

	lastADX := adx[len(adx)-1]
	lastATR := atr[len(atr)-1]
	lastClose := closes[len(closes)-1]

	if lastClose > 0 && lastATR/lastClose > atrVolThreshold {
		return domain.RegimeVolatile
	}
	if lastADX >= adxTrendThreshold {
		return domain.RegimeTrending
	}
	return domain.RegimeChop
}
