package ensemble

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tradebridge/internal/domain"
)

// DefaultDisagreementK is the default disagreement-penalty coefficient.
const DefaultDisagreementK = 1.5

// DefaultMinScore is the inclusive trade-score threshold.
const DefaultMinScore = 40.0

// AggregateConfig tunes the ensemble aggregation.
type AggregateConfig struct {
	// Weights maps provider id to configured weight. Missing providers get
	// zero weight; the compliant subset is renormalized to sum to 1.
	Weights map[string]float64
	// DisagreementK is the penalty coefficient k in k*spread^2/10000.
	DisagreementK float64
	// MinScore is the inclusive penalized-score threshold for should_trade.
	MinScore float64
}

// Result is the aggregated ensemble output. All scalar fields are rounded to
// two decimal places. TradeScore is deliberately not clamped at zero: large
// spreads can drive it negative, and downstream consumers treat a negative
// score as no-trade.
type Result struct {
	TradeScore  float64            `json:"trade_score"`
	MedianScore float64            `json:"median_score"`
	ExpectedRR  float64            `json:"expected_rr"`
	Confidence  float64            `json:"confidence"`
	ScoreSpread float64            `json:"score_spread"`
	Penalty     float64            `json:"penalty"`
	Majority    bool               `json:"majority"`
	Unanimous   bool               `json:"unanimous"`
	ShouldTrade bool               `json:"should_trade"`
	WeightsUsed map[string]float64 `json:"weights_used"`
	Compliant   int                `json:"compliant"`
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Aggregate combines compliant provider scores into one ensemble decision.
// Non-compliant entries must already be filtered out by the caller; entries
// with Compliant == false are skipped here too.
func Aggregate(scores []domain.ProviderScore, cfg AggregateConfig) Result {
	if cfg.DisagreementK == 0 {
		cfg.DisagreementK = DefaultDisagreementK
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = DefaultMinScore
	}

	compliant := make([]domain.ProviderScore, 0, len(scores))
	for _, s := range scores {
		if s.Compliant {
			compliant = append(compliant, s)
		}
	}

	// Zero compliant providers: sentinel "no trade" ensemble.
	if len(compliant) == 0 {
		return Result{Unanimous: true, WeightsUsed: map[string]float64{}}
	}

	// Deterministic aggregation order regardless of arrival order.
	sort.Slice(compliant, func(i, j int) bool {
		return compliant[i].ProviderID < compliant[j].ProviderID
	})

	// Restrict the configured weights to the compliant subset and
	// renormalize so they sum to 1. With no configured weights (or all
	// zero) every compliant provider gets an equal share.
	weights := make([]float64, len(compliant))
	var wsum float64
	for i, s := range compliant {
		weights[i] = cfg.Weights[s.ProviderID]
		wsum += weights[i]
	}
	if wsum <= 0 {
		for i := range weights {
			weights[i] = 1
		}
		wsum = float64(len(weights))
	}
	used := make(map[string]float64, len(compliant))
	for i := range weights {
		weights[i] /= wsum
		used[compliant[i].ProviderID] = weights[i]
	}

	scoreVals := make([]float64, len(compliant))
	rrVals := make([]float64, len(compliant))
	confVals := make([]float64, len(compliant))
	trueVotes := 0
	for i, s := range compliant {
		scoreVals[i] = s.Score
		rrVals[i] = s.ExpectedRR
		confVals[i] = s.Confidence
		if s.ShouldTrade {
			trueVotes++
		}
	}

	weighted := stat.Mean(scoreVals, weights)
	weightedRR := stat.Mean(rrVals, weights)
	weightedConf := stat.Mean(confVals, weights)

	minScore, maxScore := scoreVals[0], scoreVals[0]
	for _, v := range scoreVals[1:] {
		minScore = math.Min(minScore, v)
		maxScore = math.Max(maxScore, v)
	}
	spread := maxScore - minScore
	penalty := cfg.DisagreementK * spread * spread / 10000
	penalized := weighted - penalty

	majority := trueVotes > len(compliant)/2
	unanimous := trueVotes == 0 || trueVotes == len(compliant)

	res := Result{
		TradeScore:  round2(penalized),
		MedianScore: round2(median(scoreVals)),
		ExpectedRR:  round2(weightedRR),
		Confidence:  round2(weightedConf),
		ScoreSpread: round2(spread),
		Penalty:     round2(penalty),
		Majority:    majority,
		Unanimous:   unanimous,
		WeightsUsed: used,
		Compliant:   len(compliant),
	}
	// Inclusive threshold: a penalized score of exactly MinScore trades.
	res.ShouldTrade = majority && res.TradeScore >= cfg.MinScore
	return res
}

// median returns the statistical median of vals. vals must be non-empty;
// it is sorted in place.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
