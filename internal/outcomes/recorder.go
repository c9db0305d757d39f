package outcomes

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
)

// EvaluationSource looks up the evaluation an outcome refers to.
type EvaluationSource interface {
	GetByID(id int64) (*domain.Evaluation, error)
}

// WeightLearner folds a realized result back into the regime weights.
type WeightLearner interface {
	RecordOutcome(ev *domain.Evaluation, realizedRR float64)
}

// Recorder is the write path for ground truth: persist the outcome, then
// credit or debit the providers that voted on the evaluation.
type Recorder struct {
	outcomes    *Repository
	evaluations EvaluationSource
	learner     WeightLearner
	log         zerolog.Logger
}

func NewRecorder(outcomes *Repository, evaluations EvaluationSource, learner WeightLearner, log zerolog.Logger) *Recorder {
	return &Recorder{
		outcomes:    outcomes,
		evaluations: evaluations,
		learner:     learner,
		log:         log.With().Str("component", "outcomes").Logger(),
	}
}

// Record persists one outcome and updates the weight tables. Trades never
// taken still persist, but teach the weights nothing.
func (r *Recorder) Record(o *domain.Outcome) error {
	ev, err := r.evaluations.GetByID(o.EvaluationID)
	if err != nil {
		return fmt.Errorf("outcome for unknown evaluation %d: %w", o.EvaluationID, err)
	}

	if err := r.outcomes.Insert(o); err != nil {
		return err
	}

	if o.TradeTaken && r.learner != nil {
		r.learner.RecordOutcome(ev, o.RealizedRR)
	}

	r.log.Info().
		Int64("evaluation_id", o.EvaluationID).
		Bool("trade_taken", o.TradeTaken).
		Float64("realized_rr", o.RealizedRR).
		Msg("Outcome recorded")
	return nil
}
