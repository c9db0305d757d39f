package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/trailing"
)

// Default schedules. Seconds-resolution cron expressions.
const (
	TrailingSchedule    = "@every 30s"
	WeightFlushSchedule = "@every 5m"
	BackupSchedule      = "0 0 22 * * MON-FRI" // after the close
)

const jobTimeout = 2 * time.Minute

// TrailingJob runs one trailing-stop pass over all tracked positions.
type TrailingJob struct {
	executor *trailing.Executor
	log      zerolog.Logger
}

func NewTrailingJob(executor *trailing.Executor, log zerolog.Logger) *TrailingJob {
	return &TrailingJob{
		executor: executor,
		log:      log.With().Str("job", "trailing_stops").Logger(),
	}
}

func (j *TrailingJob) Name() string { return "trailing_stops" }

func (j *TrailingJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary := j.executor.ProcessTrailingStops(ctx)
	if summary.Processed > 0 {
		j.log.Info().
			Int("processed", summary.Processed).
			Int("modified", summary.Modified).
			Int("errors", summary.Errors).
			Msg("Trailing pass complete")
	}
	return nil
}

// WeightStore is the slice of the ensemble scorer the flush job needs.
type WeightStore interface {
	Dirty() bool
	MarshalString() (string, error)
	MarkFlushed()
}

// ConfigStore persists the serialized weight table.
type ConfigStore interface {
	Set(key, value string) error
}

// WeightTableKey is the risk-config row the serialized table lives under.
const WeightTableKey = "ensemble_weights"

// WeightFlushJob persists the regime weight table when it has changed since
// the last flush, so learned credit survives restarts.
type WeightFlushJob struct {
	weights WeightStore
	store   ConfigStore
	log     zerolog.Logger
}

func NewWeightFlushJob(weights WeightStore, store ConfigStore, log zerolog.Logger) *WeightFlushJob {
	return &WeightFlushJob{
		weights: weights,
		store:   store,
		log:     log.With().Str("job", "weight_flush").Logger(),
	}
}

func (j *WeightFlushJob) Name() string { return "weight_flush" }

func (j *WeightFlushJob) Run() error {
	if !j.weights.Dirty() {
		return nil
	}
	s, err := j.weights.MarshalString()
	if err != nil {
		return err
	}
	if err := j.store.Set(WeightTableKey, s); err != nil {
		return err
	}
	j.weights.MarkFlushed()
	j.log.Info().Msg("Weight table persisted")
	return nil
}

// Snapshotter uploads a point-in-time snapshot of the databases.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// BackupJob ships database snapshots to remote storage.
type BackupJob struct {
	snapshotter Snapshotter
	log         zerolog.Logger
}

func NewBackupJob(snapshotter Snapshotter, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		snapshotter: snapshotter,
		log:         log.With().Str("job", "backup").Logger(),
	}
}

func (j *BackupJob) Name() string { return "backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.snapshotter.Snapshot(ctx); err != nil {
		return err
	}
	j.log.Info().Msg("Backup complete")
	return nil
}
