package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/outcomes"
	"github.com/aristath/tradebridge/internal/scheduler"
)

// trackedJob records every run of the wrapped job in the analytics-job
// history so operators can see what ran and how it ended.
type trackedJob struct {
	inner scheduler.Job
	repo  *outcomes.JobRepository
	log   zerolog.Logger
}

func track(job scheduler.Job, repo *outcomes.JobRepository, log zerolog.Logger) scheduler.Job {
	return &trackedJob{inner: job, repo: repo, log: log}
}

func (t *trackedJob) Name() string { return t.inner.Name() }

func (t *trackedJob) Run() error {
	id, err := t.repo.Append(t.inner.Name())
	if err != nil {
		// History is best-effort; the job itself still runs.
		t.log.Warn().Err(err).Str("job", t.inner.Name()).Msg("Failed to record job start")
		id = 0
	}

	runErr := t.inner.Run()

	if id != 0 {
		status, detail := outcomes.JobCompleted, ""
		if runErr != nil {
			status, detail = outcomes.JobFailed, runErr.Error()
		}
		if err := t.repo.Update(id, status, detail); err != nil {
			t.log.Warn().Err(err).Str("job", t.inner.Name()).Msg("Failed to record job finish")
		}
	}
	return runErr
}
