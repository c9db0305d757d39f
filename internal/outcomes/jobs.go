package outcomes

import (
	"fmt"
	"time"

	"github.com/aristath/tradebridge/internal/database"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// AnalyticsJob is one tracked background analytics run.
type AnalyticsJob struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobRepository appends and updates analytics-job rows so operators can see
// what ran, when, and how it ended.
type JobRepository struct {
	db *database.DB
}

func NewJobRepository(db *database.DB) (*JobRepository, error) {
	r := &JobRepository{db: db}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *JobRepository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS analytics_jobs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL,
			finished_at INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("init analytics_jobs table: %w", err)
	}
	return nil
}

// Append records a job start and returns its id.
func (r *JobRepository) Append(name string) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO analytics_jobs (name, status, started_at)
		VALUES (?, ?, ?)`, name, JobRunning, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("append job %s: %w", name, err)
	}
	return res.LastInsertId()
}

// Update finishes a job with its terminal status and detail.
func (r *JobRepository) Update(id int64, status, detail string) error {
	_, err := r.db.Exec(`
		UPDATE analytics_jobs SET status = ?, detail = ?, finished_at = ?
		WHERE id = ?`, status, detail, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	return nil
}

// Recent returns the newest jobs, most recent first.
func (r *JobRepository) Recent(limit int) ([]*AnalyticsJob, error) {
	rows, err := r.db.Query(`
		SELECT id, name, status, detail, started_at, finished_at
		FROM analytics_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*AnalyticsJob
	for rows.Next() {
		var j AnalyticsJob
		var started int64
		var finished *int64
		if err := rows.Scan(&j.ID, &j.Name, &j.Status, &j.Detail, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.StartedAt = time.Unix(started, 0)
		if finished != nil {
			t := time.Unix(*finished, 0)
			j.FinishedAt = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
