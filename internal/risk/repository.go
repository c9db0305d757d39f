package risk

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// OverridesKey is the row holding the operator's serialized risk-config
// overrides. Overrides can only tighten the compiled-in limits.
const OverridesKey = "risk_overrides"

// ConfigRepository persists runtime risk-config rows and other small
// key/value state (ensemble weight tables) in the scoring database.
type ConfigRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConfigRepository creates the repository and bootstraps its table.
func NewConfigRepository(db *sql.DB, log zerolog.Logger) (*ConfigRepository, error) {
	r := &ConfigRepository{
		db:  db,
		log: log.With().Str("repo", "risk_config").Logger(),
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ConfigRepository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS risk_config (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create risk_config table: %w", err)
	}
	return nil
}

// Get returns the value for a key, or "" when the key is absent.
func (r *ConfigRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM risk_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read risk_config %q: %w", key, err)
	}
	return value, nil
}

// Set writes a key/value row (idempotent upsert).
func (r *ConfigRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO risk_config (key, value, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write risk_config %q: %w", key, err)
	}
	return nil
}

// GetFloat returns a float-valued row; 0 when absent or malformed.
func (r *ConfigRepository) GetFloat(key string) (float64, error) {
	s, err := r.Get(key)
	if err != nil || s == "" {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", s).Msg("Malformed numeric risk_config row, ignoring")
		return 0, nil
	}
	return f, nil
}
