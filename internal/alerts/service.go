package alerts

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/events"
)

// Service is the ingest front door: normalize, persist, publish. Duplicate
// ingestion is not an error for the caller; the original row stands and the
// duplicate count is reported.
type Service struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger

	duplicates atomic.Int64
}

func NewService(repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("component", "alerts").Logger(),
	}
}

// Ingest stores one alert. The returned bool reports whether this was a
// duplicate of an existing (symbol, alert_time) row.
func (s *Service) Ingest(a *domain.Alert) (bool, error) {
	err := s.repo.Insert(a)
	if errors.Is(err, ErrDuplicate) {
		n := s.duplicates.Add(1)
		s.log.Debug().Str("symbol", a.Symbol).Int64("duplicates", n).Msg("Duplicate alert dropped")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	s.log.Info().Str("symbol", a.Symbol).Str("strategy", a.Strategy).Int64("alert_id", a.ID).Msg("Alert ingested")
	if s.bus != nil {
		s.bus.Publish("alerts", &events.AlertData{
			AlertID:  a.ID,
			Symbol:   a.Symbol,
			Strategy: a.Strategy,
		})
	}
	return false, nil
}

// DuplicateCount reports how many duplicates were dropped since start.
func (s *Service) DuplicateCount() int64 {
	return s.duplicates.Load()
}

// Recent proxies the repository for the HTTP layer.
func (s *Service) Recent(limit int) ([]*domain.Alert, error) {
	return s.repo.Recent(limit)
}
