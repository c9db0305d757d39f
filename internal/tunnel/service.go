package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const commandTimeout = 30 * time.Second

// ServiceRestarter restarts a host service through the system service
// manager. The sequence is query, stop, start: querying first surfaces a
// missing unit before anything is torn down, and a separate stop/start is
// more reliable than restart when the service is wedged.
type ServiceRestarter struct {
	service string
	log     zerolog.Logger
}

func NewServiceRestarter(service string, log zerolog.Logger) *ServiceRestarter {
	return &ServiceRestarter{
		service: service,
		log:     log.With().Str("component", "tunnel_service").Logger(),
	}
}

func (s *ServiceRestarter) Restart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if out, err := s.run(ctx, "status", s.service); err != nil {
		return fmt.Errorf("query service %s: %w (%s)", s.service, err, out)
	}

	if out, err := s.run(ctx, "stop", s.service); err != nil {
		// A stop failure is not fatal; the service may already be down.
		s.log.Warn().Err(err).Str("output", out).Msg("Service stop failed")
	}

	if out, err := s.run(ctx, "start", s.service); err != nil {
		return fmt.Errorf("start service %s: %w (%s)", s.service, err, out)
	}

	s.log.Info().Str("service", s.service).Msg("Tunnel service restarted")
	return nil
}

func (s *ServiceRestarter) run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	return string(out), err
}
