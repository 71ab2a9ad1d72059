package verification

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

// CleanupScheduler runs CleanupExpired on a cron schedule
type CleanupScheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *observability.Logger
}

// NewCleanupScheduler registers the cleanup job. spec uses the standard cron
// syntax including descriptors such as "@hourly".
func NewCleanupScheduler(service *Service, spec string, logger *observability.Logger) (*CleanupScheduler, error) {
	s := &CleanupScheduler{
		cron:    cron.New(),
		service: service,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *CleanupScheduler) run() {
	n, err := s.service.CleanupExpired(context.Background())
	if err != nil {
		s.logger.WithError(err).Error("expired token cleanup failed")
		return
	}
	s.logger.WithField("deleted", n).Info("expired tokens cleaned up")
}

// Start begins running the schedule in the background
func (s *CleanupScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job until ctx is done
func (s *CleanupScheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
