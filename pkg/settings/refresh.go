package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const refreshTimeout = 10 * time.Second

// RefreshScheduler periodically reloads a Store so that edits to the
// system_settings table reach running processes
type RefreshScheduler struct {
	cron  *cron.Cron
	store *Store
}

// NewRefreshScheduler registers a Refresh of store on spec, which uses the
// standard cron syntax including descriptors such as "@every 1m"
func NewRefreshScheduler(store *Store, spec string) (*RefreshScheduler, error) {
	s := &RefreshScheduler{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		store: store,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid settings refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *RefreshScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.store.Refresh(ctx); err != nil {
		s.store.logger.WithError(err).Warn("scheduled settings refresh failed, keeping previous snapshot")
	}
}

// Start begins running the schedule in the background
func (s *RefreshScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running refresh until ctx is done
func (s *RefreshScheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
