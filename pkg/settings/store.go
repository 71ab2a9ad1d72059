package settings

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

// Source provides raw key/value overrides
type Source interface {
	Name() string
	Load(ctx context.Context) (map[string]string, error)
}

// Store serves the current settings snapshot
type Store struct {
	current atomic.Pointer[Snapshot]
	sources []Source
	logger  *observability.Logger
}

// NewStore creates a store holding Defaults until the first Refresh
func NewStore(logger *observability.Logger, sources ...Source) *Store {
	s := &Store{sources: sources, logger: logger}
	defaults := Defaults()
	defaults.LoadedAt = time.Now()
	s.current.Store(&defaults)
	return s
}

// NewStaticStore returns a store that always serves snap
func NewStaticStore(snap Snapshot) *Store {
	s := &Store{logger: observability.NewLogger(observability.ErrorLevel, nil)}
	s.current.Store(&snap)
	return s
}

// Current returns the active snapshot
func (s *Store) Current() Snapshot {
	return *s.current.Load()
}

// Refresh rebuilds the snapshot from Defaults and every source. If any source
// fails the previous snapshot stays active and the error is returned.
func (s *Store) Refresh(ctx context.Context) error {
	snap := Defaults()

	for _, src := range s.sources {
		values, err := src.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load settings from %s: %w", src.Name(), err)
		}
		for _, err := range apply(&snap, values) {
			s.logger.WithError(err).WithField("source", src.Name()).Warn("ignoring invalid setting")
		}
	}

	snap.LoadedAt = time.Now()
	s.current.Store(&snap)

	s.logger.WithFields(map[string]interface{}{
		"trial_limit":    snap.TrialLimit,
		"verified_limit": snap.VerifiedLimit,
		"monthly_price":  snap.MonthlyPrice,
		"chat_enabled":   snap.ChatEnabled,
	}).Info("settings refreshed")
	return nil
}

// apply overlays values onto snap. Invalid values leave the field untouched.
func apply(snap *Snapshot, values map[string]string) []error {
	var errs []error
	for key, raw := range values {
		raw = strings.TrimSpace(raw)
		var err error
		switch key {
		case KeyTrialLimit:
			err = setLimit(&snap.TrialLimit, raw)
		case KeyVerifiedLimit:
			err = setLimit(&snap.VerifiedLimit, raw)
		case KeyMonthlyPrice:
			var v float64
			v, err = strconv.ParseFloat(raw, 64)
			if err == nil && (v <= 0 || math.IsInf(v, 0) || math.IsNaN(v)) {
				err = fmt.Errorf("must be a positive amount")
			}
			if err == nil {
				snap.MonthlyPrice = math.Round(v*100) / 100
			}
		case KeySignupURL:
			err = setNonEmpty(&snap.SignupURL, raw)
		case KeyPremiumURL:
			err = setNonEmpty(&snap.PremiumURL, raw)
		case KeyPrivacyURL:
			err = setNonEmpty(&snap.PrivacyURL, raw)
		case KeyChatEnabled:
			var v bool
			v, err = strconv.ParseBool(raw)
			if err == nil {
				snap.ChatEnabled = v
			}
		case KeyLimitReachedMessage:
			err = setNonEmpty(&snap.LimitReachedMessage, raw)
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("setting %q=%q: %w", key, raw, err))
		}
	}
	return errs
}

func setLimit(dst *int, raw string) error {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("must not be negative")
	}
	*dst = v
	return nil
}

func setNonEmpty(dst *string, raw string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	*dst = raw
	return nil
}

// Values renders snap as the raw key/value form used by sources and Seed
func (snap Snapshot) Values() map[string]string {
	return map[string]string{
		KeyTrialLimit:          strconv.Itoa(snap.TrialLimit),
		KeyVerifiedLimit:       strconv.Itoa(snap.VerifiedLimit),
		KeyMonthlyPrice:        strconv.FormatFloat(snap.MonthlyPrice, 'f', 2, 64),
		KeySignupURL:           snap.SignupURL,
		KeyPremiumURL:          snap.PremiumURL,
		KeyPrivacyURL:          snap.PrivacyURL,
		KeyChatEnabled:         strconv.FormatBool(snap.ChatEnabled),
		KeyLimitReachedMessage: snap.LimitReachedMessage,
	}
}
