package billing

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/chatquota/pkg/apperr"
	"github.com/platinummonkey/chatquota/pkg/async"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/contextkeys"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
	"github.com/platinummonkey/chatquota/pkg/storage/postgres"
)

// Audit outcomes
const (
	outcomeApplied    = "applied"
	outcomeTerminal   = "ignored_terminal"
	outcomeSuperseded = "superseded"
)

const (
	archiveTimeout   = 30 * time.Second
	webhookTxRetries = 3
)

// WebhookProcessor applies provider notifications
type WebhookProcessor struct {
	db       *sql.DB
	store    *Store
	users    *chatusers.Store
	settings *settings.Store
	dedup    *Deduper
	locks    *async.KeyedMutex
	archiver Archiver
	token    string
	metrics  *observability.Metrics
	now      func() time.Time
}

// WebhookConfig configures the processor
type WebhookConfig struct {
	// Token is the shared secret sent by the provider in asaas-access-token
	Token string
	// Archiver is optional
	Archiver Archiver
}

// NewWebhookProcessor creates a webhook processor
func NewWebhookProcessor(db *sql.DB, store *Store, users *chatusers.Store, settingsStore *settings.Store, dedup *Deduper, metrics *observability.Metrics, cfg WebhookConfig) *WebhookProcessor {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &WebhookProcessor{
		db:       db,
		store:    store,
		users:    users,
		settings: settingsStore,
		dedup:    dedup,
		locks:    async.NewKeyedMutex(),
		archiver: cfg.Archiver,
		token:    cfg.Token,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Process authenticates, parses and applies one delivery. Rejections are
// returned as typed errors; everything accepted is acknowledged.
func (p *WebhookProcessor) Process(ctx context.Context, authToken string, body []byte) (Ack, error) {
	ctx, span := observability.StartSpan(ctx, "billing.ProcessWebhook")
	defer span.End()
	logger := observability.FromContext(ctx)

	if p.token == "" || subtle.ConstantTimeCompare([]byte(authToken), []byte(p.token)) != 1 {
		logger.WithField("client_ip", contextkeys.GetClientIP(ctx)).Warn("webhook rejected: invalid access token")
		p.metrics.WebhookEventsTotal.WithLabelValues("unknown", "unauthorized").Inc()
		return "", apperr.Authentication("invalid webhook token")
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return "", apperr.Validation("payload", "malformed webhook payload: %v", err)
	}

	ack, err := p.process(ctx, &payload)
	event := eventLabel(payload.Event)
	if err != nil {
		span.RecordError(err)
		p.metrics.WebhookEventsTotal.WithLabelValues(event, "error").Inc()
		return "", err
	}
	p.metrics.WebhookEventsTotal.WithLabelValues(event, string(ack)).Inc()

	if ack == AckProcessed && p.archiver != nil {
		name := payload.DedupKey()
		if name == "" {
			name = uuid.NewString()
		}
		name = strings.ReplaceAll(name, "/", "_")
		async.SafeGo(ctx, archiveTimeout, "archive_webhook", func(ctx context.Context) error {
			return p.archiver.Archive(ctx, name, body)
		})
	}
	return ack, nil
}

func (p *WebhookProcessor) process(ctx context.Context, payload *WebhookPayload) (Ack, error) {
	logger := observability.FromContext(ctx).WithField("event", payload.Event)
	subID := payload.SubscriptionID()

	if !knownEvent(payload.Event) {
		logger.WithFields(map[string]interface{}{
			"event_id":                 payload.ID,
			"provider_subscription_id": subID,
		}).Info("ignoring unhandled webhook event")
		return AckIgnored, nil
	}
	if subID == "" {
		return "", apperr.Validation("subscription", "webhook payload has no subscription id")
	}
	logger = logger.WithField("provider_subscription_id", subID)

	unlock := p.locks.Lock(subID)
	defer unlock()

	key := payload.DedupKey()
	if key != "" && p.dedup != nil && !p.dedup.Claim(ctx, key) {
		logger.WithField("dedup_key", key).Info("duplicate webhook delivery")
		return AckDuplicate, nil
	}

	var (
		ack        Ack
		transition *chatusers.Transition
	)
	snap := p.settings.Current()
	err := postgres.WithRetryableTx(ctx, p.db, nil, webhookTxRetries, nil, func(tx *sql.Tx) error {
		ack, transition = "", nil

		sub, err := p.store.LockByProviderID(ctx, tx, subID)
		if err != nil {
			return err
		}

		if payload.ID != "" {
			seen, err := p.store.EventSeen(ctx, tx, payload.ID)
			if err != nil {
				return err
			}
			if seen {
				ack = AckDuplicate
				return nil
			}
		}

		now := p.now()
		previous := sub.Status
		outcome := outcomeApplied
		var target chatusers.Tier

		if sub.Status == StatusRefunded {
			outcome = outcomeTerminal
		} else {
			current, err := p.store.GetOutstandingExcept(ctx, tx, sub.ChatUserID, sub.ID)
			if err != nil {
				return err
			}
			target = applyEvent(sub, payload.Event, now)
			if current != nil {
				// The user checked out again; this subscription no longer
				// decides the tier and must not become outstanding.
				outcome = outcomeSuperseded
				if sub.Status.Outstanding() {
					sub.Status = StatusSuspended
				}
				logger.WithFields(map[string]interface{}{
					"chat_user_id":            sub.ChatUserID,
					"current_subscription_id": current.ProviderSubscriptionID,
					"amount":                  sub.Amount,
					"status":                  sub.Status,
				}).Warn("event for superseded subscription, tier left unchanged")
			}
			if err := p.store.UpdateStatus(ctx, tx, sub, now); err != nil {
				return err
			}
			if current == nil {
				transition, err = p.applyTier(ctx, tx, sub.ChatUserID, target, snap)
				if err != nil {
					return err
				}
			}
		}

		if err := p.store.InsertEvent(ctx, tx, &Event{
			SubscriptionID: sub.ID,
			EventID:        optional(payload.ID),
			EventType:      payload.Event,
			PreviousStatus: previous,
			NewStatus:      sub.Status,
			Outcome:        outcome,
			RequestID:      contextkeys.GetRequestID(ctx),
			ReceivedAt:     now,
		}); err != nil {
			return err
		}

		ack = AckProcessed
		return nil
	})
	if err != nil {
		if key != "" && p.dedup != nil {
			p.dedup.Release(ctx, key)
		}
		return "", err
	}

	if transition != nil {
		p.metrics.TierTransitionsTotal.WithLabelValues(string(transition.From), string(transition.To), transition.Source).Inc()
		logger.WithField("transition", transition.String()).Info("chat user tier changed")
	}
	return ack, nil
}

// applyEvent overwrites the subscription state for event and returns the
// tier the user must end up with
func applyEvent(sub *Subscription, event string, now time.Time) chatusers.Tier {
	switch event {
	case EventPaymentConfirmed:
		sub.Status = StatusActive
		sub.ActivatedAt = &now
		return chatusers.TierPremium
	case EventPaymentReceived:
		sub.Status = StatusActive
		if sub.ActivatedAt == nil {
			sub.ActivatedAt = &now
		}
		return chatusers.TierPremium
	case EventPaymentOverdue:
		sub.Status = StatusOverdue
		return chatusers.TierVerified
	case EventPaymentRefunded:
		sub.Status = StatusRefunded
		sub.CancelledAt = &now
		return chatusers.TierVerified
	}
	return ""
}

func (p *WebhookProcessor) applyTier(ctx context.Context, tx *sql.Tx, chatUserID int64, target chatusers.Tier, snap settings.Snapshot) (*chatusers.Transition, error) {
	u, err := p.users.LockByID(ctx, tx, chatUserID)
	if err != nil {
		return nil, err
	}

	limit := chatusers.LimitFor(target, snap)
	if target == chatusers.TierPremium && u.Tier == chatusers.TierPremium {
		return nil, nil
	}
	if u.Tier == target && u.QuestionLimit == limit {
		return nil, nil
	}

	from := u.Tier
	if err := p.users.SetTier(ctx, tx, u, target, limit); err != nil {
		return nil, err
	}
	if from == target {
		return nil, nil
	}
	return &chatusers.Transition{From: from, To: target, Source: "webhook"}, nil
}

func knownEvent(event string) bool {
	switch event {
	case EventPaymentConfirmed, EventPaymentReceived, EventPaymentOverdue, EventPaymentRefunded:
		return true
	}
	return false
}

// eventLabel bounds metric label cardinality to the handled events
func eventLabel(event string) string {
	if knownEvent(event) {
		return event
	}
	return "other"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
