package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// The task is detached from the parent's cancellation (so it outlives the
// HTTP request that started it) but keeps its values for logging.
//
// Example:
//
//	SafeGo(r.Context(), 10*time.Second, "verification email", func(ctx context.Context) error {
//	    return mailer.SendVerification(ctx, email, link)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		logger := observability.FromContext(ctx).WithField("task", taskName)

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Error("background task failed")
		}
	}()
	return done
}
