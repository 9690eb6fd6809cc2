// Package retry wraps any fallible operation in capped exponential
// backoff. It exists once so the orchestrator's external calls all
// share one policy shape instead of hand-rolling loops per call site.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// Policy controls attempt count and delay growth. Delays double from
// InitialDelay up to MaxDelay; MaxRetries is the number of retries
// after the first attempt.
type Policy struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy matches the documented external-call policy: 3 retries,
// 1s doubling to a 10s cap.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Do runs op under the policy. Backoff delays never hold locks and
// respect ctx cancellation. Errors marked non-retryable (an
// ExternalServiceError with Retryable=false) abort immediately; the
// last error is returned once the budget is exhausted.
func Do(ctx context.Context, log *slog.Logger, name string, p Policy, op func(ctx context.Context) error) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var ext *models.ExternalServiceError
		if errors.As(err, &ext) && !ext.Retryable {
			return backoff.Permanent(err)
		}
		// Missing entities never appear by retrying.
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		log.Warn("retrying operation",
			"op", name, "attempt", attempt, "delay", delay, "error", err)
	}

	return backoff.RetryNotify(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx), notify)
}
