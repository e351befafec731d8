package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/modernjs-estimator/internal/clock/system"
	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

const (
	defaultAttempts = 3
	defaultBackoff  = time.Second
	defaultTimeout  = 70 * time.Second
)

// RetryPolicy re-issues a request a fixed number of times with a fixed pause
// between attempts, all under one overall deadline.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
	Clock    estimator.Clock
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	} else if p.Backoff == 0 {
		p.Backoff = defaultBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.Clock == nil {
		p.Clock = system.New()
	}
	return p
}

// ShouldRetry decides whether the error from attempt is worth another try.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.Attempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return true
}

// Do runs fn until it succeeds, the attempts run out, or ctx ends. Every
// attempt gets its own child context so an abandoned attempt is canceled
// before the next one starts.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var err error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		err = fn(attemptCtx)
		cancelAttempt()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("attempt %d: %w", attempt, errors.Join(err, ctx.Err()))
		}
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		if sleepErr := p.Clock.Sleep(ctx, p.Backoff); sleepErr != nil {
			return fmt.Errorf("retry wait: %w", errors.Join(err, sleepErr))
		}
	}
}
