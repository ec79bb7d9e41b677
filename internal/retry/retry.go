// Package retry implements the decorrelated-jitter backoff policy shared by
// every reconnect/ping loop in the orchestrator.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jpillora/backoff"

	"github.com/jfoltran/pgclone/internal/clonerr"
)

// Policy configures a decorrelated-jitter retry loop: sleep = min(cap,
// random(base, lastSleep*3)).
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int // 0 disables retrying
	Budget     time.Duration

	b *backoff.Backoff
}

// NewPolicy returns the default table-copy retry policy: base ~250ms,
// cap ~2s, up to maxRetries retries after the first attempt.
func NewPolicy(maxRetries int) *Policy {
	return &Policy{
		Base:       250 * time.Millisecond,
		Cap:        2 * time.Second,
		MaxRetries: maxRetries,
		Budget:     2 * time.Minute,
		b: &backoff.Backoff{
			Min:    250 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 3,
			Jitter: true,
		},
	}
}

// Do runs fn, retrying on errors classified as clonerr.Transient up to
// MaxRetries times with decorrelated-jitter sleeps between attempts.
// MaxRetries == 0 disables retrying entirely: fn runs once.
func (p *Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	deadline := time.Now().Add(p.Budget)
	p.b.Reset()

	var lastErr error
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return clonerr.Wrap(clonerr.Interrupted, ctx.Err())
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if p.MaxRetries == 0 || attempt == attempts-1 {
			break
		}
		if time.Now().After(deadline) {
			break
		}

		sleep := p.b.Duration()
		// decorrelated jitter: random in [base, min(cap, lastSleep*3))
		lo := p.Base
		hi := sleep
		if hi < lo {
			hi = lo
		}
		jittered := lo + time.Duration(rand.Int63n(int64(hi-lo+1)))
		if jittered > p.Cap {
			jittered = p.Cap
		}

		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return clonerr.Wrap(clonerr.Interrupted, ctx.Err())
		}
	}
	return lastErr
}

// IsRetryable classifies an error as a connection-class (transient) failure.
// DDL errors are never retryable: they are not idempotent in general.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, clonerr.Transient) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "08000", "08003", "08006", "08001", "08004", "57P01", "57P02", "57P03":
			return true
		default:
			return false
		}
	}

	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
