package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/internal/clonerr"
)

func TestIsRetryable_ConnectionClassSQLState(t *testing.T) {
	err := &pgconn.PgError{Code: "08006"} // connection_failure
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_NonConnectionSQLStateNotRetryable(t *testing.T) {
	err := &pgconn.PgError{Code: "42P07"} // duplicate_table, a DDL error
	assert.False(t, IsRetryable(err))
}

func TestIsRetryable_ClonerrTransientWrapped(t *testing.T) {
	err := clonerr.Wrap(clonerr.Transient, errors.New("boom"))
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_ContextErrorsNotRetryable(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
}

func TestIsRetryable_NilIsFalse(t *testing.T) {
	assert.False(t, IsRetryable(nil))
}

// TestDo_MaxRetriesZero_RunsExactlyOnce: max-retries=0 disables retrying
// entirely.
func TestDo_MaxRetriesZero_RunsExactlyOnce(t *testing.T) {
	p := NewPolicy(0)
	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		return clonerr.Wrap(clonerr.Transient, errors.New("always fails"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestDo_RetriesUpToMaxThenGivesUp verifies a table COPY retries a bounded
// number of times and surfaces the last error once attempts are
// exhausted.
func TestDo_RetriesUpToMaxThenGivesUp(t *testing.T) {
	p := NewPolicy(4)
	p.Base = time.Millisecond
	p.Cap = 2 * time.Millisecond
	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		return clonerr.Wrap(clonerr.Transient, errors.New("still down"))
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls, "must attempt once plus MaxRetries retries before giving up")
}

// TestDo_SucceedsAfterTransientFailures verifies a worker that succeeds on
// a later attempt returns nil and stops retrying immediately.
func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	p := NewPolicy(4)
	p.Base = time.Millisecond
	p.Cap = 2 * time.Millisecond
	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		if calls < 3 {
			return clonerr.Wrap(clonerr.Transient, errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestDo_NonTransientFailsImmediately verifies DDL-class errors are never
// retried: they are not idempotent in general.
func TestDo_NonTransientFailsImmediately(t *testing.T) {
	p := NewPolicy(4)
	calls := 0
	sentinel := &pgconn.PgError{Code: "42P07"}
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, error(sentinel))
	assert.Equal(t, 1, calls, "a non-retryable error must not be retried")
}
