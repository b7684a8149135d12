package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-resolver/internal/model"
)

func fast() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fast()
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("database is locked"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(), func(context.Context) error {
		calls++
		return model.NewValidationError("entity_key", "", "empty identifier")
	})
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := Transient(errors.New("i/o timeout"))
	err := Do(context.Background(), fast(), func(context.Context) error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("busy"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fast(), func(context.Context) (int64, error) {
		calls++
		if calls == 1 {
			return 0, Transient(errors.New("conn closed"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(0, 0, time.Minute)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)
}

func TestBackoff_Capped(t *testing.T) {
	cfg := withDefaults(RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second})
	assert.Equal(t, time.Second, backoff(0, cfg))
	assert.Equal(t, 2*time.Second, backoff(1, cfg))
	assert.Equal(t, 3*time.Second, backoff(5, cfg))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", Transient(errors.New("x")), true},
		{"wrapped explicit", fmt.Errorf("batch: %w", Transient(errors.New("x"))), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"net timeout", timeoutErr{}, true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"validation", model.NewValidationError("dimension", "color", "unknown dimension"), false},
		{"not found", model.ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
	assert.Equal(t, "transient", Classify(Transient(errors.New("x"))))
	assert.Equal(t, "permanent", Classify(errors.New("x")))
}

func TestBreaker(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }
	fail := func(context.Context) error { return errors.New("redis down") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.Error(t, b.Do(ctx, fail))
	assert.Equal(t, Closed, b.State())
	assert.Error(t, b.Do(ctx, fail))
	assert.Equal(t, Open, b.State())

	calls := 0
	err := b.Do(ctx, func(context.Context) error { calls++; return nil })
	assert.True(t, errors.Is(err, ErrOpen))
	assert.Zero(t, calls)

	now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, b.State())
	assert.Error(t, b.Do(ctx, fail), "failed probe reopens")
	assert.Equal(t, Open, b.State())

	now = now.Add(time.Minute)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, "closed", b.State().String())
}
