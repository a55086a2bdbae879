package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxRetries: attempts, InitialBackoff: time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	called := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		called++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	called := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		called++
		if called < 3 {
			return errors.New("could not set lock on file")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, called)
}

func TestDo_ExhaustedRetries(t *testing.T) {
	locked := errors.New("locked")
	called := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		called++
		return locked
	}, func(error) bool { return true })

	require.Error(t, err)
	assert.Equal(t, 3, called)
	assert.ErrorIs(t, err, locked)
	assert.Contains(t, err.Error(), "failed after 3 retries")
}

func TestDo_NonRetryableError(t *testing.T) {
	fatal := errors.New("not a duckdb file")
	called := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		called++
		if called == 2 {
			return fatal
		}
		return errors.New("locked")
	}, func(err error) bool { return !errors.Is(err, fatal) })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, called)
}

func TestDo_Permanent(t *testing.T) {
	fatal := errors.New("corrupt header")
	called := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		called++
		return Permanent(fatal)
	}, nil)

	assert.Equal(t, fatal, err, "permanent errors are unwrapped")
	assert.Equal(t, 1, called)
	assert.NoError(t, Permanent(nil))
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{MaxRetries: 10, InitialBackoff: 50 * time.Millisecond}
	called := 0
	err := Do(ctx, cfg, func() error {
		called++
		if called == 2 {
			cancel()
		}
		return errors.New("locked")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, called)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		attempt int
		want    time.Duration
	}{
		{"first retry", Config{InitialBackoff: 10 * time.Millisecond, MaxRetries: 5}, 1, 10 * time.Millisecond},
		{"doubles", Config{InitialBackoff: 10 * time.Millisecond, MaxRetries: 5}, 4, 80 * time.Millisecond},
		{"capped", Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, MaxRetries: 5}, 5, 50 * time.Millisecond},
		// 200ms + 200ms*0.5*2/5
		{"jitter", Config{InitialBackoff: 100 * time.Millisecond, MaxRetries: 5, Jitter: 0.5}, 2, 240 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.cfg, tt.attempt))
		})
	}
}

func TestPresets(t *testing.T) {
	for _, cfg := range []Config{LockContention(), WriteConflict()} {
		assert.Positive(t, cfg.MaxRetries)
		assert.Positive(t, cfg.InitialBackoff)
		assert.LessOrEqual(t, Backoff(cfg, cfg.MaxRetries), cfg.MaxBackoff+time.Duration(float64(cfg.MaxBackoff)*cfg.Jitter))
	}
}
