package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	waits []time.Duration
	err   error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func fixedJitter(v float64) Jitter {
	return Jitter{Min: 0.6, Max: 1.4, Rand: func() float64 { return v }}
}

func TestJitterApplyRange(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second
	require.Equal(t, 6*time.Second, fixedJitter(0).Apply(base))
	require.Equal(t, 14*time.Second, fixedJitter(1).Apply(base))
	require.Equal(t, 10*time.Second, fixedJitter(0.5).Apply(base))

	j := Jitter{Min: 0.6, Max: 1.4}
	for i := 0; i < 200; i++ {
		got := j.Apply(base)
		require.GreaterOrEqual(t, got, 6*time.Second)
		require.LessOrEqual(t, got, 14*time.Second)
	}
}

func TestJitterDegenerateRange(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, Jitter{}.Apply(time.Second))
	require.Equal(t, time.Duration(0), Jitter{Min: 0.6, Max: 1.4}.Apply(0))
}

func TestBackoffScalesWithAttempt(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, Jitter: fixedJitter(0.5)}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 3*time.Second, p.Backoff(3))
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, Jitter: fixedJitter(0.5)}
	calls := 0
	val, attempts, err := Do(context.Background(), p, sleeper, func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", val)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.waits)
}

func TestDoExhausted(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	var retried []int
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Jitter:      fixedJitter(0.5),
		OnRetry:     func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
	}
	boom := errors.New("boom")
	_, attempts, err := Do(context.Background(), p, sleeper, func(context.Context, int) (int, error) {
		return 0, boom
	})

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 4, attempts)
	require.Len(t, sleeper.waits, 3, "no wait after the final attempt")
	require.Equal(t, []int{1, 2, 3}, retried)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	t.Parallel()

	terminal := errors.New("bad request")
	p := Policy{
		MaxAttempts: 4,
		Retryable:   func(err error) bool { return !errors.Is(err, terminal) },
	}
	sleeper := &recordingSleeper{}
	_, attempts, err := Do(context.Background(), p, sleeper, func(context.Context, int) (int, error) {
		return 0, terminal
	})

	require.ErrorIs(t, err, terminal)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, attempts)
	require.Empty(t, sleeper.waits)
}

func TestDoStopsOnContextError(t *testing.T) {
	t.Parallel()

	_, attempts, err := Do(context.Background(), Policy{MaxAttempts: 3}, nil, func(context.Context, int) (int, error) {
		return 0, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestDoAbortsWhenSleepFails(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{err: context.Canceled}
	_, attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Second}, sleeper,
		func(context.Context, int) (int, error) { return 0, errors.New("transient") })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	_, attempts, err := Do(context.Background(), Policy{}, nil, func(context.Context, int) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, calls)
}
