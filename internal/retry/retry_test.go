package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palantir/equity-enrichment-pipeline/internal/retry"
)

type terminalErr struct{}

func (terminalErr) Error() string  { return "malformed identifier" }
func (terminalErr) Terminal() bool { return true }

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestDo_SucceedsAfterKFailures(t *testing.T) {
	for k := 0; k <= 3; k++ {
		rec := &sleepRecorder{}
		p := retry.Policy{MaxRetries: 3, BaseDelay: time.Second, Sleep: rec.sleep}

		calls := 0
		err := p.Do(context.Background(), func(context.Context, int) error {
			calls++
			if calls <= k {
				return errors.New("try again")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, k+1, calls)
		want := []time.Duration{}
		for i := 0; i < k; i++ {
			want = append(want, time.Second<<i)
		}
		assert.Equal(t, want, append([]time.Duration{}, rec.delays...), "k=%d", k)
	}
}

func TestDo_AlwaysFailsExhausts(t *testing.T) {
	rec := &sleepRecorder{}
	p := retry.Policy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond, Sleep: rec.sleep}
	boom := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, retry.AttemptsOf(err))
	assert.Equal(t, "failed after 3 attempts: boom", err.Error())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)

	var re *retry.Error
	require.ErrorAs(t, err, &re)
	assert.False(t, re.Stopped)
}

func TestDo_ZeroRetries(t *testing.T) {
	rec := &sleepRecorder{}
	p := retry.Policy{MaxRetries: 0, BaseDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.Equal(t, "failed after 1 attempt: nope", err.Error())
}

func TestDo_NegativeRetriesMeansOneAttempt(t *testing.T) {
	p := retry.Policy{MaxRetries: -4, Sleep: (&sleepRecorder{}).sleep}
	calls := 0
	_ = p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_TerminalShortCircuits(t *testing.T) {
	rec := &sleepRecorder{}
	p := retry.Policy{MaxRetries: 5, BaseDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return terminalErr{}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.True(t, retry.IsTerminal(err))

	var re *retry.Error
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Stopped)
	assert.Equal(t, 1, re.Attempts)
}

func TestDo_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{
		MaxRetries: 10,
		BaseDelay:  time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("flaky")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, retry.AttemptsOf(err))
}

func TestDo_RealSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := retry.Policy{MaxRetries: 3, BaseDelay: time.Hour}
	start := time.Now()
	err := p.Do(ctx, func(context.Context, int) error { return errors.New("x") })

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_PassesAttemptIndex(t *testing.T) {
	p := retry.Policy{MaxRetries: 2, Sleep: (&sleepRecorder{}).sleep}
	var seen []int
	_ = p.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return errors.New("x")
	})
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestDo_OnRetryHook(t *testing.T) {
	var hooks []time.Duration
	p := retry.Policy{
		MaxRetries: 2,
		BaseDelay:  5 * time.Millisecond,
		Sleep:      (&sleepRecorder{}).sleep,
		OnRetry: func(_ int, d time.Duration, _ error) {
			hooks = append(hooks, d)
		},
	}
	_ = p.Do(context.Background(), func(context.Context, int) error { return errors.New("x") })
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, hooks)
}

func TestWrap(t *testing.T) {
	p := retry.Policy{MaxRetries: 2, Sleep: (&sleepRecorder{}).sleep}

	calls := 0
	double := retry.Wrap(p, func(_ context.Context, in int) (int, error) {
		calls++
		if calls == 1 {
			return -1, errors.New("first call fails")
		}
		return in * 2, nil
	})

	out, err := double(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 2, calls)
}

func TestWrap_ReturnsZeroOnFailure(t *testing.T) {
	p := retry.Policy{MaxRetries: 1, Sleep: (&sleepRecorder{}).sleep}
	f := retry.Wrap(p, func(context.Context, string) (string, error) {
		return "partial", errors.New("x")
	})
	out, err := f(context.Background(), "in")
	require.Error(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, 2, retry.AttemptsOf(err))
}

func TestBackoff(t *testing.T) {
	p := retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(30))

	uncapped := retry.Policy{BaseDelay: time.Second}
	assert.Equal(t, 8*time.Second, uncapped.Backoff(3))
}

func TestBackoff_JitterBounds(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, JitterFrac: 0.2}
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestAttemptsOfPlainError(t *testing.T) {
	assert.Equal(t, 0, retry.AttemptsOf(errors.New("x")))
	assert.Equal(t, 0, retry.AttemptsOf(nil))
}
