package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy applies bounded retries with exponential backoff to a fallible operation.
//
// The wrapped operation must be safe to invoke again: the policy performs no dedup or
// side-effect suppression across attempts.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Negative means 0.
	MaxRetries int
	// BaseDelay is the sleep before the first retry; retry i sleeps BaseDelay * 2^i.
	BaseDelay time.Duration
	// MaxDelay caps a single sleep. Set to <=0 to disable.
	MaxDelay time.Duration
	// JitterFrac applies +/- jitter to sleeps (0.2 = +/-20%). Zero keeps delays exact.
	JitterFrac float64

	// Sleep replaces the context-aware timer sleep (tests).
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Terminal is implemented by errors that make further attempts pointless.
type Terminal interface {
	Terminal() bool
}

// Error is the final failure of a policy run, annotated with the attempts made.
type Error struct {
	Attempts int
	Err      error
	// Stopped is true when the loop ended before exhausting MaxRetries
	// (terminal error or cancellation).
	Stopped bool
}

func (e *Error) Error() string {
	if e == nil {
		return "retry error"
	}
	noun := "attempts"
	if e.Attempts == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("failed after %d %s: %v", e.Attempts, noun, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AttemptsOf returns the attempt count recorded in err, or 0.
func AttemptsOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}

// IsTerminal reports whether err (or anything it wraps) asks to stop retrying.
func IsTerminal(err error) bool {
	var t Terminal
	return errors.As(err, &t) && t.Terminal()
}

// Attempts is the maximum number of invocations the policy will make.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return 1 + p.MaxRetries
}

// Do invokes op until it succeeds, returns a terminal error, ctx is done, or the
// attempts are exhausted. attempt starts at 0. Failures are returned as *Error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Error{Attempts: attempt, Err: withLast(err, lastErr), Stopped: true}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsTerminal(err) {
			return &Error{Attempts: attempt + 1, Err: err, Stopped: true}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return &Error{Attempts: attempt + 1, Err: err, Stopped: true}
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return &Error{Attempts: attempt + 1, Err: withLast(err, lastErr), Stopped: true}
		}
	}
	return &Error{Attempts: attempts, Err: lastErr}
}

// Wrap returns f with the same signature plus bounded retries under p.
func Wrap[In any, Out any](p Policy, f func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		var out Out
		err := p.Do(ctx, func(ctx context.Context, _ int) error {
			var err error
			out, err = f(ctx, in)
			return err
		})
		if err != nil {
			var zero Out
			return zero, err
		}
		return out, nil
	}
}

// Backoff returns the sleep before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	sleep := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && sleep >= p.MaxDelay {
			break
		}
		sleep *= 2
	}
	if p.MaxDelay > 0 && sleep > p.MaxDelay {
		sleep = p.MaxDelay
	}
	if p.JitterFrac <= 0 {
		return sleep
	}
	j := 1 + (rand.Float64()*2-1)*p.JitterFrac
	return time.Duration(float64(sleep) * j)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

func withLast(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}
