// Package worker runs independent jobs on a bounded goroutine pool and returns their
// results in input order.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

type Options struct {
	// Workers bounds concurrent jobs. Defaults to 1.
	Workers int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Pool is a bounded worker pool. It is safe for use by one caller at a time.
type Pool struct {
	pool   *ants.Pool
	size   int
	logger *slog.Logger
}

// New creates a pool with opts.Workers goroutines.
func New(opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	logger := opts.Logger
	p, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v any) {
		logger.Error("worker panic", "panic", fmt.Sprint(v))
	}))
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, size: opts.Workers, logger: logger}, nil
}

// Size returns the maximum number of concurrent jobs.
func (p *Pool) Size() int { return p.size }

// Release stops the pool's goroutines.
func (p *Pool) Release() {
	p.pool.Release()
}

// Map calls fn for every item with at most p.Size() calls in flight and returns the
// results indexed like items. It waits for every submitted job before returning.
//
// When ctx is done, remaining items are not submitted and ctx.Err() is returned along
// with the results gathered so far. A job that panics leaves the zero Out in its slot.
func Map[In, Out any](ctx context.Context, p *Pool, items []In, fn func(ctx context.Context, idx int, in In) Out) ([]Out, error) {
	out := make([]Out, len(items))
	var wg sync.WaitGroup

	var submitErr error
	for i := range items {
		if err := ctx.Err(); err != nil {
			submitErr = err
			break
		}
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			out[i] = fn(ctx, i, items[i])
		})
		if err != nil {
			wg.Done()
			submitErr = fmt.Errorf("submit job %d: %w", i, err)
			break
		}
	}
	wg.Wait()
	return out, submitErr
}
