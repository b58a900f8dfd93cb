// Package masterq serializes API calls against the master account
package masterq

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"copy_trader/internal/core"
	"copy_trader/pkg/apperrors"
)

// DefaultTick is the pacing interval between master-side calls, capping the
// master key at roughly 3.3 calls per second. Follower calls bypass the queue.
const DefaultTick = 300 * time.Millisecond

// Call is a unit of work executed by the single consumer.
type Call func(ctx context.Context) (interface{}, error)

type item struct {
	call Call
	done chan result
}

type result struct {
	value interface{}
	err   error
}

// Queue is a single-consumer FIFO that paces every master-account call.
// Producers block on Do until the consumer has run their thunk; errors from
// the thunk propagate through the completion.
type Queue struct {
	items   chan item
	limiter *rate.Limiter
	logger  core.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New starts the consumer goroutine. ctx cancellation stops it.
func New(ctx context.Context, tick time.Duration, logger core.Logger) *Queue {
	if tick <= 0 {
		tick = DefaultTick
	}
	q := &Queue{
		items:   make(chan item, 64),
		limiter: rate.NewLimiter(rate.Every(tick), 1),
		logger:  logger.WithField("component", "master_queue"),
		closed:  make(chan struct{}),
	}
	go q.consume(ctx)
	return q
}

func (q *Queue) consume(ctx context.Context) {
	defer q.closeOnce.Do(func() { close(q.closed) })
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.items:
			value, err := it.call(ctx)
			it.done <- result{value: value, err: err}
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// Do submits a thunk and waits for its result.
func (q *Queue) Do(ctx context.Context, call Call) (interface{}, error) {
	it := item{call: call, done: make(chan result, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, apperrors.ErrQueueClosed
	case q.items <- it:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, apperrors.ErrQueueClosed
	case res := <-it.done:
		return res.value, res.err
	}
}
