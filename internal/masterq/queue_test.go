package masterq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy_trader/pkg/apperrors"
	"copy_trader/pkg/logging"
)

func TestDoReturnsThunkResult(t *testing.T) {
	q := New(context.Background(), time.Millisecond, logging.NewNop())

	v, err := q.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDoPropagatesThunkError(t *testing.T) {
	q := New(context.Background(), time.Millisecond, logging.NewNop())
	boom := errors.New("boom")

	_, err := q.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCallsNeverOverlap(t *testing.T) {
	q := New(context.Background(), time.Millisecond, logging.NewNop())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestPacingBetweenCalls(t *testing.T) {
	tick := 30 * time.Millisecond
	q := New(context.Background(), tick, logging.NewNop())

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		_, err := q.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
			stamps = append(stamps, time.Now())
			return nil, nil
		})
		require.NoError(t, err)
	}

	require.Len(t, stamps, 3)
	// The limiter starts with one spare token, so pacing kicks in from the
	// third call at the latest.
	total := stamps[2].Sub(stamps[0])
	assert.GreaterOrEqual(t, total, tick-5*time.Millisecond, "three calls finished in %v", total)
}

func TestClosedQueueRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New(ctx, time.Millisecond, logging.NewNop())
	cancel()

	select {
	case <-q.closed:
	case <-time.After(time.Second):
		t.Fatal("queue did not shut down")
	}

	_, err := q.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, apperrors.ErrQueueClosed)
}

func TestDoHonorsCallerContext(t *testing.T) {
	q := New(context.Background(), time.Millisecond, logging.NewNop())

	// Occupy the consumer so the next submission stays queued.
	release := make(chan struct{})
	go q.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	defer close(release)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
