package limiter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterNeverExceedsCeiling(t *testing.T) {
	l := New(3)

	var running, maxSeen, completed int32
	var chans []<-chan error
	for i := 0; i < 10; i++ {
		chans = append(chans, l.Go(func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&completed, 1)
			return nil
		}))
	}

	for _, ch := range chans {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(3))
	assert.Equal(t, int32(3), atomic.LoadInt32(&maxSeen))
	assert.Equal(t, int32(10), atomic.LoadInt32(&completed))
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiterAdmitsInSubmissionOrder(t *testing.T) {
	l := New(1)

	gate := make(chan struct{})
	first := l.Go(func() error {
		<-gate
		return nil
	})

	var mu sync.Mutex
	var order []int
	var chans []<-chan error
	for i := 0; i < 5; i++ {
		i := i
		chans = append(chans, l.Go(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}

	close(gate)
	require.NoError(t, <-first)
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLimiterPropagatesErrors(t *testing.T) {
	l := New(2)
	boom := errors.New("boom")

	assert.ErrorIs(t, <-l.Go(func() error { return boom }), boom)
	assert.NoError(t, <-l.Go(func() error { return nil }))

	err := <-l.Go(func() error { panic("oops") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestNewClampsLimit(t *testing.T) {
	l := New(0)
	assert.NoError(t, <-l.Go(func() error { return nil }))
}
