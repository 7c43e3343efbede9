package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_WaitsUntilReady(t *testing.T) {
	var ready atomic.Bool
	var ran atomic.Int32

	q := newCommandQueue(&castkit.NullLogger{}, func(context.Context, *Command) (any, error) {
		ran.Add(1)
		return nil, nil
	}, func(*Command, error) {}, ready.Load)
	defer q.Close()

	done := make(chan error, 1)
	q.Enqueue(&Command{Id: "a", Capability: "x", Deadline: time.Now().Add(time.Second), Callback: func(_ any, err error) { done <- err }})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, 1, q.Len())

	ready.Store(true)
	q.kick()

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), ran.Load())
}

func TestCommandQueue_ExpiresWhileWaiting(t *testing.T) {
	q := newCommandQueue(&castkit.NullLogger{}, func(context.Context, *Command) (any, error) {
		t.Errorf("command must not run")
		return nil, nil
	}, func(*Command, error) {}, func() bool { return false })
	defer q.Close()

	done := make(chan error, 1)
	q.Enqueue(&Command{Id: "a", Capability: "x", Deadline: time.Now().Add(20 * time.Millisecond), Callback: func(_ any, err error) { done <- err }})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, castkit.ErrCommandTimeout)
	case <-time.After(time.Second):
		t.Fatalf("queued command did not expire")
	}
}

func TestCommandQueue_CallbackCalledOnce(t *testing.T) {
	release := make(chan struct{})
	q := newCommandQueue(&castkit.NullLogger{}, func(ctx context.Context, _ *Command) (any, error) {
		<-release
		return "value", nil
	}, func(*Command, error) {}, func() bool { return true })

	var lock sync.Mutex
	var calls []error
	q.Enqueue(&Command{Id: "a", Capability: "x", Deadline: time.Now().Add(time.Second), Callback: func(_ any, err error) {
		lock.Lock()
		calls = append(calls, err)
		lock.Unlock()
	}})

	require.Eventually(t, func() bool {
		q.lock.Lock()
		defer q.lock.Unlock()
		return q.inflight != nil
	}, time.Second, time.Millisecond)

	q.AbortAll(castkit.ErrCommandAborted)
	close(release)
	q.Close()

	lock.Lock()
	defer lock.Unlock()
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0], castkit.ErrCommandAborted)
}

func TestCommandQueue_CloseAbortsPending(t *testing.T) {
	q := newCommandQueue(&castkit.NullLogger{}, func(context.Context, *Command) (any, error) {
		return nil, nil
	}, func(*Command, error) {}, func() bool { return false })

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		q.Enqueue(&Command{Capability: "x", Deadline: time.Now().Add(time.Minute), Callback: func(_ any, err error) { done <- err }})
	}

	q.Close()
	assert.ErrorIs(t, <-done, castkit.ErrCommandAborted)
	assert.ErrorIs(t, <-done, castkit.ErrCommandAborted)
}

func TestCommandQueue_NoOverlapAfterTimeout(t *testing.T) {
	var running atomic.Int32
	var overlapped atomic.Bool

	q := newCommandQueue(&castkit.NullLogger{}, func(ctx context.Context, cmd *Command) (any, error) {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer running.Add(-1)

		if cmd.Id == "slow" {
			// ignores the cancellation for a while
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
		}
		return cmd.Id, nil
	}, func(*Command, error) {}, func() bool { return true })
	defer q.Close()

	slow := make(chan error, 1)
	next := make(chan time.Time, 1)

	q.Enqueue(&Command{Id: "slow", Capability: "x", Deadline: time.Now().Add(20 * time.Millisecond), Callback: func(_ any, err error) { slow <- err }})
	q.Enqueue(&Command{Id: "next", Capability: "x", Deadline: time.Now().Add(time.Second), Callback: func(any, error) { next <- time.Now() }})

	assert.ErrorIs(t, <-slow, castkit.ErrCommandTimeout)
	timedOut := time.Now()

	select {
	case at := <-next:
		assert.GreaterOrEqual(t, at.Sub(timedOut), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatalf("next command did not run")
	}

	assert.False(t, overlapped.Load())
}

func TestCommandQueue_CallbackMayAbort(t *testing.T) {
	q := newCommandQueue(&castkit.NullLogger{}, func(context.Context, *Command) (any, error) {
		return nil, nil
	}, func(*Command, error) {}, func() bool { return true })
	defer q.Close()

	second := make(chan error, 1)
	returned := make(chan struct{})
	q.lock.Lock()
	q.items = append(q.items,
		&queuedCommand{Command: &Command{Id: "a", Capability: "x", Deadline: time.Now().Add(time.Second), Callback: func(any, error) {
			q.AbortAll(castkit.ErrCommandAborted)
			close(returned)
		}}, abort: make(chan struct{})},
		&queuedCommand{Command: &Command{Id: "b", Capability: "x", Deadline: time.Now().Add(time.Second), Callback: func(_ any, err error) { second <- err }}, abort: make(chan struct{})},
	)
	q.lock.Unlock()
	q.kick()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("abort from a callback did not return")
	}

	assert.ErrorIs(t, <-second, castkit.ErrCommandAborted)
	assert.Equal(t, 0, q.Len())
}
