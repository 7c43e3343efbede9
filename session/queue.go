package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	castkit "github.com/devgianlu/go-castkit"
)

// ResultFunc receives the outcome of a command, it is called exactly once.
// It runs on a session goroutine with no session lock held, so it may call
// Disconnect or Invoke, but it must not block on Close.
type ResultFunc func(value any, err error)

type Command struct {
	Id         string
	Capability string
	Protocol   castkit.ProtocolId
	Arguments  castkit.Arguments
	Deadline   time.Time
	Callback   ResultFunc
}

type queuedCommand struct {
	*Command

	claimed atomic.Bool
	abort   chan struct{}
}

// finish delivers the outcome if nobody did already. The result is claimed
// before the callback runs, a callback re-entering the queue never waits on
// itself.
func (c *queuedCommand) finish(v any, err error) bool {
	if !c.claimed.CompareAndSwap(false, true) {
		return false
	}

	close(c.abort)
	if c.Callback != nil {
		c.Callback(v, err)
	}
	return true
}

type executeFunc func(ctx context.Context, cmd *Command) (any, error)

type fatalFunc func(cmd *Command, err error)

// CommandQueue runs commands one at a time in FIFO order. Commands only run
// while ready reports true, waiting commands still expire at their deadline.
type CommandQueue struct {
	log   castkit.Logger
	exec  executeFunc
	fatal fatalFunc
	ready func() bool

	lock     sync.Mutex
	items    []*queuedCommand
	inflight *queuedCommand

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newCommandQueue(log castkit.Logger, exec executeFunc, fatal fatalFunc, ready func() bool) *CommandQueue {
	q := &CommandQueue{
		log:   log,
		exec:  exec,
		fatal: fatal,
		ready: ready,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go q.runLoop()
	return q
}

// Enqueue adds a command at the tail of the queue and returns immediately.
func (q *CommandQueue) Enqueue(cmd *Command) {
	q.lock.Lock()
	q.items = append(q.items, &queuedCommand{Command: cmd, abort: make(chan struct{})})
	q.lock.Unlock()

	q.kick()
}

func (q *CommandQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	n := len(q.items)
	if q.inflight != nil {
		n++
	}
	return n
}

func (q *CommandQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// AbortAll fails the in-flight command and every queued one with err.
func (q *CommandQueue) AbortAll(err error) {
	q.lock.Lock()
	items := q.items
	q.items = nil
	inflight := q.inflight
	q.inflight = nil
	q.lock.Unlock()

	if inflight != nil {
		inflight.finish(nil, err)
	}

	for _, item := range items {
		item.finish(nil, err)
	}

	if n := len(items); n > 0 || inflight != nil {
		q.log.Debugf("aborted %d queued commands", n)
	}
}

func (q *CommandQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done

	q.AbortAll(castkit.ErrCommandAborted)
}

func (q *CommandQueue) runLoop() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.expireWaiting(time.Now())

		for q.ready() {
			cmd := q.pop()
			if cmd == nil {
				break
			}

			q.run(cmd)

			select {
			case <-q.stop:
				return
			default:
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.nextDeadline())

		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *CommandQueue) pop() *queuedCommand {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	cmd := q.items[0]
	q.items = q.items[1:]
	q.inflight = cmd
	return cmd
}

func (q *CommandQueue) nextDeadline() time.Duration {
	q.lock.Lock()
	defer q.lock.Unlock()

	next := time.Hour
	for _, item := range q.items {
		if d := time.Until(item.Deadline); d < next {
			next = d
		}
	}

	if next < time.Millisecond {
		next = time.Millisecond
	}
	return next
}

// expireWaiting times out queued commands whose deadline passed while waiting.
func (q *CommandQueue) expireWaiting(now time.Time) {
	q.lock.Lock()
	var expired []*queuedCommand
	kept := q.items[:0]
	for _, item := range q.items {
		if !item.Deadline.After(now) {
			expired = append(expired, item)
		} else {
			kept = append(kept, item)
		}
	}
	q.items = kept
	q.lock.Unlock()

	for _, item := range expired {
		item.finish(nil, fmt.Errorf("%s expired while queued: %w", item.Capability, castkit.ErrCommandTimeout))
	}
}

// lateResultGrace bounds how long the queue waits for a transport that
// ignored the cancellation of a timed out or aborted command.
const lateResultGrace = 2 * time.Second

type commandResult struct {
	value any
	err   error
}

func (q *CommandQueue) release(cmd *queuedCommand) {
	q.lock.Lock()
	if q.inflight == cmd {
		q.inflight = nil
	}
	q.lock.Unlock()
}

func (q *CommandQueue) run(cmd *queuedCommand) {
	// the command is no longer in flight once its callback may run
	defer q.release(cmd)

	log := q.log.WithField("command", cmd.Id)

	ctx, cancel := context.WithDeadline(context.Background(), cmd.Deadline)
	defer cancel()

	// the result channel is buffered so a late result never blocks
	resCh := make(chan commandResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- commandResult{err: fmt.Errorf("%w: command panicked: %v", castkit.ErrTransportLost, r)}
			}
		}()

		v, err := q.exec(ctx, cmd.Command)
		resCh <- commandResult{v, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("%s: %w", cmd.Capability, castkit.ErrCommandTimeout)
		}

		q.release(cmd)
		if cmd.finish(res.value, res.err) {
			log.Tracef("command %s completed", cmd.Capability)
		}

		if res.err != nil && errors.Is(res.err, castkit.ErrTransportLost) {
			log.WithError(res.err).Warnf("command %s failed fatally", cmd.Capability)
			q.fatal(cmd.Command, res.err)
		}
	case <-ctx.Done():
		q.release(cmd)
		if cmd.finish(nil, fmt.Errorf("%s: %w", cmd.Capability, castkit.ErrCommandTimeout)) {
			log.Warnf("command %s timed out", cmd.Capability)
		}

		q.awaitLate(log, cmd, resCh)
	case <-cmd.abort:
		// finished by AbortAll
		cancel()
		q.awaitLate(log, cmd, resCh)
	}
}

// awaitLate keeps the next command from overlapping with one still running
// on the transport, the late result itself is discarded.
func (q *CommandQueue) awaitLate(log castkit.Logger, cmd *queuedCommand, resCh <-chan commandResult) {
	timer := time.NewTimer(lateResultGrace)
	defer timer.Stop()

	select {
	case <-resCh:
	case <-q.stop:
	case <-timer.C:
		log.Warnf("command %s still running after cancellation", cmd.Capability)
	}
}
