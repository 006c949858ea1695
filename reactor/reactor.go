// Package reactor implements the single-threaded cooperative event loop
// the rest of this module dispatches through: every timer and inbound-event
// callback runs serialized on one goroutine, reproducing the core spec's
// "single-threaded reactor" semantics. Go's sockets don't expose raw fd
// readiness the way the source's add_fd/remove_fd contract assumes, so
// legs run their own blocking-read goroutines and hand parsed events back
// to the loop via Post; add_fd's role is filled by that combination rather
// than by literal fd registration (see SPEC_FULL.md §7).
package reactor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/errutil"
	"github.com/sipmesh/dispatcher/internal/log"
	"github.com/sipmesh/dispatcher/internal/timeutil"
)

// ErrClosed is returned by operations attempted after Stop.
const ErrClosed errutil.Error = "reactor: loop stopped"

// TimerID identifies a scheduled timer for cancellation, replacing the
// source's use of object identity (SPEC_FULL.md §11: "Timer handle identity").
type TimerID uint64

// command is a closure enqueued to run on the loop goroutine. Every public
// method that touches loop state funnels through here so all state
// mutation happens on a single goroutine regardless of caller goroutine.
type command func(*Loop)

// Loop is the event loop (C1). Zero value is not usable; construct with New.
type Loop struct {
	log *slog.Logger

	cmds   chan command
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	nextTimerID atomic.Uint64
	timers      map[TimerID]*timerEntry
}

type timerEntry struct {
	id        TimerID
	deadline  time.Time
	repeat    time.Duration
	cb        func()
	cancelled bool
	real      *timeutil.Timer
}

// Options configures a Loop. The zero value is valid; every field has a
// default supplied by its accessor method, mirroring the teacher's
// TransactionManagerOptions pattern.
type Options struct {
	Log *slog.Logger
}

func (o Options) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return log.Def
}

// New constructs a Loop and starts its goroutine. Call Stop to release it.
func New(opts Options) *Loop {
	l := &Loop{
		log:    opts.log(),
		cmds:   make(chan command, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[TimerID]*timerEntry),
	}
	go l.run()
	return l
}

// run never closes cmds: a sender that raced Stop and already committed to
// the send must still land safely, so the channel Post/Call write to stays
// open for the Loop's lifetime and shutdown is signalled on stop instead.
func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case cmd := <-l.cmds:
			cmd(l)
		case <-l.stop:
			return
		}
	}
}

// call runs fn on the loop goroutine and blocks the caller until it has
// run. Returns ErrClosed if the loop has already stopped.
func (l *Loop) call(fn func(*Loop)) error {
	if l.closed.Load() {
		return errtrace.Wrap(ErrClosed)
	}
	done := make(chan struct{})
	select {
	case l.cmds <- func(loop *Loop) {
		fn(loop)
		close(done)
	}:
	case <-l.done:
		return errtrace.Wrap(ErrClosed)
	}
	select {
	case <-done:
	case <-l.done:
	}
	return nil
}

// Post enqueues fn to run on the loop goroutine without waiting for it to
// run. This is how leg read-goroutines and DNS callbacks hand control back
// to the loop, reproducing add_fd's readable_cb without raw fd polling.
// fn is silently dropped if the loop has already stopped.
func (l *Loop) Post(fn func()) {
	if l.closed.Load() {
		return
	}
	select {
	case l.cmds <- func(*Loop) { fn() }:
	case <-l.done:
	}
}

// AddTimer schedules cb to run on the loop goroutine at the absolute time
// when; repeat, if non-zero, re-arms the timer after each firing. Returns
// an id usable with CancelTimer.
func (l *Loop) AddTimer(when time.Time, repeat time.Duration, cb func()) (TimerID, error) {
	id := TimerID(l.nextTimerID.Add(1))
	err := l.call(func(loop *Loop) {
		te := &timerEntry{id: id, deadline: when, repeat: repeat, cb: cb}
		loop.timers[id] = te
		loop.arm(te)
	})
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	return id, nil
}

// AddTimerNow schedules cb like AddTimer but must be called from the loop
// goroutine itself (from inside a Post/Call callback or another timer's
// cb). It mutates timer state directly instead of enqueueing a command,
// which avoids the self-deadlock that calling AddTimer from there would
// cause (the loop goroutine would be blocked waiting for itself to drain
// the very command it just enqueued).
func (l *Loop) AddTimerNow(when time.Time, repeat time.Duration, cb func()) TimerID {
	id := TimerID(l.nextTimerID.Add(1))
	te := &timerEntry{id: id, deadline: when, repeat: repeat, cb: cb}
	l.timers[id] = te
	l.arm(te)
	return id
}

// CancelTimerNow is CancelTimer's loop-goroutine-only counterpart, for the
// same reentrancy reason as AddTimerNow.
func (l *Loop) CancelTimerNow(id TimerID) {
	te, ok := l.timers[id]
	if !ok {
		return
	}
	te.cancelled = true
	if te.real != nil {
		te.real.Stop()
	}
	delete(l.timers, id)
}

// Call runs fn on the loop goroutine and blocks until it has run,
// returning ErrClosed if the loop has already stopped. Unlike Post, the
// caller can rely on fn having completed (and any state it read being
// current) by the time Call returns; use it for operations like
// cancel_delivery that need a synchronous result. Call must itself be
// invoked from outside the loop goroutine — calling it from inside a
// Post/Call/timer callback deadlocks for the same reason AddTimer would.
func (l *Loop) Call(fn func()) error {
	return errtrace.Wrap(l.call(func(*Loop) { fn() }))
}

// After schedules cb to run once after d elapses.
func (l *Loop) After(d time.Duration, cb func()) (TimerID, error) {
	return l.AddTimer(time.Now().Add(d), 0, cb)
}

// Every schedules cb to run repeatedly every d, starting after the first d.
func (l *Loop) Every(d time.Duration, cb func()) (TimerID, error) {
	return l.AddTimer(time.Now().Add(d), d, cb)
}

// arm (re-)schedules te's underlying timeutil.Timer. The callback it fires
// only re-enters the loop via Post; timeutil.Timer's own goroutine never
// runs te.cb directly, preserving single-threaded dispatch.
func (l *Loop) arm(te *timerEntry) {
	if te.real == nil {
		te.real = timeutil.At(te.deadline, func() {
			l.fireTimer(te.id)
		})
		return
	}
	te.real.Reset(te.deadline)
}

func (l *Loop) fireTimer(id TimerID) {
	l.Post(func() {
		l.runTimer(id)
	})
}

func (l *Loop) runTimer(id TimerID) {
	te, ok := l.timers[id]
	if !ok || te.cancelled {
		return
	}
	if te.repeat > 0 {
		te.deadline = te.deadline.Add(te.repeat)
		l.arm(te)
	} else {
		delete(l.timers, id)
	}
	te.cb()
}

// CancelTimer cancels a pending timer. A timer that has already fired (or
// was already cancelled) is a no-op, matching the core spec's
// "cancelling an already-fired timer is a no-op" invariant.
func (l *Loop) CancelTimer(id TimerID) error {
	return errtrace.Wrap(l.call(func(loop *Loop) {
		te, ok := loop.timers[id]
		if !ok {
			return
		}
		te.cancelled = true
		if te.real != nil {
			te.real.Stop()
		}
		delete(loop.timers, id)
	}))
}

// LoopTime returns the current wall-clock time. The core spec caches this
// per iteration to avoid skew within one dispatch; in this implementation
// every call to a loop-goroutine-bound callback already observes a
// consistent clock because callbacks run to completion without preemption,
// so a single time.Now() per call site is sufficient.
func (l *Loop) LoopTime() time.Time {
	return time.Now()
}

// Run blocks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	case <-l.done:
		return nil
	}
}

// Stop halts the loop goroutine. Pending timers are cancelled without
// running their callbacks.
func (l *Loop) Stop() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.stop)
	<-l.done
}
