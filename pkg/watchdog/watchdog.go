// Package watchdog supervises a single suspendable operation's elapsed time
// against a configured timeout, emitting a decision-driven event on
// expiration instead of unilaterally killing anything itself.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the watchdog's position in its Idle -> Running -> TimedOut|Stopped
// state machine.
type State int

const (
	Idle State = iota
	Running
	TimedOut
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case TimedOut:
		return "timed_out"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Decision is what a TimeoutEvent handler returns: keep going, or give up.
type Decision int

const (
	DecisionReset Decision = iota
	DecisionAbort
)

// Event carries a timeout occurrence to the caller's policy handler.
type Event struct {
	Module       string
	Timeout      time.Duration
	Elapsed      time.Duration
	TimeoutCount int
}

// Handler decides what happens when a watchdog times out. The default
// handler (see DefaultHandler) resets once and aborts on a second timeout
// within the same Start; Feed does not reset the count.
type Handler func(Event) Decision

// pollPeriod is the coarse cadence at which a running watchdog compares
// elapsed time against its configured timeout, per spec.
const pollPeriod = time.Second

// Watchdog supervises one module's timeout. It does not read from or write
// to any transport; it is purely an observer, fed only by whoever calls
// Feed (the session starts and stops it around each operation and does not
// feed it).
type Watchdog struct {
	module  string
	timeout time.Duration
	handler Handler
	logger  *slog.Logger
	poll    time.Duration

	mu           sync.Mutex
	state        State
	lastFed      time.Time
	timeoutCount int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Watchdog for module, timing out after timeout elapses
// without a Feed. If handler is nil, DefaultHandler is used.
func New(module string, timeout time.Duration, handler Handler, logger *slog.Logger) *Watchdog {
	if handler == nil {
		handler = DefaultHandler
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		module:  module,
		timeout: timeout,
		handler: handler,
		logger:  logger.With("component", "watchdog", "module", module),
		state:   Idle,
		poll:    pollPeriod,
	}
}

// DefaultHandler resets on the first timeout and aborts on any subsequent
// one, matching the session-level default retry policy.
func DefaultHandler(ev Event) Decision {
	if ev.TimeoutCount <= 1 {
		return DecisionReset
	}
	return DecisionAbort
}

// Start begins supervision as a background task cancelled by Stop or ctx's
// own cancellation. Calling it while already Running is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.state == Running {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = Running
	w.lastFed = time.Now()
	w.timeoutCount = 0
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(runCtx)
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	w.logger.Debug("watchdog started", "timeout", w.timeout)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.state == Running || w.state == TimedOut {
				w.state = Stopped
			}
			w.mu.Unlock()
			w.logger.Debug("watchdog stopped")
			return
		case <-ticker.C:
			if w.checkTimeout() {
				return
			}
		}
	}
}

// checkTimeout returns true if the watchdog should exit its poll loop
// (a fatal abort was decided).
func (w *Watchdog) checkTimeout() bool {
	w.mu.Lock()
	if w.state != Running {
		w.mu.Unlock()
		return false
	}
	elapsed := time.Since(w.lastFed)
	if elapsed < w.timeout {
		w.mu.Unlock()
		return false
	}
	w.state = TimedOut
	w.timeoutCount++
	ev := Event{
		Module:       w.module,
		Timeout:      w.timeout,
		Elapsed:      elapsed,
		TimeoutCount: w.timeoutCount,
	}
	handler := w.handler
	w.mu.Unlock()

	w.logger.Warn("watchdog timeout", "elapsed", elapsed, "count", ev.TimeoutCount)
	decision := handler(ev)

	w.mu.Lock()
	defer w.mu.Unlock()
	if decision == DecisionReset {
		w.state = Running
		w.lastFed = time.Now()
		return false
	}
	w.state = Stopped
	return true
}

// Feed resets the stopwatch while Running. Feeding a non-running watchdog is
// a no-op.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Running {
		w.lastFed = time.Now()
	}
}

// Stop cancels the background poll task and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// State returns the watchdog's current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// TimeoutCount returns the number of timeouts observed so far.
func (w *Watchdog) TimeoutCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeoutCount
}

// Guard starts a Watchdog and returns a stop function for scoped
// acquisition: `wd, stop := watchdog.Guard(ctx, ...); defer stop()`.
func Guard(ctx context.Context, module string, timeout time.Duration, handler Handler, logger *slog.Logger) (*Watchdog, func()) {
	w := New(module, timeout, handler, logger)
	w.Start(ctx)
	return w, w.Stop
}
