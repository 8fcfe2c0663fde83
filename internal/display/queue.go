package display

import (
	"sync"
	"time"

	"github.com/user/smqterm/internal/pipeline"
	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/types"
)

// TransitionFunc observes a single visible stage transition.
type TransitionFunc func(stage types.StageID, status types.StageStatus)

// ChangeFunc observes the full displayed map after any visible change.
// Handlers must not call back into the queue.
type ChangeFunc func(displayed map[types.StageID]types.StageStatus)

// Item is one queued stage transition awaiting display.
type Item struct {
	Stage  types.StageID
	Kind   protocol.EventType
	Status types.StageStatus
	At     time.Time
}

// Config controls display pacing and eviction.
type Config struct {
	// MinDisplay is how long a freshly promoted stage stays on screen
	// before the next queued transition is shown.
	MinDisplay time.Duration
	// CompleteDebounce smooths back-to-back completion flips.
	CompleteDebounce time.Duration
	// ErrorEvict removes an errored stage from the display.
	ErrorEvict time.Duration
	// CompleteEvict removes a completed stage that no later prompt
	// has replaced.
	CompleteEvict time.Duration
}

// DefaultConfig matches the pacing the agent console uses.
func DefaultConfig() Config {
	return Config{
		MinDisplay:       time.Second,
		CompleteDebounce: 50 * time.Millisecond,
		ErrorEvict:       3 * time.Second,
		CompleteEvict:    10 * time.Second,
	}
}

// Queue paces stage transitions for display. Transitions arrive faster
// than a human can read; the queue shows them one at a time, holding
// each running stage on screen for a minimum interval, and evicts
// stale entries on timers. All timers go through the injected Clock.
type Queue struct {
	mu   sync.Mutex
	cfg  Config
	clk  Clock
	wait []Item

	processing bool
	stopped    bool

	displayed map[types.StageID]types.StageStatus
	advance   Timer
	evict     map[types.StageID]Timer

	onTransition TransitionFunc
	onChange     ChangeFunc
}

// New returns a queue using the given pacing config and clock.
func New(cfg Config, clk Clock) *Queue {
	if clk == nil {
		clk = SystemClock()
	}
	return &Queue{
		cfg:       cfg,
		clk:       clk,
		displayed: make(map[types.StageID]types.StageStatus),
		evict:     make(map[types.StageID]Timer),
	}
}

// OnTransition registers a per-transition observer. Must be set before
// the first Enqueue.
func (q *Queue) OnTransition(fn TransitionFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTransition = fn
}

// OnChange registers a whole-map observer. Must be set before the
// first Enqueue.
func (q *Queue) OnChange(fn ChangeFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// Enqueue adds a transition and starts draining if the queue is idle.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if item.At.IsZero() {
		item.At = time.Now()
	}
	q.wait = append(q.wait, item)
	q.pump()
}

// Displayed returns a snapshot of the stages currently on screen.
func (q *Queue) Displayed() map[types.StageID]types.StageStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Pending reports how many transitions are queued but not yet shown.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.wait)
}

// Reset clears the queue and display for a new task. All timers are
// cancelled.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelTimersLocked()
	q.wait = nil
	q.processing = false
	q.stopped = false
	q.displayed = make(map[types.StageID]types.StageStatus)
}

// Stop cancels every pending timer and halts the queue. Safe to call
// more than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelTimersLocked()
	q.wait = nil
	q.processing = false
	q.stopped = true
}

// Finish halts the queue at a terminal event that has no stage entry of
// its own. In-flight stages flush to errored for error and cancelled
// terminals and to complete otherwise, each on its usual eviction timer,
// so nothing is left spinning after the task resolves.
func (q *Queue) Finish(kind protocol.EventType) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if q.advance != nil {
		q.advance.Stop()
		q.advance = nil
	}
	failed := kind == protocol.TypeError || kind == protocol.TypeCancelled
	q.flushInFlight(failed)
	q.wait = nil
	q.processing = false
	q.stopped = true
}

// flushInFlight settles every displayed running or waiting stage. Caller
// holds q.mu.
func (q *Queue) flushInFlight(failed bool) {
	for id, st := range q.displayed {
		if st.Status != types.StageRunning && st.Status != types.StageWaiting {
			continue
		}
		if failed {
			st.Status = types.StageError
		} else {
			st.Status = types.StageComplete
		}
		q.displayed[id] = st
		q.notify(id, st)
		if failed {
			q.scheduleEvict(id, q.cfg.ErrorEvict)
		} else {
			q.scheduleEvict(id, q.cfg.CompleteEvict)
		}
	}
}

func (q *Queue) cancelTimersLocked() {
	if q.advance != nil {
		q.advance.Stop()
		q.advance = nil
	}
	for id, t := range q.evict {
		t.Stop()
		delete(q.evict, id)
	}
}

// pump drains the queue until it hits a transition that needs to stay
// on screen. Caller holds q.mu.
func (q *Queue) pump() {
	for !q.processing && !q.stopped && len(q.wait) > 0 {
		item := q.wait[0]
		q.wait = q.wait[1:]
		q.apply(item)
	}
}

func (q *Queue) apply(item Item) {
	switch item.Kind {
	case protocol.TypePrompt:
		q.applyPrompt(item)
	case protocol.TypeThought, protocol.TypeToolResult, protocol.TypeSuccess, protocol.TypeMessage:
		q.applyCompletion(item)
	case protocol.TypeError:
		q.applyError(item)
	case protocol.TypeComplete:
		q.applyTerminal(item)
	default:
		// Nothing to display for this kind; keep draining.
	}
}

// applyPrompt promotes a stage to running and holds it on screen for
// the minimum display interval. Settled stages still lingering from
// earlier prompts, completed or errored, are evicted now, superseding
// their safety timers.
func (q *Queue) applyPrompt(item Item) {
	for id, st := range q.displayed {
		if id == item.Stage || id == pipeline.CompleteStage {
			continue
		}
		if st.Status == types.StageComplete || st.Status == types.StageError {
			q.stopEvict(id)
			delete(q.displayed, id)
		}
	}
	q.displayed[item.Stage] = item.Status
	q.notify(item.Stage, item.Status)
	q.holdFor(q.cfg.MinDisplay)
}

// applyCompletion flips a displayed stage to its completed state. A
// stage the user never saw running advances silently so a burst of
// fast stages does not stall the queue.
func (q *Queue) applyCompletion(item Item) {
	cur, shown := q.displayed[item.Stage]
	if !shown || (cur.Status != types.StageRunning && cur.Status != types.StageWaiting) {
		return
	}
	if q.advance != nil {
		q.advance.Stop()
		q.advance = nil
	}
	q.displayed[item.Stage] = item.Status
	q.notify(item.Stage, item.Status)
	q.scheduleEvict(item.Stage, q.cfg.CompleteEvict)
	q.holdFor(q.cfg.CompleteDebounce)
}

func (q *Queue) applyError(item Item) {
	if q.advance != nil {
		q.advance.Stop()
		q.advance = nil
	}
	q.displayed[item.Stage] = item.Status
	q.notify(item.Stage, item.Status)
	q.scheduleEvict(item.Stage, q.cfg.ErrorEvict)
}

// applyTerminal forces every in-flight stage to complete, records the
// terminal entry, and halts the queue. Anything still waiting in the
// backlog is discarded.
func (q *Queue) applyTerminal(item Item) {
	if q.advance != nil {
		q.advance.Stop()
		q.advance = nil
	}
	q.flushInFlight(false)
	q.displayed[item.Stage] = item.Status
	q.notify(item.Stage, item.Status)
	q.wait = nil
	q.stopped = true
}

// holdFor latches the queue for d and re-pumps when the timer fires.
func (q *Queue) holdFor(d time.Duration) {
	q.processing = true
	q.advance = q.clk.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.advance = nil
		q.processing = false
		q.pump()
	})
}

func (q *Queue) scheduleEvict(stage types.StageID, d time.Duration) {
	q.stopEvict(stage)
	q.evict[stage] = q.clk.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.evict, stage)
		if _, ok := q.displayed[stage]; !ok {
			return
		}
		delete(q.displayed, stage)
		if q.onChange != nil {
			q.onChange(q.snapshot())
		}
	})
}

func (q *Queue) stopEvict(stage types.StageID) {
	if t, ok := q.evict[stage]; ok {
		t.Stop()
		delete(q.evict, stage)
	}
}

func (q *Queue) notify(stage types.StageID, st types.StageStatus) {
	if q.onTransition != nil {
		q.onTransition(stage, st)
	}
	if q.onChange != nil {
		q.onChange(q.snapshot())
	}
}

func (q *Queue) snapshot() map[types.StageID]types.StageStatus {
	out := make(map[types.StageID]types.StageStatus, len(q.displayed))
	for id, st := range q.displayed {
		out[id] = st
	}
	return out
}
