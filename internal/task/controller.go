// Package task coordinates one agent task at a time: it submits the user's
// message, routes inbound frames to the conversation reducer, the pipeline
// tracker, and the display queue, and enforces the task ceiling.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/smqterm/internal/conversation"
	"github.com/user/smqterm/internal/display"
	"github.com/user/smqterm/internal/pipeline"
	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/transport"
	"github.com/user/smqterm/internal/types"
)

// DefaultCeiling is the wall-clock budget for a single task. A task that
// has not resolved by then is marked failed locally even if the backend
// keeps streaming.
const DefaultCeiling = 5 * time.Minute

var (
	// ErrBusy is returned by Submit while a task is already in flight.
	ErrBusy = errors.New("task: a task is already in flight")
	// ErrNoTask is returned by Cancel and Answer when nothing is running.
	ErrNoTask = errors.New("task: no task in flight")
	// ErrNotWaiting is returned by Answer when the pipeline has not asked
	// a clarifying question.
	ErrNotWaiting = errors.New("task: pipeline is not waiting for an answer")
)

// Outcome is the terminal resolution of a task. Exactly one Outcome is
// delivered per Submit, on the channel Submit returns.
type Outcome struct {
	Kind    protocol.EventType
	Content string
	Bundle  *types.ResultBundle
}

// Options carries optional routing fields for a submission.
type Options struct {
	PromptType string
	AgentType  string
	LLMConfig  []byte
}

// Sender delivers client frames to the backend. *transport.Session
// satisfies it.
type Sender interface {
	Send(v any) error
}

// Config wires a Controller. Session and SessionID are required; the rest
// default sensibly.
type Config struct {
	Session   *transport.Session
	SessionID types.SessionID
	Events    types.EventStore
	Results   types.ResultStore
	Clock     display.Clock
	Ceiling   time.Duration
	Display   display.Config
	Logger    *slog.Logger

	// Sender overrides Session as the outbound channel. Used by playback
	// and tests; leave unset otherwise.
	Sender Sender
}

// Controller owns the per-session protocol state machine. Callbacks
// registered on its reducer, tracker, and display queue fire with internal
// locks held and must not call back into the controller.
type Controller struct {
	log     *slog.Logger
	send    Sender
	red     *conversation.Reducer
	trk     *pipeline.Tracker
	queue   *display.Queue
	events  types.EventStore
	results types.ResultStore
	clk     display.Clock
	ceiling time.Duration
	limit   *semaphore.Weighted

	sessionID types.SessionID

	// applyMu serializes every mutation of the reducer, tracker, and queue:
	// inbound frames, submissions, cancellation, and the ceiling timer all
	// hold it, so a frame never interleaves with a local teardown. Acquired
	// before mu, never after.
	applyMu sync.Mutex

	mu         sync.Mutex
	active     bool
	cancelling bool
	taskID     types.TaskID
	seq        int64
	seqInit    bool
	deadline   display.Timer
	done       chan Outcome
}

// New builds a controller and wires itself as the session's frame handler.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = display.SystemClock()
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Display == (display.Config{}) {
		cfg.Display = display.DefaultConfig()
	}
	send := cfg.Sender
	if cfg.Session != nil {
		send = cfg.Session
	}
	c := &Controller{
		log:       cfg.Logger.With("session", cfg.SessionID),
		send:      send,
		red:       conversation.NewReducer(),
		trk:       pipeline.NewTracker(),
		queue:     display.New(cfg.Display, cfg.Clock),
		events:    cfg.Events,
		results:   cfg.Results,
		clk:       cfg.Clock,
		ceiling:   cfg.Ceiling,
		limit:     semaphore.NewWeighted(1),
		sessionID: cfg.SessionID,
	}
	if cfg.Session != nil {
		cfg.Session.OnFrame(c.HandleFrame)
	}
	return c
}

// Conversation exposes the reducer for reads and callback registration.
func (c *Controller) Conversation() *conversation.Reducer { return c.red }

// Pipeline exposes the stage tracker.
func (c *Controller) Pipeline() *pipeline.Tracker { return c.trk }

// Display exposes the presentation queue.
func (c *Controller) Display() *display.Queue { return c.queue }

// Active reports whether a task is in flight.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Submit starts a new task. It returns a buffered channel that receives
// exactly one Outcome when the task resolves. While a task is in flight
// further submissions fail with ErrBusy; use Answer to reply to a
// clarifying question on the running task.
func (c *Controller) Submit(ctx context.Context, message string, opts Options) (<-chan Outcome, error) {
	if !c.limit.TryAcquire(1) {
		return nil, ErrBusy
	}

	c.mu.Lock()
	c.active = true
	c.cancelling = false
	c.taskID = types.NewTaskID()
	c.done = make(chan Outcome, 1)
	done := c.done
	taskID := c.taskID
	c.mu.Unlock()

	c.applyMu.Lock()
	c.queue.Reset()
	c.trk.Reset()
	c.red.Submit(message)
	c.applyMu.Unlock()

	frame := protocol.Submit{
		Message:    message,
		PromptType: opts.PromptType,
		AgentType:  opts.AgentType,
		LLMConfig:  opts.LLMConfig,
	}
	if err := c.send.Send(frame); err != nil {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		c.limit.Release(1)
		return nil, fmt.Errorf("submit task: %w", err)
	}
	if raw, err := json.Marshal(frame); err == nil {
		c.persist(raw)
	}

	c.mu.Lock()
	c.armCeilingLocked()
	c.mu.Unlock()

	c.log.Info("task submitted", "task", taskID, "prompt_type", opts.PromptType)
	return done, nil
}

// Answer replies to a clarifying question from the running task. The task
// ceiling restarts so a slow human answer does not eat the budget.
func (c *Controller) Answer(message string) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoTask
	}
	if !c.trk.Waiting() {
		c.mu.Unlock()
		return ErrNotWaiting
	}
	c.armCeilingLocked()
	c.mu.Unlock()

	c.applyMu.Lock()
	c.red.Submit(message)
	c.applyMu.Unlock()
	frame := protocol.Submit{Message: message}
	if err := c.send.Send(frame); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	if raw, err := json.Marshal(frame); err == nil {
		c.persist(raw)
	}
	return nil
}

// Cancel aborts the in-flight task. The cancel frame is fire and forget:
// the task resolves locally right away with a cancellation notice, and
// anything the backend streams afterwards for this task is dropped.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoTask
	}
	if c.cancelling {
		c.mu.Unlock()
		return nil
	}
	c.cancelling = true
	c.mu.Unlock()

	c.log.Info("cancel requested")
	sendErr := c.send.Send(protocol.NewCancel())

	c.applyMu.Lock()
	c.red.Apply(&protocol.Event{Type: protocol.TypeCancelled})
	c.queue.Finish(protocol.TypeCancelled)
	c.applyMu.Unlock()
	c.resolve(Outcome{Kind: protocol.TypeCancelled, Content: "Task cancelled."})

	if sendErr != nil {
		return fmt.Errorf("send cancel: %w", sendErr)
	}
	return nil
}

// HandleFrame routes one raw inbound frame. Registered on the transport
// session by New; exported so playback and tests can drive the controller
// without a socket.
func (c *Controller) HandleFrame(raw []byte) {
	c.persist(raw)

	event, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn("dropping malformed frame", "error", err)
		return
	}
	if event.Type == protocol.TypeUnknown {
		return
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if c.cancelling && !event.Terminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.red.Apply(event)
	visible := c.trk.Apply(event)
	if visible {
		stage := event.Step
		if event.Type == protocol.TypeComplete {
			stage = pipeline.CompleteStage
		}
		c.queue.Enqueue(display.Item{
			Stage:  stage,
			Kind:   event.Type,
			Status: c.trk.Get(stage),
			At:     time.Now(),
		})
	}

	if event.Terminal() {
		// Session-level errors and server cancellations carry no stage of
		// their own, so nothing above told the queue to wind down.
		if !visible {
			c.queue.Finish(event.Type)
		}
		c.resolve(Outcome{Kind: event.Type, Content: event.Content, Bundle: event.Bundle()})
	}
}

// Close tears down the controller's timers and display queue. The
// transport session is owned by the caller and is not closed here.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	wasActive := c.active
	c.active = false
	c.mu.Unlock()
	c.queue.Stop()
	if wasActive {
		c.limit.Release(1)
	}
}

func (c *Controller) armCeilingLocked() {
	if c.deadline != nil {
		c.deadline.Stop()
	}
	c.deadline = c.clk.AfterFunc(c.ceiling, c.expire)
}

// expire handles the task ceiling firing: the conversation gets an error
// turn, running stages are marked failed, and the display queue halts.
func (c *Controller) expire() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Warn("task ceiling reached", "ceiling", c.ceiling)
	reason := fmt.Sprintf("Task did not finish within %s.", c.ceiling)
	c.applyMu.Lock()
	c.trk.MarkRunningError(reason)
	c.red.Apply(&protocol.Event{Type: protocol.TypeError, Content: reason})
	c.queue.Finish(protocol.TypeError)
	c.applyMu.Unlock()
	c.resolve(Outcome{Kind: protocol.TypeError, Content: reason})
}

// resolve delivers the task's single terminal outcome. Later calls for
// the same task are no-ops, so a terminal frame racing the ceiling timer
// resolves once.
func (c *Controller) resolve(out Outcome) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.cancelling = false
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	done := c.done
	taskID := c.taskID
	c.mu.Unlock()

	if out.Bundle != nil && c.results != nil {
		if err := c.results.Put(context.Background(), c.sessionID, taskID, out.Bundle); err != nil {
			c.log.Warn("storing result bundle", "error", err)
		}
	}

	c.limit.Release(1)
	done <- out
	c.log.Info("task resolved", "task", taskID, "kind", out.Kind)
}

// persist appends the raw frame to the event log when one is configured.
func (c *Controller) persist(raw []byte) {
	if c.events == nil {
		return
	}
	ctx := context.Background()
	c.mu.Lock()
	if !c.seqInit {
		if n, err := c.events.Count(ctx, c.sessionID); err == nil {
			c.seq = n
		}
		c.seqInit = true
	}
	c.seq++
	ev := &types.StoredEvent{
		ID:        types.NewEventID(),
		SessionID: c.sessionID,
		TaskID:    c.taskID,
		Seq:       c.seq,
		At:        time.Now().UTC(),
		Frame:     append([]byte(nil), raw...),
	}
	c.mu.Unlock()
	if err := c.events.Append(ctx, ev); err != nil {
		c.log.Warn("appending event", "error", err)
	}
}
