// Package conversation folds decoded protocol events into an ordered
// transcript of turns. The reducer is the only writer of the turn list; the
// rendering layer reads snapshots.
package conversation

import (
	"sync"
	"time"

	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/types"
)

// UpdateFunc is notified after every transcript mutation with a snapshot of
// the full turn list. It fires with the reducer's lock held; handlers must
// not call back into the reducer.
type UpdateFunc func(turns []types.Turn)

// Reducer is a per-task transcript state machine: Idle until a submission
// opens a provisional assistant turn, AwaitingResponse until a terminal
// event closes it. Safe for concurrent use.
type Reducer struct {
	mu            sync.Mutex
	turns         []types.Turn
	awaiting      bool
	suppressDelta bool
	onUpdate      UpdateFunc
}

// NewReducer creates an empty transcript reducer.
func NewReducer() *Reducer {
	return &Reducer{}
}

// OnUpdate registers the transcript update callback.
func (r *Reducer) OnUpdate(fn UpdateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// Awaiting reports whether an assistant turn is open.
func (r *Reducer) Awaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaiting
}

// Turns returns a copy of the transcript.
func (r *Reducer) Turns() []types.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Reset clears the whole transcript for a new task history.
func (r *Reducer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = nil
	r.awaiting = false
	r.suppressDelta = false
	r.notify()
}

// Submit records a user turn and opens the provisional assistant turn that
// will receive the response. Resets delta suppression.
func (r *Reducer) Submit(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.awaiting {
		// Close the dangling turn first; the caller enforces one task in
		// flight, so this only happens on a re-question answer.
		r.openTurn().Open = false
	}
	now := time.Now()
	r.turns = append(r.turns,
		types.Turn{Role: types.RoleUser, Content: message, At: now},
		types.Turn{Role: types.RoleAssistant, At: now, Open: true},
	)
	r.awaiting = true
	r.suppressDelta = false
	r.notify()
}

// AddSystem appends a closed system-role turn (transport notices and the
// like) without touching the open turn.
func (r *Reducer) AddSystem(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, types.Turn{Role: types.RoleSystem, Content: content, At: time.Now()})
	r.notify()
}

// Apply folds one decoded event into the transcript. Events arriving while
// no turn is open are ignored, which makes terminal events idempotent.
func (r *Reducer) Apply(event *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.awaiting {
		return
	}

	switch event.Type {
	case protocol.TypeDelta:
		if r.suppressDelta {
			return
		}
		r.openTurn().Content += event.Content
		r.notify()

	case protocol.TypeSuccess, protocol.TypeMessage:
		turn := r.openTurn()
		if event.Content != "" {
			if turn.Content != "" {
				turn.Content += "\n\n" + event.Content
			} else {
				turn.Content = event.Content
			}
			// The backend may follow success/message with a duplicate
			// trailing delta; ignore deltas until the turn closes.
			r.suppressDelta = true
		}
		r.addStep(turn, event)
		r.notify()

	case protocol.TypeThought, protocol.TypeToolCall, protocol.TypeToolResult:
		turn := r.openTurn()
		r.addStep(turn, event)
		r.notify()

	case protocol.TypeComplete:
		turn := r.openTurn()
		final := event.Content
		if len(turn.Content) > len(final) {
			final = turn.Content
		}
		turn.Content = final
		if bundle := event.Bundle(); bundle != nil {
			turn.Results = bundle
		}
		r.closeTurn(turn)

	case protocol.TypeError:
		turn := r.openTurn()
		turn.Role = types.RoleError
		turn.Content = "Error: " + event.Content
		r.closeTurn(turn)

	case protocol.TypeCancelled:
		turn := r.openTurn()
		notice := event.Content
		if notice == "" {
			notice = "Task cancelled."
		}
		turn.Content = notice
		r.closeTurn(turn)
	}
}

// openTurn returns the live assistant turn. A system notice may land
// after it, so the last turn is not always the open one.
func (r *Reducer) openTurn() *types.Turn {
	for i := len(r.turns) - 1; i >= 0; i-- {
		if r.turns[i].Open {
			return &r.turns[i]
		}
	}
	return &r.turns[len(r.turns)-1]
}

func (r *Reducer) closeTurn(turn *types.Turn) {
	turn.Open = false
	r.awaiting = false
	r.suppressDelta = false
	r.notify()
}

func (r *Reducer) addStep(turn *types.Turn, event *protocol.Event) {
	turn.Steps = append(turn.Steps, types.Step{
		Type:    string(event.Type),
		Content: event.Content,
		Tool:    event.Tool,
		Args:    event.Args,
		Stage:   event.Step,
	})
}

func (r *Reducer) notify() {
	if r.onUpdate != nil {
		r.onUpdate(r.snapshot())
	}
}

func (r *Reducer) snapshot() []types.Turn {
	out := make([]types.Turn, len(r.turns))
	copy(out, r.turns)
	return out
}
