// Package pipeline maintains the authoritative per-stage status board for a
// task: a pure fold of the event history, independent of display pacing.
package pipeline

import (
	"encoding/json"
	"sync"

	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/types"
)

// CompleteStage is the synthetic stage entry written when the task's
// terminal complete event arrives.
const CompleteStage types.StageID = "complete"

// StatusFunc is notified after each stage mutation with the stage id and its
// new status record. It fires with the tracker's lock held; handlers must
// not call back into the tracker.
type StatusFunc func(stage types.StageID, status types.StageStatus)

// Tracker folds pipeline-scoped events into a map of stage statuses.
// Readers take snapshots. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	stages   map[types.StageID]*types.StageStatus
	order    []types.StageID
	onUpdate StatusFunc
}

// NewTracker creates an empty status tracker.
func NewTracker() *Tracker {
	return &Tracker{stages: make(map[types.StageID]*types.StageStatus)}
}

// OnUpdate registers the stage update callback.
func (t *Tracker) OnUpdate(fn StatusFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// Reset clears the board for a new task.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = make(map[types.StageID]*types.StageStatus)
	t.order = nil
}

// Get returns a copy of one stage's status. The zero value has status idle.
func (t *Tracker) Get(stage types.StageID) types.StageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stages[stage]; ok {
		return *s
	}
	return types.StageStatus{Status: types.StageIdle}
}

// Stages returns the stage ids in first-seen order.
func (t *Tracker) Stages() []types.StageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.StageID, len(t.order))
	copy(out, t.order)
	return out
}

// Snapshot returns a copy of the whole board.
func (t *Tracker) Snapshot() map[types.StageID]types.StageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.StageID]types.StageStatus, len(t.stages))
	for id, s := range t.stages {
		out[id] = *s
	}
	return out
}

// Waiting reports whether any stage is blocked on a human answer. New
// submissions other than the answer itself are rejected while true.
func (t *Tracker) Waiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.stages {
		if s.Status == types.StageWaiting {
			return true
		}
	}
	return false
}

// Apply folds one event into the board. The return value reports whether the
// event warrants a display transition: tool_call and non-pipeline events
// update state (or nothing) without queueing anything visible.
func (t *Tracker) Apply(event *protocol.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch event.Type {
	case protocol.TypePrompt:
		if event.Step == "" {
			return false
		}
		s := t.stage(event.Step)
		s.Status = types.StageRunning
		s.Prompt = event.Content
		t.notify(event.Step)
		return true

	case protocol.TypeThought:
		if event.Step == "" {
			return false
		}
		s := t.stage(event.Step)
		s.Status = types.StageComplete
		// postprocess emits its rendered output in a dedicated field; show
		// it instead of the raw thought text.
		if event.PostprocessResult != "" {
			s.Result = event.PostprocessResult
		} else {
			s.Result = event.Content
		}
		if len(event.Details) > 0 {
			s.Details = event.Details
		}
		t.notify(event.Step)
		return true

	case protocol.TypeToolCall:
		if event.Step == "" {
			return false
		}
		s := t.stage(event.Step)
		if event.Tool == protocol.ReQuestionTool {
			s.Status = types.StageWaiting
		} else if s.Status == types.StageIdle {
			s.Status = types.StageRunning
		}
		t.notify(event.Step)
		return false

	case protocol.TypeToolResult:
		if event.Step == "" {
			return false
		}
		s := t.stage(event.Step)
		if isWaitingForUser(event.Content) {
			s.Status = types.StageWaiting
			s.Result = event.Content
			t.notify(event.Step)
			return false
		}
		s.Status = types.StageComplete
		s.Result = event.Content
		if json.Valid([]byte(event.Content)) {
			s.ToolResult = json.RawMessage(event.Content)
		}
		t.notify(event.Step)
		return true

	case protocol.TypeSuccess, protocol.TypeMessage:
		if event.Step == "" {
			return false
		}
		s := t.stage(event.Step)
		s.Status = types.StageComplete
		s.Result = event.Content
		if bundle := event.Bundle(); bundle != nil {
			s.Bundle = bundle
		}
		t.notify(event.Step)
		return true

	case protocol.TypeError:
		if event.Step == "" {
			return false
		}
		s := t.stage(event.Step)
		s.Status = types.StageError
		s.Result = event.Content
		t.notify(event.Step)
		return true

	case protocol.TypeComplete:
		for _, id := range t.order {
			s := t.stages[id]
			if s.Status == types.StageRunning || s.Status == types.StageWaiting {
				s.Status = types.StageComplete
				t.notify(id)
			}
		}
		s := t.stage(CompleteStage)
		s.Status = types.StageComplete
		s.Result = event.Content
		if bundle := event.Bundle(); bundle != nil {
			s.Bundle = bundle
		}
		t.notify(CompleteStage)
		return true
	}

	return false
}

// MarkRunningError force-fails every running or waiting stage. Used when the
// task ceiling expires without a terminal event.
func (t *Tracker) MarkRunningError(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		s := t.stages[id]
		if s.Status == types.StageRunning || s.Status == types.StageWaiting {
			s.Status = types.StageError
			s.Result = reason
			t.notify(id)
		}
	}
}

func (t *Tracker) stage(id types.StageID) *types.StageStatus {
	if s, ok := t.stages[id]; ok {
		return s
	}
	s := &types.StageStatus{Status: types.StageIdle}
	t.stages[id] = s
	t.order = append(t.order, id)
	return s
}

func (t *Tracker) notify(id types.StageID) {
	if t.onUpdate != nil {
		t.onUpdate(id, *t.stages[id])
	}
}

// isWaitingForUser sniffs a tool_result payload for the re-question marker.
func isWaitingForUser(content string) bool {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return false
	}
	return payload.Status == "waiting_for_user"
}
