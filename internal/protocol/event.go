// Package protocol defines the wire format spoken with the agent backend and
// the decoder that turns raw frames into typed events.
//
// The backend sends one JSON object per frame, discriminated by a "type"
// field. Pipeline-scoped events additionally carry a "step" stage id;
// session-level events (cancelled, complete, step-less error) do not.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/user/smqterm/internal/types"
)

// EventType discriminates inbound frames.
type EventType string

const (
	TypeDelta      EventType = "delta"
	TypePrompt     EventType = "prompt"
	TypeThought    EventType = "thought"
	TypeToolCall   EventType = "tool_call"
	TypeToolResult EventType = "tool_result"
	TypeSuccess    EventType = "success"
	TypeMessage    EventType = "message"
	TypeError      EventType = "error"
	TypeCancelled  EventType = "cancelled"
	TypeComplete   EventType = "complete"

	// TypeUnknown marks a frame whose type is not in the vocabulary above.
	// Downstream consumers must ignore it without error.
	TypeUnknown EventType = "unknown"
)

// ReQuestionTool is the human-in-the-loop clarification tool. A tool_call
// naming it puts the owning stage into the waiting sub-state until the user
// answers with a new submission on the same session.
const ReQuestionTool = "HumanInTheLoop.reQuestion"

// Event is one decoded inbound frame. Events are immutable: produced once by
// Decode and never modified downstream.
type Event struct {
	Type    EventType       `json:"type"`
	Step    types.StageID   `json:"step,omitempty"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	QueryResult       *types.QueryResult `json:"query_result,omitempty"`
	SQLResult         string             `json:"sql_result,omitempty"`
	SQLQuery          string             `json:"sql_query,omitempty"`
	SMQ               json.RawMessage    `json:"smq,omitempty"`
	PostprocessResult string             `json:"postprocess_result,omitempty"`
}

// Terminal reports whether the event ends the task.
func (e *Event) Terminal() bool {
	switch e.Type {
	case TypeComplete, TypeCancelled:
		return true
	case TypeError:
		// A step-scoped error fails one stage; a session-level error ends
		// the task.
		return e.Step == ""
	}
	return false
}

// Bundle extracts the structured result fields, or nil if none are present.
func (e *Event) Bundle() *types.ResultBundle {
	b := &types.ResultBundle{
		QueryResult: e.QueryResult,
		SQLResult:   e.SQLResult,
		SQLQuery:    e.SQLQuery,
		SMQ:         e.SMQ,
	}
	if b.Empty() {
		return nil
	}
	return b
}

// DecodeError wraps a frame that could not be parsed. It is non-fatal: one
// malformed frame must not end the session, so callers log and continue.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var knownTypes = map[EventType]bool{
	TypeDelta:      true,
	TypePrompt:     true,
	TypeThought:    true,
	TypeToolCall:   true,
	TypeToolResult: true,
	TypeSuccess:    true,
	TypeMessage:    true,
	TypeError:      true,
	TypeCancelled:  true,
	TypeComplete:   true,
}

// Decode parses one raw frame into an Event. Frames with an unrecognized
// type decode successfully as TypeUnknown; frames that are not valid JSON
// objects with a string type return a *DecodeError.
func Decode(raw []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, &DecodeError{Raw: raw, Err: err}
	}
	if event.Type == "" {
		return nil, &DecodeError{Raw: raw, Err: fmt.Errorf("missing type field")}
	}
	if !knownTypes[event.Type] {
		event.Type = TypeUnknown
	}
	return &event, nil
}

// Submit is the client frame that starts or continues a task.
type Submit struct {
	Message    string          `json:"message"`
	PromptType string          `json:"prompt_type,omitempty"`
	AgentType  string          `json:"agent_type,omitempty"`
	LLMConfig  json.RawMessage `json:"llm_config,omitempty"`
}

// Cancel is the client frame that requests cancellation of the in-flight
// task. Fire-and-forget: no acknowledgement precedes local teardown.
type Cancel struct {
	Type string `json:"type"`
}

// NewCancel returns the cancel control frame.
func NewCancel() Cancel {
	return Cancel{Type: "cancel"}
}
