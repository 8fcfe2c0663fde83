// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Role classifies a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// StageState is the lifecycle state of one pipeline stage. Stages only move
// forward: idle -> running -> {complete|error}. Waiting is a sub-state of
// running used while the backend blocks on a human answer.
type StageState string

const (
	StageIdle     StageState = "idle"
	StageRunning  StageState = "running"
	StageWaiting  StageState = "waiting"
	StageComplete StageState = "complete"
	StageError    StageState = "error"
)

// QueryResult is the tabular sample produced by the executeQuery stage.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ResultBundle carries the structured outputs a task can attach to its final
// turn: the generated SMQ, the converted SQL, and sample query rows.
type ResultBundle struct {
	QueryResult *QueryResult    `json:"query_result,omitempty"`
	SQLResult   string          `json:"sql_result,omitempty"`
	SQLQuery    string          `json:"sql_query,omitempty"`
	SMQ         json.RawMessage `json:"smq,omitempty"`
}

// Empty reports whether the bundle carries no fields.
func (b *ResultBundle) Empty() bool {
	return b == nil || (b.QueryResult == nil && b.SQLResult == "" && b.SQLQuery == "" && len(b.SMQ) == 0)
}

// Step is one recorded intermediate entry (thought, tool call, tool result,
// success) attached to an in-progress assistant turn.
type Step struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Stage   StageID         `json:"step,omitempty"`
}

// Turn is one transcript entry. At most one turn per task is open (still
// receiving content); closing a turn is final.
type Turn struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Steps   []Step        `json:"steps,omitempty"`
	Results *ResultBundle `json:"results,omitempty"`
	At      time.Time     `json:"at"`
	Open    bool          `json:"open,omitempty"`
}

// StageStatus is the authoritative record for one pipeline stage, keyed by
// its StageID. Display pacing never feeds back into this record.
type StageStatus struct {
	Status     StageState      `json:"status"`
	Prompt     string          `json:"prompt,omitempty"`
	Result     string          `json:"result,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Bundle     *ResultBundle   `json:"bundle,omitempty"`
}

// StoredEvent is one persisted wire frame in a session's event log. Frames
// are recorded verbatim so a transcript can be replayed offline.
type StoredEvent struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	TaskID    TaskID          `json:"task_id,omitempty"`
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`
	Frame     json.RawMessage `json:"frame"`
}

type SessionIndex struct {
	SessionID    SessionID  `json:"session_id"`
	SessionKey   SessionKey `json:"session_key"`
	Endpoint     string     `json:"endpoint"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastTaskID   TaskID     `json:"last_task_id,omitempty"`
	LastEventSeq int64      `json:"last_event_seq"`
}

// ScenarioEvent is one scripted frame in a stored scenario, emitted by the
// mock backend after the given delay.
type ScenarioEvent struct {
	DelayMS int             `json:"delay_ms"`
	Frame   json.RawMessage `json:"frame"`
}

// Scenario is a named, scripted event sequence. Scenarios drive the mock
// backend and the eval runner.
type Scenario struct {
	ID            ScenarioID      `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Prompt        string          `json:"prompt"`
	Schedule      string          `json:"schedule,omitempty"`
	Enabled       bool            `json:"enabled"`
	Events        []ScenarioEvent `json:"events"`
	ExpectContent string          `json:"expect_content,omitempty"`
	ExpectSQL     string          `json:"expect_sql,omitempty"`
}
