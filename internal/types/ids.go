// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type TaskID string
type EventID string
type ScenarioID string

// StageID names one unit of work in the agent pipeline (classifyJoy,
// extractMetrics, respondent, ...). Stage ids are assigned by the backend,
// never generated locally.
type StageID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewScenarioID() ScenarioID {
	return ScenarioID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
