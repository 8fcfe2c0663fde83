// internal/types/interfaces.go
package types

import (
	"context"
)

type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, endpoint string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	Delete(ctx context.Context, id SessionID) error
}

type EventStore interface {
	Append(ctx context.Context, event *StoredEvent) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*StoredEvent, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

type ResultStore interface {
	Put(ctx context.Context, sessionID SessionID, taskID TaskID, bundle *ResultBundle) error
	Get(ctx context.Context, sessionID SessionID, taskID TaskID) (*ResultBundle, error)
	List(ctx context.Context, sessionID SessionID) ([]TaskID, error)
}

type ScenarioStore interface {
	List(ctx context.Context) ([]*Scenario, error)
	Get(ctx context.Context, name string) (*Scenario, error)
	Save(ctx context.Context, scenario *Scenario) error
	Delete(ctx context.Context, name string) error
}
