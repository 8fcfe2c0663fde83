package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/user/smqterm/internal/types"
)

func TestEventStore(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()

	event1 := &types.StoredEvent{
		ID:        types.NewEventID(),
		SessionID: sessionID,
		TaskID:    types.NewTaskID(),
		Seq:       0, // Will be auto-assigned
		At:        time.Now(),
		Frame:     json.RawMessage(`{"type":"prompt","step":"classifyJoy","content":"classify"}`),
	}

	if err := store.Append(ctx, event1); err != nil {
		t.Fatal(err)
	}

	events, err := store.Tail(ctx, sessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
	if events[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", events[0].Seq)
	}

	count, err := store.Count(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestEventStoreKeepsCallerSeq(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()
	event := &types.StoredEvent{
		ID:        types.NewEventID(),
		SessionID: sessionID,
		Seq:       7,
		At:        time.Now(),
		Frame:     json.RawMessage(`{"type":"delta","content":"hi"}`),
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatal(err)
	}

	events, err := store.Tail(ctx, sessionID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Seq != 7 {
		t.Errorf("expected seq 7, got %d", events[0].Seq)
	}
}

func TestEventStoreTailLimit(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()
	for i := 0; i < 5; i++ {
		event := &types.StoredEvent{
			ID:        types.NewEventID(),
			SessionID: sessionID,
			At:        time.Now(),
			Frame:     json.RawMessage(`{"type":"delta","content":"x"}`),
		}
		if err := store.Append(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.Tail(ctx, sessionID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("expected seqs 4,5, got %d,%d", events[0].Seq, events[1].Seq)
	}
}

func TestEventStoreEmptySession(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(dir)
	ctx := context.Background()

	events, err := store.Tail(ctx, types.NewSessionID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Errorf("expected nil events, got %v", events)
	}

	count, err := store.Count(ctx, types.NewSessionID())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected count 0, got %d", count)
	}
}
