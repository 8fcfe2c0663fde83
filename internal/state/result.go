package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/smqterm/internal/types"
)

// resultWrapper is the on-disk format for result files.
// Each result is stored as {"meta": ..., "bundle": ...}.
type resultWrapper struct {
	Meta   *resultMeta         `json:"meta"`
	Bundle *types.ResultBundle `json:"bundle"`
}

type resultMeta struct {
	SessionID types.SessionID `json:"session_id"`
	TaskID    types.TaskID    `json:"task_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// ResultStore stores one result bundle per task as an individual JSON
// file at sessions/<sessionID>/results/<taskID>.json.
type ResultStore struct {
	root string
}

// NewResultStore creates a new file-backed ResultStore rooted at the given directory.
func NewResultStore(root string) *ResultStore {
	return &ResultStore{root: root}
}

func (r *ResultStore) resultsDir(sessionID types.SessionID) string {
	return filepath.Join(r.root, "sessions", string(sessionID), "results")
}

func (r *ResultStore) resultPath(sessionID types.SessionID, taskID types.TaskID) string {
	return filepath.Join(r.resultsDir(sessionID), string(taskID)+".json")
}

// Put stores the bundle a task resolved with.
func (r *ResultStore) Put(_ context.Context, sessionID types.SessionID, taskID types.TaskID, bundle *types.ResultBundle) error {
	wrapper := &resultWrapper{
		Meta: &resultMeta{
			SessionID: sessionID,
			TaskID:    taskID,
			CreatedAt: time.Now(),
		},
		Bundle: bundle,
	}

	content, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	dir := r.resultsDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	// Atomic write via temp file + rename
	target := r.resultPath(sessionID, taskID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp result: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp result: %w", err)
	}
	return nil
}

// Get returns the stored bundle for the given task.
func (r *ResultStore) Get(_ context.Context, sessionID types.SessionID, taskID types.TaskID) (*types.ResultBundle, error) {
	data, err := os.ReadFile(r.resultPath(sessionID, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("result not found: %s", taskID)
		}
		return nil, fmt.Errorf("read result file: %w", err)
	}

	var wrapper resultWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return wrapper.Bundle, nil
}

// List returns the task IDs with stored results for a session, oldest first.
func (r *ResultStore) List(_ context.Context, sessionID types.SessionID) ([]types.TaskID, error) {
	entries, err := os.ReadDir(r.resultsDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read results dir: %w", err)
	}

	type stamped struct {
		id types.TaskID
		at time.Time
	}
	var results []stamped
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id := types.TaskID(strings.TrimSuffix(name, ".json"))
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat result file: %w", err)
		}
		results = append(results, stamped{id: id, at: info.ModTime()})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].at.Before(results[j].at) })

	ids := make([]types.TaskID, len(results))
	for i, res := range results {
		ids[i] = res.id
	}
	return ids, nil
}
