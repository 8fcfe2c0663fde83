package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/smqterm/internal/types"
)

// ScenarioStore is a JSON-file-backed store for scripted event scenarios.
// All scenarios live in a single file so they are easy to edit by hand.
type ScenarioStore struct {
	path string
	mu   sync.RWMutex
}

// NewScenarioStore creates a new file-backed ScenarioStore at the given file path.
func NewScenarioStore(path string) *ScenarioStore {
	return &ScenarioStore{path: path}
}

// Path returns the file path used by this store.
func (s *ScenarioStore) Path() string {
	return s.path
}

// List returns all scenarios. Returns an empty slice if the file doesn't exist.
func (s *ScenarioStore) List(_ context.Context) ([]*types.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scenarios, err := s.load()
	if err != nil {
		return nil, err
	}
	if scenarios == nil {
		return []*types.Scenario{}, nil
	}
	return scenarios, nil
}

// Get finds a scenario by name. Returns an error if not found.
func (s *ScenarioStore) Get(_ context.Context, name string) (*types.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scenarios, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, sc := range scenarios {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("scenario not found: %s", name)
}

// Save upserts a scenario by name, assigning an ID to new entries.
func (s *ScenarioStore) Save(_ context.Context, scenario *types.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scenarios, err := s.load()
	if err != nil {
		return err
	}

	if scenario.ID == "" {
		scenario.ID = types.NewScenarioID()
	}
	for i, existing := range scenarios {
		if existing.Name == scenario.Name {
			scenarios[i] = scenario
			return s.save(scenarios)
		}
	}

	scenarios = append(scenarios, scenario)
	return s.save(scenarios)
}

// Delete removes a scenario by name. Returns an error if not found.
func (s *ScenarioStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scenarios, err := s.load()
	if err != nil {
		return err
	}

	for i, sc := range scenarios {
		if sc.Name == name {
			scenarios = append(scenarios[:i], scenarios[i+1:]...)
			return s.save(scenarios)
		}
	}
	return fmt.Errorf("scenario not found: %s", name)
}

// load reads the JSON file and returns the scenario list. Returns nil if the file doesn't exist.
func (s *ScenarioStore) load() ([]*types.Scenario, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scenarios file: %w", err)
	}

	var scenarios []*types.Scenario
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return nil, fmt.Errorf("unmarshal scenarios: %w", err)
	}
	return scenarios, nil
}

// save writes the scenario list to disk using atomic write (temp file + rename).
func (s *ScenarioStore) save(scenarios []*types.Scenario) error {
	data, err := json.MarshalIndent(scenarios, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scenarios: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create scenarios dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp scenarios file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp scenarios file: %w", err)
	}
	return nil
}
