package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/smqterm/internal/state"
	"github.com/user/smqterm/internal/types"
)

func saveScenario(t *testing.T, store *state.ScenarioStore, sc *types.Scenario) {
	t.Helper()
	if err := store.Save(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerFiresEval(t *testing.T) {
	dir := t.TempDir()
	store := state.NewScenarioStore(filepath.Join(dir, "scenarios.json"))

	saveScenario(t, store, &types.Scenario{
		Name:     "every-second",
		Prompt:   "revenue by region",
		Schedule: "* * * * * *",
		Enabled:  true,
	})

	var fires atomic.Int32
	handler := func(scenario *types.Scenario) {
		if scenario.Name == "every-second" {
			fires.Add(1)
		}
	}

	sched := New(store, handler)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("handler did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerSkipsDisabled(t *testing.T) {
	dir := t.TempDir()
	store := state.NewScenarioStore(filepath.Join(dir, "scenarios.json"))

	saveScenario(t, store, &types.Scenario{
		Name:     "disabled-eval",
		Prompt:   "should not fire",
		Schedule: "* * * * * *",
		Enabled:  false,
	})

	var fires atomic.Int32
	sched := New(store, func(*types.Scenario) { fires.Add(1) })
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	time.Sleep(2 * time.Second)

	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires for disabled scenario, got %d", n)
	}
}

func TestSchedulerSkipsUnscheduled(t *testing.T) {
	dir := t.TempDir()
	store := state.NewScenarioStore(filepath.Join(dir, "scenarios.json"))

	saveScenario(t, store, &types.Scenario{
		Name:    "manual-only",
		Prompt:  "eval on demand",
		Enabled: true,
	})

	var fires atomic.Int32
	sched := New(store, func(*types.Scenario) { fires.Add(1) })
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	time.Sleep(2 * time.Second)

	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires for scenario with no schedule, got %d", n)
	}
}
