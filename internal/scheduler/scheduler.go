package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/user/smqterm/internal/types"
)

// Handler is the callback invoked when a scheduled eval fires.
type Handler func(scenario *types.Scenario)

// Scheduler evaluates cron expressions from the scenario store and fires
// eval runs through a handler callback.
type Scheduler struct {
	store   types.ScenarioStore
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a new Scheduler backed by the given scenario store. The
// handler is called each time a scheduled eval fires.
func New(store types.ScenarioStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads scenarios from the store, registers enabled ones that have a
// schedule as cron entries, and starts the cron ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	scenarios, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	for _, sc := range scenarios {
		if sc.Schedule == "" || !sc.Enabled {
			continue
		}

		scenario := sc
		_, err := s.cron.AddFunc(scenario.Schedule, func() {
			slog.Info("cron firing eval", "name", scenario.Name)
			s.handler(scenario)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", scenario.Name, "schedule", scenario.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled eval", "name", scenario.Name, "schedule", scenario.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and calls Start again.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start(ctx)
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
