package main

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/config"
	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/report"
	"github.com/user/smqterm/internal/scheduler"
	"github.com/user/smqterm/internal/state"
	"github.com/user/smqterm/internal/task"
	"github.com/user/smqterm/internal/transport"
	"github.com/user/smqterm/internal/types"
)

func init() {
	rootCmd.AddCommand(evalCmd)
	evalCmd.Flags().Bool("schedule", false, "keep running and fire scheduled scenarios on their cron expressions")
	evalCmd.Flags().String("sink", "", "report sink (defaults to eval.sink)")
}

var evalCmd = &cobra.Command{
	Use:   "eval [name]",
	Short: "Run stored scenarios against the backend and report pass/fail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		sink, _ := cmd.Flags().GetString("sink")
		if sink == "" {
			sink = cfg.Eval.Sink
		}
		schedule, _ := cmd.Flags().GetBool("schedule")

		scenarios := state.NewScenarioStore(cfg.ScenariosPath())
		reports := report.Default()
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if schedule {
			sched := scheduler.New(scenarios, func(sc *types.Scenario) {
				outcome := evalScenario(ctx, cfg, sc)
				if err := reports.Report(sink, outcome); err != nil {
					fmt.Printf("report failed: %v\n", err)
				}
			})
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer sched.Stop()
			<-ctx.Done()
			return nil
		}

		var picked []*types.Scenario
		if len(args) == 1 {
			sc, err := scenarios.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get scenario: %w", err)
			}
			picked = []*types.Scenario{sc}
		} else {
			all, err := scenarios.List(ctx)
			if err != nil {
				return fmt.Errorf("list scenarios: %w", err)
			}
			for _, sc := range all {
				if sc.Enabled {
					picked = append(picked, sc)
				}
			}
		}
		if len(picked) == 0 {
			fmt.Println("No scenarios to run.")
			return nil
		}

		failed := 0
		for _, sc := range picked {
			outcome := evalScenario(ctx, cfg, sc)
			if !outcome.Passed {
				failed++
			}
			if err := reports.Report(sink, outcome); err != nil {
				return fmt.Errorf("report: %w", err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(picked))
		}
		return nil
	},
}

// evalScenario runs one scenario end to end on a fresh connection and
// judges the outcome against the scenario's expectations.
func evalScenario(ctx context.Context, cfg *config.Config, sc *types.Scenario) *report.Outcome {
	start := time.Now()
	outcome := &report.Outcome{Scenario: sc.Name, At: start}
	fail := func(format string, args ...any) *report.Outcome {
		outcome.Detail = fmt.Sprintf(format, args...)
		outcome.Elapsed = time.Since(start)
		return outcome
	}

	endpoint := cfg.ChatURL() + "?scenario=" + url.QueryEscape(sc.Name)
	sess := transport.NewSession(endpoint)
	controller := task.New(task.Config{
		Session:   sess,
		SessionID: types.NewSessionID(),
		Ceiling:   cfg.Ceiling(),
	})
	defer func() {
		controller.Close()
		sess.Close()
	}()

	if err := sess.Open(ctx); err != nil {
		return fail("connect: %v", err)
	}

	done, err := controller.Submit(ctx, sc.Prompt, task.Options{
		PromptType: cfg.Backend.PromptType,
		AgentType:  cfg.Backend.AgentType,
	})
	if err != nil {
		return fail("submit: %v", err)
	}

	var out task.Outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return fail("interrupted")
	}

	outcome.Content = out.Content
	if out.Bundle != nil {
		outcome.SQL = out.Bundle.SQLQuery
	}
	switch {
	case out.Kind != protocol.TypeComplete:
		return fail("task ended with %s: %s", out.Kind, out.Content)
	case sc.ExpectContent != "" && !strings.Contains(out.Content, sc.ExpectContent):
		return fail("content %q does not contain %q", out.Content, sc.ExpectContent)
	case sc.ExpectSQL != "" && outcome.SQL != sc.ExpectSQL:
		return fail("sql %q != %q", outcome.SQL, sc.ExpectSQL)
	}

	outcome.Passed = true
	outcome.Elapsed = time.Since(start)
	return outcome
}
