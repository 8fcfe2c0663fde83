package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/task"
	"github.com/user/smqterm/internal/types"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("session", "default", "session name")
	runCmd.Flags().String("answer", "", "answer to send if the agent asks a clarifying question")
}

var runCmd = &cobra.Command{
	Use:   "run <message...>",
	Short: "Send one message and print the transcript",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		name, _ := cmd.Flags().GetString("session")
		answer, _ := cmd.Flags().GetString("answer")
		message := strings.Join(args, " ")

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		con, err := connect(ctx, cfg, name)
		if err != nil {
			return err
		}
		defer con.close()

		// Stream the open assistant turn as content accumulates.
		var printed int
		con.controller.Conversation().OnUpdate(func(turns []types.Turn) {
			for _, turn := range turns {
				if turn.Role != types.RoleAssistant || !turn.Open {
					continue
				}
				if len(turn.Content) > printed {
					fmt.Print(turn.Content[printed:])
					printed = len(turn.Content)
				}
			}
		})

		// The callback fires with the tracker's lock held, so the
		// controller calls happen on their own goroutine.
		answered := false
		con.controller.Pipeline().OnUpdate(func(stage types.StageID, status types.StageStatus) {
			if status.Status != types.StageWaiting || answered {
				return
			}
			answered = true
			go func() {
				if answer == "" {
					fmt.Fprintln(os.Stderr, "\nagent is waiting for an answer; re-run with --answer")
					_ = con.controller.Cancel()
					return
				}
				if err := con.controller.Answer(answer); err != nil {
					fmt.Fprintf(os.Stderr, "\nanswer failed: %v\n", err)
				}
			}()
		})

		done, err := con.controller.Submit(ctx, message, task.Options{
			PromptType: cfg.Backend.PromptType,
			AgentType:  cfg.Backend.AgentType,
		})
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}

		select {
		case out := <-done:
			return printOutcome(&out, printed)
		case <-ctx.Done():
			_ = con.controller.Cancel()
			fmt.Fprintln(os.Stderr, "\ncancelled")
			return nil
		}
	},
}

func printOutcome(out *task.Outcome, printed int) error {
	// Flush whatever the streaming callback did not catch.
	if len(out.Content) > printed {
		fmt.Print(out.Content[printed:])
	}
	fmt.Println()

	if out.Bundle != nil {
		if out.Bundle.SQLQuery != "" {
			fmt.Printf("\nSQL:\n%s\n", out.Bundle.SQLQuery)
		}
		if out.Bundle.QueryResult != nil {
			printRows(out.Bundle.QueryResult)
		}
	}
	if out.Kind == protocol.TypeError {
		return fmt.Errorf("task failed")
	}
	return nil
}

func printRows(result *types.QueryResult) {
	fmt.Printf("\n%s\n", strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			cells = append(cells, fmt.Sprintf("%v", row[col]))
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
}
