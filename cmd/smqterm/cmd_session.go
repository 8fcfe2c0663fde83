package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/conversation"
	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/state"
	"github.com/user/smqterm/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
	sessionShowCmd.Flags().Int("tail", 0, "replay only the last N frames")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		events := state.NewEventStore(cfg.DataDir)

		ctx := context.Background()
		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tSTATUS\tFRAMES\tCREATED")
		for _, s := range list {
			count, err := events.Count(ctx, s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				s.Status,
				count,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Replay a session's transcript from its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		events := state.NewEventStore(cfg.DataDir)
		tail, _ := cmd.Flags().GetInt("tail")

		ctx := context.Background()
		stored, err := events.Tail(ctx, types.SessionID(args[0]), tail)
		if err != nil {
			return fmt.Errorf("read event log: %w", err)
		}
		if len(stored) == 0 {
			fmt.Println("No events recorded.")
			return nil
		}

		turns := replayTranscript(stored)
		for _, turn := range turns {
			printTurn(&turn)
		}

		if counter, err := conversation.NewTokenCounter(cfg.TokenModel); err == nil {
			fmt.Printf("\n~%d tokens across %d turns\n", counter.CountTranscript(turns), len(turns))
		}
		return nil
	},
}

// replayTranscript feeds stored frames back through the reducer the same
// way the live console does. Outbound submissions are logged without a
// type field; they become user turns. Malformed frames are skipped.
func replayTranscript(stored []*types.StoredEvent) []types.Turn {
	red := conversation.NewReducer()
	for _, se := range stored {
		event, err := protocol.Decode(se.Frame)
		if err != nil {
			var submit protocol.Submit
			if json.Unmarshal(se.Frame, &submit) == nil && submit.Message != "" {
				red.Submit(submit.Message)
			}
			continue
		}
		if event.Type == protocol.TypeUnknown {
			continue
		}
		red.Apply(event)
	}
	return red.Turns()
}

func printTurn(turn *types.Turn) {
	label := strings.ToUpper(string(turn.Role))
	fmt.Printf("[%s] %s\n", label, turn.Content)
	if turn.Results != nil && turn.Results.SQLQuery != "" {
		fmt.Printf("  sql: %s\n", turn.Results.SQLQuery)
	}
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		ctx := context.Background()

		if args[0] == "all" {
			list, err := sessions.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range list {
				if err := sessions.Delete(ctx, s.SessionID); err != nil {
					return fmt.Errorf("delete session %s: %w", s.SessionID, err)
				}
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		if err := sessions.Delete(ctx, types.SessionID(args[0])); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
		return nil
	},
}
