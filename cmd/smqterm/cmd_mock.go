package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/mockagent"
	"github.com/user/smqterm/internal/state"
)

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.Flags().String("listen", ":8000", "listen address")
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve the mock agent backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		addr, _ := cmd.Flags().GetString("listen")

		scenarios := state.NewScenarioStore(cfg.ScenariosPath())
		server := mockagent.NewServer(scenarios, slog.Default())

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return server.Start(ctx, addr)
	},
}
