package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/config"
	"github.com/user/smqterm/internal/display"
	"github.com/user/smqterm/internal/state"
	"github.com/user/smqterm/internal/task"
	"github.com/user/smqterm/internal/transport"
	"github.com/user/smqterm/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "smqterm",
	Short:         "Terminal console for the SMQ agent backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// console bundles the pieces every connected command needs: an open
// transport session and the controller wired to the session's event log.
type console struct {
	cfg        *config.Config
	session    *transport.Session
	controller *task.Controller
	sessionID  types.SessionID
}

// connect resolves the named session, opens the WebSocket, and wires a
// controller to it. Callers own close.
func connect(ctx context.Context, cfg *config.Config, name string) (*console, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sessions := state.NewSessionStore(cfg.DataDir)
	events := state.NewEventStore(cfg.DataDir)
	results := state.NewResultStore(cfg.DataDir)

	key := types.NewSessionKey("terminal", name)
	sessionID, err := sessions.ResolveOrCreate(ctx, key, cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	sess := transport.NewSession(cfg.ChatURL())
	controller := task.New(task.Config{
		Session:   sess,
		SessionID: sessionID,
		Events:    events,
		Results:   results,
		Ceiling:   cfg.Ceiling(),
		Display:   displayConfig(cfg),
	})
	if err := sess.OpenWithRetry(ctx, transport.DefaultRetryPolicy()); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	return &console{
		cfg:        cfg,
		session:    sess,
		controller: controller,
		sessionID:  sessionID,
	}, nil
}

func displayConfig(cfg *config.Config) display.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return display.Config{
		MinDisplay:       ms(cfg.Display.PromptIntervalMS),
		CompleteDebounce: ms(cfg.Display.CompleteDebounceMS),
		ErrorEvict:       ms(cfg.Display.ErrorEvictMS),
		CompleteEvict:    ms(cfg.Display.CompleteEvictMS),
	}
}

func (c *console) close() {
	c.controller.Close()
	c.session.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
