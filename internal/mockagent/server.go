// Package mockagent serves a local stand-in for the agent backend. It plays
// stored scenarios over the chat WebSocket so the console can be developed
// and tested without the real pipeline.
package mockagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/user/smqterm/internal/smq"
	"github.com/user/smqterm/internal/types"
)

// Stages is the pipeline stage vocabulary the real backend uses, in
// execution order.
var Stages = []string{
	"classifyJoy",
	"splitQuestion",
	"modelSelector",
	"extractMetrics",
	"extractFilters",
	"extractOrderByAndLimit",
	"manipulation",
	"executeQuery",
	"respondent",
	"postprocess",
}

// Server is the mock backend.
type Server struct {
	scenarios types.ScenarioStore
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	prompts map[string]string
}

// NewServer creates a mock backend that plays scenarios from the given store.
func NewServer(scenarios types.ScenarioStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	prompts := make(map[string]string, len(Stages))
	for _, stage := range Stages {
		prompts[stage] = "You are the " + stage + " stage."
	}
	return &Server{
		scenarios: scenarios,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		prompts:   prompts,
	}
}

// Handler builds the echo instance with all routes registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", s.handleHealth)
	e.GET("/ws/chat", s.handleChat)
	e.POST("/api/smq/convert", s.handleConvert)
	e.GET("/api/prompt", s.handleListPrompts)
	e.GET("/api/prompt/:step", s.handleGetPrompt)
	e.POST("/api/prompt", s.handleSetPrompt)
	return e
}

// Start serves the mock backend on addr until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	e := s.Handler()
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(addr)
	}()
	s.log.Info("mock backend listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat runs the scenario playback loop for one connection. Each
// submission plays the matching scenario's frames with their scripted
// delays; a cancel frame aborts playback and emits a cancelled event.
func (s *Server) handleChat(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(frame json.RawMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	var playMu sync.Mutex
	var cancelPlay context.CancelFunc

	preferred := c.QueryParam("scenario")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			playMu.Lock()
			if cancelPlay != nil {
				cancelPlay()
			}
			playMu.Unlock()
			return nil
		}

		var head struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			s.log.Warn("dropping malformed client frame", "error", err)
			continue
		}

		if head.Type == "cancel" {
			playMu.Lock()
			if cancelPlay != nil {
				cancelPlay()
				cancelPlay = nil
			}
			playMu.Unlock()
			continue
		}
		if head.Message == "" {
			continue
		}

		scenario, err := s.pick(c.Request().Context(), preferred, head.Message)
		if err != nil {
			s.log.Warn("no scenario for message", "error", err)
			frame, _ := json.Marshal(map[string]string{
				"type": "error", "content": err.Error(),
			})
			if err := write(frame); err != nil {
				return nil
			}
			continue
		}

		ctx, cancel := context.WithCancel(c.Request().Context())
		playMu.Lock()
		if cancelPlay != nil {
			cancelPlay()
		}
		cancelPlay = cancel
		playMu.Unlock()

		go s.play(ctx, scenario, write)
	}
}

// pick selects the scenario to play: the one named by the query param,
// else the one whose prompt matches the message, else the first stored.
func (s *Server) pick(ctx context.Context, preferred, message string) (*types.Scenario, error) {
	if preferred != "" {
		return s.scenarios.Get(ctx, preferred)
	}
	all, err := s.scenarios.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no scenarios stored")
	}
	for _, sc := range all {
		if strings.EqualFold(sc.Prompt, message) {
			return sc, nil
		}
	}
	return all[0], nil
}

// play emits the scenario's frames with their scripted delays. On cancel
// it emits a cancelled event and stops.
func (s *Server) play(ctx context.Context, scenario *types.Scenario, write func(json.RawMessage) error) {
	s.log.Info("playing scenario", "name", scenario.Name, "events", len(scenario.Events))
	for _, event := range scenario.Events {
		select {
		case <-ctx.Done():
			frame, _ := json.Marshal(map[string]string{"type": "cancelled"})
			_ = write(frame)
			return
		case <-time.After(time.Duration(event.DelayMS) * time.Millisecond):
		}
		if err := write(event.Frame); err != nil {
			return
		}
	}
}

// handleConvert lowers a semantic query to a canned SQL string.
func (s *Server) handleConvert(c echo.Context) error {
	var req struct {
		SMQ     json.RawMessage `json:"smq"`
		Dialect string          `json:"dialect"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false, "error": "invalid request body",
		})
	}

	query, err := smq.Parse(req.SMQ)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"success": false, "error": fmt.Sprintf("invalid smq: %v", err),
		})
	}
	if query.Empty() {
		return c.JSON(http.StatusOK, map[string]any{
			"success": false, "error": "empty query: no metrics or groupBy",
		})
	}

	sql := buildSQL(query)
	return c.JSON(http.StatusOK, map[string]any{
		"success":     true,
		"sql":         sql,
		"all_queries": []string{sql},
		"metadata":    map[string]string{"dialect": req.Dialect},
	})
}

// buildSQL renders a toy SQL projection of the query, enough for the
// console's convert flow to exercise end to end.
func buildSQL(q *smq.Query) string {
	cols := append(append([]string{}, q.GroupBy...), q.Metrics...)
	model := q.Model
	if model == "" {
		model = "t"
	}
	sql := "SELECT " + strings.Join(cols, ", ") + " FROM " + model
	if len(q.GroupBy) > 0 {
		sql += " GROUP BY " + strings.Join(q.GroupBy, ", ")
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return sql
}

func (s *Server) handleListPrompts(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts := make([]smq.Prompt, 0, len(Stages))
	for _, stage := range Stages {
		prompts = append(prompts, smq.Prompt{Step: stage, Content: s.prompts[stage]})
	}
	return c.JSON(http.StatusOK, prompts)
}

func (s *Server) handleGetPrompt(c echo.Context) error {
	step := c.Param("step")
	s.mu.Lock()
	content, ok := s.prompts[step]
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown step: " + step})
	}
	return c.JSON(http.StatusOK, smq.Prompt{Step: step, Content: content})
}

func (s *Server) handleSetPrompt(c echo.Context) error {
	var p smq.Prompt
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	s.mu.Lock()
	s.prompts[p.Step] = p.Content
	s.mu.Unlock()
	return c.JSON(http.StatusOK, p)
}
