// Package report routes eval outcomes to configured sinks.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Outcome is the result of evaluating one scenario against a backend.
type Outcome struct {
	Scenario string        `json:"scenario"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail,omitempty"`
	Content  string        `json:"content,omitempty"`
	SQL      string        `json:"sql,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ms"`
	At       time.Time     `json:"at"`
}

// Handler writes an outcome to the sink named by the full sink string.
type Handler func(sink string, outcome *Outcome) error

// Registry routes outcomes to the appropriate handler based on sink
// prefix (e.g. "stdout:", "file:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for sinks starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Report finds the handler matching the sink prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Report(sink string, outcome *Outcome) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(sink, prefix) {
			return handler(sink, outcome)
		}
	}
	return fmt.Errorf("no report handler for sink: %s", sink)
}

// Default returns a registry with the stdout: and file: sinks registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register("stdout:", WriterHandler(os.Stdout))
	r.Register("file:", FileHandler())
	return r
}

// WriterHandler formats outcomes as single lines on w.
func WriterHandler(w io.Writer) Handler {
	return func(_ string, outcome *Outcome) error {
		_, err := fmt.Fprintln(w, Format(outcome))
		return err
	}
}

// FileHandler appends outcomes as JSONL to the path after the "file:"
// prefix.
func FileHandler() Handler {
	return func(sink string, outcome *Outcome) error {
		path := strings.TrimPrefix(sink, "file:")
		if path == "" {
			return fmt.Errorf("file sink has no path: %s", sink)
		}
		data, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open report file: %w", err)
		}
		defer f.Close()
		data = append(data, '\n')
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
		return nil
	}
}

// Format renders an outcome as a one-line summary.
func Format(outcome *Outcome) string {
	status := "PASS"
	if !outcome.Passed {
		status = "FAIL"
	}
	line := fmt.Sprintf("%s %s (%s)", status, outcome.Scenario, outcome.Elapsed.Round(time.Millisecond))
	if outcome.Detail != "" {
		line += ": " + outcome.Detail
	}
	return line
}
