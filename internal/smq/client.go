package smq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the backend's REST surface: query conversion and the
// per-stage prompt editor.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client rooted at baseURL, e.g.
// "http://localhost:8000".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// convertRequest is the conversion request body.
type convertRequest struct {
	SMQ     json.RawMessage `json:"smq"`
	Dialect string          `json:"dialect,omitempty"`
}

// ConvertResult is the conversion response body.
type ConvertResult struct {
	Success    bool            `json:"success"`
	SQL        string          `json:"sql"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	AllQueries []string        `json:"all_queries,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Convert lowers a semantic query to SQL for the given dialect. A
// response with success=false is returned as an error.
func (c *Client) Convert(ctx context.Context, smq json.RawMessage, dialect string) (*ConvertResult, error) {
	var result ConvertResult
	err := c.post(ctx, "/api/smq/convert", convertRequest{SMQ: smq, Dialect: dialect}, &result)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("conversion failed: %s", result.Error)
	}
	return &result, nil
}

// Prompt is one pipeline stage's system prompt.
type Prompt struct {
	Step    string `json:"step"`
	Content string `json:"content"`
}

// ListPrompts returns every stage prompt the backend exposes.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	if err := c.get(ctx, "/api/prompt", &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

// GetPrompt returns the prompt for one pipeline stage.
func (c *Client) GetPrompt(ctx context.Context, step string) (*Prompt, error) {
	var p Prompt
	if err := c.get(ctx, "/api/prompt/"+step, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPrompt replaces the prompt for one pipeline stage.
func (c *Client) SetPrompt(ctx context.Context, step, content string) error {
	return c.post(ctx, "/api/prompt", Prompt{Step: step, Content: content}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
