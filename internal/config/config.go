package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Backend  struct {
		BaseURL    string `json:"base_url"`
		ChatPath   string `json:"chat_path"`
		Token      string `json:"token"`
		Dialect    string `json:"dialect"`
		PromptType string `json:"prompt_type"`
		AgentType  string `json:"agent_type"`
	} `json:"backend"`
	Task struct {
		CeilingMS int `json:"ceiling_ms"`
	} `json:"task"`
	Display struct {
		PromptIntervalMS   int `json:"prompt_interval_ms"`
		CompleteDebounceMS int `json:"complete_debounce_ms"`
		ErrorEvictMS       int `json:"error_evict_ms"`
		CompleteEvictMS    int `json:"complete_evict_ms"`
	} `json:"display"`
	Eval struct {
		Sink string `json:"sink"`
	} `json:"eval"`
	TokenModel string `json:"token_model"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".smqterm"),
		LogLevel: "info",
	}
	cfg.Backend.BaseURL = "http://localhost:8000"
	cfg.Backend.ChatPath = "/ws/chat"
	cfg.Backend.Dialect = "postgres"
	cfg.Task.CeilingMS = 300000
	cfg.Display.PromptIntervalMS = 1000
	cfg.Display.CompleteDebounceMS = 50
	cfg.Display.ErrorEvictMS = 3000
	cfg.Display.CompleteEvictMS = 10000
	cfg.Eval.Sink = "stdout:"
	cfg.TokenModel = "gpt-4"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("SMQTERM_BACKEND_URL"); url != "" {
		cfg.Backend.BaseURL = url
	}
	if token := os.Getenv("SMQTERM_BACKEND_TOKEN"); token != "" {
		cfg.Backend.Token = token
	}
	if level := os.Getenv("SMQTERM_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if dir := os.Getenv("SMQTERM_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".smqterm", "config.json")
}

// ChatURL returns the WebSocket endpoint derived from the backend base URL.
func (c *Config) ChatURL() string {
	url := c.Backend.BaseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + c.Backend.ChatPath
}

// Ceiling returns the task ceiling as a duration.
func (c *Config) Ceiling() time.Duration {
	return time.Duration(c.Task.CeilingMS) * time.Millisecond
}

// ScenariosPath returns the scenario store file location.
func (c *Config) ScenariosPath() string {
	return filepath.Join(c.DataDir, "scenarios.json")
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// Save writes the config to path atomically, creating the parent
// directory if needed.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

// ToMap converts the config to a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns the config as a flat dot-keyed map, optionally
// masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// loadRaw reads the config file as a raw map, preserving keys the Config
// struct does not know about.
func loadRaw(path string) (map[string]any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	// Raw file values win so hand-edited extras survive round trips.
	for k, v := range Flatten(raw) {
		m = setFlat(m, k, v)
	}
	return m, nil
}

func setFlat(m map[string]any, key string, value any) map[string]any {
	flat := Flatten(m)
	flat[key] = value
	return Unflatten(flat)
}

// GetValue loads the config file and returns the value at the given
// dot-separated key.
func GetValue(path, key string) (any, error) {
	m, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue updates the value at the given dot-separated key and saves the
// file. The raw value is JSON-decoded when possible so numbers and
// booleans keep their types.
func SetValue(path, key, raw string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	m, err := loadRaw(path)
	if err != nil {
		return err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	m = setFlat(m, key, value)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
