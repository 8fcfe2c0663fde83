package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		DataDir:  "/tmp/test-data",
		LogLevel: "debug",
	}
	original.Backend.BaseURL = "http://localhost:9000"
	original.Backend.ChatPath = "/ws/chat"
	original.Backend.Token = "tok-test-round-trip"
	original.Backend.Dialect = "clickhouse"
	original.Task.CeilingMS = 120000
	original.Display.PromptIntervalMS = 500
	original.Eval.Sink = "file:/tmp/evals.jsonl"
	original.TokenModel = "gpt-4"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if loaded.Backend.BaseURL != original.Backend.BaseURL {
		t.Errorf("Backend.BaseURL mismatch: %v != %v", loaded.Backend.BaseURL, original.Backend.BaseURL)
	}
	if loaded.Backend.Token != original.Backend.Token {
		t.Errorf("Backend.Token mismatch: %v != %v", loaded.Backend.Token, original.Backend.Token)
	}
	if loaded.Backend.Dialect != original.Backend.Dialect {
		t.Errorf("Backend.Dialect mismatch: %v != %v", loaded.Backend.Dialect, original.Backend.Dialect)
	}
	if loaded.Task.CeilingMS != original.Task.CeilingMS {
		t.Errorf("Task.CeilingMS mismatch: %v != %v", loaded.Task.CeilingMS, original.Task.CeilingMS)
	}
	if loaded.Display.PromptIntervalMS != original.Display.PromptIntervalMS {
		t.Errorf("Display.PromptIntervalMS mismatch: %v != %v", loaded.Display.PromptIntervalMS, original.Display.PromptIntervalMS)
	}
	if loaded.Eval.Sink != original.Eval.Sink {
		t.Errorf("Eval.Sink mismatch: %v != %v", loaded.Eval.Sink, original.Eval.Sink)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "http://localhost:8000" {
		t.Errorf("default base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Task.CeilingMS != 300000 {
		t.Errorf("default ceiling = %d", cfg.Task.CeilingMS)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not written: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("SMQTERM_BACKEND_URL", "http://example.com:8000")
	t.Setenv("SMQTERM_BACKEND_TOKEN", "env-token")
	t.Setenv("SMQTERM_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "http://example.com:8000" {
		t.Errorf("env base url not applied: %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Token != "env-token" {
		t.Errorf("env token not applied: %q", cfg.Backend.Token)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env log level not applied: %q", cfg.LogLevel)
	}
}

func TestChatURL(t *testing.T) {
	cfg := &Config{}
	cfg.Backend.BaseURL = "http://localhost:8000"
	cfg.Backend.ChatPath = "/ws/chat"
	if got := cfg.ChatURL(); got != "ws://localhost:8000/ws/chat" {
		t.Errorf("ChatURL = %q", got)
	}

	cfg.Backend.BaseURL = "https://smq.example.com"
	if got := cfg.ChatURL(); got != "wss://smq.example.com/ws/chat" {
		t.Errorf("ChatURL = %q", got)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.Backend.Dialect = "postgres"
	cfg.Task.CeilingMS = 300000

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	backend, ok := m["backend"].(map[string]any)
	if !ok {
		t.Fatalf("expected backend to be map, got %T", m["backend"])
	}
	if backend["dialect"] != "postgres" {
		t.Errorf("expected backend.dialect=postgres, got %v", backend["dialect"])
	}

	task, ok := m["task"].(map[string]any)
	if !ok {
		t.Fatalf("expected task to be map, got %T", m["task"])
	}
	// JSON numbers are float64
	if task["ceiling_ms"] != float64(300000) {
		t.Errorf("expected task.ceiling_ms=300000, got %v", task["ceiling_ms"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Backend.Token = "tok-secret-1234"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["backend.token"] != "tok-secret-1234" {
		t.Errorf("expected unmasked backend.token, got %v", flat["backend.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Backend.Token = "tok-secret-1234"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["backend.token"] != "***1234" {
		t.Errorf("expected masked backend.token=***1234, got %v", flat["backend.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug"}
	cfg.Backend.Dialect = "clickhouse"
	cfg.Task.CeilingMS = 60000
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "backend.dialect")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "clickhouse" {
		t.Errorf("expected backend.dialect=clickhouse, got %v", v)
	}

	v, err = GetValue(path, "task.ceiling_ms")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(60000) {
		t.Errorf("expected task.ceiling_ms=60000, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Backend.Dialect = "postgres"
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	// Verify other values are preserved
	v, err = GetValue(path, "backend.dialect")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "postgres" {
		t.Errorf("expected backend.dialect=postgres (preserved), got %v", v)
	}
}

func TestSetValue_Numeric(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Task.CeilingMS = 300000
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "task.ceiling_ms", "60000"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "task.ceiling_ms")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(60000) {
		t.Errorf("expected task.ceiling_ms=60000, got %v (%T)", v, v)
	}
}

func TestSetValue_Boolean(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "some_flag", "true"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "some_flag")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != true {
		t.Errorf("expected some_flag=true, got %v (%T)", v, v)
	}
}

func TestSetValue_NewNestedKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "custom.setting")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "value" {
		t.Errorf("expected custom.setting=value, got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// GetValue calls Load, which creates the file if it doesn't exist.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
