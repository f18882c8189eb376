package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunConfigValidateValidConfig(t *testing.T) {
	clearLLMEnv(t)
	configPath := filepath.Join(t.TempDir(), "llmops.yaml")
	if err := os.WriteFile(configPath, []byte(""), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	res := runCLI("config", "validate", "--config", configPath)
	if res.code != 0 {
		t.Fatalf("config validate code=%d, want 0 (stderr=%q)", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "config is valid: "+configPath) {
		t.Fatalf("stdout=%q, want success message with config path", res.stdout)
	}
}

func TestRunConfigValidateReportsInvalidConfig(t *testing.T) {
	clearLLMEnv(t)
	configPath := filepath.Join(t.TempDir(), "llmops.yaml")
	configBody := `storage:
  driver: postgres
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	res := runCLI("config", "validate", "--config", configPath)
	if res.code != 1 {
		t.Fatalf("config validate code=%d, want 1", res.code)
	}
	if !strings.Contains(res.stderr, "config is invalid: storage.postgres_dsn is required") {
		t.Fatalf("stderr=%q, want validation error message", res.stderr)
	}
}

func TestRunConfigValidateReportsUnknownFields(t *testing.T) {
	clearLLMEnv(t)
	configPath := filepath.Join(t.TempDir(), "llmops.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  bucket: traces\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	res := runCLI("config", "validate", "--config", configPath)
	if res.code != 1 {
		t.Fatalf("config validate code=%d, want 1", res.code)
	}
	if !strings.Contains(res.stderr, "field bucket not found") {
		t.Fatalf("stderr=%q, want unknown field error", res.stderr)
	}
}

func TestRunConfigValidateRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	res := runCLI("config", "validate", "extra")
	if res.code != 2 {
		t.Fatalf("config validate code=%d, want 2", res.code)
	}
	if !strings.Contains(res.stderr, "config validate does not accept positional arguments") {
		t.Fatalf("stderr=%q, want positional argument error", res.stderr)
	}
}

func TestRunConfigUnknownSubcommand(t *testing.T) {
	t.Parallel()

	res := runCLI("config", "unknown")
	if res.code != 2 {
		t.Fatalf("config code=%d, want 2", res.code)
	}
	if !strings.Contains(res.stderr, "validate") {
		t.Fatalf("stderr=%q, want config usage", res.stderr)
	}
}
