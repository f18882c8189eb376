package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

type testConfig struct {
	path    string
	dataDir string
}

// writeTestConfig writes a file-storage config rooted in a temp dir. extra
// is appended verbatim and may add further top-level sections.
func writeTestConfig(t *testing.T, extra string) testConfig {
	t.Helper()

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	body := fmt.Sprintf(`storage:
  driver: file
  dir: %q
templates:
  path: %q
`, dataDir, filepath.Join(dir, "templates.json")) + extra

	path := filepath.Join(dir, "llmops.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return testConfig{path: path, dataDir: dataDir}
}

// clearLLMEnv keeps credentials from the host environment out of config
// loading.
func clearLLMEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"AZURE_OPENAI_API_KEY",
		"AZURE_OPENAI_ENDPOINT",
		"AZURE_OPENAI_DEPLOYMENT",
		"LLMOPS_LLM_PROVIDER",
		"LLMOPS_STORAGE_DRIVER",
		"OTEL_SDK_DISABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(name, "")
	}
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(args ...string) cliResult {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newJudgeServer fakes the chat completions endpoint with a fixed verdict.
func newJudgeServer(t *testing.T, verdict string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": verdict},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func judgeConfigYAML(baseURL string) string {
	return fmt.Sprintf(`llm:
  provider: openai
  api_key: sk-test-key
  base_url: %q
  model: gpt-4o-mini
  requests_per_second: 1000
  burst: 100
`, baseURL+"/v1")
}
