package evaluators

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/trace"
)

type capturedRequest struct {
	Path       string
	Query      string
	Auth       string
	AzureKey   string
	Body       map[string]any
	RawMessage string
}

func newChatServer(t *testing.T, content string, choices bool) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		reqs <- capturedRequest{
			Path:       r.URL.Path,
			Query:      r.URL.RawQuery,
			Auth:       r.Header.Get("Authorization"),
			AzureKey:   r.Header.Get("api-key"),
			Body:       body,
			RawMessage: string(raw),
		}

		payload := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []any{},
		}
		if choices {
			payload["choices"] = []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func openAIConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		Provider:          config.LLMProviderOpenAI,
		APIKey:            "sk-test-key",
		BaseURL:           baseURL + "/v1",
		Model:             "gpt-4o-mini",
		RequestsPerSecond: 100,
		Burst:             10,
		MaxTokens:         256,
	}
}

func sampleTrace() trace.Trace {
	return trace.Trace{
		TraceID:   "trace-1",
		SessionID: "session-1",
		Timestamp: "2025-01-01T00:00:00Z",
		Question:  "What is the capital of France?",
		Context:   "Paris is the capital of France.",
		Answer:    "Paris.",
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		score   float64
		expl    string
	}{
		{name: "plain", content: `{"score": 0.8, "explanation": "mostly grounded"}`, score: 0.8, expl: "mostly grounded"},
		{name: "fenced", content: "```json\n{\"score\": 0.25, \"explanation\": \"padded\"}\n```", score: 0.25, expl: "padded"},
		{name: "string score", content: `{"score": "1", "explanation": "ok"}`, score: 1, expl: "ok"},
		{name: "no explanation", content: `{"score": 0}`, score: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := ParseVerdict(tt.content)
			require.NoError(t, err)
			require.NotNil(t, res.Score)
			assert.InDelta(t, tt.score, *res.Score, 1e-9)
			assert.Equal(t, tt.expl, res.Explanation)
		})
	}
}

func TestParseVerdictRejectsBadOutput(t *testing.T) {
	t.Parallel()

	for _, content := range []string{
		`not json`,
		`{"explanation": "no score"}`,
		`{"score": null}`,
		`{"score": "high"}`,
		`{"score": true}`,
		`{"score": 1.5}`,
		`{"score": -0.1}`,
		`{"score": "NaN"}`,
	} {
		_, err := ParseVerdict(content)
		require.Error(t, err, content)
		assert.True(t, errors.Is(err, ErrMalformedResult), content)
	}
}

func TestJudgeSendsDeterministicRequest(t *testing.T) {
	t.Parallel()

	srv, reqs := newChatServer(t, `{"score": 0.9, "explanation": "grounded"}`, true)
	client, err := NewClient(openAIConfig(srv.URL), nil)
	require.NoError(t, err)

	judge, err := NewJudge(client, "hallucination_llm")
	require.NoError(t, err)

	res, err := judge.Evaluate(context.Background(), sampleTrace())
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 0.9, *res.Score, 1e-9)
	assert.Equal(t, "grounded", res.Explanation)

	got := <-reqs
	assert.Equal(t, "/v1/chat/completions", got.Path)
	assert.Equal(t, "Bearer sk-test-key", got.Auth)
	assert.Equal(t, "gpt-4o-mini", got.Body["model"])
	assert.EqualValues(t, 256, got.Body["max_tokens"])
	temp, ok := got.Body["temperature"].(float64)
	require.True(t, ok, "temperature must be sent")
	assert.Less(t, temp, 1e-6)
	assert.Contains(t, got.RawMessage, "Paris is the capital of France.")
}

func TestJudgeNoChoicesIsError(t *testing.T) {
	t.Parallel()

	srv, _ := newChatServer(t, "", false)
	client, err := NewClient(openAIConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = client.Judge(context.Background(), "system", "prompt")
	require.ErrorIs(t, err, ErrNoChoices)
}

func TestJudgeTransportFailureIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(openAIConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = client.Judge(context.Background(), "system", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}

func TestAzureClientUsesDeployment(t *testing.T) {
	t.Parallel()

	srv, reqs := newChatServer(t, `{"score": 0.5, "explanation": "ok"}`, true)
	client, err := NewClient(config.LLMConfig{
		Provider:          config.LLMProviderAzure,
		APIKey:            "azure-test-key",
		AzureEndpoint:     srv.URL,
		AzureDeployment:   "judge-deployment",
		APIVersion:        "2024-06-01",
		Model:             "gpt-4o-mini",
		RequestsPerSecond: 100,
		Burst:             1,
	}, nil)
	require.NoError(t, err)

	_, err = client.Judge(context.Background(), "system", "prompt")
	require.NoError(t, err)

	got := <-reqs
	assert.Equal(t, "/openai/deployments/judge-deployment/chat/completions", got.Path)
	assert.Contains(t, got.Query, "api-version=2024-06-01")
	assert.Equal(t, "azure-test-key", got.AzureKey)
}

func TestNewClientRejectsMissingKeyAndUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewClient(config.LLMConfig{Provider: config.LLMProviderOpenAI}, nil)
	require.Error(t, err)

	_, err = NewClient(config.LLMConfig{Provider: "bedrock", APIKey: "k"}, nil)
	require.Error(t, err)
}

func TestJudgeHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	srv, _ := newChatServer(t, `{"score": 0.5}`, true)
	cfg := openAIConfig(srv.URL)
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	client, err := NewClient(cfg, nil)
	require.NoError(t, err)

	// Drain the single burst token so the next call has to wait.
	_, err = client.Judge(context.Background(), "system", "prompt")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Judge(ctx, "system", "prompt")
	require.Error(t, err)
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	srv, _ := newChatServer(t, `{"score": 0.5}`, true)
	client, err := NewClient(openAIConfig(srv.URL), nil)
	require.NoError(t, err)

	reg := eval.NewRegistry(nil)
	skipped, err := Register(reg, client, nil)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, BuiltinKeys(), reg.Names())
	assert.Equal(t, "hallucination_score", reg.Canonical("hallucination_llm"))

	reg = eval.NewRegistry(nil)
	skipped, err = Register(reg, client, []string{"conciseness_llm", "toxicity_llm"})
	require.NoError(t, err)
	assert.Equal(t, []string{"toxicity_llm"}, skipped)
	assert.Equal(t, []string{"conciseness_llm"}, reg.Names())
}

func TestRegisteredJudgesParseVerdicts(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		content := `{"score": 0.7, "explanation": "fine"}`
		if strings.Contains(string(body), "conciseness") {
			content = "```json\n{\"score\": 3}\n```"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "x", "object": "chat.completion", "created": 1, "model": "m",
			"choices": []any{map[string]any{
				"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(openAIConfig(srv.URL), nil)
	require.NoError(t, err)
	reg := eval.NewRegistry(nil)
	_, err = Register(reg, client, []string{"hallucination_llm", "conciseness_llm"})
	require.NoError(t, err)

	for _, key := range reg.Names() {
		ev, ok := reg.Get(key)
		require.True(t, ok)
		res, err := ev.Evaluate(context.Background(), sampleTrace())
		if key == "conciseness_llm" {
			require.ErrorIs(t, err, ErrMalformedResult)
			continue
		}
		require.NoError(t, err)
		assert.InDelta(t, 0.7, *res.Score, 1e-9)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}
