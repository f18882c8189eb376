// Package evaluators implements the LLM-as-judge evaluators that score
// traces through an OpenAI-compatible chat completions endpoint.
package evaluators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/eval"
)

var (
	ErrNoChoices       = errors.New("judge returned no choices")
	ErrMalformedResult = errors.New("judge returned malformed result")
)

// Client sends judge prompts to one model, at most at the configured rate.
type Client struct {
	api       *openai.Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
}

// NewClient builds a judge client for the OpenAI or Azure OpenAI provider.
// A nil transport uses http.DefaultTransport.
func NewClient(cfg config.LLMConfig, transport http.RoundTripper) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is not configured")
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	var clientCfg openai.ClientConfig
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case config.LLMProviderAzure:
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.AzureEndpoint)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		deployment := cfg.AzureDeployment
		clientCfg.AzureModelMapperFunc = func(string) string {
			return deployment
		}
	case config.LLMProviderOpenAI, "":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	clientCfg.HTTPClient = &http.Client{Transport: transport}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		api:       openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// Judge sends one system+user prompt pair and parses the verdict.
func (c *Client) Judge(ctx context.Context, system, prompt string) (eval.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return eval.Result{}, fmt.Errorf("wait for rate limiter: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		// A literal zero is dropped by omitempty and the server default applies.
		Temperature: math.SmallestNonzeroFloat32,
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return eval.Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return eval.Result{}, ErrNoChoices
	}
	return ParseVerdict(resp.Choices[0].Message.Content)
}

// ParseVerdict decodes a {"score", "explanation"} object, tolerating
// markdown code fences around it. Scores must be finite and within [0,1].
func ParseVerdict(content string) (eval.Result, error) {
	cleaned := strings.ReplaceAll(content, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return eval.Result{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	value, ok := raw["score"]
	if !ok || value == nil {
		return eval.Result{}, fmt.Errorf("%w: score is missing", ErrMalformedResult)
	}
	var score float64
	var err error
	switch v := value.(type) {
	case json.Number:
		score, err = v.Float64()
	case string:
		score, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return eval.Result{}, fmt.Errorf("%w: score is not a number: %v", ErrMalformedResult, err)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return eval.Result{}, fmt.Errorf("%w: score %v outside [0,1]", ErrMalformedResult, score)
	}

	explanation, _ := raw["explanation"].(string)
	return eval.Result{Score: &score, Explanation: strings.TrimSpace(explanation)}, nil
}
