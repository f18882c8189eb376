package main

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/ongoingai/llmops/internal/configstore"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		command       string
		raw           string
		defaultValue  string
		want          string
		wantErrSubstr string
	}{
		{
			name:         "default text",
			command:      "report",
			raw:          "",
			defaultValue: "text",
			want:         "text",
		},
		{
			name:         "normalizes case and whitespace",
			command:      "evaluate",
			raw:          " JSON ",
			defaultValue: "text",
			want:         "json",
		},
		{
			name:          "rejects unsupported format",
			command:       "aggregate",
			raw:           "yaml",
			defaultValue:  "text",
			wantErrSubstr: `invalid aggregate format "yaml": expected text or json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := normalizeTextJSONFormat(tt.command, tt.raw, tt.defaultValue)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErrSubstr)
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", err.Error(), tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeTextJSONFormat() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("normalizeTextJSONFormat()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "evaluator", "hallucination_llm")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q, want only the warn line", lines)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["msg"] != "shown" || line["evaluator"] != "hallucination_llm" {
		t.Fatalf("line=%v", line)
	}
}

func TestEvaluationCycleRegistryFollowsEvaluatorConfigs(t *testing.T) {
	clearLLMEnv(t)
	srv, _ := newJudgeServer(t, `{"score": 1}`)
	cfg := writeTestConfig(t, judgeConfigYAML(srv.URL))

	var logs bytes.Buffer
	env, err := openCommandEnv(context.Background(), &globalOptions{configPath: cfg.path, logLevel: "info"}, &logs)
	if err != nil {
		t.Fatalf("openCommandEnv: %v", err)
	}
	defer env.Close()
	if env.cycle == nil {
		t.Fatal("expected an evaluation cycle with an api key configured")
	}
	ctx := context.Background()

	registry, err := env.cycle.registry(ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	want := []string{"conciseness_llm", "context_relevance_llm", "first_response_accuracy", "hallucination_llm"}
	if got := registry.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("names without configs=%v, want %v", got, want)
	}

	for _, c := range []configstore.EvaluatorConfig{
		{ScoreName: "hallucination_llm", Template: configstore.TemplateRef{ID: "hallucination"}},
		{ScoreName: "conciseness_llm", Template: configstore.TemplateRef{ID: "conciseness"}, Status: configstore.StatusDisabled},
		{ScoreName: "tone_check", Template: configstore.TemplateRef{ID: "tone"}},
	} {
		if _, err := env.evaluators.Create(ctx, c); err != nil {
			t.Fatalf("create %s: %v", c.ScoreName, err)
		}
	}

	registry, err = env.cycle.registry(ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if got := registry.Names(); !reflect.DeepEqual(got, []string{"hallucination_llm"}) {
		t.Fatalf("names with configs=%v, want only the enabled built-in", got)
	}
	if !strings.Contains(logs.String(), "tone_check") {
		t.Fatalf("logs=%s, want skipped config reported", logs.String())
	}
}
