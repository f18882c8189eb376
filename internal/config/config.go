package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Evaluation    EvaluationConfig    `yaml:"evaluation"`
	LLM           LLMConfig           `yaml:"llm"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Dir         string `yaml:"dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type EvaluationConfig struct {
	Concurrency int `yaml:"concurrency"`
	TimeoutMS   int `yaml:"timeout_ms"`
}

const (
	LLMProviderOpenAI = "openai"
	LLMProviderAzure  = "azure"
)

type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	AzureEndpoint     string  `yaml:"azure_endpoint"`
	AzureDeployment   string  `yaml:"azure_deployment"`
	APIVersion        string  `yaml:"api_version"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxTokens         int     `yaml:"max_tokens"`
}

// Configured reports whether judge evaluators can reach a model.
func (c LLMConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type ScheduleConfig struct {
	Enabled               bool `yaml:"enabled"`
	EvaluationIntervalMS  int  `yaml:"evaluation_interval_ms"`
	AggregationIntervalMS int  `yaml:"aggregation_interval_ms"`
	WatchTraces           bool `yaml:"watch_traces"`
}

type TemplatesConfig struct {
	Path string `yaml:"path"`
}

type ObservabilityConfig struct {
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "llmops"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:      "file",
			Dir:         "./data",
			SQLitePath:  "./data/llmops.db",
			RedisPrefix: "llmops:",
		},
		Evaluation: EvaluationConfig{
			Concurrency: 4,
			TimeoutMS:   60000,
		},
		LLM: LLMConfig{
			Provider:          LLMProviderOpenAI,
			Model:             "gpt-4o-mini",
			APIVersion:        "2024-06-01",
			RequestsPerSecond: 2,
			Burst:             1,
			MaxTokens:         512,
		},
		Schedule: ScheduleConfig{
			Enabled:               false,
			EvaluationIntervalMS:  300000,
			AggregationIntervalMS: 300000,
			WatchTraces:           true,
		},
		Templates: TemplatesConfig{
			Path: "./data/templates.json",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
			Prometheus: PrometheusConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "file":
		if strings.TrimSpace(cfg.Storage.Dir) == "" {
			return errors.New("storage.dir is required when storage.driver=file")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLitePath) == "" {
			return errors.New("storage.sqlite_path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn is required when storage.driver=postgres")
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			return errors.New("storage.redis_url is required when storage.driver=redis")
		}
	default:
		return fmt.Errorf("storage.driver must be one of file, sqlite, postgres, redis (got %q)", cfg.Storage.Driver)
	}

	if cfg.Evaluation.Concurrency <= 0 {
		return fmt.Errorf("evaluation.concurrency must be > 0 (got %d)", cfg.Evaluation.Concurrency)
	}
	if cfg.Evaluation.TimeoutMS <= 0 {
		return fmt.Errorf("evaluation.timeout_ms must be > 0 (got %d)", cfg.Evaluation.TimeoutMS)
	}

	if err := validateLLMConfig(cfg.LLM); err != nil {
		return err
	}

	if cfg.Schedule.Enabled {
		if cfg.Schedule.EvaluationIntervalMS <= 0 {
			return fmt.Errorf("schedule.evaluation_interval_ms must be > 0 (got %d)", cfg.Schedule.EvaluationIntervalMS)
		}
		if cfg.Schedule.AggregationIntervalMS <= 0 {
			return fmt.Errorf("schedule.aggregation_interval_ms must be > 0 (got %d)", cfg.Schedule.AggregationIntervalMS)
		}
	}

	if err := validatePrometheusConfig(cfg.Observability.Prometheus); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateLLMConfig(cfg LLMConfig) error {
	switch strings.TrimSpace(cfg.Provider) {
	case LLMProviderOpenAI:
		if base := strings.TrimSpace(cfg.BaseURL); base != "" {
			if err := validateURL("llm.base_url", base); err != nil {
				return err
			}
		}
	case LLMProviderAzure:
		if err := validateURL("llm.azure_endpoint", cfg.AzureEndpoint); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.AzureDeployment) == "" {
			return errors.New("llm.azure_deployment is required when llm.provider=azure")
		}
		if strings.TrimSpace(cfg.APIVersion) == "" {
			return errors.New("llm.api_version is required when llm.provider=azure")
		}
	default:
		return fmt.Errorf("llm.provider must be one of openai, azure (got %q)", cfg.Provider)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return errors.New("llm.model must not be empty")
	}
	if cfg.RequestsPerSecond <= 0 {
		return fmt.Errorf("llm.requests_per_second must be > 0 (got %f)", cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		return fmt.Errorf("llm.burst must be > 0 (got %d)", cfg.Burst)
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must be >= 0 (got %d)", cfg.MaxTokens)
	}
	return nil
}

func validateURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validatePrometheusConfig(cfg PrometheusConfig) error {
	if !cfg.Enabled {
		return nil
	}
	path := strings.TrimSpace(cfg.Path)
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("observability.prometheus.path must start with '/' (got %q)", cfg.Path)
	}
	if path == "/api" || strings.HasPrefix(path, "/api/") {
		return fmt.Errorf("observability.prometheus.path must not overlap the /api routes (got %q)", cfg.Path)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("LLMOPS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("LLMOPS_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if driver := os.Getenv("LLMOPS_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dir := os.Getenv("LLMOPS_STORAGE_DIR"); dir != "" {
		cfg.Storage.Dir = dir
	}
	if sqlitePath := os.Getenv("LLMOPS_SQLITE_PATH"); sqlitePath != "" {
		cfg.Storage.SQLitePath = sqlitePath
	}
	if dsn := os.Getenv("LLMOPS_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if redisURL := os.Getenv("LLMOPS_REDIS_URL"); redisURL != "" {
		cfg.Storage.RedisURL = redisURL
	}

	if err := envInt("LLMOPS_EVAL_CONCURRENCY", &cfg.Evaluation.Concurrency); err != nil {
		return err
	}
	if err := envInt("LLMOPS_EVAL_TIMEOUT_MS", &cfg.Evaluation.TimeoutMS); err != nil {
		return err
	}

	if provider := os.Getenv("LLMOPS_LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if model := os.Getenv("LLMOPS_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	// Azure credentials select the Azure provider unless one was set explicitly.
	azureConfigured := false
	if apiKey := os.Getenv("AZURE_OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
		azureConfigured = true
	}
	if endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		cfg.LLM.AzureEndpoint = endpoint
		azureConfigured = true
	}
	if deployment := os.Getenv("AZURE_OPENAI_DEPLOYMENT"); deployment != "" {
		cfg.LLM.AzureDeployment = deployment
		azureConfigured = true
	}
	if apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION"); apiVersion != "" {
		cfg.LLM.APIVersion = apiVersion
	}
	if azureConfigured && os.Getenv("LLMOPS_LLM_PROVIDER") == "" {
		cfg.LLM.Provider = LLMProviderAzure
	}
	if rps := strings.TrimSpace(os.Getenv("LLMOPS_LLM_REQUESTS_PER_SECOND")); rps != "" {
		v, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid LLMOPS_LLM_REQUESTS_PER_SECOND: %w", err)
		}
		cfg.LLM.RequestsPerSecond = v
	}

	if err := envBool("LLMOPS_SCHEDULE_ENABLED", &cfg.Schedule.Enabled); err != nil {
		return err
	}
	if err := envInt("LLMOPS_EVALUATION_INTERVAL_MS", &cfg.Schedule.EvaluationIntervalMS); err != nil {
		return err
	}
	if err := envInt("LLMOPS_AGGREGATION_INTERVAL_MS", &cfg.Schedule.AggregationIntervalMS); err != nil {
		return err
	}
	if templatesPath := os.Getenv("LLMOPS_TEMPLATES_PATH"); templatesPath != "" {
		cfg.Templates.Path = templatesPath
	}
	if err := envBool("LLMOPS_PROMETHEUS_ENABLED", &cfg.Observability.Prometheus.Enabled); err != nil {
		return err
	}
	if promPath := os.Getenv("LLMOPS_PROMETHEUS_PATH"); promPath != "" {
		cfg.Observability.Prometheus.Path = promPath
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func envInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func envBool(name string, dst *bool) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
