// Package config loads edge daemon configuration from a YAML file with
// environment-variable overrides for every operational knob.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all edge daemon configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`

	// Dispatcher limits
	MaxConcurrentInferences int `yaml:"max_concurrent_inferences"`
	MaxQueueDepth           int `yaml:"max_queue_depth"`

	// Retrieval and prompt budget
	ContextWindowTokens int    `yaml:"context_window_tokens"`
	RetrievalTopK       int    `yaml:"retrieval_top_k"`
	InstructionalLang   string `yaml:"instructional_language"`

	// Sessions
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`

	// Background cadences
	VKPPollIntervalSeconds         int `yaml:"vkp_poll_interval_seconds"`
	TelemetryUploadIntervalSeconds int `yaml:"telemetry_upload_interval_seconds"`

	// Model runtime
	Model ModelConfig `yaml:"model"`

	// Embedding provider
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Remote endpoints
	VKPSourceURL     string `yaml:"vkp_source_url"`
	TelemetrySinkURL string `yaml:"telemetry_sink_url"`

	// HTTP listener
	ListenAddr string `yaml:"listen_addr"`

	// Logging
	Debug bool `yaml:"debug"`
}

// ModelConfig configures the local inference engine.
type ModelConfig struct {
	// Path of the model artifact under ./models/.
	Path string `yaml:"path"`
	// Endpoint of the local llama.cpp server runtime.
	Endpoint string `yaml:"endpoint"`
	// Version string reported by telemetry.
	Version string `yaml:"version"`
	// RequireModel makes a missing artifact fatal at startup.
	RequireModel bool `yaml:"require_model"`
	// PerCallTimeout bounds one generate call.
	PerCallTimeout string `yaml:"per_call_timeout"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama or genai
	Endpoint string `yaml:"endpoint"` // ollama HTTP endpoint
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"` // genai only
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Name:                           "openclass-edge",
		DataDir:                        "./data",
		MaxConcurrentInferences:        5,
		MaxQueueDepth:                  1000,
		ContextWindowTokens:            4096,
		RetrievalTopK:                  5,
		InstructionalLang:              "id",
		SessionTTLSeconds:              86400,
		VKPPollIntervalSeconds:         3600,
		TelemetryUploadIntervalSeconds: 3600,
		Model: ModelConfig{
			Path:           "./models/model.gguf",
			Endpoint:       "http://127.0.0.1:8080",
			Version:        "unknown",
			PerCallTimeout: "60s",
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Endpoint: "http://127.0.0.1:11434",
			Model:    "embeddinggemma",
		},
		ListenAddr: ":8443",
	}
}

// Load reads the YAML file at path (if present), applies environment
// overrides, and validates. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the recognized environment keys onto the config.
func applyEnvOverrides(cfg *Config) {
	envInt("max_concurrent_inferences", &cfg.MaxConcurrentInferences)
	envInt("max_queue_depth", &cfg.MaxQueueDepth)
	envInt("context_window_tokens", &cfg.ContextWindowTokens)
	envInt("retrieval_top_k", &cfg.RetrievalTopK)
	envInt("session_ttl_seconds", &cfg.SessionTTLSeconds)
	envInt("vkp_poll_interval_seconds", &cfg.VKPPollIntervalSeconds)
	envInt("telemetry_upload_interval_seconds", &cfg.TelemetryUploadIntervalSeconds)
	envString("instructional_language", &cfg.InstructionalLang)
	envString("vkp_source_url", &cfg.VKPSourceURL)
	envString("telemetry_sink_url", &cfg.TelemetrySinkURL)
	envString("model_path", &cfg.Model.Path)
	envString("model_endpoint", &cfg.Model.Endpoint)
	envBool("require_model", &cfg.Model.RequireModel)
	envBool("edge_debug", &cfg.Debug)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects configurations that cannot run. Errors here map to
// process exit code 2.
func (c Config) Validate() error {
	if c.MaxConcurrentInferences < 1 {
		return fmt.Errorf("max_concurrent_inferences must be >= 1, got %d", c.MaxConcurrentInferences)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("max_queue_depth must be >= 0, got %d", c.MaxQueueDepth)
	}
	if c.ContextWindowTokens < 1024 {
		return fmt.Errorf("context_window_tokens must be >= 1024, got %d", c.ContextWindowTokens)
	}
	if c.RetrievalTopK < 1 {
		return fmt.Errorf("retrieval_top_k must be >= 1, got %d", c.RetrievalTopK)
	}
	if c.SessionTTLSeconds < 60 {
		return fmt.Errorf("session_ttl_seconds must be >= 60, got %d", c.SessionTTLSeconds)
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("embedding.provider must be 'ollama' or 'genai', got %q", c.Embedding.Provider)
	}
	if _, err := c.PerCallTimeout(); err != nil {
		return fmt.Errorf("model.per_call_timeout: %w", err)
	}
	return nil
}

// PerCallTimeout parses the generate-call timeout, defaulting to 60s.
func (c Config) PerCallTimeout() (time.Duration, error) {
	if c.Model.PerCallTimeout == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(c.Model.PerCallTimeout)
}

// SessionTTL returns the session lifetime as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// VKPPollInterval returns the package poll cadence.
func (c Config) VKPPollInterval() time.Duration {
	return time.Duration(c.VKPPollIntervalSeconds) * time.Second
}

// TelemetryUploadInterval returns the telemetry flush cadence.
func (c Config) TelemetryUploadInterval() time.Duration {
	return time.Duration(c.TelemetryUploadIntervalSeconds) * time.Second
}

// MetaDBPath returns the metadata store location under the data dir.
func (c Config) MetaDBPath() string { return filepath.Join(c.DataDir, "edge.db") }

// VectorDBPath returns the vector store location under the data dir.
func (c Config) VectorDBPath() string {
	return filepath.Join(c.DataDir, "vector_store", "chunks.db")
}

// SpillDir returns the durable spill buffer directory.
func (c Config) SpillDir() string { return filepath.Join(c.DataDir, "spill") }

// BackupDir returns the snapshot target directory.
func (c Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }
