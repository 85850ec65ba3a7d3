// Package config handles Wright configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/wright/config.yaml,
// /etc/wright/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wright", "config.yaml"))
	}

	paths = append(paths, "/etc/wright/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Wright configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Models    ModelsConfig            `yaml:"models"`
	OpenAI    OpenAIConfig            `yaml:"openai"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Ollama    OllamaConfig            `yaml:"ollama"`
	Agent     AgentConfig             `yaml:"agent"`
	Adhoc     AdhocConfig             `yaml:"adhoc"`
	Sandbox   SandboxConfig           `yaml:"sandbox"`
	Tasks     []TaskConfig            `yaml:"tasks"`
	Examples  ExamplesConfig          `yaml:"examples"`
	Audit     AuditConfig             `yaml:"audit"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	Usage     UsageConfig             `yaml:"usage"`
	Health    HealthConfig            `yaml:"health"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// ShutdownKey enables POST /shutdown for callers presenting it.
	ShutdownKey string `yaml:"shutdown_key"`
}

// ModelsConfig defines model routing.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider. ContextWindow, when
// set, overrides the built-in token budget for models whose name
// contains Name.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // openai, anthropic, ollama
	ContextWindow int    `yaml:"context_window"`
}

// OpenAIConfig defines settings for OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // empty = api.openai.com
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines the Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama URL is set.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// AgentConfig tunes the conversational tool loop.
type AgentConfig struct {
	// SystemPrompt is prepended to every conversation that does not
	// already start with a system message.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxRounds bounds model/tool alternations per request.
	MaxRounds int `yaml:"max_rounds"`
	// MaxTokens is the default completion limit when a request sets none.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature is the default sampling temperature.
	Temperature *float64 `yaml:"temperature"`
	// StripConsecutiveUserMessages keeps only the last of consecutive
	// user messages after context fitting. Some providers reject runs.
	StripConsecutiveUserMessages bool `yaml:"strip_consecutive_user_messages"`
}

// AdhocConfig tunes code synthesis and execution.
type AdhocConfig struct {
	Model        string `yaml:"model"` // empty = models.default
	MaxRetries   int    `yaml:"max_retries"`
	TimeoutSec   int    `yaml:"timeout_sec"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
}

// Timeout returns the execution deadline as a duration.
func (c AdhocConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RetryDelay returns the pause between attempts.
func (c AdhocConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// SandboxConfig controls what synthesized code can reach.
type SandboxConfig struct {
	// AllowedPackages lists standard library import paths made
	// available to synthesized code. Empty uses the built-in set.
	AllowedPackages []string `yaml:"allowed_packages"`
	// Fetch enables the lib.FetchText and lib.FetchJSON bindings.
	Fetch bool `yaml:"fetch"`
	// FetchMaxChars caps text returned by lib.FetchText.
	FetchMaxChars int `yaml:"fetch_max_chars"`
	// Search configures the lib.WebSearch binding.
	Search SearchConfig `yaml:"search"`
}

// SearchConfig lists web search backends. Providers are tried in the
// order SearXNG, then Brave.
type SearchConfig struct {
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// Configured reports whether any search backend is set.
func (c SearchConfig) Configured() bool {
	return c.SearXNGURL != "" || c.BraveAPIKey != ""
}

// TaskConfig declares a registered task backed by an external command.
// The task's JSON arguments are passed on stdin and exposed as
// WRIGHT_ARGS; its stdout is the task result.
type TaskConfig struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	Command         []string       `yaml:"command"`
	Parameters      map[string]any `yaml:"parameters"`
	Output          string         `yaml:"output"` // declared output type tag
	TimeoutSec      int            `yaml:"timeout_sec"`
	WorkingDir      string         `yaml:"working_dir"`
	CallDescription string         `yaml:"call_description"` // text/template over the call arguments
	Library         bool           `yaml:"library"`          // also expose as lib.Task_<name> to synthesized code
}

// ExamplesConfig points at few-shot examples for code synthesis.
type ExamplesConfig struct {
	Dir string `yaml:"dir"`
	K   int    `yaml:"k"`
	// EmbeddingProvider selects how tasks are embedded for ranking:
	// openai, ollama, or empty to use examples in file order.
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
}

// AuditConfig controls persistence of ad-hoc executions.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty = <data_dir>/audit.db
}

// UsageConfig controls token usage and cost tracking.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty = <data_dir>/usage.db
	// RetentionDays prunes older records at startup. Zero keeps
	// everything.
	RetentionDays int `yaml:"retention_days"`
}

// HealthConfig controls provider reachability probes in serve mode.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	// PollIntervalSec is the steady-state probe interval. Anthropic
	// probes send a one-token request, so keep this coarse.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// PollInterval returns the probe interval as a duration.
func (c HealthConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// MQTTConfig enables publishing audit records to a broker.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // empty = homeassistant
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// PricingEntry is the USD price per 1,000 tokens for one model.
type PricingEntry struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// DefaultPricing holds prices for the models Wright knows out of the box.
func DefaultPricing() map[string]PricingEntry {
	return map[string]PricingEntry{
		"gpt-4o":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"o3-mini":     {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	}
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields receive
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable configuration targeting OpenAI.
func Default() *Config {
	cfg := &Config{
		OpenAI: OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}
	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = 25
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 1000
	}
	if c.Agent.Temperature == nil {
		t := 0.7
		c.Agent.Temperature = &t
	}
	if c.Adhoc.Model == "" {
		c.Adhoc.Model = c.Models.Default
	}
	if c.Adhoc.MaxRetries == 0 {
		c.Adhoc.MaxRetries = 5
	}
	if c.Adhoc.TimeoutSec == 0 {
		c.Adhoc.TimeoutSec = 60
	}
	if c.Adhoc.RetryDelayMS == 0 {
		c.Adhoc.RetryDelayMS = 500
	}
	if c.Sandbox.FetchMaxChars == 0 {
		c.Sandbox.FetchMaxChars = 50000
	}
	if c.Examples.K == 0 {
		c.Examples.K = 10
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	if c.Health.PollIntervalSec == 0 {
		c.Health.PollIntervalSec = 300
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "wright"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	pricing := DefaultPricing()
	for model, p := range c.Pricing {
		pricing[model] = p
	}
	c.Pricing = pricing
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Adhoc.MaxRetries < 1 {
		return fmt.Errorf("adhoc.max_retries must be at least 1, got %d", c.Adhoc.MaxRetries)
	}
	if c.Adhoc.TimeoutSec < 0 || c.Adhoc.RetryDelayMS < 0 {
		return fmt.Errorf("adhoc timeouts must not be negative")
	}
	if c.Agent.MaxRounds < 1 {
		return fmt.Errorf("agent.max_rounds must be at least 1, got %d", c.Agent.MaxRounds)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	seen := make(map[string]bool)
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task with empty name")
		}
		if len(t.Command) == 0 {
			return fmt.Errorf("task %q: command is required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ProviderFor returns the provider configured for a model name, or
// "openai" when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "openai"
}
