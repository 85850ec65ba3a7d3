package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/wright-agent/internal/adhoc"
	"github.com/nugget/wright-agent/internal/agent"
	"github.com/nugget/wright-agent/internal/audit"
	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/defaults"
	"github.com/nugget/wright-agent/internal/events"
	"github.com/nugget/wright-agent/internal/fetch"
	"github.com/nugget/wright-agent/internal/fewshot"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/mqtt"
	"github.com/nugget/wright-agent/internal/sandbox"
	"github.com/nugget/wright-agent/internal/search"
	"github.com/nugget/wright-agent/internal/synth"
	"github.com/nugget/wright-agent/internal/tokens"
	"github.com/nugget/wright-agent/internal/tools"
	"github.com/nugget/wright-agent/internal/usage"
	"github.com/nugget/wright-agent/internal/window"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *events.Bus
	catalog    *tools.Catalog
	adhoc      *adhoc.Orchestrator
	loop       *agent.Loop
	auditStore *audit.Store
	usageStore *usage.Store
	mqtt       *mqtt.Publisher
	// providers maps provider name to client for health probes.
	providers map[string]llm.Client

	closers []func() error
}

// Close releases databases in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// modelNames lists the models offered by /v1/models, default first.
func (a *app) modelNames() []string {
	names := []string{a.cfg.Models.Default}
	for _, m := range a.cfg.Models.Available {
		if m.Name != a.cfg.Models.Default {
			names = append(names, m.Name)
		}
	}
	return names
}

// setup loads configuration and wires the full component graph.
func setup(logOut io.Writer, configPath string) (*app, error) {
	logger := config.NewLogger(logOut, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger = cfg.Logger(logOut)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"default_model", cfg.Models.Default,
		"adhoc_model", cfg.Adhoc.Model,
		"tasks", len(cfg.Tasks),
	)

	a, err := build(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// build wires components from cfg. It is separate from setup so tests
// can supply a config without a file.
func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	if (cfg.Audit.Enabled || cfg.Usage.Enabled || cfg.MQTT.Configured()) && cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fail(fmt.Errorf("create data directory: %w", err))
		}
	}

	// --- Model providers ---
	client, providers, err := createLLMClient(cfg, logger)
	if err != nil {
		return fail(err)
	}
	a.providers = providers

	// --- Usage tracking ---
	var recorder usage.Recorder
	if cfg.Usage.Enabled {
		store, err := usage.NewStore(cfg.Usage.Path)
		if err != nil {
			return fail(fmt.Errorf("open usage store: %w", err))
		}
		a.usageStore = store
		a.closers = append(a.closers, store.Close)
		recorder = store
		logger.Info("usage tracking enabled", "path", cfg.Usage.Path)

		if days := cfg.Usage.RetentionDays; days > 0 {
			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := store.Prune(context.Background(), cutoff)
			if err != nil {
				logger.Warn("usage prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned usage records", "count", n, "older_than", cutoff.Format(time.DateOnly))
			}
		}
	}
	chatClient := usage.NewMeter(client, recorder, cfg.Pricing, cfg.ProviderFor, usage.RoleChat, logger)
	synthClient := usage.NewMeter(client, recorder, cfg.Pricing, cfg.ProviderFor, usage.RoleSynthesis, logger)

	// --- Audit sinks ---
	var sinks []audit.Sink
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return fail(fmt.Errorf("open audit store: %w", err))
		}
		a.auditStore = store
		a.closers = append(a.closers, store.Close)
		sinks = append(sinks, store)
		logger.Info("audit log enabled", "path", cfg.Audit.Path)
	}
	if cfg.MQTT.Configured() {
		ident, err := mqtt.LoadIdentity(cfg.DataDir, cfg.MQTT.DeviceName)
		if err != nil {
			return fail(fmt.Errorf("load mqtt identity: %w", err))
		}
		a.mqtt = mqtt.New(cfg.MQTT, ident, a.bus, logger)
		sinks = append(sinks, a.mqtt)
	}

	// --- Sandbox library ---
	commands := sandbox.NewCommandRunner(0, logger)
	var bindings []sandbox.Binding
	if cfg.Sandbox.Fetch {
		bindings = append(bindings, fetch.Bindings(fetch.New(), cfg.Sandbox.FetchMaxChars)...)
	}
	if cfg.Sandbox.Search.Configured() {
		var providers []search.Provider
		if u := cfg.Sandbox.Search.SearXNGURL; u != "" {
			providers = append(providers, search.NewSearXNG(u))
		}
		if key := cfg.Sandbox.Search.BraveAPIKey; key != "" {
			providers = append(providers, search.NewBrave(key, ""))
		}
		bindings = append(bindings, search.Bindings(search.NewManager(logger, providers...))...)
	}
	bindings = append(bindings, tools.TaskBindings(cfg.Tasks, commands)...)
	lib, err := sandbox.NewLibrary(bindings...)
	if err != nil {
		return fail(fmt.Errorf("build sandbox library: %w", err))
	}
	interp, err := sandbox.NewInterpreter(cfg.Sandbox.AllowedPackages, logger)
	if err != nil {
		return fail(fmt.Errorf("sandbox: %w", err))
	}

	// --- Code synthesis ---
	synthesizer := synth.New(synthClient, synth.Config{
		Model:    cfg.Adhoc.Model,
		Library:  lib,
		Packages: interp.Allowed(),
	}, logger)

	orch := adhoc.New(synthesizer, interp, lib, adhoc.Config{
		MaxRetries: cfg.Adhoc.MaxRetries,
		Timeout:    cfg.Adhoc.Timeout(),
		RetryDelay: cfg.Adhoc.RetryDelay(),
		Examples:   cfg.Examples.K,
	}, logger)
	orch.SetEventBus(a.bus)
	if len(sinks) > 0 {
		orch.SetAuditSink(audit.NewMulti(logger, sinks...))
	}
	ranker, err := createRanker(cfg, logger)
	if err != nil {
		return fail(err)
	}
	orch.SetRanker(ranker)
	a.adhoc = orch

	// --- Tool catalog ---
	a.catalog = tools.NewCatalog(orch, logger)
	if err := tools.RegisterTasks(a.catalog, cfg.Tasks, commands); err != nil {
		return fail(err)
	}
	logger.Info("tool catalog ready", "tools", a.catalog.Names(), "library_bindings", lib.Len())

	// --- Context window ---
	overrides := make(map[string]int)
	for _, m := range cfg.Models.Available {
		if m.ContextWindow > 0 {
			overrides[m.Name] = m.ContextWindow
		}
	}
	win := window.NewManager(tokens.NewCache(tokens.TiktokenFactory), tokens.NewBudgets(overrides), logger)
	win.StripConsecutiveUser = cfg.Agent.StripConsecutiveUserMessages

	// --- Agent loop ---
	a.loop = agent.NewLoop(chatClient, a.catalog, win, agent.Config{
		Model:        cfg.Models.Default,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxRounds:    cfg.Agent.MaxRounds,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
	}, logger)
	a.loop.SetEventBus(a.bus)
	a.loop.SetPricing(cfg.Pricing)

	return a, nil
}

// createLLMClient builds a multi-provider client. Each configured model
// is mapped to its provider; unknown models go to the default model's
// provider. The per-provider clients are returned alongside for health
// probing.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, map[string]llm.Client, error) {
	providers := make(map[string]llm.Client)
	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}
	if cfg.Ollama.Configured() {
		providers["ollama"] = llm.NewOllamaClient(cfg.Ollama.URL, logger)
	}

	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	fallback, ok := providers[defaultProvider]
	if !ok {
		return nil, nil, fmt.Errorf("default model %q needs the %s provider, which is not configured", cfg.Models.Default, defaultProvider)
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}
	if _, ok := providers["anthropic"]; ok {
		multi.AddPrefix("claude-", "anthropic")
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider, "providers", len(providers))
	return multi, providers, nil
}

// createRanker loads few-shot examples from the configured directory or
// the bundled set, and ranks them by embedding similarity when an
// embedding provider is configured.
func createRanker(cfg *config.Config, logger *slog.Logger) (fewshot.Ranker, error) {
	fsys := defaults.Examples()
	source := "bundled"
	if cfg.Examples.Dir != "" {
		fsys = os.DirFS(cfg.Examples.Dir)
		source = cfg.Examples.Dir
	}
	examples, err := fewshot.Load(fsys)
	if err != nil {
		return nil, fmt.Errorf("load examples from %s: %w", source, err)
	}

	var embedder fewshot.Embedder
	switch cfg.Examples.EmbeddingProvider {
	case "":
	case "openai":
		embedder = fewshot.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Examples.EmbeddingModel)
	case "ollama":
		embedder = fewshot.NewOllamaEmbedder(cfg.Ollama.URL, cfg.Examples.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Examples.EmbeddingProvider)
	}

	logger.Info("few-shot examples loaded", "source", source, "count", len(examples), "embedding_provider", cfg.Examples.EmbeddingProvider)
	if embedder == nil {
		return fewshot.Static(examples), nil
	}
	return fewshot.NewEmbeddingRanker(examples, embedder, logger), nil
}

// shortID returns 8 random hex characters for CLI request ids.
func shortID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
