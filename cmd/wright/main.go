// Wright is a conversational agent that answers with registered tasks
// or, when none fits, by writing and running a small Go function on the
// spot.
//
// It exposes an OpenAI-compatible API plus direct task endpoints, and a
// CLI for one-shot questions and tasks. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	wright serve                     Start the API server
//	wright init [dir]                Initialize a working directory with defaults
//	wright ask <question>            Ask a single question
//	wright adhoc <description>       Run one ad-hoc task and print its result
//	wright run-task <name> [json]    Run a registered task with JSON arguments
//	wright version                   Print version and build information
//	wright -o json version           Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/wright-agent/internal/adhoc"
	"github.com/nugget/wright-agent/internal/agent"
	"github.com/nugget/wright-agent/internal/api"
	"github.com/nugget/wright-agent/internal/buildinfo"
	"github.com/nugget/wright-agent/internal/connwatch"
	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/tools"
	"github.com/nugget/wright-agent/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stderr so command output on
// stdout stays machine-readable. args is os.Args[1:], parsed by hand
// because the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wright ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "adhoc":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wright adhoc <description>")
		}
		return runAdhoc(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "run-task":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: wright run-task <name> [json-args]")
		}
		rawArgs := ""
		if len(cmdArgs) == 2 {
			rawArgs = cmdArgs[1]
		}
		return runTask(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], rawArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	for _, f := range info.Fields() {
		if f[1] != "" {
			fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wright - ad-hoc code synthesis agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wright [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Start the API server")
	fmt.Fprintln(w, "  init [dir]               Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <question>           Ask a single question")
	fmt.Fprintln(w, "  adhoc <description>      Write and run code for one task")
	fmt.Fprintln(w, "  run-task <name> [json]   Run a registered task")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk sends one question through the agent loop and prints the
// answer. Tokens stream to stdout as they arrive in text mode.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	req := &agent.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: question}},
	}

	var stream llm.StreamCallback
	if outputFmt == "text" {
		stream = func(ev llm.StreamEvent) {
			switch ev.Kind {
			case llm.KindToken:
				fmt.Fprint(stdout, ev.Token)
			case llm.KindProgress:
				fmt.Fprintf(stderr, "[%s]\n", ev.Progress)
			}
		}
	}

	resp, err := a.loop.Run(ctx, req, stream)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"request_id":    resp.RequestID,
			"model":         resp.Model,
			"content":       resp.Content,
			"rounds":        resp.Rounds,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"cost_usd":      resp.CostUSD,
		})
	}
	fmt.Fprintln(stdout)
	return nil
}

// runAdhoc runs one task through the ad-hoc orchestrator, bypassing the
// conversational model.
func runAdhoc(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, description string) error {
	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = usage.WithRequest(ctx, "cli-adhoc-"+shortID(), "")
	ctx = adhoc.WithProgress(ctx, func(note string) {
		fmt.Fprintf(stderr, "[%s]\n", note)
	})

	res, err := a.adhoc.Execute(ctx, description)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"result":   res.Value,
			"attempts": res.Attempts,
			"source":   res.Source,
		})
	}
	fmt.Fprintln(stdout, adhoc.FormatResult(res.Value))
	return nil
}

// runTask invokes a registered task directly with JSON arguments.
func runTask(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, name, rawArgs string) error {
	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, ok := a.catalog.Lookup(name)
	if !ok || entry.Kind != tools.KindRegistered {
		return fmt.Errorf("Task '%s' not found", name)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("task arguments must be a JSON object: %w", err)
		}
	}

	ctx = usage.WithRequest(ctx, "cli-task-"+shortID(), name)
	result, err := entry.Handler(ctx, args)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{"result": result})
	}
	fmt.Fprintln(stdout, adhoc.FormatResult(result))
	return nil
}

// runServe is the primary operating mode: it wires every component,
// starts the API server and the optional MQTT publisher, and blocks
// until a signal or POST /shutdown arrives.
//
// The shutdown sequence is:
//  1. SIGINT, SIGTERM or /shutdown cancels the context
//  2. Provider health probes stop
//  3. MQTT publishes its offline status and disconnects
//  4. The HTTP server drains in-flight requests
//  5. Databases are closed via defers
func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	build := buildinfo.Current()
	logger.Info("starting Wright", "version", build.Version, "commit", build.GitCommit, "branch", build.GitBranch, "built", build.BuildTime, "modified", build.Modified)

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.loop, a.adhoc, a.catalog, a.modelNames(), logger)
	server.SetEventBus(a.bus)
	if a.auditStore != nil {
		server.SetAuditReader(a.auditStore)
	}
	if a.usageStore != nil {
		server.SetUsageReader(a.usageStore)
	}
	if a.cfg.Listen.ShutdownKey != "" {
		server.SetShutdown(a.cfg.Listen.ShutdownKey, cancel)
	}

	g, gctx := errgroup.WithContext(ctx)

	var monitor *connwatch.Monitor
	if a.cfg.Health.Enabled {
		monitor = connwatch.NewMonitor(a.bus, logger)
		backoff := connwatch.Backoff{Poll: a.cfg.Health.PollInterval()}
		for name, c := range a.providers {
			if err := monitor.Watch(gctx, name, c.Ping, backoff); err != nil {
				return err
			}
		}
		server.SetHealth(monitor)
	}

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if a.mqtt != nil {
		g.Go(func() error {
			if err := a.mqtt.Start(gctx); err != nil {
				// MQTT is an optional audit mirror; keep serving.
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		logger.Info("mqtt publishing enabled", "broker", a.cfg.MQTT.Broker, "device_name", a.cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if monitor != nil {
			monitor.Stop()
		}
		if a.mqtt != nil {
			if err := a.mqtt.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Wright stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
