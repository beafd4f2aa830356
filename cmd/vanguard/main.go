// Vanguard is the voice assistant relay for Signal City Transit.
//
// It answers the voice platform's call-flow webhook, accepts the
// ConversationRelay websocket for each call, and drives a streaming
// model conversation with transit tools. Configuration is loaded from a
// YAML file discovered automatically (see [config.DefaultSearchPaths]),
// or from the environment when no file exists.
//
// Usage:
//
//	vanguard serve            Start the relay server
//	vanguard init [dir]       Write an example config and route dataset
//	vanguard routes           List the transit routes the assistant knows
//	vanguard version          Print version and build information
//	vanguard -o json routes   Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/vanguard/internal/api"
	"github.com/nugget/vanguard/internal/buildinfo"
	"github.com/nugget/vanguard/internal/config"
	"github.com/nugget/vanguard/internal/connwatch"
	"github.com/nugget/vanguard/internal/conversation"
	"github.com/nugget/vanguard/internal/events"
	"github.com/nugget/vanguard/internal/llm"
	"github.com/nugget/vanguard/internal/mqtt"
	"github.com/nugget/vanguard/internal/relay"
	"github.com/nugget/vanguard/internal/reports"
	"github.com/nugget/vanguard/internal/session"
	"github.com/nugget/vanguard/internal/tools"
	"github.com/nugget/vanguard/internal/transit"
	"github.com/nugget/vanguard/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; the caller prints
// the returned error. Arguments are parsed by hand because the flag
// package's globals get in the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "routes":
		return runRoutes(stdout, configPath, outputFmt)
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
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runRoutes lists the transit dataset the tools will answer from.
func runRoutes(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	catalog, err := transit.Load(cfg.RoutesFile)
	if err != nil {
		return err
	}

	routes := catalog.Routes()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(routes)
	}
	for _, r := range routes {
		fmt.Fprintf(w, "%-22s %s\n", r.Name, r.Description)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Vanguard - Signal City Transit voice assistant relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vanguard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the relay server")
	fmt.Fprintln(w, "  init [dir]   Write an example config and route dataset (default: .)")
	fmt.Fprintln(w, "  routes       List known transit routes")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/vanguard/config.yaml, /etc/vanguard/config.yaml")
	fmt.Fprintln(w, "  With no file, settings come from OPENAI_API_KEY / ANTHROPIC_API_KEY and PORT.")
	return nil
}

// runServe is the primary operating mode. It wires every component,
// serves until SIGINT or SIGTERM, then shuts down in order: stop
// accepting HTTP, end open calls, drain relay connections, publish
// offline telemetry, and close the stores.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Vanguard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Reconfigure the logger now that level and format are known.
	logger = cfg.Logger(stdout)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"max_rounds", cfg.Conversation.MaxRounds,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// --- Stores ---
	reportStore, err := reports.NewStore(filepath.Join(cfg.DataDir, "reports.db"))
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}
	defer reportStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()
	if days := cfg.UsageRetentionDays; days > 0 {
		n, err := usageStore.Prune(context.Background(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			logger.Warn("usage prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned usage rounds", "count", n, "retention_days", days)
		}
	}

	// --- Transit dataset and tools ---
	catalog, err := transit.Load(cfg.RoutesFile)
	if err != nil {
		return err
	}
	logger.Info("transit dataset loaded", "routes", catalog.Len(), "file", cfg.RoutesFile)
	registry := tools.NewRegistry(catalog, reportStore, logger)

	// --- Model provider ---
	client, err := llm.New(llm.Options{
		Provider: cfg.Provider.Name,
		APIKey:   cfg.Provider.APIKey,
		BaseURL:  cfg.Provider.BaseURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	bus := events.New()

	// Signal handling wraps the parent so cancellation reaches every
	// component through the same ctx.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.Target{
		Name:     client.Provider(),
		Probe:    client.Ping,
		Schedule: connwatch.DefaultSchedule(),
		OnChange: func(name string, ready bool, err error) {
			bus.Emit(events.SourceConnwatch, events.KindProviderStatus, map[string]any{
				"provider": name,
				"ready":    ready,
			})
		},
	})

	// --- Conversation ---
	sessions := session.NewManager(logger)
	loop := conversation.NewLoop(client, registry, conversation.Config{
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		MaxRounds: cfg.Conversation.MaxRounds,
		Pricing:   cfg.Pricing,
	},
		conversation.WithLogger(logger),
		conversation.WithEventBus(bus),
		conversation.WithUsageRecorder(usageStore),
	)
	relayHandler := relay.NewHandler(sessions, loop,
		relay.WithLogger(logger),
		relay.WithEventBus(bus),
	)

	// --- HTTP ---
	server := api.NewServer(cfg.Listen, cfg.Relay, api.Deps{
		Relay:    relayHandler,
		Calls:    sessions,
		Provider: client.Provider(),
		Watch:    connMgr,
		Reports:  reportStore,
		Usage:    usageStore,
		Events:   bus,
	}, logger)

	// --- MQTT telemetry (optional) ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, cfg.Provider.Model,
			&statusAdapter{sessions: sessions, watch: connMgr, provider: client.Provider()},
			bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt telemetry enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt telemetry disabled (not configured)")
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received", "active_calls", sessions.Len())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		if err := relayHandler.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay sockets still open", "error", err)
		}
		sessions.CloseAll()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-shutdownDone
		return fmt.Errorf("server failed: %w", err)
	}
	<-shutdownDone

	logger.Info("Vanguard stopped")
	return nil
}

// loadConfig locates and parses the configuration. With no explicit
// path and no file in the search paths, it falls back to the
// environment. The returned path is empty in that case.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.FromEnv(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// statusAdapter feeds live figures to the MQTT publisher.
type statusAdapter struct {
	sessions *session.Manager
	watch    *connwatch.Manager
	provider string
}

func (a *statusAdapter) ActiveCalls() int    { return a.sessions.Len() }
func (a *statusAdapter) ProviderReady() bool { return a.watch.Ready(a.provider) }
