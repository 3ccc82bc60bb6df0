// Reeve reconstructs conversation transcripts from agent checkpoints.
//
// It exposes an HTTP API that serves ordered, deduplicated transcripts
// rebuilt from an incrementally written checkpoint store, accepts new
// checkpoint records from the producing agent process, records run
// feedback, and announces operational events over WebSocket, MQTT, and
// webhooks. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	reeve serve               Start the API server
//	reeve init [dir]          Initialize a working directory with defaults
//	reeve show <threadId>     Print one thread's reconstructed transcript
//	reeve version             Print version and build information
//	reeve -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/reeve/internal/api"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/checkpoint"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/export"
	"github.com/nugget/reeve/internal/feedback"
	"github.com/nugget/reeve/internal/mqtt"
	"github.com/nugget/reeve/internal/transcript"
	"github.com/nugget/reeve/internal/webhook"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions holds the global flags and command parsed from argv.
type cliOptions struct {
	configPath string
	output     string // "text" or "json"
	command    string
	args       []string
	wantHelp   bool
}

// parseArgs splits argv into global flags, a command, and the command's
// trailing arguments. Parsing is done by hand: the flag package keeps
// its state in package globals (flag.CommandLine), which would make
// concurrent run() calls from tests step on each other, and the flag
// surface here is small.
func parseArgs(args []string) (cliOptions, error) {
	var opts cliOptions
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			opts.wantHelp = true
			return opts, nil
		case arg == "-config" && i+1 < len(args):
			i++
			opts.configPath = args[i]
		case strings.HasPrefix(arg, "-config="):
			opts.configPath = strings.TrimPrefix(arg, "-config=")
		case (arg == "-o" || arg == "--output") && i+1 < len(args):
			i++
			opts.output = args[i]
		case strings.HasPrefix(arg, "-o="):
			opts.output = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			opts.output = strings.TrimPrefix(arg, "--output=")
		case strings.HasPrefix(arg, "-") && opts.command == "":
			return opts, fmt.Errorf("unknown flag: %s", arg)
		case opts.command == "":
			opts.command = arg
		default:
			// Everything after the command belongs to the command.
			opts.args = append(opts.args, arg)
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return opts, fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}
	return opts, nil
}

// run is the real entry point for the reeve command. ctx bounds the
// process lifetime (cancelling it begins graceful shutdown), stdout and
// stderr receive all program output, and args is os.Args[1:]. Errors
// come back to main, which prints them and sets the exit code — run
// itself never exits the process, so tests can drive the full lifecycle.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.wantHelp {
		return printUsage(stdout)
	}

	switch opts.command {
	case "serve":
		return runServe(ctx, stdout, stderr, opts.configPath)
	case "init":
		dir := "."
		if len(opts.args) > 0 {
			dir = opts.args[0]
		}
		return runInit(stdout, dir)
	case "show":
		if len(opts.args) == 0 {
			return fmt.Errorf("usage: reeve show <threadId>")
		}
		return runShow(ctx, stdout, stderr, opts.configPath, opts.output, opts.args[0])
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintln(w, buildinfo.String())
	// Stable field order for human eyes.
	for _, k := range []string{
		"version", "git_commit", "git_branch", "build_time",
		"go_version", "os", "arch",
	} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// reeve is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Reeve - Checkpoint-to-Transcript Reconstruction Service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reeve [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  init [dir]       Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  show <threadId>  Print one thread's reconstructed transcript")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml")
	return nil
}

// runShow handles the "reeve show <threadId>" subcommand. It opens the
// configured store, reconstructs one thread's transcript, and prints it
// to stdout as markdown (or JSON with -o json). Logs go to stderr so
// the transcript itself stays pipeable.
func runShow(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string, threadID string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Store.Backend != "sqlite" {
		logger.Warn("memory backend holds nothing between processes; show is only useful against sqlite")
	}

	svc := transcript.NewService(store, nil, logger)
	messages, err := svc.History(ctx, threadID)
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}

	format := export.FormatMarkdown
	if outputFmt == "json" {
		format = export.FormatJSON
	}
	out, err := export.Render(format, threadID, messages)
	if err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}

	fmt.Fprint(stdout, string(out))
	return nil
}

// runServe handles the "reeve serve" subcommand. It is the primary
// operating mode: loads config, opens the checkpoint and feedback
// stores, starts the API server plus the optional MQTT announcer and
// webhook notifier, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT announcer publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Reeve",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The banner above used a bootstrap logger; switch to the configured
	// level and format for everything that follows.
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Validate() already vetted the value.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"backend", cfg.Store.Backend,
	)

	// --- Data directory ---
	// Persistent state (the checkpoint and feedback databases, the MQTT
	// instance ID) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Event bus ---
	// Operational events flow from the stores and services to the
	// WebSocket stream, the MQTT announcer, and the webhook notifier.
	bus := events.New()

	// --- Stores ---
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	fbStore, err := openFeedbackStore(cfg, store)
	if err != nil {
		return err
	}

	// --- Transcript service ---
	// The reconstruction boundary: turns checkpoint history into ordered,
	// deduplicated transcripts, degrading to empty on store failure.
	svc := transcript.NewService(store, bus, logger)

	// --- Feedback recorder ---
	recorder := feedback.NewRecorder(fbStore, bus, logger)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc, logger)
	server.SetIdentity(cfg.Service.Name, cfg.Service.Environment)
	server.SetBus(bus)
	server.SetFeedback(recorder)

	// --- MQTT announcer ---
	// Optional: publishes an availability topic, periodic service stats,
	// and per-event notifications to the configured broker.
	var announcer *mqtt.Announcer
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		announcer = mqtt.New(cfg.MQTT, instanceID, server.Stats(), bus, logger)
		go func() {
			if err := announcer.Start(ctx); err != nil {
				logger.Error("mqtt announcer failed", "error", err)
			}
		}()

		logger.Info("mqtt announcing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt announcing disabled (not configured)")
	}

	// --- Webhook notifier ---
	// Optional: POSTs bus events as JSON to the configured endpoints.
	if notifier := webhook.New(cfg.Webhooks, bus, logger); notifier != nil {
		go notifier.Run(ctx)
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if announcer != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := announcer.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Reeve stopped")
	return nil
}

// openStore constructs the checkpoint store selected by the config,
// returning it along with a close function for the underlying database
// (a no-op for the memory backend).
func openStore(cfg *config.Config, logger *slog.Logger) (checkpoint.Store, func(), error) {
	if cfg.Store.Backend != "sqlite" {
		logger.Info("using in-memory checkpoint store")
		return checkpoint.NewMemoryStore(), func() {}, nil
	}

	dbPath := cfg.Store.SQLitePath(cfg.DataDir)
	db, err := checkpoint.OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint database %s: %w", dbPath, err)
	}

	store, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create checkpoint store: %w", err)
	}

	logger.Info("checkpoint database opened", "path", dbPath)
	return store, func() { db.Close() }, nil
}

// openFeedbackStore constructs the feedback store on the same backend
// as the checkpoint store. The sqlite backend shares the checkpoint
// store's database handle so both live in one file.
func openFeedbackStore(cfg *config.Config, store checkpoint.Store) (feedback.Store, error) {
	ck, ok := store.(*checkpoint.SQLiteStore)
	if cfg.Store.Backend != "sqlite" || !ok {
		return feedback.NewMemoryStore(), nil
	}

	fb, err := feedback.NewSQLiteStore(ck.DB())
	if err != nil {
		return nil, fmt.Errorf("create feedback store: %w", err)
	}
	return fb, nil
}

// newLogger creates a structured logger writing to w at the given level.
// Format "json" selects the JSON handler; anything else means text. All
// Reeve log output goes through slog with this handler configuration.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig locates, parses, and validates the YAML configuration
// file. If explicit is non-empty, that exact path is used (and must
// exist). Otherwise, [config.FindConfig] searches the default
// locations. Returns the parsed config, the path that was loaded, and
// any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
