// oa-agent relays a local OctoPrint instance to the OctoPrint Anywhere
// cloud service.
//
// It holds a websocket session open to the relay, pushes printer status
// and heartbeats over it, executes commands the relay sends back, and
// streams webcam snapshots and timelapses alongside. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	oa-agent serve              Run the relay agent
//	oa-agent init [dir]         Write an example config.yaml
//	oa-agent check-config       Load and validate the config, then exit
//	oa-agent version            Print version and build information
//	oa-agent -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/oaproject/oa-agent/examples"
	"github.com/oaproject/oa-agent/internal/buildinfo"
	"github.com/oaproject/oa-agent/internal/command"
	"github.com/oaproject/oa-agent/internal/config"
	"github.com/oaproject/oa-agent/internal/connwatch"
	"github.com/oaproject/oa-agent/internal/crash"
	"github.com/oaproject/oa-agent/internal/events"
	"github.com/oaproject/oa-agent/internal/mqtt"
	"github.com/oaproject/oa-agent/internal/octoprint"
	"github.com/oaproject/oa-agent/internal/relay"
	"github.com/oaproject/oa-agent/internal/remotestatus"
	"github.com/oaproject/oa-agent/internal/stream"
	"github.com/oaproject/oa-agent/internal/timelapse"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime; logs
// go to stdout; args is os.Args[1:]. Arguments are parsed by hand
// because the flag package's globals get in the way of parallel tests.
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
	case "check-config":
		return runCheckConfig(stdout, configPath)
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
	info := buildinfo.Info()
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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "oa-agent - OctoPrint Anywhere relay agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: oa-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the relay agent")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  check-config   Validate the config file and exit")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example config into dir unless one already
// exists there.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", path)
		return nil
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set relay.token and octoprint.api_key, then run: oa-agent serve")
	return nil
}

// runCheckConfig loads and validates the config without connecting to
// anything.
func runCheckConfig(w io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s is invalid:\n%w", cfgPath, err)
	}
	fmt.Fprintf(w, "config %s is valid\n", cfgPath)
	fmt.Fprintf(w, "  relay:     %s\n", relay.Endpoint(cfg.Relay.WSHost))
	fmt.Fprintf(w, "  octoprint: %s\n", cfg.OctoPrint.URL)
	fmt.Fprintf(w, "  stream:    %v\n", cfg.Stream.Enabled)
	fmt.Fprintf(w, "  timelapse: %v\n", cfg.Timelapse.Enabled)
	fmt.Fprintf(w, "  mqtt:      %v\n", cfg.MQTT.Configured())
	return nil
}

// runServe is the primary operating mode. It wires the OctoPrint
// client, the collaborators and the relay supervisor together and
// blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the signal cancels ctx
//  2. the supervisor disconnects the session and quits collaborators
//  3. deferred closers release the ledger and the health watchers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting oa-agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s is invalid:\n%w", cfgPath, err)
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"ws_host", cfg.Relay.WSHost,
		"stream_host", cfg.Relay.StreamHost,
		"octoprint", cfg.OctoPrint.URL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()
	reporter := crash.NewLogReporter(logger, bus)
	status := remotestatus.New()

	// --- OctoPrint ---
	op := octoprint.NewClient(octoprint.Options{
		BaseURL:     cfg.OctoPrint.URL,
		APIKey:      cfg.OctoPrint.APIKey,
		InsecureTLS: cfg.OctoPrint.InsecureTLS,
		Logger:      logger,
	})

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	opWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "octoprint",
		Probe:   op.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			if v, err := op.ServerVersion(ctx); err == nil {
				logger.Info("octoprint reachable", "server", v.Server, "api", v.API)
			}
		},
		Logger: logger,
	})
	op.SetWatcher(opWatcher)

	router := command.NewRouter(op, status, logger)
	go octoprint.NewStateWatcher(op, bus, cfg.OctoPrint.PollInterval, logger).Run(ctx)

	// --- Collaborators ---
	var collaborators []relay.Collaborator

	if cfg.Stream.Enabled {
		collaborators = append(collaborators, stream.New(stream.Options{
			StreamHost:  cfg.Relay.StreamHost,
			Token:       cfg.Relay.Token,
			Status:      status,
			SnapshotURL: cfg.Stream.SnapshotURL,
			Webcam:      op,
			Interval:    cfg.Stream.Interval,
			Logger:      logger,
		}))
	} else {
		logger.Info("webcam streaming disabled")
	}

	if cfg.Timelapse.Enabled {
		ledger, err := timelapse.OpenLedger(filepath.Join(cfg.DataDir, "timelapse.db"))
		if err != nil {
			return fmt.Errorf("open timelapse ledger: %w", err)
		}
		defer ledger.Close()
		collaborators = append(collaborators, timelapse.New(timelapse.Options{
			StreamHost:   cfg.Relay.StreamHost,
			Token:        cfg.Relay.Token,
			Dir:          cfg.Timelapse.Dir,
			Ledger:       ledger,
			ScanInterval: cfg.Timelapse.ScanInterval,
			Logger:       logger,
		}))
	} else {
		logger.Info("timelapse upload disabled")
	}

	var mirror relay.Mirror
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		m := mqtt.New(cfg.MQTT, instanceID, router, logger)
		mirror = m
		collaborators = append(collaborators, m)
		logger.Info("mqtt mirror enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt mirror disabled (not configured)")
	}

	// --- Relay ---
	sup := relay.New(relay.Options{
		Config: relay.Config{
			StreamHost: cfg.Relay.StreamHost,
			WSHost:     cfg.Relay.WSHost,
			Token:      cfg.Relay.Token,
			Reporter:   reporter,
		},
		Printer:           op,
		Router:            router,
		Settings:          op,
		Plugins:           op,
		Collaborators:     collaborators,
		Mirror:            mirror,
		Bus:               bus,
		LoopInterval:      cfg.Relay.LoopInterval,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		ConnectGrace:      cfg.Relay.ConnectGrace,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: cfg.Relay.Backoff.Initial,
			MaxDelay:     cfg.Relay.Backoff.Max,
			Multiplier:   cfg.Relay.Backoff.Multiplier,
		},
		Logger: logger,
	})

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, relay.ErrStartup) {
			return err
		}
		logger.Error("relay loop exited", "error", err)
	}

	logger.Info("oa-agent stopped", "errors_reported", reporter.Captured())
	return nil
}

// loadConfig locates and parses the config file. An explicit path must
// exist; otherwise the default locations are searched.
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
