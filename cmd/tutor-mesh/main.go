// ABOUTME: Entry point for the tutor-mesh coordination server
// ABOUTME: Wires store, registry, breakers, bus, session manager, and builtin agents

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tutor-mesh/internal/breaker"
	"github.com/2389/tutor-mesh/internal/builtins"
	"github.com/2389/tutor-mesh/internal/bus"
	"github.com/2389/tutor-mesh/internal/config"
	"github.com/2389/tutor-mesh/internal/coordinator"
	"github.com/2389/tutor-mesh/internal/events"
	"github.com/2389/tutor-mesh/internal/registry"
	"github.com/2389/tutor-mesh/internal/session"
	"github.com/2389/tutor-mesh/internal/store"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _         _                                      _
| |_ _   _| |_ ___  _ __      _ __ ___   ___  ___| |__
| __| | | | __/ _ \| '__|____| '_ ' _ \ / _ \/ __| '_ \
| |_| |_| | || (_) | | |_____| | | | | |  __/\__ \ | | |
 \__|\__,_|\__\___/|_|       |_| |_| |_|\___||___/_| |_|
`

// getConfigPath returns the path to the tutor-mesh config file.
// Priority: TUTOR_MESH_CONFIG env var > XDG_CONFIG_HOME/tutor-mesh/config.yaml
// > ~/.config/tutor-mesh/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TUTOR_MESH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tutor-mesh", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tutor-mesh <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the coordination server")
		fmt.Println("  demo      Run a scripted tutoring session against the builtin agents")
		fmt.Println("  health    Run one health-check round and report per-agent status")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "demo":
		err = runDemo(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// mesh bundles the wired coordination core. close tears it down in reverse
// dependency order.
type mesh struct {
	cfg         *config.Config
	bus         *bus.Bus
	sessions    *session.Manager
	coordinator *coordinator.Coordinator
	close       func()
}

// setup wires the full core from config: store, events, registry, breakers,
// bus, session manager, coordinator, and the builtin reference agents.
// External workers register through the same RegisterAgent path once a
// transport layer is attached.
func setup(cfg *config.Config, logger *slog.Logger) (*mesh, error) {
	kv, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	broadcaster := events.NewBroadcaster(logger)

	reg := registry.New(cfg.Registry.SweepInterval, cfg.Registry.LivenessTimeout, broadcaster, logger)
	reg.Start()

	breakers := breaker.NewManager(cfg.Breaker.FailureThreshold, cfg.Breaker.CoolDown, logger)

	b := bus.New(bus.Options{
		QueueCapacity:      cfg.Bus.QueueCapacity,
		RequestTimeout:     cfg.Bus.RequestTimeout,
		HealthCheckTimeout: cfg.Bus.HealthCheckTimeout,
		Registry:           reg,
		Breakers:           breakers,
		Events:             broadcaster,
		Logger:             logger,
	})

	sessions := session.NewManager(kv, session.Options{
		TTL:           cfg.Session.TTL,
		HistoryCap:    cfg.Session.HistoryCap,
		LockTimeout:   cfg.Session.LockTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		Logger:        logger,
	})
	sessions.Start()

	for _, h := range []*builtins.Base{
		builtins.NewTutor("tutor-1"),
		builtins.NewAssessor("assessor-1"),
	} {
		if err := b.RegisterAgent(h); err != nil {
			b.Stop()
			sessions.Stop()
			reg.Stop()
			broadcaster.Close()
			kv.Close()
			return nil, fmt.Errorf("registering builtin agent: %w", err)
		}
	}

	return &mesh{
		cfg:         cfg,
		bus:         b,
		sessions:    sessions,
		coordinator: coordinator.New(b, sessions, logger),
		close: func() {
			b.Stop()
			sessions.Stop()
			reg.Stop()
			broadcaster.Close()
			kv.Close()
		},
	}, nil
}

func runServe(ctx context.Context) error {
	color.Cyan(banner)
	color.Green("tutor-mesh %s", version)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	m, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer m.close()

	logger.Info("tutor-mesh started",
		"agents", len(m.bus.ListAgents()),
		"queue_capacity", cfg.Bus.QueueCapacity)

	// Periodic health checks keep registry lastSeen fresh for in-process
	// agents and flag unhealthy ones.
	go func() {
		ticker := time.NewTicker(cfg.Bus.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for id, healthy := range m.bus.HealthCheck(ctx) {
					if !healthy {
						logger.Warn("agent unhealthy", "agent_id", id)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	color.Yellow("shutting down")
	return nil
}

// runHealth wires the core, runs one health-check round, and prints
// per-agent status.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	m, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer m.close()

	unhealthy := 0
	for id, healthy := range m.bus.HealthCheck(ctx) {
		if healthy {
			color.Green("  %s: healthy", id)
		} else {
			color.Red("  %s: unhealthy", id)
			unhealthy++
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d agent(s) unhealthy", unhealthy)
	}
	return nil
}

// runDemo drives one scripted student interaction through the coordinator so
// the whole core (bus, registry, breakers, sessions) can be exercised without
// a frontend.
func runDemo(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	m, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer m.close()

	sessionID := fmt.Sprintf("demo-%d", time.Now().Unix())
	color.Cyan("session %s", sessionID)

	reply, err := m.coordinator.Handle(ctx, coordinator.Request{
		SessionID: sessionID,
		UserID:    "demo-student",
		AgentID:   "tutor-1",
		Content:   "How do I add two fractions with different denominators?",
	})
	if err != nil {
		return fmt.Errorf("asking tutor: %w", err)
	}
	color.Green("%s: %v", reply.AgentID, reply.Payload["answer"])

	reply, err = m.coordinator.Handle(ctx, coordinator.Request{
		SessionID: sessionID,
		UserID:    "demo-student",
		AgentID:   "assessor-1",
		Payload: map[string]any{
			"answer": "Find a common denominator, convert both fractions, then add the numerators.",
		},
	})
	if err != nil {
		return fmt.Errorf("asking assessor: %w", err)
	}
	color.Green("%s: correct=%v difficultyDelta=%v",
		reply.AgentID, reply.Payload["correct"], reply.Payload["difficultyDelta"])

	sc, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	color.Yellow("history: %d messages, difficulty %d", len(sc.ConversationHistory), sc.CurrentDifficulty)
	return nil
}
