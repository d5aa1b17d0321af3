// Command a2ahub runs the A2A Task Hub daemon: the HTTP gateway, the Lease
// Sweeper, and the Priority Ager over a single SQLite-backed store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/ager"
	"github.com/quantsys/a2a-taskhub/internal/audit"
	"github.com/quantsys/a2a-taskhub/internal/bus"
	"github.com/quantsys/a2a-taskhub/internal/config"
	"github.com/quantsys/a2a-taskhub/internal/dispatch"
	"github.com/quantsys/a2a-taskhub/internal/gateway"
	"github.com/quantsys/a2a-taskhub/internal/metrics"
	"github.com/quantsys/a2a-taskhub/internal/otelx"
	"github.com/quantsys/a2a-taskhub/internal/recovery"
	"github.com/quantsys/a2a-taskhub/internal/store"
	"github.com/quantsys/a2a-taskhub/internal/sweeper"
	"github.com/quantsys/a2a-taskhub/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the Task Hub daemon

SUBCOMMANDS:
  %s cleanup                  Delete the SQLite database file and exit
  %s version                  Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  A2A_TASKHUB_HOME                Data directory (default: ~/.a2a-taskhub)
  SECRET_KEY                      Required HMAC key for the signature verification
  A2A_TASKHUB_DB_PATH             Override the SQLite file path
  A2A_TASKHUB_LISTEN_ADDR         Override the gateway bind address
  A2A_TASKHUB_LOG_LEVEL           Override the log level
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		os.Exit(0)
	}

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "cleanup":
			os.Exit(runCleanupCommand())
		}
	}

	if strings.TrimSpace(os.Getenv("SECRET_KEY")) == "" {
		fmt.Fprintln(os.Stderr, "SECRET_KEY is required to start the Task Hub daemon")
		os.Exit(1)
	}

	os.Exit(runDaemon())
}

func runDaemon() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "init audit: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: &cfg.OTel.MetricsEnabled,
	})
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.NewWithLogger(logger)

	s, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}
	defer func() { _ = s.Close() }()
	audit.SetDB(s.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	for _, seed := range cfg.RoutingRules {
		if err := s.UpsertRoutingRule(ctx, store.RoutingRule{
			RuleID:       seed.RuleID,
			Condition:    seed.Condition,
			TargetWorker: seed.AgentID,
			Priority:     seed.Priority,
			Disabled:     seed.Disabled,
		}); err != nil {
			logger.Warn("failed to apply routing rule override from config.yaml", "rule_id", seed.RuleID, "error", err)
		}
	}

	requeued, err := s.RequeueExpiredLeases(ctx)
	if err != nil {
		logger.Error("startup lease sweep failed", "error", err)
		return 1
	}
	logger.Info("startup phase", "phase", "startup_sweep_completed", "requeued", requeued)

	recoveryResult, err := recovery.Recover(ctx, s)
	if err != nil {
		logger.Error("startup workflow recovery failed", "error", err)
		return 1
	}
	logger.Info("startup phase", "phase", "startup_recovery_completed",
		"found", len(recoveryResult.Found), "repaired", recoveryResult.Repaired, "success", recoveryResult.Success)

	metricsReg := metrics.New()

	dispatcher := dispatch.New(
		s,
		[]byte(cfg.SecretKey),
		cfg.DefaultLeaseSeconds,
		cfg.MaxRetries,
		time.Duration(cfg.SignatureMaxSkewSeconds)*time.Second,
	)

	sweeperStore, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		logger.Error("sweeper store open failed", "error", err)
		return 1
	}
	defer func() { _ = sweeperStore.Close() }()
	leaseSweeper := sweeper.New(sweeper.Config{
		Store:    sweeperStore,
		Logger:   logger,
		Interval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
	})
	leaseSweeper.Start(ctx)
	defer leaseSweeper.Stop()

	agerStore, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		logger.Error("ager store open failed", "error", err)
		return 1
	}
	defer func() { _ = agerStore.Close() }()
	priorityAger := ager.New(ager.Config{
		Store:          agerStore,
		Logger:         logger,
		Interval:       time.Duration(cfg.AgingIntervalSeconds) * time.Second,
		AgingThreshold: time.Duration(cfg.AgingThresholdSeconds) * time.Second,
		AgingStep:      cfg.AgingStep,
		MaxPriority:    cfg.MaxPriority,
	})
	priorityAger.Start(ctx)
	defer priorityAger.Stop()

	handler := gateway.New(cfg, dispatcher, s, metricsReg, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("gateway listener bind failed", "addr", cfg.ListenAddr, "error", err)
		return 1
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

func runCleanupCommand() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if cfg.DBPath == "" {
		fmt.Fprintln(os.Stderr, "no db_path configured")
		return 1
	}
	if err := os.Remove(cfg.DBPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "remove %s: %v\n", cfg.DBPath, err)
		return 1
	}
	fmt.Printf("removed %s\n", cfg.DBPath)
	return 0
}
