// Command coredemo wires the corekit framework end to end: a registry with a
// small service graph, file-backed feature flags with hot reload, a scheduled
// health monitor, and the read-only diagnostics HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	corekit "github.com/robpress123-png/charity-tracker"
)

func main() {
	var (
		flagsPath = flag.String("flags", "", "path to a YAML or TOML feature flag file (watched for changes)")
		listen    = flag.String("listen", ":8090", "diagnostics listen address")
	)
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))

	if err := run(logger, *flagsPath, *listen); err != nil {
		logger.Error("Demo failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, flagsPath, listen string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := corekit.NewEventBus(logger)
	bus.RegisterObserver(corekit.NewFunctionalObserver("event-log", func(ctx context.Context, event corekit.CloudEvent) error {
		logger.Info("Event", "type", event.Type(), "subject", event.Subject())
		return nil
	}))

	registry := corekit.NewServiceRegistry(logger,
		corekit.WithCriticalServices("auth", "config", "error-handler"),
		corekit.WithRegistrySubject(bus),
	)
	if err := registerDemoServices(registry); err != nil {
		return err
	}
	if err := registry.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown incomplete", "error", err)
		}
	}()

	evaluator := corekit.NewFlagEvaluator(logger, corekit.WithFlagSubject(bus))
	if err := corekit.FeedFlagsFromEnv(evaluator, "COREDEMO_FLAG"); err != nil {
		return fmt.Errorf("apply flag environment overrides: %w", err)
	}
	if flagsPath != "" {
		watcher := corekit.NewFlagWatcher(flagsPath, evaluator, logger)
		if err := watcher.Watch(ctx); err != nil {
			return fmt.Errorf("watch flag file: %w", err)
		}
	}

	monitor := corekit.NewHealthMonitor(registry, logger, corekit.WithMonitorSubject(bus))
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	defer monitor.Stop()

	diag := corekit.NewDiagnosticsHandler(registry, evaluator, corekit.WithDiagnosticsLogger(logger))
	server := &http.Server{
		Addr:              listen,
		Handler:           diag.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Diagnostics listening", "addr", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Diagnostics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func registerDemoServices(registry *corekit.ServiceRegistry) error {
	regs := []struct {
		token string
		ctor  corekit.ServiceConstructor
		opts  []corekit.RegistrationOption
	}{
		{"config", func() corekit.Service { return newDemoService("config-store", "1.0.0") }, nil},
		{"error-handler", func() corekit.Service { return newDemoService("error-handler", "1.0.0") },
			[]corekit.RegistrationOption{corekit.WithDependencies("config")}},
		{"auth", func() corekit.Service { return newDemoService("auth-service", "1.2.0") },
			[]corekit.RegistrationOption{corekit.WithDependencies("config", "error-handler")}},
		{"donations", func() corekit.Service { return newDemoService("donation-service", "2.0.1") },
			[]corekit.RegistrationOption{corekit.WithDependencies("auth")}},
	}
	for _, reg := range regs {
		if err := registry.Register(reg.token, reg.ctor, reg.opts...); err != nil {
			return fmt.Errorf("register %s: %w", reg.token, err)
		}
	}
	return nil
}

// demoService is a minimal healthy Service implementation used to exercise
// the registry lifecycle from the demo binary.
type demoService struct {
	name        string
	version     string
	initialized bool
	startedAt   time.Time
	logger      corekit.Logger
}

func newDemoService(name, version string) *demoService {
	return &demoService{name: name, version: version}
}

func (s *demoService) Name() string { return s.name }

func (s *demoService) Version() string { return s.version }

func (s *demoService) IsInitialized() bool { return s.initialized }

func (s *demoService) IsHealthy() bool { return s.initialized }

func (s *demoService) Initialize(ctx context.Context, deps corekit.ServiceDeps) error {
	s.logger = deps.Logger
	s.startedAt = time.Now()
	s.initialized = true
	return nil
}

func (s *demoService) HealthStatus() corekit.HealthStatus {
	return corekit.HealthStatus{
		IsHealthy:   s.initialized,
		LastChecked: time.Now(),
		Uptime:      time.Since(s.startedAt),
		Status:      "ok",
	}
}

func (s *demoService) Shutdown(ctx context.Context) error {
	s.initialized = false
	return nil
}

func (s *demoService) HandleError(err error, errCtx map[string]any) corekit.ErrorDisposition {
	return corekit.ErrorDisposition{
		Handled:  false,
		Retry:    true,
		Severity: corekit.SeverityMedium,
	}
}
