package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/runnerctl/internal/api"
	"github.com/mattjoyce/runnerctl/internal/auth"
	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/cloudtasks"
	"github.com/mattjoyce/runnerctl/internal/config"
	"github.com/mattjoyce/runnerctl/internal/doctor"
	"github.com/mattjoyce/runnerctl/internal/events"
	"github.com/mattjoyce/runnerctl/internal/gce"
	"github.com/mattjoyce/runnerctl/internal/github"
	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/lock"
	"github.com/mattjoyce/runnerctl/internal/log"
	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/storage"
	"github.com/mattjoyce/runnerctl/internal/target"
	"github.com/mattjoyce/runnerctl/internal/taskqueue"
	"github.com/mattjoyce/runnerctl/internal/webhook"
)

func runStart(args []string, stderr io.Writer) int {
	cfg, ok := loadConfigFlag("start", args, stderr)
	if !ok {
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("runnerctl starting",
		"version", version,
		"config", cfg.SourcePath,
		"fingerprint", cfg.Fingerprint(),
		"scheduler", cfg.Scheduler.Driver,
		"runners", len(cfg.Runners),
	)

	review := doctor.New(cfg).Validate()
	for _, w := range review.Warnings {
		logger.Warn("config warning", "category", w.Category, "field", w.Field, "message", w.Message)
	}
	if !review.Valid {
		for _, e := range review.Errors {
			logger.Error("config error", "category", e.Category, "field", e.Field, "message", e.Message)
		}
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer svc.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if svc.dispatcher != nil {
		if err := svc.dispatcher.Start(ctx); err != nil {
			logger.Error("failed to start local dispatcher", "error", err)
			return 1
		}
		defer svc.dispatcher.Stop()
	}

	if svc.forwarder != nil {
		go svc.forwarder.Run(ctx)
		logger.Info("nats forwarding enabled", "prefix", cfg.NATS.SubjectPrefix)
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := svc.server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("runnerctl running", "listen", cfg.Service.Listen)

	code := waitForShutdown(sigCh, errCh, serverDone, cancel, logger)
	logger.Info("runnerctl stopped", "exit_code", code)
	return code
}

// waitForShutdown blocks until a signal or a component failure, cancels the
// run context, then waits for the server to drain in-flight requests.
func waitForShutdown(sigCh <-chan os.Signal, errCh <-chan error, serverDone <-chan struct{}, cancel context.CancelFunc, logger *slog.Logger) int {
	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	<-serverDone
	return code
}

// service is the wired process. Close releases resources in reverse order.
type service struct {
	server     *api.Server
	dispatcher *taskqueue.Dispatcher
	forwarder  *events.Forwarder
	closers    []func() error
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("shutdown close failed", "error", err)
		}
	}
	s.closers = nil
}

func buildService(ctx context.Context, cfg *config.Config) (_ *service, err error) {
	svc := &service{}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	rec := metrics.New()
	hub := events.NewHub(cfg.Service.EventBuffer)

	compute, err := gce.New(ctx, cfg.GCP.Project, cfg.GCP.RequestTimeout, log.WithComponent("gce"))
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, compute.Close)

	scheduler, err := buildScheduler(ctx, cfg, svc)
	if err != nil {
		return nil, err
	}

	provider, err := buildStatusProvider(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		pub, err := events.ConnectNATS(cfg.NATS.URL, log.WithComponent("nats"))
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() error { pub.Close(); return nil })
		svc.forwarder = events.NewForwarder(hub, pub, cfg.NATS.SubjectPrefix, log.WithComponent("nats"))
	}

	controller := lifecycle.NewController(lifecycle.Deps{
		Matcher: target.NewMatcher(cfg.Targets()),
		Compute: compute,
		Debouncer: lifecycle.NewStopDebouncer(scheduler, clock.Real(), lifecycle.DebouncerConfig{
			InactivityWindow: cfg.Scheduler.InactivityWindow,
			PublicURL:        cfg.Service.PublicURL,
			Secret:           cfg.Secrets.Control,
		}, rec, log.WithComponent("debounce")),
		Gate:    lifecycle.NewBusyGate(provider, rec, log.WithComponent("busy")),
		Hub:     hub,
		Metrics: rec,
		Logger:  log.WithComponent("lifecycle"),
	})

	svc.server = api.New(api.Config{
		Listen:          cfg.Service.Listen,
		MaxBodyBytes:    cfg.MaxBodyBytes(),
		ShutdownTimeout: cfg.Service.ShutdownTimeout,
		Info:            newInfo(cfg),
	}, api.Deps{
		Lifecycle: controller,
		Webhook:   webhook.NewSignatureVerifier(cfg.Secrets.Webhook, log.WithComponent("webhook")),
		Control:   auth.NewSecretVerifier(cfg.Secrets.Control),
		Hub:       hub,
		Metrics:   rec,
		Logger:    log.WithComponent("api"),
	})
	return svc, nil
}

// buildScheduler returns the delayed-stop backend. The local driver also
// sets svc.dispatcher.
func buildScheduler(ctx context.Context, cfg *config.Config, svc *service) (lifecycle.TaskScheduler, error) {
	switch cfg.Scheduler.Driver {
	case config.DriverLocal:
		pidLock, err := lock.Acquire(cfg.Scheduler.LockPath)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s (another instance may be running): %w", cfg.Scheduler.LockPath, err)
		}
		svc.closers = append(svc.closers, pidLock.Release)

		db, err := storage.OpenSQLite(ctx, cfg.Scheduler.DBPath)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, db.Close)

		store := taskqueue.NewStore(db, clock.Real(), cfg.Scheduler.MaxAttempts)
		client := &http.Client{Timeout: cfg.GCP.RequestTimeout * 2}
		svc.dispatcher = taskqueue.NewDispatcher(store, client, cfg.Scheduler.PollInterval, log.WithComponent("taskqueue"))
		return store, nil

	default:
		tasks, err := cloudtasks.New(ctx, cloudtasks.Config{
			Project:        cfg.GCP.Project,
			Location:       cfg.Scheduler.Location,
			Queue:          cfg.Scheduler.Queue,
			ServiceAccount: cfg.Scheduler.ServiceAccount,
		}, log.WithComponent("cloudtasks"))
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, tasks.Close)
		return tasks, nil
	}
}

// buildStatusProvider returns nil, disabling the busy check, when no GitHub
// credentials are configured.
func buildStatusProvider(cfg *config.Config) (lifecycle.CIStatusProvider, error) {
	ghCfg := github.Config{
		Host:           cfg.GitHub.Host,
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKey:     cfg.GitHub.PrivateKey,
		Token:          cfg.GitHub.Token,
		Mode:           github.Mode(cfg.GitHub.BusyCheck),
		Timeout:        cfg.GitHub.Timeout,
	}
	if !ghCfg.HasCredentials() {
		log.Warn("github credentials not configured, busy check disabled")
		return nil, nil
	}
	provider, err := github.New(ghCfg, clock.Real(), log.WithComponent("github"))
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func busyCheckMode(cfg *config.Config) string {
	if cfg.GitHub.AppID == 0 && cfg.GitHub.Token == "" {
		return "disabled"
	}
	return cfg.GitHub.BusyCheck
}

func newInfo(cfg *config.Config) api.InfoResponse {
	return api.InfoResponse{
		Service:           cfg.Service.Name,
		Version:           currentVersionInfo().Version,
		InactiveMinutes:   cfg.Scheduler.InactivityWindow.Minutes(),
		Scheduler:         cfg.Scheduler.Driver,
		BusyCheck:         busyCheckMode(cfg),
		ConfigFingerprint: cfg.Fingerprint(),
	}
}
