package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/generation"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/identity"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/objectstore"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/credential"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/gate"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/httpapi"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/pipeline"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/retention"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/config"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/logging"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API and admin servers",
		Long: `Runs the batch API on server.data_address and Prometheus metrics on
server.admin_address. When --config names a file it is watched and valid
edits are applied without a restart.`,
		RunE: runServe,
	}
	return cmd
}

// app holds the wired components of a running service.
type app struct {
	logger   *slog.Logger
	metrics  *telemetry.Collectors
	limiter  *governance.AdmissionLimiter
	gate     *gate.Gate
	store    *objectstore.FileStore
	orch     *pipeline.Orchestrator
	registry *pipeline.Registry
	api      *httpapi.Server
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	var (
		cfg      *config.Config
		provider *config.FileProvider
	)
	if path != "" {
		provider, err = config.NewFileProvider(path)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		cfg = provider.Current()
	} else if cfg, err = config.Load(""); err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if provider != nil {
		go a.watchConfig(provider.Subscribe())
	}
	go a.sweepLoop(ctx, cfg.Admission.SweepInterval)

	dataServer, err := a.listen(cfg.Server.DataAddress, a.api.Handler(), "data")
	if err != nil {
		return err
	}
	var adminServer *http.Server
	if cfg.Server.AdminAddress != "" {
		adminServer, err = a.listen(cfg.Server.AdminAddress, a.adminHandler(), "admin")
		if err != nil {
			return err
		}
	}

	logger.Info("lumina-photo started",
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
		"retention_days", a.registry.Retention().Days(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	errs = append(errs, dataServer.Shutdown(shutdownCtx))
	if adminServer != nil {
		errs = append(errs, adminServer.Shutdown(shutdownCtx))
	}
	errs = append(errs, a.registry.Shutdown(shutdownCtx), shutdownTracing(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildApp wires every component from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := telemetry.NewCollectors()

	limiter := governance.NewAdmissionLimiter(
		governance.WithDefaultLimit(governance.Limit{Requests: cfg.Admission.Requests, Window: cfg.Admission.Window}),
		governance.WithRecorder(metrics),
	)

	gateOpts := []gate.Option{gate.WithLogger(logger), gate.WithRecorder(metrics)}
	if cfg.SideEffects.PolicyFile != "" {
		policy, err := gate.LoadRegoPolicy(ctx, cfg.SideEffects.PolicyFile, cfg.SideEffects.PolicyQuery)
		if err != nil {
			return nil, err
		}
		gateOpts = append(gateOpts, gate.WithPolicy(policy))
	}
	sideEffects := gate.New(cfg.SideEffects.Enabled, cfg.SideEffects.Debug, gateOpts...)

	if cfg.Credential.IssuerURL == "" {
		return nil, errors.New("credential.issuer_url is required to serve")
	}
	issuer, err := credential.NewHTTPIssuer(credential.HTTPIssuerConfig{
		Endpoint:   cfg.Credential.IssuerURL,
		ServiceKey: cfg.Credential.ServiceKey,
		Timeout:    cfg.Credential.Timeout,
	})
	if err != nil {
		return nil, err
	}
	creds := credential.NewCache(issuer,
		credential.WithDefaultSafetyWindow(cfg.Credential.SafetyWindow),
		credential.WithLogger(logger),
		credential.WithRecorder(metrics),
	)

	store, err := objectstore.NewFileStore(objectstore.FileStoreConfig{
		Root:          cfg.Storage.Root,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		Limits:        cfg.Upload.Limits(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	backend, err := newGenerator(cfg.Generation)
	if err != nil {
		return nil, err
	}
	metrics.SetBreakerState(string(governance.StateClosed))
	breaker := governance.NewBreaker(
		governance.BreakerConfig{Failures: cfg.Generation.Breaker.Failures, Cooldown: cfg.Generation.Breaker.Cooldown},
		governance.WithStateListener(func(state governance.BreakerState) {
			metrics.SetBreakerState(string(state))
			logger.Warn("generation breaker state changed", "state", state)
		}),
	)
	generator := generation.NewGuarded(backend, breaker)

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		Limiter:     limiter,
		Gate:        sideEffects,
		Credentials: creds,
		Store:       store,
		Generator:   generator,
		Settings:    settingsFrom(cfg),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	registry := pipeline.NewRegistry(orch, retention.FromString(cfg.Retention.Days),
		pipeline.WithRegistryLogger(logger))
	registry.SetDefaultConcurrency(cfg.Pipeline.DefaultConcurrency)

	tokens, err := identity.NewJWTProvider(identity.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	api, err := httpapi.New(httpapi.Config{
		Registry: registry,
		Identity: tokens,
		Limiter:  limiter,
		Objects:  store.Handler(),
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		logger:   logger,
		metrics:  metrics,
		limiter:  limiter,
		gate:     sideEffects,
		store:    store,
		orch:     orch,
		registry: registry,
		api:      api,
	}, nil
}

func newGenerator(cfg config.GenerationConfig) (domain.Generator, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return generation.NewOpenAIGenerator(generation.OpenAIConfig{BaseURL: cfg.Endpoint, Model: cfg.Model}), nil
	case config.ProviderHTTP:
		g, err := generation.NewHTTPGenerator(generation.HTTPConfig{Endpoint: cfg.Endpoint, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

// settingsFrom extracts the runtime-tunable orchestrator settings.
func settingsFrom(cfg *config.Config) pipeline.Settings {
	r := cfg.Generation.Retry
	return pipeline.Settings{
		Limits: pipeline.Limits{
			Upload:   governance.Limit{Requests: cfg.Admission.Upload.Requests, Window: cfg.Admission.Upload.Window},
			Generate: governance.Limit{Requests: cfg.Admission.Generate.Requests, Window: cfg.Admission.Generate.Window},
		},
		Uploads: cfg.Upload.Limits(),
		Retry: governance.NewRetryPolicy(governance.RetryConfig{
			MaxAttempts:       r.MaxAttempts,
			InitialBackoff:    r.InitialBackoff,
			MaxBackoff:        r.MaxBackoff,
			BackoffMultiplier: r.BackoffMultiplier,
			Jitter:            r.Jitter,
		}),
		CredentialWindow: cfg.Credential.SafetyWindow,
	}
}

// apply pushes a reloaded configuration into the running components.
// Listener addresses, credentials and the generation backend need a restart.
func (a *app) apply(cfg *config.Config) {
	a.limiter.SetDefaults(governance.Limit{Requests: cfg.Admission.Requests, Window: cfg.Admission.Window})
	a.gate.SetEnabled(cfg.SideEffects.Enabled)
	a.gate.SetDebug(cfg.SideEffects.Debug)
	a.store.SetLimits(cfg.Upload.Limits())
	a.orch.Reconfigure(settingsFrom(cfg))
	a.registry.SetRetention(retention.FromString(cfg.Retention.Days))
	a.registry.SetDefaultConcurrency(cfg.Pipeline.DefaultConcurrency)
	a.metrics.RecordConfigReload("applied")

	a.logger.Info("configuration applied",
		"admission_requests", cfg.Admission.Requests,
		"admission_window", cfg.Admission.Window,
		"side_effects_enabled", cfg.SideEffects.Enabled,
		"retention_days", a.registry.Retention().Days(),
	)
}

func (a *app) watchConfig(updates <-chan *config.Config) {
	for cfg := range updates {
		a.apply(cfg)
	}
}

// sweep evicts idle limiter keys, expired batches and expired objects, and
// refreshes the gauges that track them.
func (a *app) sweep(ctx context.Context, now time.Time) {
	keys := a.limiter.Sweep()
	batches := a.registry.Sweep(now)
	objects, err := a.store.Sweep(ctx, a.registry.Retention().Cutoff(now))
	if err != nil {
		a.logger.Warn("object sweep failed", "error", err)
	}

	a.metrics.SetAdmissionKeys(a.limiter.Len())
	a.metrics.SetBatches(a.registry.Len())
	if keys+batches+objects > 0 {
		a.logger.Debug("sweep finished",
			"limiter_keys", keys,
			"batches", batches,
			"objects", objects,
		)
	}
}

func (a *app) sweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweep(ctx, now)
		}
	}
}

func (a *app) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (a *app) listen(addr string, handler http.Handler, name string) (*http.Server, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s listener on %s: %w", name, addr, err)
	}
	a.logger.Info("server listening", "server", name, "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server failed", "server", name, "error", err)
			os.Exit(1)
		}
	}()
	return server, nil
}
