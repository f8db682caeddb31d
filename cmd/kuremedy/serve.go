package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kuremedy/kuremedy/internal/approval"
	"github.com/kuremedy/kuremedy/internal/collect"
	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/execute"
	"github.com/kuremedy/kuremedy/internal/graph"
	"github.com/kuremedy/kuremedy/internal/ingest"
	"github.com/kuremedy/kuremedy/internal/logging"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/policy"
	"github.com/kuremedy/kuremedy/internal/rules"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/internal/verify"
	"github.com/kuremedy/kuremedy/internal/workflow"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

func runServe() {
	// Baseline logger for early startup logs, replaced once config loads.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "kuremedy",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "kuremedy",
		FilePath:  cfg.LogFilePath,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("environment", string(cfg.Environment)).
		Str("cluster", cfg.Cluster).
		Str("dataDir", cfg.DataDir).
		Msg("Starting Kuremedy")

	auditLogger, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{DataDir: cfg.DataDir})
	if err != nil {
		log.Warn().Err(err).Msg("Audit log unavailable, events will not be persisted")
	} else {
		audit.SetLogger(auditLogger)
		defer audit.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsServer(ctx, fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort))

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open incident store")
	}
	defer st.Close()

	g, err := graph.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open evidence graph")
	}
	defer g.Close()

	// Dedup and rate limiting fail open when Redis is down, so a dead
	// Redis degrades to store-level fingerprint uniqueness instead of
	// blocking intake.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable, alert deduplication degrades to store uniqueness")
	}
	pingCancel()

	kube, err := kubeClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build Kubernetes client")
	}

	registry := collect.NewRegistry()
	mustRegister(registry, collect.NewClusterCollector(kube))
	mustRegister(registry, collect.NewDeployCollector(kube, cfg.DeployLookback))
	if cfg.LokiURL != "" {
		mustRegister(registry, collect.NewLogsCollector(cfg.LokiURL, nil, 0))
	} else {
		log.Warn().Msg("KUREMEDY_LOKI_URL not set, log evidence disabled")
	}
	if cfg.PrometheusURL == "" {
		log.Fatal().Msg("KUREMEDY_PROMETHEUS_URL is required, remediations cannot be verified without metrics")
	}
	metricsCollector, err := collect.NewMetricsCollector(cfg.PrometheusURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build metrics collector")
	}
	mustRegister(registry, metricsCollector)

	verifier, err := verify.NewVerifier(cfg.PrometheusURL, nil, kube, st,
		verify.WithThresholds(cfg.VerificationImprovement, cfg.VerificationErrorThreshold))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build verifier")
	}

	apStore, err := approval.NewStore(approval.StoreConfig{
		DataDir:        cfg.DataDir,
		DefaultTimeout: cfg.ApprovalTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open approval store")
	}

	var notifier approval.Notifier
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		notifier = approval.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
	} else {
		log.Info().Msg("Slack not configured, approvals resolve via the decision API only")
	}

	autoApprove := cfg.Environment == config.EnvDev && cfg.AutoApproveDev
	if autoApprove {
		log.Warn().Msg("Dev auto-approve enabled, high-risk actions will not wait for an operator")
	}
	broker := approval.NewBroker(apStore, notifier, approval.WithAutoApprove(autoApprove))

	gate := policy.NewGate(cfg)
	overlayWatcher, err := config.NewOverlayWatcher(cfg.OverlayPath())
	if err != nil {
		log.Warn().Err(err).Msg("Policy overlay watcher unavailable, runtime policy changes disabled")
	} else {
		gate.ApplyOverlay(overlayWatcher.Current())
		overlayWatcher.OnChange(gate.ApplyOverlay)
		overlayWatcher.Start(ctx)
	}

	executor := execute.NewExecutor(kube, st, execute.NewLeaseTable())

	// The finished hook needs the intake and the intake needs the driver
	// as its launcher. The closure captures the variable; no workflow can
	// finish before driver.Start below.
	var intake *ingest.Intake
	driver := workflow.NewDriver(workflow.Deps{
		Store:      st,
		Graph:      g,
		Collectors: registry,
		Rules:      rules.NewEngine(),
		Gate:       gate,
		Executor:   executor,
		Verifier:   verifier,
		Approvals:  broker,
		Config:     cfg,
	}, workflow.WithFinished(func(inc *models.Incident) {
		intake.Release(context.Background(), inc.Fingerprint)
	}))

	intake = ingest.NewIntake(st,
		ingest.NewDeduplicator(redisClient, cfg.DedupTTL),
		ingest.NewRateLimiter(redisClient),
		driver,
		ingest.IntakeOptions{RateLimit: cfg.AlertRateLimit, RateWindow: cfg.AlertRateWindow},
	)

	driver.Start(ctx)
	if resumed, err := driver.Resume(); err != nil {
		log.Error().Err(err).Msg("Failed to resume interrupted incidents")
	} else if resumed > 0 {
		log.Info().Int("count", resumed).Msg("Resumed interrupted incidents")
	}

	api := newRouter(cfg, st, g, intake, apStore, driver, Version)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           api,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Intake API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Intake API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down intake API cleanly")
	}
	// Workflows that do not drain in time resume from their journals on
	// the next start.
	if err := driver.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Workflows still running at shutdown")
	}
	cancel()

	log.Info().Msg("Shutdown complete")
}

func mustRegister(r *collect.Registry, c collect.Collector) {
	if err := r.Register(c); err != nil {
		log.Fatal().Err(err).Msg("Failed to register collector")
	}
}

func kubeClient(cfg *config.Config) (kubernetes.Interface, error) {
	restCfg, err := buildRESTConfig(cfg.KubeconfigPath, cfg.KubeContext)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildRESTConfig(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	kubeconfigPath = strings.TrimSpace(kubeconfigPath)
	kubeContext = strings.TrimSpace(kubeContext)

	// Prefer explicit kubeconfig.
	if kubeconfigPath != "" {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
		overrides := &clientcmd.ConfigOverrides{}
		if kubeContext != "" {
			overrides.CurrentContext = kubeContext
		}
		restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
		return restCfg, nil
	}

	// Otherwise try in-cluster configuration.
	restCfg, err := rest.InClusterConfig()
	if err == nil {
		return restCfg, nil
	}

	// Fallback: default kubeconfig path.
	restCfg, cfgErr := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	).ClientConfig()
	if cfgErr != nil {
		return nil, fmt.Errorf("kubernetes config not available (in-cluster failed: %v; kubeconfig failed: %w)", err, cfgErr)
	}
	return restCfg, nil
}
