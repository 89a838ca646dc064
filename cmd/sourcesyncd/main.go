package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/gatherkit/sourcesync/internal/config"
	"github.com/gatherkit/sourcesync/internal/httpapi"
	"github.com/gatherkit/sourcesync/internal/sourcesync"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", strings.TrimSpace(os.Getenv("SOURCESYNC_CONFIG")), "path to YAML config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config if set)")
	once := flag.Bool("once", false, "run one reconciliation pass and exit")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnvOverrides(conf)
	if *listen != "" {
		conf.Listen = *listen
	}

	stateBackend, err := sourcesync.BuildStateBackendFromDSN(conf.StateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store := sourcesync.NewStoreWithOptions(sourcesync.StoreOptions{
		StateBackend: stateBackend,
	})
	defer store.Close()

	for _, collection := range conf.Collections {
		if err := store.RegisterCollection(collection.ExternalID, collection.OrganizationID); err != nil {
			log.Fatalf("failed to register collection %q: %v", collection.ExternalID, err)
		}
	}

	client := sourcesync.NewHTTPSourceClient(sourcesync.HTTPSourceClientOptions{
		BaseURL:       conf.Source.BaseURL,
		TokenProvider: sourcesync.StaticToken(conf.Source.Token),
		HTTPClient:    &http.Client{Timeout: conf.Source.Timeout.Std()},
		UserAgent:     "sourcesyncd",
	})
	processor := sourcesync.NewProcessor(store, store, sourcesync.ProcessorOptions{
		Logger: log.Default(),
	})
	reconciler := sourcesync.NewReconciler(store, client, sourcesync.ReconcilerOptions{
		BatchSize:          conf.ReconcileBatchSize,
		StalenessThreshold: conf.StalenessThreshold.Std(),
		RunBudget:          conf.ReconcileRunBudget.Std(),
		Logger:             log.Default(),
	})

	if *once {
		ctx, cancel := context.WithTimeout(context.Background(), conf.ReconcileRunBudget.Std())
		defer cancel()
		summary, runErr := reconciler.Run(ctx)
		if runErr != nil {
			log.Printf("reconciliation interrupted: %v", runErr)
		}
		log.Printf("reconciliation finished: checked=%d confirmed=%d drifted=%d deleted=%d errors=%d",
			summary.Checked, summary.Confirmed, summary.Drifted, summary.Deleted, len(summary.Errors))
		return
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(conf.ReconcileCron, func() {
		runCtx, runCancel := context.WithTimeout(rootCtx, conf.ReconcileRunBudget.Std())
		defer runCancel()
		if _, runErr := reconciler.Run(runCtx); runErr != nil {
			log.Printf("scheduled reconciliation interrupted: %v", runErr)
		}
	}); err != nil {
		log.Fatalf("invalid reconcile cron %q: %v", conf.ReconcileCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := httpapi.NewServerWithConfig(store, processor, reconciler, httpapi.ServerConfig{
		WebhookSecret:  conf.Webhook.Secret,
		WebhookMaxSkew: conf.Webhook.MaxSkew.Std(),
		AdminToken:     conf.AdminToken,
		RateLimitMax:   conf.Webhook.RateLimitMax,
		MaxBodyBytes:   conf.Webhook.MaxBodyBytes,
	})
	httpServer := &http.Server{Addr: conf.Listen, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("sourcesyncd listening on %s", conf.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("signal received, shutting down: %s", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func applyEnvOverrides(conf *config.Config) {
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_LISTEN")); v != "" {
		conf.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_STATE_DSN")); v != "" {
		conf.StateDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_ADMIN_TOKEN")); v != "" {
		conf.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_RECONCILE_CRON")); v != "" {
		conf.ReconcileCron = v
	}
	if v := durationEnv("SOURCESYNC_STALENESS_THRESHOLD", 0); v > 0 {
		conf.StalenessThreshold = config.Duration(v)
	}
	if v := intEnv("SOURCESYNC_RECONCILE_BATCH_SIZE", 0); v > 0 {
		conf.ReconcileBatchSize = v
	}
	if v := durationEnv("SOURCESYNC_RECONCILE_RUN_BUDGET", 0); v > 0 {
		conf.ReconcileRunBudget = config.Duration(v)
	}
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_SOURCE_BASE_URL")); v != "" {
		conf.Source.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_SOURCE_TOKEN")); v != "" {
		conf.Source.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SOURCESYNC_WEBHOOK_SECRET")); v != "" {
		conf.Webhook.Secret = v
	}
	if v := durationEnv("SOURCESYNC_WEBHOOK_MAX_SKEW", 0); v > 0 {
		conf.Webhook.MaxSkew = config.Duration(v)
	}
	if v := intEnv("SOURCESYNC_RATE_LIMIT_MAX", 0); v > 0 {
		conf.Webhook.RateLimitMax = v
	}
	if v := int64Env("SOURCESYNC_MAX_BODY_BYTES", 0); v > 0 {
		conf.Webhook.MaxBodyBytes = v
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
