package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llmobs/telemetry-pipeline/internal/aiclient"
	"github.com/llmobs/telemetry-pipeline/internal/anomaly"
	"github.com/llmobs/telemetry-pipeline/internal/api"
	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/emitter"
	"github.com/llmobs/telemetry-pipeline/internal/incident"
	"github.com/llmobs/telemetry-pipeline/internal/ingress"
	"github.com/llmobs/telemetry-pipeline/internal/normalize"
	"github.com/llmobs/telemetry-pipeline/internal/pipeline"
	"github.com/llmobs/telemetry-pipeline/internal/quality"
	"github.com/llmobs/telemetry-pipeline/internal/store"
	"github.com/llmobs/telemetry-pipeline/internal/threat"
)

var (
	listenAddr string
	dbPath     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipeline and serve until signaled",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPipeline())
	},
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	runCmd.Flags().StringVar(&dbPath, "db", "data/pipeline.db", "sqlite database path")
	rootCmd.AddCommand(runCmd)
}

func runPipeline() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		return exitInternalError
	}
	defer logger.Sync()

	logger.Info("starting pipeline", zap.String("config", cfg.String()))

	sqlite, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open record store", zap.Error(err))
		return exitStartupError
	}
	defer sqlite.Close()
	recordStore := store.NewRetryingStore(sqlite, logger)

	retry := aiclient.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	retry.PerCallTimeout = cfg.PerCallTimeout
	client := aiclient.NewAnthropicClient("", cfg.ModelName, retry, logger)

	if cfg.RequireOnStartup {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recordStore.Ping(checkCtx); err != nil {
			logger.Error("record store unreachable at startup", zap.Error(err))
			return exitStartupError
		}
		if _, err := client.Complete(checkCtx, aiclient.Request{Prompt: "ping", MaxOutputTokens: 1}); err != nil {
			logger.Error("ai client unreachable at startup", zap.Error(err))
			return exitStartupError
		}
	}

	registry := prometheus.NewRegistry()
	em := emitter.New(cfg.MetricsNamespace, emitter.NewPromSink(registry, logger), logger)

	p := pipeline.New(
		cfg,
		quality.NewClassifier(client, cfg, logger),
		threat.NewClassifier(client, cfg, logger),
		anomaly.NewDetector(cfg),
		incident.NewSynthesizer(cfg),
		em,
		recordStore,
		logger,
	)
	service := pipeline.NewIncidentService(recordStore, p, logger)
	adapter := ingress.NewAdapter(cfg, normalize.New(cfg), p, em, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	p.Start(ctx)

	router := chi.NewRouter()
	router.Mount("/", ingress.NewHandler(adapter, logger).Routes())
	router.Mount("/api", api.NewHandler(service, p, logger).Routes())
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("listening", zap.String("addr", listenAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			return exitInternalError
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	p.Wait()
	return exitOK
}
