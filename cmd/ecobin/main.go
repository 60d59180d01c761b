// Package main запускает конвейер аналитики и вознаграждений: планировщик задач и HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ecobin-pipeline/internal/aggregator"
	"github.com/mmeshcher/ecobin-pipeline/internal/anomaly"
	"github.com/mmeshcher/ecobin-pipeline/internal/config"
	"github.com/mmeshcher/ecobin-pipeline/internal/handler"
	"github.com/mmeshcher/ecobin-pipeline/internal/insight"
	"github.com/mmeshcher/ecobin-pipeline/internal/middleware"
	"github.com/mmeshcher/ecobin-pipeline/internal/notify"
	"github.com/mmeshcher/ecobin-pipeline/internal/repository"
	"github.com/mmeshcher/ecobin-pipeline/internal/rewards"
	"github.com/mmeshcher/ecobin-pipeline/internal/scheduler"
	"github.com/mmeshcher/ecobin-pipeline/internal/service"
	"github.com/mmeshcher/ecobin-pipeline/internal/telemetry"
)

const (
	jobDailyMetrics = "daily_metrics"
	jobInsights     = "insights"
	jobAnomalies    = "anomalies"
	jobAccrual      = "accrual"
)

type publisher interface {
	anomaly.Publisher
	Close() error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	tables, err := config.LoadTables(cfg.TablesPath)
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	sugar.Infow("tables loaded", "version", tables.Version, "scoring_version", tables.Scoring.Version)

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	metrics := telemetry.New()

	var pub publisher = notify.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.AnomalyTopic, logger.Named("notify"))
		sugar.Infow("anomaly notifications enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.AnomalyTopic)
	}
	defer pub.Close()

	agg := aggregator.New(repo, logger.Named("aggregator"))
	detector := anomaly.New(repo, pub, anomaly.Config{
		Rules:   tables.Anomaly,
		Window:  cfg.AnomalyWindow,
		Workers: cfg.Workers,
	}, logger.Named("anomaly"), metrics)
	generator := insight.New(repo, tables.Insight, cfg.Workers, logger.Named("insight"), metrics)
	engine := rewards.New(repo, tables, cfg.AccrualBatchSize, logger.Named("rewards"), metrics)

	sched := scheduler.New(logger.Named("scheduler"), metrics)
	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		fn      scheduler.JobFunc
	}{
		{jobDailyMetrics, cfg.DailyMetricsCron, cfg.DailyJobTimeout, agg.Run},
		{jobInsights, cfg.InsightsCron, cfg.JobTimeout, generator.Run},
		{jobAnomalies, cfg.AnomaliesCron, cfg.JobTimeout, detector.Run},
		{jobAccrual, cfg.AccrualCron, cfg.JobTimeout, engine.Run},
	}
	for _, j := range jobs {
		if err := sched.Register(j.name, j.spec, j.timeout, j.fn); err != nil {
			sugar.Fatalw("configuration error", "job", j.name, "error", err.Error())
		}
	}

	svc := service.NewService(repo, engine, sched)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	var adminAuth *middleware.AuthMiddleware
	if cfg.AdminSecret != "" {
		adminAuth = middleware.NewAuthMiddleware(cfg.AdminSecret)
	} else {
		sugar.Info("admin endpoints disabled: ADMIN_SECRET is not set")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, adminAuth, metrics.Handler())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BackfillDays > 0 {
		to := aggregator.PreviousDay(time.Now())
		from := to.AddDate(0, 0, 1-cfg.BackfillDays)
		sugar.Infow("backfilling daily metrics", "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly))
		if err := agg.Backfill(ctx, from, to); err != nil {
			sugar.Errorw("backfill failed", "error", err)
		}
	}

	sched.Start()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting ecobin pipeline", "addr", cfg.RunAddress, "jobs", sched.Jobs())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown: сначала HTTP-сервер, затем планировщик с ожиданием текущих запусков
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("scheduler shutdown error: %w", err)
		}
		sugar.Info("stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}
