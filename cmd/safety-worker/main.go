// Package main provides the safety monitor worker entry point. It consumes
// visit.completed, writes safety signals to the outbox and serves /metrics.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/config"
	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/infrastructure/postgres"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/medication"
	"github.com/drfirst/go-regimen/internal/observability/logging"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/internal/observability/tracing"
	"github.com/drfirst/go-regimen/internal/safety"
	"github.com/drfirst/go-regimen/pkg/circuitbreaker"
	"github.com/drfirst/go-regimen/pkg/idempotency"
)

const serviceName = "safety-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// inbox and outbox always live in postgres, whatever stores the visits
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}

	opened, err := visit.Open(ctx, visit.OpenConfig{
		Driver:        cfg.StoreDriver,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open visit store", zap.Error(err))
	}
	defer opened.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic provisioning failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	bcfg := circuitbreaker.DefaultConfig("visit-store")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(to)))
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker init failed", zap.Error(err))
	}

	svc := medication.NewService(visit.NewGuardedStore(opened.Store, breaker), m, logger,
		medication.WithEvaluator(regimen.Evaluator{
			CurrentFallback: cfg.CurrentFallback,
			HistoryFallback: cfg.HistoryFallback,
		}))

	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}

	monCfg := safety.DefaultConfig()
	monCfg.Pool.Workers = cfg.WorkerCount
	monitor, err := safety.NewMonitor(monCfg, svc, inbox, postgres.NewOutboxStore(pool), producer, m, logger)
	if err != nil {
		logger.Fatal("monitor creation failed", zap.Error(err))
	}
	monitor.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.SafetyGroupID
	consumer, err := redpanda.NewConsumer(consumerCfg, monitor.HandleMessage, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/lag", func(w http.ResponseWriter, r *http.Request) {
		lag, err := admin.GroupLag(r.Context(), cfg.SafetyGroupID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"lag": lag})
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("safety worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.SafetyGroupID),
		zap.Int("workers", cfg.WorkerCount))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// consumer first so no new work reaches the pool
	consumer.Stop()
	if err := monitor.Stop(); err != nil {
		logger.Warn("monitor stop", zap.Error(err))
	}
	inbox.Stop()
	producer.Close()
	admin.Close()
	server.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)
	logger.Info("safety worker stopped")
}
