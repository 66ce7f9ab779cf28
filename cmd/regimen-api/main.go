// Package main provides the medication regimen read API entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/api/handlers"
	"github.com/drfirst/go-regimen/internal/api/middleware"
	"github.com/drfirst/go-regimen/internal/config"
	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/medication"
	"github.com/drfirst/go-regimen/internal/observability/logging"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/internal/observability/tracing"
	"github.com/drfirst/go-regimen/pkg/circuitbreaker"
)

const serviceName = "regimen-api"

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

	m := metrics.New(prometheus.DefaultRegisterer)

	bcfg := circuitbreaker.DefaultConfig("visit-store")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(to)))
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker init failed", zap.Error(err))
	}
	store := visit.NewGuardedStore(opened.Store, breaker)

	svc := medication.NewService(store, m, logger, medication.WithEvaluator(regimen.Evaluator{
		CurrentFallback: cfg.CurrentFallback,
		HistoryFallback: cfg.HistoryFallback,
	}))
	medicationHandler := handlers.NewMedicationHandler(svc, visit.ParseLocale(cfg.DefaultLocale, visit.LocaleArabic), logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if store.State() == circuitbreaker.StateOpen {
			http.Error(w, "visit store circuit open", http.StatusServiceUnavailable)
			return
		}
		if err := opened.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/patients", medicationHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting regimen API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": "1.0.0",
	})
}
