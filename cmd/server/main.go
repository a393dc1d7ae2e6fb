// Package main runs the EventFlow API server: workflow registry, event
// processor and subscription ledger behind a single REST surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	app "github.com/eventflow-network/eventflow/internal/app"
	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/httpapi"
	"github.com/eventflow-network/eventflow/internal/app/metrics"
	"github.com/eventflow-network/eventflow/internal/app/storage/postgres"
	"github.com/eventflow-network/eventflow/internal/config"
	"github.com/eventflow-network/eventflow/pkg/logger"
)

func main() {
	log := logger.NewDefault("server")
	cfg := config.LoadOrDefault()

	stores := app.Stores{}
	if cfg.DatabaseURL != "" {
		store, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("connect to postgres")
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			log.WithError(err).Error("apply schema")
			os.Exit(1)
		}
		stores = app.Stores{Workflows: store, Events: store, Ledger: store}
		log.Info("using postgres storage")
	} else {
		log.Warn("EVENTFLOW_DATABASE_URL not set; using in-memory storage")
	}

	m := metrics.New()
	application, err := app.New(stores, app.Options{
		Treasury:    cfg.Treasury,
		Clock:       chain.NewSimClock(cfg.StartBlock),
		MeterEvents: cfg.MeterEvents,
		Metrics:     m,
	}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	api, err := httpapi.NewHandler(application, httpapi.Config{
		APITokens:     cfg.APITokens,
		AuditLimit:    cfg.AuditLimit,
		AuditFile:     cfg.AuditLog,
		ThrottleRPS:   cfg.Throttle.RPS,
		ThrottleBurst: cfg.Throttle.Burst,
	})
	if err != nil {
		log.WithError(err).Error("build http handler")
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(instrument(m, corsWrapper(api)))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("server stopped")
}

// instrument records request counters, latency and in-flight gauge.
func instrument(m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.HTTPRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func corsWrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Account")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
