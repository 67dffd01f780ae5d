// Package app serves stored participation data over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/oss-participation/internal/exporter"
	"github.com/cam3ron2/oss-participation/internal/health"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// ReadStore is the read side of the event store.
type ReadStore interface {
	exporter.GaugeSource
	Ping(ctx context.Context) error
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Orgs  []string
	Staff []string
	// MetricsRefresh bounds how often /metrics queries the store.
	MetricsRefresh time.Duration
	// Gatherers are served on /metrics next to the store gauges.
	Gatherers []prometheus.Gatherer
}

// Server exposes committed ingestion results. It never writes.
type Server struct {
	store     ReadStore
	cfg       ServerConfig
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewServer creates a server over readStore.
func NewServer(readStore ReadStore, cfg ServerConfig, logger ...*zap.Logger) *Server {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Server{
		store:     readStore,
		cfg:       cfg,
		evaluator: health.NewStatusEvaluator(),
		logger:    baseLogger,
		Now:       time.Now,
	}
}

// Handler returns the combined HTTP handler.
func (s *Server) Handler() http.Handler {
	snapshots := exporter.NewStoreSnapshotReader(s.store, s.logger)
	snapshots.Now = s.Now
	cached := exporter.NewCachedSnapshotReader(snapshots, exporter.CacheConfig{
		RefreshInterval: s.cfg.MetricsRefresh,
		Now:             s.Now,
	})
	return NewHTTPHandler(Routes{
		Metrics: exporter.NewOpenMetricsHandler(cached, s.cfg.Gatherers...),
		Summary: http.HandlerFunc(s.serveSummary),
		Health:  health.NewHandler(s),
	})
}

// CurrentStatus implements health.Provider.
func (s *Server) CurrentStatus(ctx context.Context) health.Status {
	input := health.Input{Now: s.Now()}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store ping failed", zap.Error(err))
		return s.evaluator.Evaluate(input)
	}
	watermark, ok, err := s.store.Watermark(ctx)
	if err != nil {
		s.logger.Warn("failed to read watermark", zap.Error(err))
		return s.evaluator.Evaluate(input)
	}
	input.StoreHealthy = true
	if ok {
		input.Watermark = watermark
	}
	return s.evaluator.Evaluate(input)
}

func (s *Server) serveSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := exporter.LoadSummary(r.Context(), s.store, s.cfg.Orgs, s.cfg.Staff, s.Now())
	if err != nil {
		s.logger.Error("failed to build summary", zap.Error(err))
		http.Error(w, "summary unavailable", http.StatusInternalServerError)
		return
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		s.logger.Error("failed to encode summary", zap.Error(err))
		http.Error(w, "summary unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:gosec // Summary payload is server-generated JSON.
	if _, err := w.Write(payload); err != nil {
		return
	}
}

// ListenAndServe serves handler on addr until ctx ends, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			return fmt.Errorf("http server failed: %w", serveErr)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
