package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_published_total",
			Help: "Total number of events appended by topic",
		},
		[]string{"topic"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_publish_failures_total",
			Help: "Total number of failed publishes by topic and error class",
		},
		[]string{"topic", "class"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebus_publish_duration_seconds",
			Help:    "Duration of a publish including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	Consumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_consumed_total",
			Help: "Total number of records handled by group and topic",
		},
		[]string{"group", "topic"},
	)

	Duplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_duplicates_skipped_total",
			Help: "Total number of redelivered records skipped by the deduper",
		},
		[]string{"group", "topic"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebus_processing_duration_seconds",
			Help:    "Duration of handling one record including local retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group", "topic"},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_deadlettered_total",
			Help: "Total number of records routed to the dead-letter topic by origin topic",
		},
		[]string{"topic"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_escalations_total",
			Help: "Total number of fatal escalations by reason",
		},
		[]string{"reason"},
	)

	MirrorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebus_priority_mirror_errors_total",
			Help: "Total number of priority mirror failures by mirror",
		},
		[]string{"mirror"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer serves the default registry until ctx is canceled, then
// shuts the server down gracefully. wg is released once the server has stopped.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})
	wg.Add(1)

	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
