// Package metrics exposes tile and capture counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the application collectors on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	tiles           prometheus.Gauge
	capturing       prometheus.Gauge
	refreshFPS      prometheus.Gauge
	discoveryEvents *prometheus.CounterVec
	captureFailures *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jcameracontrol_tiles",
			Help: "Number of camera tiles in the window.",
		}),
		capturing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jcameracontrol_tiles_capturing",
			Help: "Number of tiles actively capturing.",
		}),
		refreshFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jcameracontrol_ui_refresh_fps",
			Help: "Current tile refresh rate after load adaptation.",
		}),
		discoveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jcameracontrol_discovery_events_total",
			Help: "Discovery events received, by kind.",
		}, []string{"kind"}),
		captureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jcameracontrol_capture_failures_total",
			Help: "Capture failures by operation: open, start, stop, or stream for a stream that ended on its own.",
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.tiles, m.capturing, m.refreshFPS, m.discoveryEvents, m.captureFailures)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetTiles(n int) {
	if m == nil {
		return
	}
	m.tiles.Set(float64(n))
}

func (m *Metrics) CaptureStarted() {
	if m == nil {
		return
	}
	m.capturing.Inc()
}

func (m *Metrics) CaptureStopped() {
	if m == nil {
		return
	}
	m.capturing.Dec()
}

func (m *Metrics) SetRefreshFPS(fps int) {
	if m == nil {
		return
	}
	m.refreshFPS.Set(float64(fps))
}

func (m *Metrics) DiscoveryEvent(kind string) {
	if m == nil {
		return
	}
	m.discoveryEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) CaptureFailed(op string) {
	if m == nil {
		return
	}
	m.captureFailures.WithLabelValues(op).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler(log *zap.Logger) http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(log),
	})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler(log))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server forced to shutdown", zap.Error(err))
		}
		<-errCh
		return nil
	}
}
