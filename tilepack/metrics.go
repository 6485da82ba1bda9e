package tilepack

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	// fetches by outcome (ok or error kind) and their duration
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	// bytes written into the provisional artifact, across retries
	transferBytes prometheus.Counter
	// redirect pages that triggered the single retry
	redirectRetries prometheus.Counter
	// 1 when the last availability check succeeded
	available      prometheus.Gauge
	installedBytes prometheus.Gauge
}

// utility to time one FetchAndInstall call
type fetchTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startFetch() *fetchTracker {
	return &fetchTracker{start: time.Now(), metrics: m}
}

func (r *fetchTracker) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	status := "ok"
	if err != nil {
		status = KindOf(err).String()
	}
	r.metrics.fetches.WithLabelValues(status).Inc()
	r.metrics.fetchDuration.WithLabelValues(status).Observe(time.Since(r.start).Seconds())
}

func (m *metrics) setAvailable(ok bool, size int64) {
	if ok {
		m.available.Set(1)
		m.installedBytes.Set(float64(size))
	} else {
		m.available.Set(0)
		m.installedBytes.Set(0)
	}
}

func register[K prometheus.Collector](reg prometheus.Registerer, logger *zap.Logger, metric K) K {
	if err := reg.Register(metric); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(K); ok {
				return existing
			}
		}
		logger.Warn("failed to register metric", zap.Error(err))
	}
	return metric
}

// newMetrics builds the collectors and registers them on reg (prometheus.DefaultRegisterer when nil).
func newMetrics(reg prometheus.Registerer, logger *zap.Logger) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	namespace := "tilepack"

	return &metrics{
		fetches: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Offline package fetches by outcome",
		}, []string{"status"})),
		fetchDuration: register(reg, logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of offline package fetches, including validation and install",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"})),
		transferBytes: register(reg, logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes downloaded into the provisional artifact",
		})),
		redirectRetries: register(reg, logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirect_retries_total",
			Help:      "Hosting pages that triggered a retry against the extracted direct link",
		})),
		available: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_available",
			Help:      "1 when an installed package is present and queryable",
		})),
		installedBytes: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_size_bytes",
			Help:      "Size of the installed package",
		})),
	}
}
