package pool

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"dcap"
	"dcap/mover"
)

const promNamespace = "dcap_pool"

type metrics struct {
	registry *prometheus.Registry

	transfers *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	active    prometheus.Gauge
	degraded  prometheus.Gauge

	srv *http.Server
}

func newMetrics(p *Pool) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "transfers_total",
			Help:      "Finished movers by mode and result code.",
		}, []string{"mode", "code"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved over data connections.",
		}, []string{"mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time from first to last command of a transfer.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"mode"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "active_movers",
			Help:      "Movers not yet finished.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "degraded",
			Help:      "1 once a disk error disabled writes.",
		}),
	}
	m.registry.MustRegister(m.transfers, m.bytes, m.duration, m.active, m.degraded)
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "space_used_bytes",
			Help:      "Space allocated to replicas.",
		}, func() float64 { return float64(p.space.Used()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "space_total_bytes",
			Help:      "Pool capacity.",
		}, func() float64 { return float64(p.space.Total()) }),
	)
	return m
}

func (m *metrics) finished(mode dcap.IoMode, res *mover.Result, err error) {
	m.active.Dec()
	m.transfers.WithLabelValues(mode.String(), codeLabel(err)).Inc()
	if res == nil {
		return
	}
	if res.BytesTransferred > 0 {
		m.bytes.WithLabelValues(mode.String()).Add(float64(res.BytesTransferred))
	}
	if res.TransferTime > 0 {
		m.duration.WithLabelValues(mode.String()).Observe(res.TransferTime.Seconds())
	}
}

func codeLabel(err error) string {
	switch {
	case err == nil:
		return "0"
	case errors.Is(err, dcap.ErrPeerDisconnected):
		return "eof"
	case errors.Is(err, dcap.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, dcap.ErrConnectTimeout):
		return "timeout"
	}
	return strconv.Itoa(int(dcap.ErrorCodeOf(err)))
}

func (m *metrics) serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics endpoint %s: %v", addr, err)
		}
	}()
	log.Infof("metrics on %s/metrics", addr)
}

func (m *metrics) close() error {
	if m.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dcap.ShutdownTimeout)
	defer cancel()
	return m.srv.Shutdown(ctx)
}
