// Package metrics exposes Prometheus instruments for the duplex transport.
//
// All recording methods are safe on a nil *Collector, so components can
// hold an optional collector without guarding every call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector groups the transport's counters and histograms.
type Collector struct {
	framesTotal      *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	inflight         prometheus.Gauge
	disconnects      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the instruments on reg. A nil reg falls back to
// prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.framesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames sent or received",
		},
		[]string{"direction", "type"},
	)

	c.bytesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Total payload bytes sent or received, headers excluded",
		},
		[]string{"direction", "type"},
	)

	c.droppedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped as protocol violations",
		},
		[]string{"reason"}, // reason: malformed_header, bad_envelope, orphan_stream, unknown_type
	)

	c.exchangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed request/response exchanges by role and outcome",
		},
		[]string{"role", "outcome"}, // role: outbound, inbound
	)

	c.exchangeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from sending a request to receiving its full response",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"outcome"},
	)

	c.inflight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a response",
		},
	)

	c.disconnects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Session disconnects",
		},
		[]string{"role"}, // role: client, server
	)

	c.reconnects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by result",
		},
		[]string{"role", "result"},
	)

	return c
}

func (c *Collector) RecordFrameSent(frameType string, payloadBytes int) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues("sent", frameType).Inc()
	c.bytesTotal.WithLabelValues("sent", frameType).Add(float64(payloadBytes))
}

func (c *Collector) RecordFrameReceived(frameType string, payloadBytes int) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues("received", frameType).Inc()
	c.bytesTotal.WithLabelValues("received", frameType).Add(float64(payloadBytes))
}

func (c *Collector) RecordDropped(reason string) {
	if c == nil {
		return
	}
	c.droppedTotal.WithLabelValues(reason).Inc()
}

// RecordOutboundExchange observes one SendRequest from start to finish.
func (c *Collector) RecordOutboundExchange(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.exchangesTotal.WithLabelValues("outbound", outcome).Inc()
	c.exchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) RecordInboundExchange(outcome string) {
	if c == nil {
		return
	}
	c.exchangesTotal.WithLabelValues("inbound", outcome).Inc()
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.inflight.Set(float64(n))
}

func (c *Collector) RecordDisconnect(role string) {
	if c == nil {
		return
	}
	c.disconnects.WithLabelValues(role).Inc()
	c.logger.Debug("disconnect recorded", zap.String("role", role))
}

func (c *Collector) RecordReconnect(role string, ok bool) {
	if c == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	c.reconnects.WithLabelValues(role, result).Inc()
}
