// Package metrics holds the Prometheus collectors for buffer and frame
// traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all data plane collectors.
type Metrics struct {
	// Transfer control
	BuffersProduced *prometheus.CounterVec
	BuffersConsumed *prometheus.CounterVec

	// Datagram and UDP drivers
	FramesSent         *prometheus.CounterVec
	FramesResent       *prometheus.CounterVec
	DuplicateFrames    *prometheus.CounterVec
	AcksReceived       *prometheus.CounterVec
	TransactionsFailed *prometheus.CounterVec
	FramesInFlight     *prometheus.GaugeVec
	TransactionTime    *prometheus.HistogramVec
}

// New registers the collectors with reg. Each Transport owns its own
// registry so several can coexist in one process.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BuffersProduced: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_buffers_produced_total",
				Help: "Buffers handed to a transfer controller for production",
			},
			[]string{"pattern"},
		),
		BuffersConsumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_buffers_consumed_total",
				Help: "Input buffers released by consumers",
			},
			[]string{"pattern"},
		),
		FramesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_frames_sent_total",
				Help: "Frames or packets written to the wire",
			},
			[]string{"driver"},
		),
		FramesResent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_frames_resent_total",
				Help: "Frames or packets resent after an acknowledgement timeout",
			},
			[]string{"driver"},
		),
		DuplicateFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_duplicate_frames_total",
				Help: "Inbound frames recognised as duplicates and re-acknowledged",
			},
			[]string{"driver"},
		),
		AcksReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_acks_received_total",
				Help: "Acknowledgements applied to in-flight frames",
			},
			[]string{"driver"},
		),
		TransactionsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_transactions_failed_total",
				Help: "Transactions abandoned after exhausting resends",
			},
			[]string{"driver"},
		),
		FramesInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataplane_frames_in_flight",
				Help: "Frames awaiting acknowledgement",
			},
			[]string{"driver"},
		),
		TransactionTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataplane_transaction_seconds",
				Help:    "Time from post to full acknowledgement",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"driver"},
		),
	}
}

// RecordProduce counts one produced buffer.
func (m *Metrics) RecordProduce(pattern string) {
	if m == nil {
		return
	}
	m.BuffersProduced.WithLabelValues(pattern).Inc()
}

// RecordConsume counts one consumed buffer.
func (m *Metrics) RecordConsume(pattern string) {
	if m == nil {
		return
	}
	m.BuffersConsumed.WithLabelValues(pattern).Inc()
}

// RecordSend counts frames put on the wire.
func (m *Metrics) RecordSend(driver string, resend bool) {
	if m == nil {
		return
	}
	if resend {
		m.FramesResent.WithLabelValues(driver).Inc()
		return
	}
	m.FramesSent.WithLabelValues(driver).Inc()
}

// RecordDuplicate counts a suppressed duplicate frame.
func (m *Metrics) RecordDuplicate(driver string) {
	if m == nil {
		return
	}
	m.DuplicateFrames.WithLabelValues(driver).Inc()
}

// RecordAcks counts applied acknowledgements.
func (m *Metrics) RecordAcks(driver string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AcksReceived.WithLabelValues(driver).Add(float64(n))
}

// RecordFailure counts a transaction that ran out of resends.
func (m *Metrics) RecordFailure(driver string) {
	if m == nil {
		return
	}
	m.TransactionsFailed.WithLabelValues(driver).Inc()
}

// AddInFlight adjusts the in-flight frame gauge.
func (m *Metrics) AddInFlight(driver string, delta int) {
	if m == nil {
		return
	}
	m.FramesInFlight.WithLabelValues(driver).Add(float64(delta))
}

// ObserveTransaction records the post-to-complete latency.
func (m *Metrics) ObserveTransaction(driver string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransactionTime.WithLabelValues(driver).Observe(d.Seconds())
}
