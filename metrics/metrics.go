// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Remote call outcomes
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Queue entry results
const (
	QueueEnqueued  = "enqueued"
	QueueSucceeded = "succeeded"
	QueueFailed    = "failed"
	QueueParked    = "parked"
)

// Recorder receives sync-layer observations. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveRemoteCall(op, outcome string, d time.Duration)
	ObserveQueue(result string)
	ObserveFallbackRead(table string)
	SetQueueDepth(n int)
}

// Nop discards every observation
type Nop struct{}

func (Nop) ObserveRemoteCall(string, string, time.Duration) {}
func (Nop) ObserveQueue(string)                              {}
func (Nop) ObserveFallbackRead(string)                       {}
func (Nop) SetQueueDepth(int)                                {}

// OrNop returns r, or Nop when r is nil
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Prometheus records into client_golang collectors
type Prometheus struct {
	RemoteCalls        *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec
	QueueEntries       *prometheus.CounterVec
	FallbackReads      *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
}

// NewPrometheus creates the client-side collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil)
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		RemoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invsync_remote_calls_total",
				Help: "Total number of bounded remote calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		RemoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "invsync_remote_call_duration_seconds",
				Help:    "Duration of bounded remote calls as seen by the caller",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		QueueEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invsync_queue_entries_total",
				Help: "Sync queue entry transitions by result",
			},
			[]string{"result"},
		),
		FallbackReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invsync_fallback_reads_total",
				Help: "Reads served from the local store because the remote was unavailable",
			},
			[]string{"table"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "invsync_queue_depth",
				Help: "Number of entries left in the sync queue after the last drain",
			},
		),
	}
	reg.MustRegister(p.RemoteCalls, p.RemoteCallDuration, p.QueueEntries, p.FallbackReads, p.QueueDepth)
	return p
}

func (p *Prometheus) ObserveRemoteCall(op, outcome string, d time.Duration) {
	p.RemoteCalls.WithLabelValues(op, outcome).Inc()
	p.RemoteCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (p *Prometheus) ObserveQueue(result string) {
	p.QueueEntries.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveFallbackRead(table string) {
	p.FallbackReads.WithLabelValues(table).Inc()
}

func (p *Prometheus) SetQueueDepth(n int) {
	p.QueueDepth.Set(float64(n))
}

// ServerRequests counts table API requests by route and status code
var ServerRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "invsync_server_requests_total",
		Help: "Total number of table API requests handled by the server",
	},
	[]string{"route", "code"},
)

// RegisterServer registers the server-side collectors
func RegisterServer(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(ServerRequests)
}
