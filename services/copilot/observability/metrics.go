// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus instrumentation for the
// copilot service.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "helmsman"
	subsystem = "copilot"
)

// Metrics bundles the copilot service's instruments. Construct with
// NewMetrics against a private registry in tests, or use Default in
// production so everything lands on the global registry exactly once.
type Metrics struct {
	// TurnsStarted counts accepted turn submissions.
	TurnsStarted prometheus.Counter

	// TurnsCompleted counts finished turns by outcome
	// (done, error, timeout, cancelled).
	TurnsCompleted *prometheus.CounterVec

	// TurnDuration observes wall time from submission to terminal envelope.
	TurnDuration prometheus.Histogram

	// EnvelopesSent counts stream envelopes written, by type.
	EnvelopesSent *prometheus.CounterVec

	// ActiveStreams gauges currently open session streams.
	ActiveStreams prometheus.Gauge

	// ProtocolErrors counts malformed or out-of-contract frames, by kind
	// (malformed_frame, oversized_message).
	ProtocolErrors *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide Metrics on the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers the copilot instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "turns_started_total",
			Help:      "Turn submissions accepted for streaming.",
		}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "turns_completed_total",
			Help:      "Turns finished, by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from submission to terminal envelope.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_sent_total",
			Help:      "Stream envelopes written to clients, by type.",
		}, []string{"type"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_streams",
			Help:      "Currently open session streams.",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Frames rejected for violating the stream contract, by kind.",
		}, []string{"kind"}),
	}
}
