// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the advisor.
//
// # Description
//
// Metrics cover the chat turn pipeline: request counters by mode,
// active stream gauge, stream duration and time-to-first-chunk
// histograms, error counters by code, and client disconnect counts.
// Exposed via the /metrics endpoint for Prometheus scraping.
//
// Metrics register against the default registry at import time, so the
// package only needs to be imported by its users.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "agrichat"
	chatSubsystem    = "chat"
)

// Stream outcome labels used with terminal metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
	OutcomeTimedOut  = "timed_out"
	OutcomeAborted   = "aborted"
)

var (
	// ChatRequests counts chat turns by mode (buffered, stream, image).
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "requests_total",
			Help:      "Total chat turn requests by mode",
		},
		[]string{"mode"},
	)

	// ChatErrors counts failed turns by mode and error code.
	ChatErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "errors_total",
			Help:      "Total chat turn errors by mode and error code",
		},
		[]string{"mode", "error_code"},
	)

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "active_streams",
			Help:      "Number of currently active SSE chat streams",
		},
	)

	// StreamDuration measures the full lifetime of a stream by outcome.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total SSE stream duration in seconds by outcome",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// TimeToFirstChunk measures request-to-first-chunk latency.
	TimeToFirstChunk = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time from stream request to first content chunk in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	// ClientDisconnects counts streams ended by the client going away.
	ClientDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during SSE streaming",
		},
	)

	// WeatherInterceptions counts turns answered by the weather path.
	WeatherInterceptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "weather_interceptions_total",
			Help:      "Total chat turns resolved by the weather interceptor",
		},
	)
)
