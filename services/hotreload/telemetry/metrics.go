// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides Prometheus metrics for the hot-reload
// pipeline. All metrics use the "hotreload_" prefix.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains pre-defined metrics for the hot-reload pipeline.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// BatchesEmitted counts edit-session emits by status (none, ready,
	// blocked).
	BatchesEmitted *prometheus.CounterVec

	// BatchesApplied counts tool-side apply attempts by outcome
	// (success, failed, no_client).
	BatchesApplied *prometheus.CounterVec

	// ApplyDuration records the write-to-ack latency in seconds.
	ApplyDuration prometheus.Histogram

	// RefreshPushes counts messages pushed over the browser refresh
	// channel by kind (delta, diagnostics, reload).
	RefreshPushes *prometheus.CounterVec

	// FileChangesHandled counts handled file changes by result
	// (handled, not_handled, failed).
	FileChangesHandled *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers the pipeline metrics on a dedicated
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		BatchesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotreload_batches_emitted_total",
			Help: "Edit-session emits by resulting batch status.",
		}, []string{"status"}),
		BatchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotreload_batches_applied_total",
			Help: "Tool-side apply attempts by outcome.",
		}, []string{"outcome"}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hotreload_apply_duration_seconds",
			Help:    "Write-to-ack latency of one apply round.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		RefreshPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotreload_refresh_pushes_total",
			Help: "Messages pushed over the browser refresh channel.",
		}, []string{"kind"}),
		FileChangesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotreload_file_changes_total",
			Help: "Watched file changes by handling result.",
		}, []string{"result"}),
		registry: registry,
	}

	registry.MustRegister(
		m.BatchesEmitted,
		m.BatchesApplied,
		m.ApplyDuration,
		m.RefreshPushes,
		m.FileChangesHandled,
	)
	return m
}

// Registry exposes the dedicated registry for the metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
