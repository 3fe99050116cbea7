// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus counters for the script engine. All methods
// are nil-safe so the engine can run without a metrics registry attached.
type Metrics struct {
	PluginsLoaded  prometheus.Counter
	PluginsSkipped prometheus.Counter
	PluginReloads  prometheus.Counter
	PluginUnloads  prometheus.Counter
	PluginErrors   *prometheus.CounterVec
	EvalRequests   *prometheus.CounterVec
	HookDispatches *prometheus.CounterVec
}

// NewMetrics creates and registers script engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidepark_plugins_loaded_total",
			Help: "Total number of plugins loaded successfully",
		}),
		PluginsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidepark_plugins_skipped_total",
			Help: "Total number of plugins skipped for requiring a newer API version",
		}),
		PluginReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidepark_plugin_reloads_total",
			Help: "Total number of successful plugin hot reloads",
		}),
		PluginUnloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidepark_plugin_unloads_total",
			Help: "Total number of plugins unloaded",
		}),
		PluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidepark_plugin_errors_total",
			Help: "Total number of plugin errors by lifecycle phase",
		}, []string{"phase"}),
		EvalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidepark_eval_requests_total",
			Help: "Total number of REPL evaluation requests by outcome",
		}, []string{"outcome"}),
		HookDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidepark_hook_dispatches_total",
			Help: "Total number of hook dispatches by kind",
		}, []string{"hook"}),
	}

	reg.MustRegister(
		m.PluginsLoaded,
		m.PluginsSkipped,
		m.PluginReloads,
		m.PluginUnloads,
		m.PluginErrors,
		m.EvalRequests,
		m.HookDispatches,
	)
	return m
}

func (m *Metrics) incLoaded() {
	if m != nil {
		m.PluginsLoaded.Inc()
	}
}

func (m *Metrics) incSkipped() {
	if m != nil {
		m.PluginsSkipped.Inc()
	}
}

func (m *Metrics) incReloads() {
	if m != nil {
		m.PluginReloads.Inc()
	}
}

func (m *Metrics) incUnloads() {
	if m != nil {
		m.PluginUnloads.Inc()
	}
}

func (m *Metrics) incError(phase string) {
	if m != nil {
		m.PluginErrors.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) incEval(outcome string) {
	if m != nil {
		m.EvalRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) incHook(kind HookKind) {
	if m != nil {
		m.HookDispatches.WithLabelValues(string(kind)).Inc()
	}
}
