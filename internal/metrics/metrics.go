/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes control-plane counters and gauges on a private
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all control-plane instruments.
type Metrics struct {
	registry *prometheus.Registry

	ActivitiesTotal    *prometheus.CounterVec   // type, risk_level
	FreezesTotal       *prometheus.CounterVec   // scope
	TransitionsTotal   *prometheus.CounterVec   // from, to
	NotificationsTotal *prometheus.CounterVec   // risk_level
	ApprovalsTotal     *prometheus.CounterVec   // outcome
	SurveillanceCycle  prometheus.Histogram     // seconds
	SecurityScore      *prometheus.GaugeVec     // agent_id
	AgentsByStatus     *prometheus.GaugeVec     // status
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ActivitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer", Name: "activities_total",
			Help: "Audit activities committed, by type and risk level.",
		}, []string{"type", "risk_level"}),
		FreezesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer", Name: "freezes_total",
			Help: "Freeze records created, by scope type.",
		}, []string{"scope"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer", Name: "transitions_total",
			Help: "Lifecycle transitions applied.",
		}, []string{"from", "to"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer", Name: "notifications_total",
			Help: "Admin notifications raised, by risk level.",
		}, []string{"risk_level"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overseer", Name: "approvals_total",
			Help: "Approval requests decided, by outcome.",
		}, []string{"outcome"}),
		SurveillanceCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "overseer", Name: "surveillance_cycle_seconds",
			Help:    "Duration of a full surveillance cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SecurityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "overseer", Name: "agent_security_score",
			Help: "Current security score per agent.",
		}, []string{"agent_id"}),
		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "overseer", Name: "agents",
			Help: "Registered agents by lifecycle status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.ActivitiesTotal, m.FreezesTotal, m.TransitionsTotal,
		m.NotificationsTotal, m.ApprovalsTotal, m.SurveillanceCycle,
		m.SecurityScore, m.AgentsByStatus,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
