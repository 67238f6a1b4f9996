/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the kernel's Prometheus metrics: task
// throughput, lease reclaims, policy/risk decisions, capability
// invocations, action executions, and trust transitions.
//
// Metric naming follows Prometheus conventions:
//   - taskkernel_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksTotal counts tasks reaching a terminal or paused status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkernel_tasks_total",
			Help: "Total number of tasks by terminal status.",
		},
		[]string{"status"},
	)

	// TaskDurationSeconds is a histogram of task lifetime by terminal status.
	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskkernel_task_duration_seconds",
			Help:    "Duration from task creation to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// LeaseReclaimsTotal counts work items reclaimed by the sweep loop.
	LeaseReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskkernel_lease_reclaims_total",
			Help: "Total work item leases reclaimed after expiry.",
		},
	)

	// CapabilityInvocationsTotal counts capability checks by result.
	CapabilityInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkernel_capability_invocations_total",
			Help: "Total capability invocations by result (allow/deny/escalate).",
		},
		[]string{"capability_id", "result"},
	)

	// PolicyEvaluationsTotal counts policy decisions by action.
	PolicyEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkernel_policy_evaluations_total",
			Help: "Total policy evaluations by decision (ALLOW/DENY/ESCALATE/WARN).",
		},
		[]string{"decision"},
	)

	// RiskScore observes the composite risk score of each evaluation.
	RiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskkernel_risk_score",
			Help:    "Composite risk score (0..1) of each policy evaluation.",
			Buckets: []float64{0.1, 0.25, 0.4, 0.5, 0.6, 0.75, 0.9, 1},
		},
	)

	// ActionExecutionsTotal counts action executions by terminal status.
	ActionExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkernel_action_executions_total",
			Help: "Total action executions by status (succeeded/failed).",
		},
		[]string{"action_id", "status"},
	)

	// ActionDurationSeconds is a histogram of handler execution time.
	ActionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskkernel_action_duration_seconds",
			Help:    "Duration of action handler execution.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"action_id"},
	)

	// TrustTransitionsTotal counts trust trajectory transitions.
	TrustTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkernel_trust_transitions_total",
			Help: "Total trust state transitions by old and new state.",
		},
		[]string{"old_state", "new_state"},
	)

	// QuotaExceededTotal counts quota denials by resource type.
	QuotaExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskkernel_quota_exceeded_total",
			Help: "Total requests denied or overridden due to quota exhaustion.",
		},
		[]string{"resource_type", "overridden"},
	)

	// ActiveTasks is the number of tasks currently in a non-terminal status.
	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskkernel_active_tasks",
			Help: "Number of tasks currently in a non-terminal status.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TaskDurationSeconds,
		LeaseReclaimsTotal,
		CapabilityInvocationsTotal,
		PolicyEvaluationsTotal,
		RiskScore,
		ActionExecutionsTotal,
		ActionDurationSeconds,
		TrustTransitionsTotal,
		QuotaExceededTotal,
		ActiveTasks,
	)
}

// RecordTaskTerminal records a task reaching a terminal or paused status.
func RecordTaskTerminal(status string, lifetime time.Duration) {
	TasksTotal.WithLabelValues(status).Inc()
	TaskDurationSeconds.WithLabelValues(status).Observe(lifetime.Seconds())
}

// RecordLeaseReclaim records one work item lease reclaimed by the sweep loop.
func RecordLeaseReclaim() {
	LeaseReclaimsTotal.Inc()
}

// RecordCapabilityInvocation records one capability check's outcome.
func RecordCapabilityInvocation(capabilityID, result string) {
	CapabilityInvocationsTotal.WithLabelValues(capabilityID, result).Inc()
}

// RecordPolicyEvaluation records one policy/risk evaluation.
func RecordPolicyEvaluation(decision string, score float64) {
	PolicyEvaluationsTotal.WithLabelValues(decision).Inc()
	RiskScore.Observe(score)
}

// RecordActionExecution records one action handler run.
func RecordActionExecution(actionID, status string, duration time.Duration) {
	ActionExecutionsTotal.WithLabelValues(actionID, status).Inc()
	ActionDurationSeconds.WithLabelValues(actionID).Observe(duration.Seconds())
}

// RecordTrustTransition records one trust trajectory state change.
func RecordTrustTransition(oldState, newState string) {
	TrustTransitionsTotal.WithLabelValues(oldState, newState).Inc()
}

// RecordQuotaExceeded records a quota denial, noting whether an emergency
// override subsequently let the request through.
func RecordQuotaExceeded(resourceType string, overridden bool) {
	label := "false"
	if overridden {
		label = "true"
	}
	QuotaExceededTotal.WithLabelValues(resourceType, label).Inc()
}
