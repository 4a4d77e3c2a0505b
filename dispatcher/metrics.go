/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prloop_dispatch_outcomes_total",
			Help: "Dispatch decisions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	agentFailureCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prloop_agent_failures_total",
			Help: "Agent operations that returned an error",
		},
		[]string{"action"},
	)

	agentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prloop_agent_duration_seconds",
			Help:    "Wall time of agent operations",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"action"},
	)
)
