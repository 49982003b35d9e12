package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics
	KPIUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proppulse_kpi_updates_total",
			Help: "Total number of KPI updates processed",
		},
		[]string{"kpi_type", "status"}, // status: processed, skipped, error
	)

	RulesEvaluatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proppulse_rules_evaluated_total",
			Help: "Total number of rule evaluations by resulting zone",
		},
		[]string{"zone"},
	)

	InstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proppulse_alert_instances_total",
			Help: "Alert instance transitions",
		},
		[]string{"action"}, // opened, updated, acknowledged, resolved, auto_resolved
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proppulse_deliveries_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"}, // status: sent, failed, deferred
	)

	RenderFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proppulse_template_render_failures_total",
			Help: "Template lookups or renders that failed during enqueue",
		},
	)

	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proppulse_delivery_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proppulse_bus_dropped_total",
			Help: "Events dropped because a bus subscriber was full",
		},
		[]string{"topic"},
	)
)
