// Package metrics declares the Prometheus collectors shared by the
// discovery loop and the forward handler (which also counts admission
// queue rejections), following Bitcoin Sprint's promauto package-var style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DiscoveryTicksTotal counts completed discovery-loop ticks.
	DiscoveryTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "x1rpcproxy_discovery_ticks_total",
			Help: "Completed discovery loop ticks",
		},
	)

	// ProbeDuration tracks node validator probe latency by outcome.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "x1rpcproxy_probe_duration_seconds",
			Help:    "Node validator probe latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// NodeCacheActiveNodes tracks the current active entry count.
	NodeCacheActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "x1rpcproxy_nodecache_active_nodes",
			Help: "Current number of active nodes in the cache",
		},
	)

	// NodeCacheTotalNodes tracks the current total entry count.
	NodeCacheTotalNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "x1rpcproxy_nodecache_total_nodes",
			Help: "Current total number of nodes in the cache",
		},
	)

	// ForwardRequestsTotal counts forwarded client requests by outcome.
	ForwardRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x1rpcproxy_forward_requests_total",
			Help: "Forwarded client requests by outcome",
		},
		[]string{"outcome"},
	)

	// ForwardDuration tracks end-to-end forward latency.
	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "x1rpcproxy_forward_duration_seconds",
			Help:    "End-to-end forward latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AdmissionQueueRejections counts requests shed by the admission queue.
	AdmissionQueueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x1rpcproxy_admission_queue_rejections_total",
			Help: "Requests rejected by the admission queue",
		},
		[]string{"reason"},
	)
)
