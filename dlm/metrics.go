// SPDX-License-Identifier: Apache-2.0

package dlm

import "github.com/prometheus/client_golang/prometheus"

// metrics replaces the teacher's bucketstats.BucketLog2Round /
// bucketstats.Totaler fields (see iclient/iclientpkg's statsStruct) with
// Prometheus collectors, one histogram per RPC kind and one counter per
// LRU/cancel event of interest.
type metrics struct {
	rpcLatency     *prometheus.HistogramVec
	lruEvicted     prometheus.Counter
	lruSkipped     prometheus.Counter
	cancelRetries  prometheus.Counter
	completionWait *prometheus.HistogramVec
}

func newMetrics(namespace string) *metrics {
	m := &metrics{
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dlm",
			Subsystem: "gateway",
			Name:      "rpc_seconds",
			Help:      "Latency of DLM RPCs by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace", "opcode"}),
		lruEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dlm",
			Subsystem:   "lru",
			Name:        "evicted_total",
			Help:        "Locks moved to a cancel batch by prepareLRUList.",
			ConstLabels: prometheus.Labels{"namespace": namespace},
		}),
		lruSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dlm",
			Subsystem:   "lru",
			Name:        "skipped_total",
			Help:        "Locks a no_wait policy pass marked SKIPPED.",
			ConstLabels: prometheus.Labels{"namespace": namespace},
		}),
		cancelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dlm",
			Subsystem:   "cancel",
			Name:        "retries_total",
			Help:        "Cancel RPC retries due to a transient transport error.",
			ConstLabels: prometheus.Labels{"namespace": namespace},
		}),
		completionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dlm",
			Subsystem: "enqueue",
			Name:      "completion_wait_seconds",
			Help:      "Observed delay between enqueue and grant, fed to the adaptive estimator.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace"}),
	}
	return m
}

// register is a no-op if reg is nil, letting tests build a Namespace
// without touching the default Prometheus registry.
func (m *metrics) register(reg prometheus.Registerer) {
	if reg == nil || m == nil {
		return
	}
	reg.MustRegister(m.rpcLatency, m.lruEvicted, m.lruSkipped, m.cancelRetries, m.completionWait)
}
