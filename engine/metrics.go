package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	runningSyncs     prometheus.Gauge
	itemsSynced      *prometheus.CounterVec
	continuations    prometheus.Counter
	staleCheckpoints prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		runningSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connector_sync",
			Subsystem: "engine",
			Name:      "running_syncs",
			Help:      "Number of sync runs currently executing in this process.",
		}),
		itemsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connector_sync",
			Subsystem: "engine",
			Name:      "items_synced",
			Help:      "Number of items written to storage, by platform and phase.",
		}, []string{"platform", "phase"}),
		continuations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connector_sync",
			Subsystem: "engine",
			Name:      "continuations_scheduled",
			Help:      "Number of self-continuations scheduled after budget exhaustion.",
		}),
		staleCheckpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connector_sync",
			Subsystem: "engine",
			Name:      "stale_checkpoint_writes",
			Help:      "Number of checkpoint writes rejected by the version token.",
		}),
	}
	prometheus.MustRegister(m.runningSyncs, m.itemsSynced, m.continuations, m.staleCheckpoints)
	return m
}

func (m *Metrics) Unregister() {
	prometheus.Unregister(m.runningSyncs)
	prometheus.Unregister(m.itemsSynced)
	prometheus.Unregister(m.continuations)
	prometheus.Unregister(m.staleCheckpoints)
}
