package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/run"
)

// metrics owns the prometheus registry. A per-server registry keeps tests
// with multiple servers from colliding on the global default.
type metrics struct {
	reg *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	nodesDone    *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	nodeSeconds  prometheus.Histogram
}

func newMetrics(cache *artifact.Cache) *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowfile_runs_started_total",
			Help: "Runs accepted for execution.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowfile_runs_finished_total",
			Help: "Terminal runs by state.",
		}, []string{"state"}),
		nodesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowfile_nodes_finished_total",
			Help: "Node completions by state; Cached counts cache hits.",
		}, []string{"state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowfile_active_runs",
			Help: "Runs currently executing.",
		}),
		nodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowfile_node_seconds",
			Help:    "Wall time from node dispatch to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	m.reg.MustRegister(m.runsStarted, m.runsFinished, m.nodesDone, m.activeRuns, m.nodeSeconds)
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flowfile_cache_bytes",
		Help: "Total bytes of registered artifacts.",
	}, func() float64 { return float64(cache.TotalBytes()) }))
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flowfile_cache_entries",
		Help: "Number of registered artifacts.",
	}, func() float64 { return float64(cache.Len()) }))
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// observeRun tails the run's event stream and folds it into counters.
func (m *metrics) observeRun(rn *run.Run) {
	m.runsStarted.Inc()
	m.activeRuns.Inc()
	events, _, unsub := rn.Bus().Subscribe()
	go func() {
		defer unsub()
		finished := false
		started := map[uint64]time.Time{}
		for ev := range events {
			switch ev.Type {
			case run.EventNodeStarted:
				started[ev.NodeID] = ev.Time
			case run.EventNodeFinished:
				m.nodesDone.WithLabelValues(ev.State).Inc()
				if t0, ok := started[ev.NodeID]; ok {
					m.nodeSeconds.Observe(ev.Time.Sub(t0).Seconds())
					delete(started, ev.NodeID)
				}
			case run.EventRunFinished:
				m.runsFinished.WithLabelValues(ev.State).Inc()
				finished = true
			}
		}
		m.activeRuns.Dec()
		if !finished {
			// Disconnected before the terminal event; settle from the run.
			m.runsFinished.WithLabelValues(string(rn.State())).Inc()
		}
	}()
}
