// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/calflow/internal/engine"
	"github.com/rendis/calflow/pkg/schema"
)

const namespace = "calflow"

// Collector implements engine.Metrics on its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.CounterVec
	waveSize      prometheus.Histogram
	circuitState  *prometheus.GaugeVec
}

// NewCollector creates a Collector with the Go runtime and process
// collectors registered next to the engine metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs that entered the running state for the first time.",
		}, []string{"workflow"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"workflow", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time from run start to its terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600, 86400},
		}, []string{"workflow", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs started and not yet terminal.",
		}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Steps settled by node type and status.",
		}, []string{"type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time from step start to its settled state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Outbound call attempts by node type and result code.",
		}, []string{"type", "code"}),
		waveSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wave_size",
			Help:      "Number of steps dispatched together in one wave.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per host: 0 closed, 1 half-open, 2 open.",
		}, []string{"host"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runsStarted, c.runsFinished, c.runDuration, c.activeRuns,
		c.stepsFinished, c.stepDuration, c.stepAttempts, c.waveSize, c.circuitState,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) RunStarted(workflowID string) {
	c.runsStarted.WithLabelValues(workflowID).Inc()
	c.activeRuns.Inc()
}

func (c *Collector) RunFinished(workflowID string, status schema.RunStatus, elapsed time.Duration) {
	c.runsFinished.WithLabelValues(workflowID, string(status)).Inc()
	c.runDuration.WithLabelValues(workflowID, string(status)).Observe(elapsed.Seconds())
	c.activeRuns.Dec()
}

func (c *Collector) StepFinished(nodeType schema.NodeType, status schema.StepStatus, elapsed time.Duration) {
	c.stepsFinished.WithLabelValues(string(nodeType), string(status)).Inc()
	if status != schema.StepSkipped {
		c.stepDuration.WithLabelValues(string(nodeType)).Observe(elapsed.Seconds())
	}
}

func (c *Collector) StepAttempt(nodeType schema.NodeType, code string) {
	if code == "" {
		code = "ok"
	}
	c.stepAttempts.WithLabelValues(string(nodeType), code).Inc()
}

func (c *Collector) WaveDispatched(size int) {
	c.waveSize.Observe(float64(size))
}

func (c *Collector) CircuitStateChanged(host string, state string) {
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	c.circuitState.WithLabelValues(host).Set(v)
}

// WatchPool exports worker pool occupancy, read from stats at scrape time.
func (c *Collector) WatchPool(stats func() engine.PoolStats) error {
	return c.registry.Register(&poolCollector{
		stats:    stats,
		capacity: prometheus.NewDesc(namespace+"_pool_capacity", "Worker pool slots.", nil, nil),
		busy:     prometheus.NewDesc(namespace+"_pool_busy", "Worker pool slots in use.", nil, nil),
		tasks:    prometheus.NewDesc(namespace+"_pool_tasks_total", "Pool tasks by outcome.", []string{"outcome"}, nil),
	})
}

type poolCollector struct {
	stats                 func() engine.PoolStats
	capacity, busy, tasks *prometheus.Desc
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.capacity
	ch <- p.busy
	ch <- p.tasks
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	st := p.stats()
	ch <- prometheus.MustNewConstMetric(p.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(p.busy, prometheus.GaugeValue, float64(st.Busy))
	ch <- prometheus.MustNewConstMetric(p.tasks, prometheus.CounterValue, float64(st.Done), "done")
	ch <- prometheus.MustNewConstMetric(p.tasks, prometheus.CounterValue, float64(st.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(p.tasks, prometheus.CounterValue, float64(st.Panicked), "panicked")
}
