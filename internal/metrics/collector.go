// Package metrics exports engine measurements as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

const namespace = "playbook"

var _ engine.Observer = (*Collector)(nil)

// Collector implements engine.Observer on top of Prometheus counters and
// histograms.
type Collector struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	nodesSettled       *prometheus.CounterVec
	nodeAttempts       *prometheus.HistogramVec
	nodeDuration       *prometheus.HistogramVec
	approvalsOpened    *prometheus.CounterVec
	approvalsResolved  *prometheus.CounterVec
	approvalWait       *prometheus.HistogramVec
	rollbacks          *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions started, by definition.",
		}, []string{"definition"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"definition", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from start to terminal status, approval waits included.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"definition"}),
		nodesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_settled_total",
			Help:      "Nodes settled, by service and result status.",
		}, []string{"service", "status"}),
		nodeAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_attempts",
			Help:      "Attempts needed to settle an executed node.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"service"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution time, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		approvalsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_opened_total",
			Help:      "Approval requests opened, escalations included.",
		}, []string{"mode"}),
		approvalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval requests that reached a terminal status.",
		}, []string{"status"}),
		approvalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time an approval request stayed open.",
			Buckets:   []float64{0, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"status"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Compensating actions, by outcome.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		c.executionsStarted, c.executionsFinished, c.executionDuration,
		c.nodesSettled, c.nodeAttempts, c.nodeDuration,
		c.approvalsOpened, c.approvalsResolved, c.approvalWait,
		c.rollbacks,
	)
	return c
}

// RegisterPool exports the worker pool gauges read from snapshot.
func RegisterPool(reg prometheus.Registerer, snapshot func() engine.PoolMetrics) {
	gauge := func(name, help string, read func(engine.PoolMetrics) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(snapshot())) })
	}
	reg.MustRegister(
		gauge("active", "Node executions in flight.", func(m engine.PoolMetrics) int64 { return m.Active }),
		gauge("completed", "Node executions finished.", func(m engine.PoolMetrics) int64 { return m.Completed }),
		gauge("panics", "Node executions that panicked.", func(m engine.PoolMetrics) int64 { return m.Panics }),
	)
}

func (c *Collector) ExecutionStarted(definitionID string) {
	c.executionsStarted.WithLabelValues(definitionID).Inc()
}

func (c *Collector) ExecutionFinished(definitionID string, status schema.ExecutionStatus, elapsed time.Duration) {
	c.executionsFinished.WithLabelValues(definitionID, string(status)).Inc()
	c.executionDuration.WithLabelValues(definitionID).Observe(elapsed.Seconds())
}

func (c *Collector) NodeSettled(service string, status schema.ResultStatus, attempts int, elapsed time.Duration) {
	c.nodesSettled.WithLabelValues(service, string(status)).Inc()
	if status == schema.ResultSkipped {
		return
	}
	c.nodeAttempts.WithLabelValues(service).Observe(float64(attempts))
	c.nodeDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func (c *Collector) ApprovalOpened(mode schema.ApprovalMode) {
	c.approvalsOpened.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) ApprovalResolved(status schema.ApprovalStatus, elapsed time.Duration) {
	c.approvalsResolved.WithLabelValues(string(status)).Inc()
	c.approvalWait.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (c *Collector) RollbackSettled(status schema.ResultStatus) {
	c.rollbacks.WithLabelValues(string(status)).Inc()
}
