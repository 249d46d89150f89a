// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 运行时指标收集器
// =============================================================================

// Collector 运行时指标收集器
// nil *Collector 是合法值，所有记录方法都会安静地跳过，
// 方便各组件把指标作为可选依赖注入
type Collector struct {
	// 执行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge

	// 扫描指标
	scansTotal   *prometheus.CounterVec
	threatsTotal *prometheus.CounterVec

	// 信箱指标
	mailboxEvictions prometheus.Counter

	// 异步落库指标
	asyncWriteFailures *prometheus.CounterVec
	poolDropped        prometheus.Counter

	// 通知指标
	notifyFailures prometheus.Counter

	// 恢复指标
	recoveryTotal *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// 每个进程只应创建一次：指标注册在默认 registry 上
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 执行指标
	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of task executions",
		},
		[]string{"trigger", "status"}, // status: success, error, rejected, timeout
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"trigger"},
	)

	c.activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of executions currently in flight",
		},
	)

	// 扫描指标
	c.scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of threat scans",
		},
		[]string{"kind", "outcome"}, // kind: full, quick; outcome: passed, failed
	)

	c.threatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_total",
			Help:      "Total number of threats detected",
		},
		[]string{"severity"},
	)

	// 信箱指标
	c.mailboxEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_evictions_total",
			Help:      "Messages evicted from full mailbox queues",
		},
	)

	// 异步落库指标
	c.asyncWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_write_failures_total",
			Help:      "Fire-and-forget durable writes that failed",
		},
		[]string{"kind"}, // kind: log, state, history, task
	)

	c.poolDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_dropped_total",
			Help:      "Async writes dropped because the worker pool was saturated",
		},
	)

	// 通知指标
	c.notifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Notification deliveries that failed",
		},
	)

	// 恢复指标
	c.recoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_tasks_total",
			Help:      "Tasks processed during startup recovery",
		},
		[]string{"result"}, // result: restored, healed, failed
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 执行指标记录
// =============================================================================

// RecordRun 记录一次任务执行
func (c *Collector) RecordRun(trigger, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(trigger, status).Inc()
	c.runDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// IncActiveRuns 增加在途执行计数
func (c *Collector) IncActiveRuns() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// DecActiveRuns 减少在途执行计数
func (c *Collector) DecActiveRuns() {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
}

// =============================================================================
// 🛡️ 扫描指标记录
// =============================================================================

// RecordScan 记录一次扫描结果
func (c *Collector) RecordScan(kind string, passed bool) {
	if c == nil {
		return
	}
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	c.scansTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordThreats 按严重级别累计威胁数量
func (c *Collector) RecordThreats(severity string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.threatsTotal.WithLabelValues(severity).Add(float64(count))
}

// =============================================================================
// 📬 信箱与异步写指标记录
// =============================================================================

// RecordMailboxEvictions 记录被挤出队列的消息数
func (c *Collector) RecordMailboxEvictions(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.mailboxEvictions.Add(float64(count))
}

// RecordAsyncWriteFailure 记录一次失败的异步落库
func (c *Collector) RecordAsyncWriteFailure(kind string) {
	if c == nil {
		return
	}
	c.asyncWriteFailures.WithLabelValues(kind).Inc()
}

// RecordPoolDrop 记录一次因工作池饱和被丢弃的提交
func (c *Collector) RecordPoolDrop() {
	if c == nil {
		return
	}
	c.poolDropped.Inc()
}

// RecordNotifyFailure 记录一次通知投递失败
func (c *Collector) RecordNotifyFailure() {
	if c == nil {
		return
	}
	c.notifyFailures.Inc()
}

// =============================================================================
// ♻️ 恢复与数据库指标记录
// =============================================================================

// RecordRecovery 记录恢复阶段单个任务的处理结果
func (c *Collector) RecordRecovery(result string) {
	if c == nil {
		return
	}
	c.recoveryTotal.WithLabelValues(result).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
