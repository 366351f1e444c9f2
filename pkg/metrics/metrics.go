package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 里程碑计费状态迁移
	MilestoneTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_billing_transitions_total",
			Help: "Milestone billing transitions by target status and outcome",
		},
		[]string{"to", "outcome"}, // outcome: applied, rejected, conflict
	)

	// 维护任务生成
	MaintenanceTasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_tasks_created_total",
			Help: "Total number of maintenance tasks generated",
		},
	)

	MaintenanceTasksAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_tasks_abandoned_total",
			Help: "Total number of prior-cycle maintenance tasks abandoned",
		},
	)

	MaintenanceSiteRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_site_runs_total",
			Help: "Per-site maintenance generation runs by result",
		},
		[]string{"result"}, // result: generated, skipped, failed
	)

	// 预付时数告警
	RetainerAlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retainer_alerts_sent_total",
			Help: "Retainer usage alerts published",
		},
		[]string{"threshold"},
	)

	// 慢查询计数
	SlowQueries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of queries that exceeded the slow-query threshold",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12.8s
		},
	)

	// Outbox 事件发布
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handed to the broker by result",
		},
		[]string{"result"}, // result: sent, retry, rejected
	)

	// MQ 消费结果
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_messages_consumed_total",
			Help: "Messages handled by queue consumers by result",
		},
		[]string{"queue", "result"}, // result: ack, requeue, dead_letter, panic
	)

	// 熔断器状态：0=closed, 1=open, 2=half_open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state",
		},
		[]string{"name"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordMilestoneTransition 记录里程碑状态迁移结果
func RecordMilestoneTransition(to, outcome string) {
	MilestoneTransitions.WithLabelValues(to, outcome).Inc()
}

// RecordMaintenanceRun 记录单个站点的生成结果
func RecordMaintenanceRun(result string, created, abandoned int) {
	MaintenanceSiteRuns.WithLabelValues(result).Inc()
	if created > 0 {
		MaintenanceTasksCreated.Add(float64(created))
	}
	if abandoned > 0 {
		MaintenanceTasksAbandoned.Add(float64(abandoned))
	}
}

// IncrementRetainerAlert 增加告警计数
func IncrementRetainerAlert(threshold string) {
	RetainerAlertsSent.WithLabelValues(threshold).Inc()
}

// ObserveSlowQuery 记录慢查询耗时
func ObserveSlowQuery(duration time.Duration) {
	SlowQueries.Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordOutboxPublish 记录 outbox 发布结果
func RecordOutboxPublish(result string) {
	OutboxPublished.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordMessageConsumed 记录消息处理结果
func RecordMessageConsumed(queue, result string) {
	MessagesConsumed.WithLabelValues(queue, result).Inc()
}
