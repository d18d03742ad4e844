package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"margin-trading-go/account"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/order"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersFinished *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	partitionSize  *prometheus.GaugeVec

	// 保证金指标
	marginLevelChanges *prometheus.CounterVec
	stopOuts           *prometheus.CounterVec
	balanceChanges     *prometheus.CounterVec

	// 行情指标
	pricesProcessed *prometheus.CounterVec
	recomputeTime   prometheus.Histogram

	// 工作流指标
	messagesHandled *prometheus.CounterVec
	messageRetries  *prometheus.CounterVec
	messageLatency  *prometheus.HistogramVec
	liquidations    *prometheus.CounterVec
	storeConflicts  prometheus.Counter

	// 系统指标
	feedConnections prometheus.Counter
	feedDisconnects prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mt",
		Subsystem: "trading",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Monitor{
		registry: reg,

		ordersFinished: counterVec("orders_finished_total", "订单终态计数", "status"),
		ordersRejected: counterVec("orders_rejected_total", "订单拒绝计数", "reason"),
		partitionSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cache_partition_size",
			Help:      "订单缓存分区大小",
		}, []string{"partition"}),

		marginLevelChanges: counterVec("margin_level_changes_total", "保证金水平变化计数", "from", "to"),
		stopOuts:           counterVec("stop_outs_total", "强平触发计数", "type"),
		balanceChanges:     counterVec("balance_changes_total", "账户余额变动计数", "reason"),

		pricesProcessed: counterVec("prices_processed_total", "处理的最优价变化", "instrument"),
		recomputeTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "price_processing_seconds",
			Help:      "一次最优价变化的处理耗时（秒）",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		messagesHandled: counterVec("workflow_messages_total", "工作流消息处理计数", "message", "result"),
		messageRetries:  counterVec("workflow_message_retries_total", "工作流消息重试次数", "message"),
		messageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "workflow_message_seconds",
			Help:      "工作流消息处理耗时（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message"}),
		liquidations:   counterVec("liquidations_total", "强平流程结束计数", "outcome", "type"),
		storeConflicts: counter("workflow_store_conflicts_total", "执行信息版本冲突次数"),

		feedConnections: counter("feed_connections_total", "行情WebSocket连接次数"),
		feedDisconnects: counter("feed_disconnects_total", "行情WebSocket断开次数"),
		httpRequests:    counterVec("http_requests_total", "HTTP请求计数", "route", "code"),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_latency_seconds",
			Help:      "HTTP请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// OrderFinished 订单进入终态
func (m *Monitor) OrderFinished(status order.Status, reason order.RejectReason) {
	m.ordersFinished.WithLabelValues(string(status)).Inc()
	if status == order.StatusRejected {
		m.ordersRejected.WithLabelValues(string(reason)).Inc()
	}
}

// MarginLevelChanged 账户保证金水平变化
func (m *Monitor) MarginLevelChanged(from, to account.Level) {
	m.marginLevelChanges.WithLabelValues(from.String(), to.String()).Inc()
}

// StopOut 提交了一次强平
func (m *Monitor) StopOut(liquidationType workflow.LiquidationType) {
	m.stopOuts.WithLabelValues(string(liquidationType)).Inc()
}

// BalanceChanged 账户余额变动，订阅余额事件总线
func (m *Monitor) BalanceChanged(ctx context.Context, ev account.BalanceChangedEvent) error {
	m.balanceChanges.WithLabelValues(string(ev.Reason)).Inc()
	return nil
}

// PriceProcessed 一次最优价变化处理完成
func (m *Monitor) PriceProcessed(instrument string, elapsed time.Duration) {
	m.pricesProcessed.WithLabelValues(instrument).Inc()
	m.recomputeTime.Observe(elapsed.Seconds())
}

// PartitionSizeObserver 返回订单缓存的分区大小回调
func (m *Monitor) PartitionSizeObserver() cache.SizeObserver {
	return func(partition cache.PartitionName, size int) {
		m.partitionSize.WithLabelValues(string(partition)).Set(float64(size))
	}
}

// ObserveMessage 工作流消息处理结果
func (m *Monitor) ObserveMessage(name string, attempts int, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messagesHandled.WithLabelValues(name, result).Inc()
	if attempts > 1 {
		m.messageRetries.WithLabelValues(name).Add(float64(attempts - 1))
	}
	m.messageLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// Register 订阅强平终态事件并设置调度器回调
func (m *Monitor) Register(d *workflow.Dispatcher) {
	d.SetObserver(m)
	workflow.Handle(d, "metrics", func(ctx context.Context, e workflow.LiquidationFinishedEvent) error {
		m.liquidations.WithLabelValues("finished", string(e.LiquidationType)).Inc()
		return nil
	})
	workflow.Handle(d, "metrics", func(ctx context.Context, e workflow.LiquidationFailedEvent) error {
		m.liquidations.WithLabelValues("failed", string(e.LiquidationType)).Inc()
		return nil
	})
}

// InstrumentStore 包装执行信息存储，统计版本冲突
func (m *Monitor) InstrumentStore(store workflow.ExecutionInfoStore) workflow.ExecutionInfoStore {
	return &conflictCountingStore{ExecutionInfoStore: store, conflicts: m.storeConflicts}
}

type conflictCountingStore struct {
	workflow.ExecutionInfoStore
	conflicts prometheus.Counter
}

func (s *conflictCountingStore) CompareAndSave(ctx context.Context, info workflow.ExecutionInfo) (workflow.ExecutionInfo, error) {
	saved, err := s.ExecutionInfoStore.CompareAndSave(ctx, info)
	if errors.Is(err, workflow.ErrConcurrencyConflict) {
		s.conflicts.Inc()
	}
	return saved, err
}

// 系统相关方法
func (m *Monitor) RecordFeedConnection() {
	m.feedConnections.Inc()
}

func (m *Monitor) RecordFeedDisconnect() {
	m.feedDisconnects.Inc()
}

func (m *Monitor) RecordHTTPRequest(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
