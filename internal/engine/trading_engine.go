package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/bus"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/identity"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/market"
	"margin-trading-go/matching"
	"margin-trading-go/order"
	"margin-trading-go/risk"
)

// ErrInvalidOperation 订单当前状态不允许该操作
var ErrInvalidOperation = errors.New("invalid operation")

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	// PendingOrderRetriesThreshold 挂单因流动性不足回滚的最大次数
	PendingOrderRetriesThreshold int
	// ExpirySweepInterval 过期挂单清理间隔
	ExpirySweepInterval time.Duration
	// Parallelism 行情驱动的并行重算上限
	Parallelism int
	// FallbackMatchingEngineID 平仓价不足时的备用引擎
	FallbackMatchingEngineID string
}

// BalanceUpdater 串行化的余额变更
type BalanceUpdater interface {
	UpdateBalance(ctx context.Context, accountID string, delta decimal.Decimal,
		reason account.ChangeReason, comment, sourceID string) (string, error)
}

// Observer 引擎指标回调
type Observer interface {
	OrderFinished(status order.Status, reason order.RejectReason)
	MarginLevelChanged(from, to account.Level)
	StopOut(liquidationType workflow.LiquidationType)
	PriceProcessed(instrument string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) OrderFinished(order.Status, order.RejectReason) {}
func (nopObserver) MarginLevelChanged(account.Level, account.Level) {}
func (nopObserver) StopOut(workflow.LiquidationType) {}
func (nopObserver) PriceProcessed(string, time.Duration) {}

// Components 引擎依赖组件
type Components struct {
	Orders      *cache.OrdersCache
	Accounts    *account.Cache
	Balances    BalanceUpdater
	Validator   *risk.Validator
	Router      *matching.Router
	Quotes      *market.QuoteCache
	Rates       *market.RateService
	Instruments *market.Instruments
	DayOff      *market.DayOffService
	Sender      workflow.Sender
	IDs         identity.Generator
	Clock       clock.Clock
	Events      Events
	Observer    Observer
	Logger      *logger.Logger
}

// TradingEngine 订单执行、持仓记账与行情驱动的保证金检查
type TradingEngine struct {
	config Config

	orders      *cache.OrdersCache
	accounts    *account.Cache
	balances    BalanceUpdater
	validator   *risk.Validator
	router      *matching.Router
	quotes      *market.QuoteCache
	rates       *market.RateService
	instruments *market.Instruments
	dayOff      *market.DayOffService
	sender      workflow.Sender
	ids         identity.Generator
	clock       clock.Clock
	events      Events
	observer    Observer
	logger      *logger.Logger

	// 状态
	state EngineState
	mu    sync.RWMutex

	// 控制通道
	stopChan chan struct{}
	doneChan chan struct{}
}

// New 创建交易引擎
func New(cfg Config, c Components) (*TradingEngine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.PendingOrderRetriesThreshold < 0 {
		return nil, fmt.Errorf("invalid config: negative pending order retries threshold")
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Events.Orders == nil {
		c.Events = NewEvents()
	}

	return &TradingEngine{
		config:      cfg,
		orders:      c.Orders,
		accounts:    c.Accounts,
		balances:    c.Balances,
		validator:   c.Validator,
		router:      c.Router,
		quotes:      c.Quotes,
		rates:       c.Rates,
		instruments: c.Instruments,
		dayOff:      c.DayOff,
		sender:      c.Sender,
		ids:         c.IDs,
		clock:       c.Clock,
		events:      c.Events,
		observer:    c.Observer,
		logger:      c.Logger.Named("engine"),
		state:       StateIdle,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}, nil
}

// Events 引擎发布的事件
func (e *TradingEngine) Events() Events {
	return e.events
}

// Start 启动过期挂单清理循环
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	// 如果从 StateStopped 复启，需要重建通道
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.mu.Unlock()

	cfg := e.settings()
	e.logger.Info("Trading engine starting",
		zap.Duration("expiry_sweep_interval", cfg.ExpirySweepInterval),
		zap.Int("pending_retries_threshold", cfg.PendingOrderRetriesThreshold),
		zap.Int("parallelism", cfg.Parallelism),
	)

	go e.run(ctx)
	return nil
}

// Stop 停止引擎，重复调用直接返回
func (e *TradingEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("Trading engine stopping...")
	close(e.stopChan)

	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}
	e.logger.Info("Trading engine stopped")
	return nil
}

// GetState 当前状态
func (e *TradingEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *TradingEngine) settings() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateSettings 热更新挂单重试上限、并行度和备用平仓引擎，过期清理间隔只在启动时生效
func (e *TradingEngine) UpdateSettings(retriesThreshold, parallelism int, fallbackEngineID string) error {
	if retriesThreshold < 0 || parallelism <= 0 {
		return fmt.Errorf("invalid settings: retries %d, parallelism %d", retriesThreshold, parallelism)
	}
	e.mu.Lock()
	e.config.PendingOrderRetriesThreshold = retriesThreshold
	e.config.Parallelism = parallelism
	e.config.FallbackMatchingEngineID = fallbackEngineID
	e.mu.Unlock()
	e.logger.Info("Trading settings updated",
		zap.Int("pending_retries_threshold", retriesThreshold),
		zap.Int("parallelism", parallelism),
		zap.String("fallback_engine", fallbackEngineID),
	)
	return nil
}

// run 主循环，只负责定时任务；订单和行情由调用方 goroutine 处理
func (e *TradingEngine) run(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(e.config.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			if n := e.ProcessExpiredOrders(ctx); n > 0 {
				e.logger.Info("过期挂单已清理", zap.Int("count", n))
			}
		}
	}
}

func validateComponents(c Components) error {
	switch {
	case c.Orders == nil:
		return fmt.Errorf("orders cache is required")
	case c.Accounts == nil:
		return fmt.Errorf("accounts cache is required")
	case c.Balances == nil:
		return fmt.Errorf("balance updater is required")
	case c.Validator == nil:
		return fmt.Errorf("validator is required")
	case c.Router == nil:
		return fmt.Errorf("router is required")
	case c.Quotes == nil || c.Rates == nil || c.Instruments == nil || c.DayOff == nil:
		return fmt.Errorf("market services are required")
	case c.Sender == nil:
		return fmt.Errorf("workflow sender is required")
	case c.IDs == nil || c.Clock == nil:
		return fmt.Errorf("identity generator and clock are required")
	case c.Logger == nil:
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Events 订单、持仓、保证金事件总线
type Events struct {
	Orders    *bus.Bus[order.Event]
	Positions *bus.Bus[PositionEvent]
	Margin    *bus.Bus[MarginEvent]
}

// NewEvents 创建空总线
func NewEvents() Events {
	return Events{
		Orders:    bus.New[order.Event]("orders"),
		Positions: bus.New[PositionEvent]("positions"),
		Margin:    bus.New[MarginEvent]("margin"),
	}
}

// PositionEventKind 持仓事件类型
type PositionEventKind string

const (
	PositionOpened          PositionEventKind = "Opened"
	PositionPartiallyClosed PositionEventKind = "PartiallyClosed"
	PositionClosed          PositionEventKind = "Closed"
)

// PositionEvent 持仓变动
type PositionEvent struct {
	Kind        PositionEventKind
	Position    order.PositionView
	OrderID     string
	RealizedPnL decimal.Decimal
}

// MarginEvent 账户保证金水平变化
type MarginEvent struct {
	AccountID string
	OldLevel  account.Level
	NewLevel  account.Level
	Metrics   account.Metrics
	Time      time.Time
}

func (e *TradingEngine) publishOrder(ctx context.Context, ev order.Event) {
	if err := e.events.Orders.Publish(ctx, ev); err != nil {
		e.logger.Warn("订单事件处理失败",
			zap.String("order_id", ev.Order.ID),
			zap.String("event", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

func (e *TradingEngine) publishPosition(ctx context.Context, ev PositionEvent) {
	if err := e.events.Positions.Publish(ctx, ev); err != nil {
		e.logger.Warn("持仓事件处理失败",
			zap.String("position_id", ev.Position.ID),
			zap.String("event", string(ev.Kind)),
			zap.Error(err),
		)
	}
}
