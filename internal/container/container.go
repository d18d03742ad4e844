package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/account"
	"margin-trading-go/config"
	"margin-trading-go/infrastructure/alert"
	"margin-trading-go/infrastructure/feed"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/infrastructure/monitor"
	"margin-trading-go/infrastructure/persistence"
	"margin-trading-go/internal/api"
	"margin-trading-go/internal/bus"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/clock"
	hotreload "margin-trading-go/internal/config"
	"margin-trading-go/internal/engine"
	"margin-trading-go/internal/identity"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/internal/workflow/liquidation"
	"margin-trading-go/internal/workflow/specialliquidation"
	"margin-trading-go/market"
	"margin-trading-go/matching"
	"margin-trading-go/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	db      *persistence.Client
	clock   clock.Clock
	ids     identity.Generator

	// 存储
	accountRepo account.Repository
	execInfos   workflow.ExecutionInfoStore

	// 行情
	instruments *market.Instruments
	quotes      *market.QuoteCache
	rates       *market.RateService
	dayOff      *market.DayOffService
	books       *market.ExternalOrderBooks
	priceEvents *bus.Bus[market.BestPriceChangeEvent]

	// 核心服务
	orders     *cache.OrdersCache
	accounts   *account.Cache
	balances   *account.Manager
	router     *matching.Router
	dispatcher *workflow.Dispatcher
	engine     *engine.TradingEngine

	feed     *feed.Client
	reloader *hotreload.HotReloader
	handler  http.Handler

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(configPath, cfg), nil
}

// NewWithConfig 使用已加载的配置，configPath 为空时不启用热更新
func NewWithConfig(configPath string, cfg config.AppConfig) *Container {
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		clock:      clock.UTC,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件，账户从仓库加载到缓存
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildStorage(ctx); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}

	if err := c.buildMarket(); err != nil {
		return fmt.Errorf("build market failed: %w", err)
	}

	if err := c.buildCoreServices(ctx); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.buildWorkflows(); err != nil {
		return fmt.Errorf("build workflows failed: %w", err)
	}

	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload failed: %w", err)
	}

	c.buildFeed()
	c.buildAPI()

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = c.logger.With(zap.String("env", c.cfg.Env))

	c.monitor = monitor.New(monitor.Config{
		Namespace: c.cfg.Metrics.Namespace,
		Subsystem: c.cfg.Metrics.Subsystem,
	})

	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewLogChannel("log", c.logger.Named("alerts")),
	}, c.cfg.Alert.ThrottleInterval, nil)

	c.ids = identity.NewUUIDGenerator(c.clock.Now().UnixMilli())

	c.logger.Info("infrastructure built")
	return nil
}

// buildStorage 选择内存或 PostgreSQL 存储，配置中的账户只在仓库缺失时写入
func (c *Container) buildStorage(ctx context.Context) error {
	seed := make([]*account.Account, 0, len(c.cfg.Accounts))
	for _, a := range c.cfg.Accounts {
		seed = append(seed, account.New(a.ID, a.ClientID, a.BaseAsset, a.TradingCondition, a.LegalEntity, a.Balance))
	}

	var store workflow.ExecutionInfoStore
	switch c.cfg.Storage.Driver {
	case config.StoragePostgres:
		client, err := persistence.Open(c.cfg.Storage.Postgres)
		if err != nil {
			return err
		}
		c.db = client
		if err := client.Migrate(); err != nil {
			return err
		}
		repo := persistence.NewGormAccountRepository(client.DB())
		if err := repo.Seed(ctx, seed); err != nil {
			return err
		}
		c.accountRepo = repo
		store = persistence.NewGormExecutionInfoStore(client.DB())
	default:
		c.accountRepo = persistence.NewMemoryAccountRepository(seed)
		store = persistence.NewMemoryExecutionInfoStore()
	}
	c.execInfos = c.monitor.InstrumentStore(store)

	c.logger.Info("storage built", zap.String("driver", c.cfg.Storage.Driver))
	return nil
}

func (c *Container) buildMarket() error {
	c.instruments = market.NewInstruments(c.cfg.AssetPairs, c.cfg.Instruments)
	c.quotes = market.NewQuoteCache()
	c.rates = market.NewRateService(c.instruments, c.quotes)
	c.dayOff = market.NewDayOffService(c.cfg.DayOffs, c.clock.Now)
	c.priceEvents = bus.New[market.BestPriceChangeEvent]("best_price")
	c.books = market.NewExternalOrderBooks(c.cfg.Trading.DefaultExternalExchangeID, c.quotes, c.instruments,
		c.priceEvents, c.logger.Named("orderbooks"))

	engines := make([]matching.Engine, 0, len(c.cfg.MatchingEngines))
	for _, me := range c.cfg.MatchingEngines {
		switch me.Mode {
		case matching.ModeStp:
			engines = append(engines, matching.NewStpEngine(me.ID, c.books, c.clock.Now))
		case matching.ModeMarketMaker:
			engines = append(engines, matching.NewBookEngine(me.ID, c.clock.Now))
		default:
			return fmt.Errorf("matching engine %s: unsupported mode %q", me.ID, me.Mode)
		}
	}
	c.router = matching.NewRouter(c.cfg.Trading.DefaultMatchingEngineID, c.cfg.Routes, engines...)

	c.logger.Info("market built",
		zap.Int("asset_pairs", len(c.cfg.AssetPairs)),
		zap.Int("matching_engines", len(engines)),
	)
	return nil
}

func (c *Container) buildCoreServices(ctx context.Context) error {
	c.orders = cache.New(c.monitor.PartitionSizeObserver())

	c.accounts = account.NewCache()
	c.accounts.SetTradingConditions(c.cfg.TradingConditions)
	balanceEvents := bus.New[account.BalanceChangedEvent]("balance")
	balanceEvents.Subscribe("metrics", 100, c.monitor.BalanceChanged)
	c.balances = account.NewManager(c.accountRepo, c.accounts, account.NewLocker(c.cfg.Trading.LockShards),
		balanceEvents, c.ids, c.clock, c.logger.Named("accounts"))
	n, err := c.balances.Load(ctx)
	if err != nil {
		return err
	}

	policy := workflow.RetryPolicy{
		MaxAttempts: c.cfg.Workflow.MaxAttempts,
		BaseDelay:   c.cfg.Workflow.BaseDelay,
		MaxDelay:    c.cfg.Workflow.MaxDelay,
	}
	c.dispatcher = workflow.NewDispatcher(c.cfg.Workflow.Workers, policy, c.logger)

	t := c.cfg.Trading
	c.engine, err = engine.New(engine.Config{
		PendingOrderRetriesThreshold: t.PendingOrderRetriesThreshold,
		ExpirySweepInterval:          t.ExpirySweepInterval,
		Parallelism:                  t.Parallelism,
		FallbackMatchingEngineID:     t.FallbackMatchingEngineID,
	}, engine.Components{
		Orders:      c.orders,
		Accounts:    c.accounts,
		Balances:    c.balances,
		Validator:   risk.NewValidator(c.instruments, c.quotes, c.rates, c.dayOff, c.accounts, c.orders.Positions, c.clock),
		Router:      c.router,
		Quotes:      c.quotes,
		Rates:       c.rates,
		Instruments: c.instruments,
		DayOff:      c.dayOff,
		Sender:      c.dispatcher,
		IDs:         c.ids,
		Clock:       c.clock,
		Events:      engine.NewEvents(),
		Observer:    c.monitor,
		Logger:      c.logger,
	})
	if err != nil {
		return err
	}
	c.priceEvents.Subscribe("engine", 0, c.engine.OnBestPriceChange)

	c.logger.Info("core services built", zap.Int("accounts", n))
	return nil
}

// buildWorkflows 注册强平命令处理、强平流程、特殊强平、指标和告警
func (c *Container) buildWorkflows() error {
	d := c.dispatcher
	log := c.logger

	liquidation.NewCommandsHandler(c.execInfos, d, c.accounts, c.orders.Positions, c.engine, c.clock, log).Register(d)
	liquidation.NewSaga(c.execInfos, d, liquidation.CacheSnapshots{
		Accounts:  c.accounts,
		Positions: c.orders.Positions,
		DayOff:    c.dayOff,
	}, c.clock, log).Register(d)

	// 未启用时询价总是失败，强平按流动性不足结束
	price := decimal.Zero
	if c.cfg.Special.Enabled {
		price = c.cfg.Special.FakePrice
	}
	specialliquidation.New(c.execInfos, d, c.orders.Positions, specialliquidation.FakePriceProvider{Price: price},
		c.engine, c.cfg.Special.MarketMakerID, c.clock, log).Register(d)

	c.monitor.Register(d)
	alert.NewNotifier(c.alerts).Register(c.engine.Events(), d)

	c.logger.Info("workflows built", zap.Strings("handlers", d.Registered()))
	return nil
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" || !c.cfg.HotReload.Enabled {
		return nil
	}
	reloader, err := hotreload.NewHotReloader(c.configPath, hotreload.HotReloadConfig{
		Enabled:      true,
		CooldownTime: c.cfg.HotReload.Cooldown,
	}, c.logger)
	if err != nil {
		return err
	}
	reloader.RegisterApplier("market", hotreload.MarketApplier{Instruments: c.instruments, DayOff: c.dayOff})
	reloader.RegisterApplier("trading_conditions", hotreload.TradingConditionsApplier{Accounts: c.accounts})
	reloader.RegisterApplier("routes", hotreload.RoutesApplier{Router: c.router})
	reloader.RegisterApplier("engine", hotreload.EngineApplier{Engine: c.engine})
	c.reloader = reloader
	return nil
}

func (c *Container) buildFeed() {
	if c.cfg.Feed.URL == "" {
		c.logger.Warn("feed url not configured, orderbooks must be pushed externally")
		return
	}
	c.feed = feed.NewClient(c.cfg.Feed, c.books, c.logger)
	c.feed.SetEventSink(func(event string) {
		switch event {
		case "connected":
			c.monitor.RecordFeedConnection()
		case "disconnected":
			c.monitor.RecordFeedDisconnect()
		}
	})
}

func (c *Container) buildAPI() {
	c.handler = api.NewRouter(api.Deps{
		Engine:          c.engine,
		Orders:          c.orders,
		Accounts:        c.accounts,
		Withdrawals:     c.balances,
		IDs:             c.ids,
		Clock:           c.clock,
		EquivalentAsset: c.cfg.Trading.EquivalentAsset,
		Metrics:         c.monitor.Handler(),
		Observer:        c.monitor,
		Logger:          c.logger,
	})
}

// registerLifecycleComponents 启动顺序：调度器、引擎、配置热更新、行情、HTTP
func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&funcComponent{
		name:  "dispatcher",
		start: c.dispatcher.Start,
		stop: func() error {
			c.dispatcher.Stop()
			return nil
		},
	})
	c.lifecycle.Register(&funcComponent{
		name:  "engine",
		start: c.engine.Start,
		stop:  c.engine.Stop,
		health: func() error {
			if s := c.engine.GetState(); s != engine.StateRunning {
				return fmt.Errorf("engine state %s", s)
			}
			return nil
		},
	})
	if c.reloader != nil {
		c.lifecycle.Register(&backgroundComponent{
			name:   "hot_reload",
			run:    c.runHotReload,
			logger: c.logger,
		})
	}
	if c.feed != nil {
		c.lifecycle.Register(&backgroundComponent{
			name:   "feed",
			run:    c.feed.Run,
			logger: c.logger,
			health: func() error {
				if !c.feed.Connected() {
					return errors.New("feed disconnected")
				}
				return nil
			},
		})
	}
	c.lifecycle.Register(&httpServerComponent{
		name:            "api_server",
		handler:         c.handler,
		addr:            c.cfg.HTTP.Addr,
		shutdownTimeout: c.cfg.HTTP.ShutdownTimeout,
		logger:          c.logger,
	})
}

// runHotReload 优先使用 fsnotify，无法监听时退回轮询
func (c *Container) runHotReload(ctx context.Context) error {
	err := c.reloader.Start(ctx)
	if err == nil {
		<-ctx.Done()
		return c.reloader.Stop()
	}
	c.logger.Warn("fsnotify unavailable, polling config file", zap.Error(err))

	w := config.Watcher{
		Path:     c.configPath,
		Interval: c.cfg.HotReload.PollInterval,
		OnError: func(err error) {
			c.logger.LogError(err, "配置重新加载失败", zap.String("path", c.configPath))
		},
	}
	err = w.Start(ctx, func(cfg config.AppConfig) {
		if err := c.reloader.Apply(cfg); err != nil {
			c.logger.LogError(err, "配置应用失败")
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start 启动所有组件
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件并关闭数据库连接
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, "stop components failed")
	}
	if c.db != nil {
		if cerr := c.db.Close(); cerr != nil {
			c.logger.LogError(cerr, "close database failed")
			err = errors.Join(err, cerr)
		}
	}

	c.logger.Info("container stopped")
	_ = c.logger.Sync()
	return err
}

// HealthCheck 检查所有组件
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Handler HTTP 入口，测试使用
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Engine 交易引擎
func (c *Container) Engine() *engine.TradingEngine {
	return c.engine
}

// OrderBooks 外部订单簿入口
func (c *Container) OrderBooks() *market.ExternalOrderBooks {
	return c.books
}

// Config 启动时加载的配置
func (c *Container) Config() config.AppConfig {
	return *c.cfg
}

// Logger 容器日志器
func (c *Container) Logger() *logger.Logger {
	return c.logger
}
