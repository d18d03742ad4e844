package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/feed"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/infrastructure/persistence"
	"margin-trading-go/market"
	"margin-trading-go/matching"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string          `yaml:"env"`
	Log     logger.Config   `yaml:"log"`
	HTTP    HTTPConfig      `yaml:"http"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Trading TradingSettings `yaml:"trading"`

	TradingConditions []account.TradingCondition `yaml:"trading_conditions"`
	Accounts          []AccountConfig            `yaml:"accounts"`
	AssetPairs        []market.AssetPair         `yaml:"asset_pairs"`
	Instruments       []market.TradingInstrument `yaml:"instruments"`
	DayOffs           market.DayOffSettings      `yaml:"day_offs"`
	MatchingEngines   []MatchingEngineConfig     `yaml:"matching_engines"`
	Routes            []matching.Route           `yaml:"routes"`
	Special           SpecialLiquidationConfig   `yaml:"special_liquidation"`

	Storage   StorageConfig   `yaml:"storage"`
	Feed      feed.Config     `yaml:"feed"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Alert     AlertConfig     `yaml:"alert"`
	Profiling ProfilingConfig `yaml:"profiling"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TradingSettings are the engine knobs. Most of them can be reloaded at runtime.
type TradingSettings struct {
	PendingOrderRetriesThreshold int           `yaml:"pending_order_retries_threshold"`
	DefaultExternalExchangeID    string        `yaml:"default_external_exchange_id"`
	DefaultMatchingEngineID      string        `yaml:"default_matching_engine"`
	FallbackMatchingEngineID     string        `yaml:"fallback_matching_engine"`
	EquivalentAsset              string        `yaml:"equivalent_asset"`
	LockShards                   int           `yaml:"lock_shards"`
	ExpirySweepInterval          time.Duration `yaml:"expiry_sweep_interval"`
	Parallelism                  int           `yaml:"parallelism"`
}

// AccountConfig seeds an account when the repository is empty.
type AccountConfig struct {
	ID               string          `yaml:"id"`
	ClientID         string          `yaml:"client_id"`
	BaseAsset        string          `yaml:"base_asset"`
	TradingCondition string          `yaml:"trading_condition"`
	LegalEntity      string          `yaml:"legal_entity"`
	Balance          decimal.Decimal `yaml:"balance"`
}

type MatchingEngineConfig struct {
	ID   string        `yaml:"id"`
	Mode matching.Mode `yaml:"mode"`
}

type SpecialLiquidationConfig struct {
	Enabled       bool            `yaml:"enabled"`
	FakePrice     decimal.Decimal `yaml:"fake_price"`
	MarketMakerID string          `yaml:"market_maker_id"`
}

// StorageConfig selects where workflow state and balances live.
type StorageConfig struct {
	Driver   string             `yaml:"driver"` // memory or postgres
	Postgres persistence.Option `yaml:"postgres"`
}

type WorkflowConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
}

type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ApplicationName string `yaml:"application_name"`
	ServerAddress   string `yaml:"server_address"`
}

type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`

	// PollInterval is used when fsnotify cannot watch the file.
	PollInterval time.Duration `yaml:"poll_interval"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Load reads YAML config from path, fills defaults and applies validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment specific fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("MT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("MT_DB_PASSWORD"); v != "" {
		cfg.Storage.Postgres.Password = v
	}
	if v := os.Getenv("MT_DB_CONN_STRING"); v != "" {
		cfg.Storage.Postgres.ConnString = v
	}
	if v := os.Getenv("MT_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("MT_PROFILING_SERVER"); v != "" {
		cfg.Profiling.ServerAddress = v
	}
	if v := os.Getenv("MT_PENDING_ORDER_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MT_PENDING_ORDER_RETRIES: %w", err)
		}
		cfg.Trading.PendingOrderRetriesThreshold = n
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "mt"
	}
	if cfg.Metrics.Subsystem == "" {
		cfg.Metrics.Subsystem = "trading"
	}
	t := &cfg.Trading
	if t.PendingOrderRetriesThreshold == 0 {
		t.PendingOrderRetriesThreshold = 100
	}
	if t.DefaultExternalExchangeID == "" {
		t.DefaultExternalExchangeID = market.DefaultExchangeName
	}
	if t.LockShards == 0 {
		t.LockShards = 64
	}
	if t.ExpirySweepInterval == 0 {
		t.ExpirySweepInterval = time.Minute
	}
	if t.Parallelism == 0 {
		t.Parallelism = 8
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageMemory
	}
	if cfg.Workflow.Workers == 0 {
		cfg.Workflow.Workers = 4
	}
	if cfg.Workflow.MaxAttempts == 0 {
		cfg.Workflow.MaxAttempts = 5
	}
	if cfg.Workflow.BaseDelay == 0 {
		cfg.Workflow.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Workflow.MaxDelay == 0 {
		cfg.Workflow.MaxDelay = 5 * time.Second
	}
	if cfg.Alert.ThrottleInterval == 0 {
		cfg.Alert.ThrottleInterval = time.Minute
	}
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = "margin-trading-engine"
	}
	if cfg.HotReload.Cooldown == 0 {
		cfg.HotReload.Cooldown = 5 * time.Second
	}
	if cfg.HotReload.PollInterval == 0 {
		cfg.HotReload.PollInterval = 2 * time.Second
	}
}
