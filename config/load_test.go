package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/matching"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const baseConfig = `
env: dev
trading:
  default_matching_engine: stp
  pending_order_retries_threshold: 3
trading_conditions:
  - id: tc1
    legal_entity: LE1
    margin_call_1: 1.5
    margin_call_2: 1.2
    stop_out: 1
accounts:
  - id: acc1
    client_id: c1
    base_asset: USD
    trading_condition: tc1
    legal_entity: LE1
    balance: 1000.50
asset_pairs:
  - id: EURUSD
    base_asset: EUR
    quote_asset: USD
    accuracy: 5
instruments:
  - trading_condition: tc1
    asset_pair: EURUSD
    margin_init: 0.01
    margin_maintenance: 0.005
day_offs:
  closed_days: [0, 6]
  always_open: [BTCUSD]
matching_engines:
  - id: stp
    mode: Stp
  - id: mm
    mode: MarketMaker
routes:
  - asset_pair: EURUSD
    matching_engine: mm
`

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, baseConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Trading.DefaultMatchingEngineID != "stp" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Trading.PendingOrderRetriesThreshold != 3 {
		t.Fatalf("retries threshold = %d", cfg.Trading.PendingOrderRetriesThreshold)
	}
	if !cfg.Accounts[0].Balance.Equal(decimal.RequireFromString("1000.5")) {
		t.Fatalf("balance = %s", cfg.Accounts[0].Balance)
	}
	if !cfg.Instruments[0].MarginInit.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("margin init = %s", cfg.Instruments[0].MarginInit)
	}
	if len(cfg.DayOffs.ClosedDays) != 2 || cfg.DayOffs.ClosedDays[1] != time.Saturday {
		t.Fatalf("closed days = %v", cfg.DayOffs.ClosedDays)
	}
	if cfg.MatchingEngines[1].Mode != matching.ModeMarketMaker || cfg.Routes[0].MatchingEngineID != "mm" {
		t.Fatalf("engines/routes not parsed: %+v %+v", cfg.MatchingEngines, cfg.Routes)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trading.DefaultExternalExchangeID != "Default" {
		t.Errorf("default exchange = %q", cfg.Trading.DefaultExternalExchangeID)
	}
	if cfg.Trading.LockShards != 64 || cfg.Trading.Parallelism != 8 {
		t.Errorf("lock shards/parallelism = %d/%d", cfg.Trading.LockShards, cfg.Trading.Parallelism)
	}
	if cfg.Trading.ExpirySweepInterval != time.Minute {
		t.Errorf("expiry sweep = %s", cfg.Trading.ExpirySweepInterval)
	}
	if cfg.Storage.Driver != StorageMemory || cfg.HTTP.Addr != ":8080" {
		t.Errorf("storage/http defaults = %q/%q", cfg.Storage.Driver, cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "info" || cfg.Workflow.MaxAttempts != 5 {
		t.Errorf("log/workflow defaults = %q/%d", cfg.Log.Level, cfg.Workflow.MaxAttempts)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, baseConfig+`
storage:
  driver: postgres
  postgres:
    host: db
    user: trader
    database: margin
`)
	t.Setenv("MT_DB_PASSWORD", "env-secret")
	t.Setenv("MT_FEED_URL", "ws://feed.test/books")
	t.Setenv("MT_PENDING_ORDER_RETRIES", "7")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Postgres.Password != "env-secret" || cfg.Feed.URL != "ws://feed.test/books" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Storage.Postgres, cfg.Feed)
	}
	if cfg.Trading.PendingOrderRetriesThreshold != 7 {
		t.Fatalf("retries override = %d", cfg.Trading.PendingOrderRetriesThreshold)
	}
}

func TestLoadWithEnvOverridesRejectsBadNumber(t *testing.T) {
	path := writeTempConfig(t, baseConfig)
	t.Setenv("MT_PENDING_ORDER_RETRIES", "many")
	if _, err := LoadWithEnvOverrides(path); err == nil {
		t.Fatalf("expected error for non numeric override")
	}
}

func TestValidate(t *testing.T) {
	err := Validate(AppConfig{})
	if err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestValidateReferences(t *testing.T) {
	cases := []struct {
		name    string
		extra   string
		replace [2]string
		want    string
	}{
		{name: "unknown default engine", replace: [2]string{"default_matching_engine: stp", "default_matching_engine: nope"}, want: "default_matching_engine"},
		{name: "unknown route engine", replace: [2]string{"matching_engine: mm", "matching_engine: ghost"}, want: "unknown matching engine"},
		{name: "unknown condition", replace: [2]string{"trading_condition: tc1\n    legal_entity: LE1\n    balance", "trading_condition: tc9\n    legal_entity: LE1\n    balance"}, want: "unknown trading condition"},
		{name: "unknown pair", replace: [2]string{"asset_pair: EURUSD\n    margin_init", "asset_pair: GBPUSD\n    margin_init"}, want: "unknown asset pair"},
		{name: "bad thresholds", replace: [2]string{"margin_call_2: 1.2", "margin_call_2: 0.5"}, want: "thresholds"},
		{name: "bad mode", replace: [2]string{"mode: Stp", "mode: Magic"}, want: "must be MarketMaker or Stp"},
		{name: "special without market maker", extra: "special_liquidation:\n  enabled: true\n", want: "market_maker_id"},
		{name: "postgres without database", extra: "storage:\n  driver: postgres\n", want: "storage.postgres.database"},
		{name: "unknown storage", extra: "storage:\n  driver: redis\n", want: "storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := baseConfig + tc.extra
			if tc.replace[0] != "" {
				if !strings.Contains(content, tc.replace[0]) {
					t.Fatalf("fixture does not contain %q", tc.replace[0])
				}
				content = strings.Replace(content, tc.replace[0], tc.replace[1], 1)
			}
			_, err := Load(writeTempConfig(t, content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateParams(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateParams(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Trading.Parallelism = -1
	err = ValidateParams(cfg)
	var invalid ErrInvalid
	if !errors.As(err, &invalid) || !strings.Contains(string(invalid), "parallelism") {
		t.Fatalf("expected ErrInvalid for parallelism, got %v", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
	if len(cfg.MatchingEngines) != 2 || cfg.Storage.Driver != StorageMemory {
		t.Fatalf("unexpected sample config: %+v", cfg)
	}
	if cfg.Routes[0].MatchingEngineID != "stp" {
		t.Fatalf("route = %+v", cfg.Routes[0])
	}
}
