package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/account"
	appconfig "margin-trading-go/config"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/market"
	"margin-trading-go/matching"
	"margin-trading-go/order"
)

const reloadConfig = `
env: dev
trading:
  default_matching_engine: stp
  pending_order_retries_threshold: 7
  parallelism: 2
trading_conditions:
  - id: tc1
    margin_call_1: 1.5
    margin_call_2: 1.2
    stop_out: 0.9
asset_pairs:
  - id: EURUSD
    base_asset: EUR
    quote_asset: USD
    accuracy: 3
instruments:
  - trading_condition: tc1
    asset_pair: EURUSD
    margin_init: 0.02
    margin_maintenance: 0.01
day_offs:
  always_open: [EURUSD]
matching_engines:
  - id: stp
    mode: Stp
  - id: mm
    mode: MarketMaker
routes:
  - asset_pair: EURUSD
    matching_engine: mm
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create temp config: %v", err)
	}
	return path
}

func newReloader(t *testing.T, path string, cfg HotReloadConfig) *HotReloader {
	t.Helper()
	reloader, err := NewHotReloader(path, cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create hot reloader: %v", err)
	}
	t.Cleanup(func() { _ = reloader.Stop() })
	return reloader
}

type fakeEngine struct {
	retries, parallelism int
	fallback             string
}

func (e *fakeEngine) UpdateSettings(retries, parallelism int, fallback string) error {
	e.retries, e.parallelism, e.fallback = retries, parallelism, fallback
	return nil
}

func orderFor(assetPairID string) *order.Order {
	return order.New(order.Params{
		ID:          "o1",
		AccountID:   "acc1",
		AssetPairID: assetPairID,
		Volume:      decimal.NewFromInt(1),
		Type:        order.TypeMarket,
	})
}

func TestHotReloader_New(t *testing.T) {
	path := writeConfig(t, reloadConfig)
	reloader := newReloader(t, path, DefaultHotReloadConfig())

	if reloader.configPath != path {
		t.Errorf("Expected config path %s, got %s", path, reloader.configPath)
	}
	if !reloader.GetLastReloadTime().IsZero() {
		t.Error("Expected zero time for last reload")
	}
}

func TestHotReloader_ReloadAppliesTradingSettings(t *testing.T) {
	path := writeConfig(t, reloadConfig)
	reloader := newReloader(t, path, DefaultHotReloadConfig())

	instruments := market.NewInstruments([]market.AssetPair{{ID: "EURUSD", Accuracy: 5}}, nil)
	dayOff := market.NewDayOffService(market.DayOffSettings{}, time.Now)
	accounts := account.NewCache()
	stp := matching.NewStpEngine("stp", nil, time.Now)
	mm := matching.NewBookEngine("mm", time.Now)
	router := matching.NewRouter("stp", nil, stp, mm)
	engine := &fakeEngine{}

	reloader.RegisterApplier("market", MarketApplier{Instruments: instruments, DayOff: dayOff})
	reloader.RegisterApplier("trading_conditions", TradingConditionsApplier{Accounts: accounts})
	reloader.RegisterApplier("routes", RoutesApplier{Router: router})
	reloader.RegisterApplier("engine", EngineApplier{Engine: engine})

	if err := reloader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if got := instruments.Accuracy("EURUSD"); got != 3 {
		t.Errorf("Expected accuracy 3, got %d", got)
	}
	ti, err := instruments.TradingInstrument("tc1", "EURUSD")
	if err != nil || !ti.MarginInit.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Trading instrument not applied: %+v %v", ti, err)
	}
	tc, err := accounts.TradingCondition("tc1")
	if err != nil || !tc.StopOut.Equal(decimal.RequireFromString("0.9")) {
		t.Errorf("Trading condition not applied: %+v %v", tc, err)
	}
	if engine.retries != 7 || engine.parallelism != 2 {
		t.Errorf("Engine settings not applied: %+v", engine)
	}
	o := orderFor("EURUSD")
	e, err := router.GetMatchingEngineForExecution(o)
	if err != nil || e.ID() != "mm" {
		t.Errorf("Expected route to mm, got %v %v", e, err)
	}
	if reloader.GetLastReloadTime().IsZero() {
		t.Error("Expected last reload time to be set")
	}
}

func TestHotReloader_InvalidConfigIsNotApplied(t *testing.T) {
	path := writeConfig(t, strings.Replace(reloadConfig, "default_matching_engine: stp", "default_matching_engine: ghost", 1))
	reloader := newReloader(t, path, DefaultHotReloadConfig())

	var calls atomic.Int32
	reloader.RegisterApplier("counter", ApplierFunc(func(appconfig.AppConfig) error {
		calls.Add(1)
		return nil
	}))

	if err := reloader.Reload(); err == nil {
		t.Fatal("Expected reload error for invalid config")
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no applier calls, got %d", calls.Load())
	}
}

func TestHotReloader_ApplierErrorsDoNotStopOthers(t *testing.T) {
	path := writeConfig(t, reloadConfig)
	reloader := newReloader(t, path, DefaultHotReloadConfig())

	boom := errors.New("boom")
	var calls atomic.Int32
	reloader.RegisterApplier("failing", ApplierFunc(func(appconfig.AppConfig) error { return boom }))
	reloader.RegisterApplier("counter", ApplierFunc(func(appconfig.AppConfig) error {
		calls.Add(1)
		return nil
	}))

	err := reloader.Reload()
	if !errors.Is(err, boom) {
		t.Fatalf("Expected joined applier error, got %v", err)
	}
	if !strings.Contains(err.Error(), "failing") {
		t.Errorf("Expected applier name in error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected second applier to run, got %d calls", calls.Load())
	}
}

func TestRoutesApplier_RejectsUnknownEngine(t *testing.T) {
	router := matching.NewRouter("stp", nil, matching.NewStpEngine("stp", nil, time.Now))
	err := RoutesApplier{Router: router}.Apply(appconfig.AppConfig{
		Routes: []matching.Route{{AssetPairID: "EURUSD", MatchingEngineID: "mm"}},
	})
	if !errors.Is(err, matching.ErrNoRoute) {
		t.Fatalf("Expected ErrNoRoute, got %v", err)
	}
}

func TestHotReloader_Cooldown(t *testing.T) {
	path := writeConfig(t, reloadConfig)
	reloader := newReloader(t, path, HotReloadConfig{Enabled: true, CooldownTime: time.Minute})

	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	reloader.now = func() time.Time { return now }
	var calls atomic.Int32
	reloader.RegisterApplier("counter", ApplierFunc(func(appconfig.AppConfig) error {
		calls.Add(1)
		return nil
	}))

	reloader.handleConfigChange()
	reloader.handleConfigChange()
	if calls.Load() != 1 {
		t.Errorf("Expected 1 reload inside cooldown, got %d", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	reloader.handleConfigChange()
	if calls.Load() != 2 {
		t.Errorf("Expected reload after cooldown, got %d", calls.Load())
	}
}

func TestHotReloader_StartStopWatchesFile(t *testing.T) {
	path := writeConfig(t, reloadConfig)
	reloader := newReloader(t, path, HotReloadConfig{Enabled: true})

	applied := make(chan appconfig.AppConfig, 4)
	reloader.RegisterApplier("capture", ApplierFunc(func(cfg appconfig.AppConfig) error {
		select {
		case applied <- cfg:
		default:
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reloader.Start(ctx); err != nil {
		t.Fatalf("Failed to start reloader: %v", err)
	}

	updated := strings.Replace(reloadConfig, "pending_order_retries_threshold: 7", "pending_order_retries_threshold: 9", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}

	select {
	case cfg := <-applied:
		if cfg.Trading.PendingOrderRetriesThreshold != 9 {
			t.Errorf("Unexpected threshold %d", cfg.Trading.PendingOrderRetriesThreshold)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected config change to be applied")
	}

	if err := reloader.Stop(); err != nil {
		t.Errorf("Failed to stop reloader: %v", err)
	}
}

func TestHotReloader_DisabledDoesNotWatch(t *testing.T) {
	path := writeConfig(t, reloadConfig)
	reloader := newReloader(t, path, HotReloadConfig{Enabled: false})
	if err := reloader.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := reloader.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
