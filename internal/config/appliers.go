package config

import (
	"fmt"

	"margin-trading-go/account"
	appconfig "margin-trading-go/config"
	"margin-trading-go/market"
	"margin-trading-go/matching"
)

// MarketApplier 更新品种、保证金参数和休市配置
type MarketApplier struct {
	Instruments *market.Instruments
	DayOff      *market.DayOffService
}

func (a MarketApplier) Apply(cfg appconfig.AppConfig) error {
	a.Instruments.Replace(cfg.AssetPairs, cfg.Instruments)
	a.DayOff.Update(cfg.DayOffs)
	return nil
}

// TradingConditionsApplier 更新保证金阈值
type TradingConditionsApplier struct {
	Accounts *account.Cache
}

func (a TradingConditionsApplier) Apply(cfg appconfig.AppConfig) error {
	a.Accounts.SetTradingConditions(cfg.TradingConditions)
	return nil
}

// RoutesApplier 更新撮合路由表。引擎集合不能热更新，新路由引用的引擎必须已注册。
type RoutesApplier struct {
	Router *matching.Router
}

func (a RoutesApplier) Apply(cfg appconfig.AppConfig) error {
	for _, r := range cfg.Routes {
		if _, ok := a.Router.Engine(r.MatchingEngineID); !ok {
			return fmt.Errorf("route %s/%s: engine %s: %w", r.AssetPairID, r.LegalEntity, r.MatchingEngineID, matching.ErrNoRoute)
		}
	}
	a.Router.SetRoutes(cfg.Routes)
	return nil
}

// SettingsUpdater 可热更新参数的交易引擎
type SettingsUpdater interface {
	UpdateSettings(retriesThreshold, parallelism int, fallbackEngineID string) error
}

// EngineApplier 更新挂单重试上限、并行度和备用平仓引擎
type EngineApplier struct {
	Engine SettingsUpdater
}

func (a EngineApplier) Apply(cfg appconfig.AppConfig) error {
	t := cfg.Trading
	return a.Engine.UpdateSettings(t.PendingOrderRetriesThreshold, t.Parallelism, t.FallbackMatchingEngineID)
}
