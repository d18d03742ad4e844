package config

import (
	"errors"
	"fmt"

	"margin-trading-go/matching"
)

// Validate ensures required fields are present and references resolve.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if err := ValidateParams(cfg); err != nil {
		return err
	}
	if err := validateMarkets(cfg); err != nil {
		return err
	}
	if err := validateEngines(cfg); err != nil {
		return err
	}
	switch cfg.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if cfg.Storage.Postgres.ConnString == "" && cfg.Storage.Postgres.Database == "" {
			return errors.New("storage.postgres.database is required (or conn_string)")
		}
	default:
		return fmt.Errorf("storage.driver %q must be memory or postgres", cfg.Storage.Driver)
	}
	if cfg.Special.Enabled && cfg.Special.MarketMakerID == "" {
		return errors.New("special_liquidation.market_maker_id is required when enabled")
	}
	if cfg.Profiling.Enabled && cfg.Profiling.ServerAddress == "" {
		return errors.New("profiling.server_address is required when enabled")
	}
	if cfg.Workflow.Workers < 0 || cfg.Workflow.MaxAttempts < 0 {
		return errors.New("workflow workers/max_attempts must be >= 0")
	}
	return nil
}

func validateMarkets(cfg AppConfig) error {
	if len(cfg.TradingConditions) == 0 {
		return errors.New("trading_conditions config is required")
	}
	conditions := make(map[string]bool, len(cfg.TradingConditions))
	for _, tc := range cfg.TradingConditions {
		if tc.ID == "" {
			return errors.New("trading condition id is required")
		}
		if conditions[tc.ID] {
			return fmt.Errorf("trading condition %s is duplicated", tc.ID)
		}
		conditions[tc.ID] = true
		if !tc.StopOut.IsPositive() {
			return fmt.Errorf("trading condition %s stop_out must be > 0", tc.ID)
		}
		if tc.MarginCall2.LessThan(tc.StopOut) || tc.MarginCall1.LessThan(tc.MarginCall2) {
			return fmt.Errorf("trading condition %s thresholds must satisfy stop_out <= margin_call_2 <= margin_call_1", tc.ID)
		}
	}

	if len(cfg.AssetPairs) == 0 {
		return errors.New("asset_pairs config is required")
	}
	pairs := make(map[string]bool, len(cfg.AssetPairs))
	for _, p := range cfg.AssetPairs {
		if p.ID == "" || p.BaseAssetID == "" || p.QuoteAssetID == "" {
			return fmt.Errorf("asset pair %q requires id, base_asset and quote_asset", p.ID)
		}
		if pairs[p.ID] {
			return fmt.Errorf("asset pair %s is duplicated", p.ID)
		}
		if p.Accuracy < 0 {
			return fmt.Errorf("asset pair %s accuracy must be >= 0", p.ID)
		}
		pairs[p.ID] = true
	}

	for _, in := range cfg.Instruments {
		if !conditions[in.TradingConditionID] {
			return fmt.Errorf("instrument %s references unknown trading condition %q", in.AssetPairID, in.TradingConditionID)
		}
		if !pairs[in.AssetPairID] {
			return fmt.Errorf("instrument references unknown asset pair %q", in.AssetPairID)
		}
		if !in.MarginInit.IsPositive() || !in.MarginMaintenance.IsPositive() {
			return fmt.Errorf("instrument %s/%s margin rates must be > 0", in.TradingConditionID, in.AssetPairID)
		}
		if in.DealMaxLimit.IsPositive() && in.DealMinLimit.GreaterThan(in.DealMaxLimit) {
			return fmt.Errorf("instrument %s/%s deal_min_limit exceeds deal_max_limit", in.TradingConditionID, in.AssetPairID)
		}
	}

	for _, acc := range cfg.Accounts {
		if acc.ID == "" {
			return errors.New("account id is required")
		}
		if !conditions[acc.TradingCondition] {
			return fmt.Errorf("account %s references unknown trading condition %q", acc.ID, acc.TradingCondition)
		}
		if acc.Balance.IsNegative() {
			return fmt.Errorf("account %s balance must be >= 0", acc.ID)
		}
	}
	return nil
}

func validateEngines(cfg AppConfig) error {
	if len(cfg.MatchingEngines) == 0 {
		return errors.New("matching_engines config is required")
	}
	engines := make(map[string]bool, len(cfg.MatchingEngines))
	for _, e := range cfg.MatchingEngines {
		if e.ID == "" {
			return errors.New("matching engine id is required")
		}
		if engines[e.ID] {
			return fmt.Errorf("matching engine %s is duplicated", e.ID)
		}
		if e.Mode != matching.ModeMarketMaker && e.Mode != matching.ModeStp {
			return fmt.Errorf("matching engine %s mode %q must be MarketMaker or Stp", e.ID, e.Mode)
		}
		engines[e.ID] = true
	}
	if !engines[cfg.Trading.DefaultMatchingEngineID] {
		return fmt.Errorf("trading.default_matching_engine %q is not configured", cfg.Trading.DefaultMatchingEngineID)
	}
	if id := cfg.Trading.FallbackMatchingEngineID; id != "" && !engines[id] {
		return fmt.Errorf("trading.fallback_matching_engine %q is not configured", id)
	}
	for _, r := range cfg.Routes {
		if !engines[r.MatchingEngineID] {
			return fmt.Errorf("route for %q references unknown matching engine %q", r.AssetPairID, r.MatchingEngineID)
		}
	}
	return nil
}
