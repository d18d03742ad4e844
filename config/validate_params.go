package config

// ValidateParams checks the trading settings that can also change on reload.
func ValidateParams(cfg AppConfig) error {
	t := cfg.Trading
	if t.PendingOrderRetriesThreshold <= 0 {
		return ErrInvalid("trading.pending_order_retries_threshold must be > 0")
	}
	if t.DefaultExternalExchangeID == "" {
		return ErrInvalid("trading.default_external_exchange_id is required")
	}
	if t.LockShards <= 0 {
		return ErrInvalid("trading.lock_shards must be > 0")
	}
	if t.ExpirySweepInterval <= 0 {
		return ErrInvalid("trading.expiry_sweep_interval must be > 0")
	}
	if t.Parallelism <= 0 {
		return ErrInvalid("trading.parallelism must be > 0")
	}
	if t.DefaultMatchingEngineID == "" {
		return ErrInvalid("trading.default_matching_engine is required")
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
