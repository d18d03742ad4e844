package market

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrAssetPairNotFound         = errors.New("asset pair not found")
	ErrTradingInstrumentNotFound = errors.New("trading instrument not found")
)

// DefaultAccuracy 未配置精度时使用
const DefaultAccuracy int32 = 5

// AssetPair 交易品种
type AssetPair struct {
	ID                string `yaml:"id"`
	BaseAssetID       string `yaml:"base_asset"`
	QuoteAssetID      string `yaml:"quote_asset"`
	LegalEntity       string `yaml:"legal_entity"`
	Accuracy          int32  `yaml:"accuracy"`
	IsSuspended       bool   `yaml:"suspended"`
	IsTradingDisabled bool   `yaml:"trading_disabled"`
}

// TradingInstrument 交易条件下品种的保证金参数
type TradingInstrument struct {
	TradingConditionID string          `yaml:"trading_condition"`
	AssetPairID        string          `yaml:"asset_pair"`
	MarginInit         decimal.Decimal `yaml:"margin_init"`
	MarginMaintenance  decimal.Decimal `yaml:"margin_maintenance"`
	DealMinLimit       decimal.Decimal `yaml:"deal_min_limit"`
	DealMaxLimit       decimal.Decimal `yaml:"deal_max_limit"`
}

type instrumentKey struct {
	tradingCondition string
	assetPair        string
}

// Instruments 品种与交易条件参数注册表
type Instruments struct {
	mu          sync.RWMutex
	pairs       map[string]AssetPair
	instruments map[instrumentKey]TradingInstrument
}

// NewInstruments 创建注册表
func NewInstruments(pairs []AssetPair, instruments []TradingInstrument) *Instruments {
	r := &Instruments{}
	r.Replace(pairs, instruments)
	return r
}

// Replace 整体替换，配置热加载时调用
func (r *Instruments) Replace(pairs []AssetPair, instruments []TradingInstrument) {
	pm := make(map[string]AssetPair, len(pairs))
	for _, p := range pairs {
		if p.Accuracy == 0 {
			p.Accuracy = DefaultAccuracy
		}
		pm[p.ID] = p
	}
	im := make(map[instrumentKey]TradingInstrument, len(instruments))
	for _, ti := range instruments {
		im[instrumentKey{ti.TradingConditionID, ti.AssetPairID}] = ti
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// 零报价暂停是运行时状态，重新加载配置不解除
	for id, p := range pm {
		if old, ok := r.pairs[id]; ok && old.IsSuspended {
			p.IsSuspended = true
			pm[id] = p
		}
	}
	r.pairs = pm
	r.instruments = im
}

// AssetPair 查询品种
func (r *Instruments) AssetPair(id string) (AssetPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[id]
	if !ok {
		return AssetPair{}, fmt.Errorf("%w: %s", ErrAssetPairNotFound, id)
	}
	return p, nil
}

// Accuracy 品种价格精度
func (r *Instruments) Accuracy(id string) int32 {
	if p, err := r.AssetPair(id); err == nil {
		return p.Accuracy
	}
	return DefaultAccuracy
}

// TradingInstrument 查询交易条件下的品种参数
func (r *Instruments) TradingInstrument(tradingConditionID, assetPairID string) (TradingInstrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.instruments[instrumentKey{tradingConditionID, assetPairID}]
	if !ok {
		return TradingInstrument{}, fmt.Errorf("%w: %s/%s", ErrTradingInstrumentNotFound, tradingConditionID, assetPairID)
	}
	return ti, nil
}

// SetSuspended 零报价时暂停品种，恢复报价后取消
func (r *Instruments) SetSuspended(id string, suspended bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok || p.IsSuspended == suspended {
		return false
	}
	p.IsSuspended = suspended
	r.pairs[id] = p
	return true
}

// FindPair 按基础资产和计价资产查找品种
func (r *Instruments) FindPair(base, quote string) (AssetPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pairs {
		if p.BaseAssetID == base && p.QuoteAssetID == quote {
			return p, true
		}
	}
	return AssetPair{}, false
}
