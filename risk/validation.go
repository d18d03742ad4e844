package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/account"
	"margin-trading-go/internal/clock"
	"margin-trading-go/market"
	"margin-trading-go/order"
)

// ValidationError 业务校验失败，调用方据此拒单
type ValidationError struct {
	Reason  order.RejectReason
	Message string
	Comment string
}

func (e *ValidationError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, e.Comment)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func reject(reason order.RejectReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsValidationError 提取校验错误
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// PositionSource 按账户取持仓
type PositionSource interface {
	GetByAccounts(accountIDs ...string) []*order.Position
}

// Validator 下单前与修改时的校验
type Validator struct {
	instruments *market.Instruments
	quotes      *market.QuoteCache
	rates       *market.RateService
	dayOff      *market.DayOffService
	accounts    *account.Cache
	positions   PositionSource
	clock       clock.Clock
}

// NewValidator 创建校验服务
func NewValidator(instruments *market.Instruments, quotes *market.QuoteCache, rates *market.RateService,
	dayOff *market.DayOffService, accounts *account.Cache, positions PositionSource, clk clock.Clock) *Validator {
	return &Validator{
		instruments: instruments,
		quotes:      quotes,
		rates:       rates,
		dayOff:      dayOff,
		accounts:    accounts,
		positions:   positions,
		clock:       clk,
	}
}

// ValidateOrderOnPlace 下单入口校验，不依赖当前价格
func (v *Validator) ValidateOrderOnPlace(o *order.Order) error {
	guards := MultiGuard{
		GuardFunc(v.checkVolume),
		GuardFunc(v.checkInstrument),
		GuardFunc(v.checkAccount),
		GuardFunc(v.checkPendingFields),
	}
	return guards.Check(o)
}

func (v *Validator) checkVolume(o *order.Order) error {
	vol := o.Volume().Abs()
	if vol.IsZero() {
		return reject(order.RejectInvalidVolume, "volume cannot be 0")
	}
	acc, err := v.accounts.Get(o.AccountID)
	if err != nil {
		return nil
	}
	ti, err := v.instruments.TradingInstrument(acc.TradingConditionID, o.AssetPairID)
	if err != nil {
		return nil
	}
	if ti.DealMinLimit.IsPositive() && vol.LessThan(ti.DealMinLimit) {
		return reject(order.RejectInvalidVolume, "volume %s is less than minimum %s", vol, ti.DealMinLimit)
	}
	if ti.DealMaxLimit.IsPositive() && vol.GreaterThan(ti.DealMaxLimit) {
		return reject(order.RejectInvalidVolume, "volume %s exceeds maximum %s", vol, ti.DealMaxLimit)
	}
	return nil
}

func (v *Validator) checkInstrument(o *order.Order) error {
	pair, err := v.instruments.AssetPair(o.AssetPairID)
	if err != nil {
		return reject(order.RejectInvalidInstrument, "instrument %s does not exist", o.AssetPairID)
	}
	if pair.IsTradingDisabled {
		return reject(order.RejectInstrumentTradingDisabled, "trading for %s is disabled", pair.ID)
	}
	if o.Type == order.TypeMarket && pair.IsSuspended {
		return reject(order.RejectNoLiquidity, "instrument %s is suspended", pair.ID)
	}
	if o.Type == order.TypeMarket && v.dayOff.IsDayOff(pair.ID) {
		return reject(order.RejectInstrumentTradingDisabled, "trades for %s are not available", pair.ID)
	}
	return nil
}

func (v *Validator) checkAccount(o *order.Order) error {
	acc, err := v.accounts.Get(o.AccountID)
	if err != nil {
		return reject(order.RejectAccountInvalidState, "account %s does not exist", o.AccountID)
	}
	if acc.IsInLiquidation() {
		return reject(order.RejectAccountInvalidState, "account %s is in liquidation", acc.ID)
	}
	if _, err := v.instruments.TradingInstrument(acc.TradingConditionID, o.AssetPairID); err != nil {
		return reject(order.RejectInvalidInstrument, "instrument %s is not available for trading condition %s",
			o.AssetPairID, acc.TradingConditionID)
	}
	return nil
}

func (v *Validator) checkPendingFields(o *order.Order) error {
	if !o.Type.IsPending() {
		if o.Validity() != nil {
			return reject(order.RejectInvalidValidity, "market order cannot have validity")
		}
		return nil
	}
	if !o.Price().IsPositive() {
		return reject(order.RejectInvalidExpectedOpenPrice, "price must be positive for %s order", o.Type)
	}
	return v.ValidateValidity(o.Validity(), o.Type)
}

// MakePreTradeValidation 成交前校验：品种可交易，开仓时可用保证金足够
func (v *Validator) MakePreTradeValidation(o *order.Order, shouldOpenNewPosition bool) error {
	pair, err := v.instruments.AssetPair(o.AssetPairID)
	if err != nil {
		return reject(order.RejectInvalidInstrument, "instrument %s does not exist", o.AssetPairID)
	}
	if pair.IsTradingDisabled {
		return reject(order.RejectInstrumentTradingDisabled, "trading for %s is disabled", pair.ID)
	}
	if !shouldOpenNewPosition {
		return nil
	}

	acc, err := v.accounts.Get(o.AccountID)
	if err != nil {
		return reject(order.RejectAccountInvalidState, "account %s does not exist", o.AccountID)
	}
	needed, err := v.marginForOrder(acc, o)
	if err != nil {
		return err
	}
	tc, err := v.accounts.TradingCondition(acc.TradingConditionID)
	if err != nil {
		return reject(order.RejectTechnicalError, "trading condition %s not found", acc.TradingConditionID)
	}
	metrics := account.CalculateAccount(acc, v.positions.GetByAccounts(acc.ID), tc)
	if metrics.FreeMargin.LessThan(needed) {
		return reject(order.RejectNotEnoughBalance, "not enough balance: free margin %s, required %s",
			metrics.FreeMargin, needed)
	}
	return nil
}

// marginForOrder 开仓所需初始保证金，按账户资产计价
func (v *Validator) marginForOrder(acc *account.Account, o *order.Order) (decimal.Decimal, error) {
	ti, err := v.instruments.TradingInstrument(acc.TradingConditionID, o.AssetPairID)
	if err != nil {
		return decimal.Zero, reject(order.RejectInvalidInstrument, "instrument %s is not available", o.AssetPairID)
	}
	price := o.Price()
	if o.Type == order.TypeMarket || price.IsZero() {
		q, err := v.quotes.Get(o.AssetPairID)
		if err != nil {
			return decimal.Zero, reject(order.RejectNoLiquidity, "no quote for %s", o.AssetPairID)
		}
		price = q.PriceFor(o.Direction())
	}
	fx, err := v.rates.GetQuoteRateForQuoteAsset(acc.BaseAssetID, o.AssetPairID)
	if err != nil {
		return decimal.Zero, reject(order.RejectTechnicalError, "no rate for %s: %v", o.AssetPairID, err)
	}
	return o.Volume().Abs().Mul(price).Mul(fx).Mul(ti.MarginInit), nil
}

// CheckIfPendingOrderExecutionPossible 价格触发时确认挂单此刻能否执行
func (v *Validator) CheckIfPendingOrderExecutionPossible(assetPairID string, t order.Type, shouldOpenNewPosition bool) error {
	pair, err := v.instruments.AssetPair(assetPairID)
	if err != nil {
		return reject(order.RejectInvalidInstrument, "instrument %s does not exist", assetPairID)
	}
	if pair.IsTradingDisabled {
		return reject(order.RejectInstrumentTradingDisabled, "trading for %s is disabled", pair.ID)
	}
	if v.dayOff.ArePendingOrdersDisabled(pair.ID) {
		return reject(order.RejectInstrumentTradingDisabled, "pending orders for %s are disabled", pair.ID)
	}
	if shouldOpenNewPosition && pair.IsSuspended {
		return reject(order.RejectNoLiquidity, "instrument %s is suspended", pair.ID)
	}
	return nil
}

// ValidateOrderPriceChange 改价校验
func (v *Validator) ValidateOrderPriceChange(o *order.Order, price decimal.Decimal) error {
	if !o.Type.IsPending() {
		return reject(order.RejectInvalidExpectedOpenPrice, "price of %s order cannot be changed", o.Type)
	}
	if !price.IsPositive() {
		return reject(order.RejectInvalidExpectedOpenPrice, "price must be positive")
	}
	if _, err := v.instruments.AssetPair(o.AssetPairID); err != nil {
		return reject(order.RejectInvalidInstrument, "instrument %s does not exist", o.AssetPairID)
	}
	return nil
}

// ValidateValidity 有效期按日比较，不得早于今天
func (v *Validator) ValidateValidity(validity *time.Time, t order.Type) error {
	if validity == nil {
		return nil
	}
	if t == order.TypeMarket {
		return reject(order.RejectInvalidValidity, "market order cannot have validity")
	}
	if truncateDay(*validity).Before(truncateDay(v.clock.Now())) {
		return reject(order.RejectInvalidValidity, "validity %s is in the past", validity.Format(time.DateOnly))
	}
	return nil
}

// ValidateForceOpenChange 挂在持仓上的订单只能平仓，不能强制开仓
func (v *Validator) ValidateForceOpenChange(o *order.Order, forceOpen bool) error {
	if forceOpen && o.ParentPositionID() != "" {
		return reject(order.RejectInvalidParent, "force open cannot be set for order attached to position %s",
			o.ParentPositionID())
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
