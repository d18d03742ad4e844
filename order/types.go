package order

import "github.com/shopspring/decimal"

// Type 订单类型
type Type string

const (
	TypeMarket       Type = "Market"
	TypeLimit        Type = "Limit"
	TypeStop         Type = "Stop"
	TypeTakeProfit   Type = "TakeProfit"
	TypeStopLoss     Type = "StopLoss"
	TypeTrailingStop Type = "TrailingStop"
)

// IsPending 非市价单都需要等待价格触发
func (t Type) IsPending() bool {
	return t != TypeMarket
}

// IsRelated 止盈止损类订单挂在父订单或持仓下
func (t Type) IsRelated() bool {
	switch t {
	case TypeTakeProfit, TypeStopLoss, TypeTrailingStop:
		return true
	default:
		return false
	}
}

// CloseReason 持仓平仓原因
func (t Type) CloseReason() CloseReason {
	switch t {
	case TypeStopLoss, TypeTrailingStop:
		return CloseReasonStopLoss
	case TypeTakeProfit:
		return CloseReasonTakeProfit
	default:
		return CloseReasonClose
	}
}

// FillType 成交方式
type FillType string

const (
	FillOrKill  FillType = "FillOrKill"
	PartialFill FillType = "PartialFill"
)

// Originator 订单发起方
type Originator string

const (
	OriginatorInvestor Originator = "Investor"
	OriginatorOnBehalf Originator = "OnBehalf"
	OriginatorSystem   Originator = "System"
)

// Modality 撮合模式，强平订单走 Liquidation
type Modality string

const (
	ModalityRegular     Modality = "Regular"
	ModalityLiquidation Modality = "Liquidation"
)

// Direction 订单方向，由成交量符号决定
type Direction string

const (
	DirectionBuy  Direction = "Buy"
	DirectionSell Direction = "Sell"
)

// DirectionOf 返回带符号成交量对应的方向
func DirectionOf(volume decimal.Decimal) Direction {
	if volume.IsNegative() {
		return DirectionSell
	}
	return DirectionBuy
}

// Opposite 反方向
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// PositionDirection 持仓方向，空字符串表示不限
type PositionDirection string

const (
	PositionLong  PositionDirection = "Long"
	PositionShort PositionDirection = "Short"
)

// PositionDirectionOf 返回持仓量对应的方向
func PositionDirectionOf(volume decimal.Decimal) PositionDirection {
	if volume.IsNegative() {
		return PositionShort
	}
	return PositionLong
}

// CloseDirection 平仓时订单方向
func (d PositionDirection) CloseDirection() Direction {
	if d == PositionShort {
		return DirectionBuy
	}
	return DirectionSell
}

// RejectReason 拒单原因
type RejectReason string

const (
	RejectNone                      RejectReason = "None"
	RejectNoLiquidity               RejectReason = "NoLiquidity"
	RejectInvalidParent             RejectReason = "InvalidParent"
	RejectParentPositionNotExist    RejectReason = "ParentPositionDoesNotExist"
	RejectParentPositionNotActive   RejectReason = "ParentPositionIsNotActive"
	RejectTechnicalError            RejectReason = "TechnicalError"
	RejectInvalidVolume             RejectReason = "InvalidVolume"
	RejectInvalidExpectedOpenPrice  RejectReason = "InvalidExpectedOpenPrice"
	RejectInvalidValidity           RejectReason = "InvalidValidity"
	RejectInvalidInstrument         RejectReason = "InvalidInstrument"
	RejectInstrumentTradingDisabled RejectReason = "InstrumentTradingDisabled"
	RejectNotEnoughBalance          RejectReason = "NotEnoughBalance"
	RejectAccountInvalidState       RejectReason = "AccountInvalidState"
)

// CancelReason 撤单原因
type CancelReason string

const (
	CancelReasonNone                 CancelReason = "None"
	CancelReasonExpired              CancelReason = "Expired"
	CancelReasonParentPositionClosed CancelReason = "ParentPositionClosed"
	CancelReasonParentOrderCancelled CancelReason = "ParentOrderCancelled"
)

// CloseReason 持仓关闭原因
type CloseReason string

const (
	CloseReasonNone       CloseReason = "None"
	CloseReasonClose      CloseReason = "Close"
	CloseReasonStopLoss   CloseReason = "StopLoss"
	CloseReasonTakeProfit CloseReason = "TakeProfit"
)

// RelatedOrderInfo 挂在订单或持仓下的关联订单
type RelatedOrderInfo struct {
	OrderID string `json:"orderId"`
	Type    Type   `json:"type"`
}
