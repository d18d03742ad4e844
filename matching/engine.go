package matching

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// ErrNoRoute 没有可用的撮合引擎
var ErrNoRoute = errors.New("no matching engine route")

// Mode 撮合引擎类型
type Mode string

const (
	// ModeMarketMaker 内部做市商订单簿
	ModeMarketMaker Mode = "MarketMaker"
	// ModeStp 直通外部交易所
	ModeStp Mode = "Stp"
	// ModeSpecialLiquidation 特殊强平，固定价格和数量
	ModeSpecialLiquidation Mode = "SpecialLiquidation"
)

// Engine 流动性来源
type Engine interface {
	ID() string
	Mode() Mode
	// MatchOrder 为订单寻找对手成交，没有流动性时返回空集合
	MatchOrder(ctx context.Context, o *order.Order, shouldOpenNewPosition bool, modality order.Modality) (order.MatchedOrders, error)
	// GetPriceForClose 平掉带符号持仓量 positionVolume 的价格，深度不足返回 false
	GetPriceForClose(assetPairID string, positionVolume decimal.Decimal, externalProviderID string) (decimal.Decimal, bool)
}
