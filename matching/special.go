package matching

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// SpecialLiquidationEngine 特殊强平时按约定价格和数量成交，每次特殊强平单独创建
type SpecialLiquidationEngine struct {
	id            string
	price         decimal.Decimal
	volume        decimal.Decimal
	assetPairID   string
	marketMakerID string
	externalID    string
	now           func() time.Time
}

// NewSpecialLiquidationEngine volume 为可成交的绝对数量
func NewSpecialLiquidationEngine(id string, price, volume decimal.Decimal, assetPairID, marketMakerID, externalOrderID string, now func() time.Time) *SpecialLiquidationEngine {
	return &SpecialLiquidationEngine{
		id:            id,
		price:         price,
		volume:        volume.Abs(),
		assetPairID:   assetPairID,
		marketMakerID: marketMakerID,
		externalID:    externalOrderID,
		now:           now,
	}
}

func (e *SpecialLiquidationEngine) ID() string { return e.id }

func (e *SpecialLiquidationEngine) Mode() Mode { return ModeSpecialLiquidation }

func (e *SpecialLiquidationEngine) MatchOrder(ctx context.Context, o *order.Order, shouldOpenNewPosition bool, modality order.Modality) (order.MatchedOrders, error) {
	if o.AssetPairID != e.assetPairID || !e.volume.IsPositive() {
		return nil, nil
	}
	return order.MatchedOrders{{
		OrderID:               e.externalID,
		MarketMakerID:         e.marketMakerID,
		LimitOrderLeftToMatch: decimal.Zero,
		Volume:                decimal.Min(o.Volume().Abs(), e.volume),
		Price:                 e.price,
		MatchedDate:           e.now(),
		IsExternal:            true,
	}}, nil
}

func (e *SpecialLiquidationEngine) GetPriceForClose(assetPairID string, positionVolume decimal.Decimal, externalProviderID string) (decimal.Decimal, bool) {
	if assetPairID != e.assetPairID {
		return decimal.Zero, false
	}
	return e.price, true
}
