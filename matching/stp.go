package matching

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/market"
	"margin-trading-go/order"
)

// StpEngine 按外部订单簿直通成交
type StpEngine struct {
	id    string
	books *market.ExternalOrderBooks
	now   func() time.Time
}

// NewStpEngine 创建直通撮合引擎
func NewStpEngine(id string, books *market.ExternalOrderBooks, now func() time.Time) *StpEngine {
	return &StpEngine{id: id, books: books, now: now}
}

func (e *StpEngine) ID() string { return e.id }

func (e *StpEngine) Mode() Mode { return ModeStp }

// MatchOrder 外部订单簿深度足够时整单成交，否则返回空
func (e *StpEngine) MatchOrder(ctx context.Context, o *order.Order, shouldOpenNewPosition bool, modality order.Modality) (order.MatchedOrders, error) {
	volume := o.Volume()
	price, exchange, ok := e.books.GetBestMatch(o.AssetPairID, volume)
	if !ok {
		return nil, nil
	}
	return order.MatchedOrders{{
		OrderID:               o.ID + "-" + exchange,
		MarketMakerID:         exchange,
		LimitOrderLeftToMatch: decimal.Zero,
		Volume:                volume.Abs(),
		Price:                 price,
		MatchedDate:           e.now(),
		IsExternal:            true,
	}}, nil
}

func (e *StpEngine) GetPriceForClose(assetPairID string, positionVolume decimal.Decimal, externalProviderID string) (decimal.Decimal, bool) {
	return e.books.GetPriceForPositionClose(assetPairID, positionVolume, externalProviderID)
}
