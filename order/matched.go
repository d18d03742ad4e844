package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchedOrder 撮合得到的一笔对手成交
type MatchedOrder struct {
	OrderID               string          `json:"orderId"`
	MarketMakerID         string          `json:"marketMakerId"`
	LimitOrderLeftToMatch decimal.Decimal `json:"limitOrderLeftToMatch"`
	Volume                decimal.Decimal `json:"volume"`
	Price                 decimal.Decimal `json:"price"`
	MatchedDate           time.Time       `json:"matchedDate"`
	IsExternal            bool            `json:"isExternal"`
}

// MatchedOrders 一次撮合的全部成交
type MatchedOrders []MatchedOrder

// SummaryVolume 总成交量（绝对值）
func (m MatchedOrders) SummaryVolume() decimal.Decimal {
	total := decimal.Zero
	for _, mo := range m {
		total = total.Add(mo.Volume.Abs())
	}
	return total
}

// WeightedAveragePrice 按成交量加权的均价
func (m MatchedOrders) WeightedAveragePrice() decimal.Decimal {
	volume := m.SummaryVolume()
	if volume.IsZero() {
		return decimal.Zero
	}
	notional := decimal.Zero
	for _, mo := range m {
		notional = notional.Add(mo.Volume.Abs().Mul(mo.Price))
	}
	return notional.Div(volume)
}

// ExternalProviderID 外部成交的做市商，内部撮合返回空
func (m MatchedOrders) ExternalProviderID() string {
	for _, mo := range m {
		if mo.IsExternal {
			return mo.MarketMakerID
		}
	}
	return ""
}
