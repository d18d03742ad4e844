package market

import (
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// VolumePrice 一档价格
type VolumePrice struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// ExternalOrderBook 外部交易所的聚合订单簿快照。
// Asks 按价格升序，Bids 按价格降序。创建后不修改。
type ExternalOrderBook struct {
	ExchangeName string        `json:"exchangeName"`
	AssetPairID  string        `json:"assetPairId"`
	Timestamp    time.Time     `json:"timestamp"`
	Asks         []VolumePrice `json:"asks"`
	Bids         []VolumePrice `json:"bids"`
}

func (b *ExternalOrderBook) side(d order.Direction) []VolumePrice {
	if d == order.DirectionBuy {
		return b.Asks
	}
	return b.Bids
}

// GetMatchedPrice 按方向吃掉 volume 后的成交均价。深度不足返回 false。
func (b *ExternalOrderBook) GetMatchedPrice(volume decimal.Decimal, d order.Direction) (decimal.Decimal, bool) {
	volume = volume.Abs()
	if !volume.IsPositive() {
		return decimal.Zero, false
	}
	left := volume
	notional := decimal.Zero
	for _, level := range b.side(d) {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, level.Volume)
		notional = notional.Add(take.Mul(level.Price))
		left = left.Sub(take)
	}
	if left.IsPositive() {
		return decimal.Zero, false
	}
	return notional.Div(volume), true
}

// GetBestPrice 方向上的最优价
func (b *ExternalOrderBook) GetBestPrice(d order.Direction) (decimal.Decimal, bool) {
	levels := b.side(d)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].Price, true
}

// BidAskPair 从订单簿生成最优报价
func (b *ExternalOrderBook) BidAskPair() BidAskPair {
	q := BidAskPair{Instrument: b.AssetPairID, Date: b.Timestamp}
	if len(b.Bids) > 0 {
		q.Bid, q.BidVolume = b.Bids[0].Price, b.Bids[0].Volume
	}
	if len(b.Asks) > 0 {
		q.Ask, q.AskVolume = b.Asks[0].Price, b.Asks[0].Volume
	}
	return q
}
