package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// ErrQuoteNotFound 品种没有报价
var ErrQuoteNotFound = errors.New("quote not found")

// BidAskPair 品种最优买卖价快照，整体替换不做局部修改
type BidAskPair struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidVolume  decimal.Decimal `json:"bidVolume"`
	AskVolume  decimal.Decimal `json:"askVolume"`
	Date       time.Time       `json:"date"`
}

// PriceFor 按订单方向取价，买单吃卖一，卖单吃买一
func (q BidAskPair) PriceFor(d order.Direction) decimal.Decimal {
	if d == order.DirectionBuy {
		return q.Ask
	}
	return q.Bid
}

// VolumeFor 按订单方向取可成交量
func (q BidAskPair) VolumeFor(d order.Direction) decimal.Decimal {
	if d == order.DirectionBuy {
		return q.AskVolume
	}
	return q.BidVolume
}

// IsZero 任一侧为零视为无效报价
func (q BidAskPair) IsZero() bool {
	return !q.Bid.IsPositive() || !q.Ask.IsPositive()
}

// BestPriceChangeEvent 最优价变化事件
type BestPriceChangeEvent struct {
	Quote BidAskPair
}

// QuoteCache 保存各品种最新报价
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]BidAskPair
}

// NewQuoteCache 创建报价缓存
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]BidAskPair)}
}

// Set 替换品种报价
func (c *QuoteCache) Set(q BidAskPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Instrument] = q
}

// Get 查询报价
func (c *QuoteCache) Get(instrument string) (BidAskPair, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[instrument]
	if !ok {
		return BidAskPair{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, instrument)
	}
	return q, nil
}

// TryGet 报价不存在时返回 false
func (c *QuoteCache) TryGet(instrument string) (BidAskPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[instrument]
	return q, ok
}

// All 全部报价
func (c *QuoteCache) All() []BidAskPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BidAskPair, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	return out
}
