package matching

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// LimitOrder 做市商挂单，Volume 为正是买单，为负是卖单
type LimitOrder struct {
	ID            string
	MarketMakerID string
	AssetPairID   string
	Volume        decimal.Decimal
	Price         decimal.Decimal
	CreatedAt     time.Time
}

type bookEntry struct {
	order     LimitOrder
	remaining decimal.Decimal
}

// bidLess 买方按价格降序、时间升序，Min() 是最优买价
func bidLess(a, b *bookEntry) bool {
	if !a.order.Price.Equal(b.order.Price) {
		return a.order.Price.GreaterThan(b.order.Price)
	}
	if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
		return a.order.CreatedAt.Before(b.order.CreatedAt)
	}
	return a.order.ID < b.order.ID
}

// askLess 卖方按价格升序、时间升序，Min() 是最优卖价
func askLess(a, b *bookEntry) bool {
	if !a.order.Price.Equal(b.order.Price) {
		return a.order.Price.LessThan(b.order.Price)
	}
	if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
		return a.order.CreatedAt.Before(b.order.CreatedAt)
	}
	return a.order.ID < b.order.ID
}

type book struct {
	mu    sync.Mutex
	bids  *btree.BTreeG[*bookEntry]
	asks  *btree.BTreeG[*bookEntry]
	index map[string]*bookEntry
}

func newBook() *book {
	const degree = 32
	return &book{
		bids:  btree.NewG[*bookEntry](degree, bidLess),
		asks:  btree.NewG[*bookEntry](degree, askLess),
		index: make(map[string]*bookEntry),
	}
}

// side 订单方向对应的对手盘
func (b *book) side(d order.Direction) *btree.BTreeG[*bookEntry] {
	if d == order.DirectionBuy {
		return b.asks
	}
	return b.bids
}

func (b *book) remove(id string) {
	e, ok := b.index[id]
	if !ok {
		return
	}
	delete(b.index, id)
	b.bids.Delete(e)
	b.asks.Delete(e)
}

// walk 模拟吃单，返回成交和被吃掉的挂单
func (b *book) walk(volume decimal.Decimal, d order.Direction, now time.Time) (order.MatchedOrders, decimal.Decimal) {
	left := volume.Abs()
	var matched order.MatchedOrders
	b.side(d).Ascend(func(e *bookEntry) bool {
		if !left.IsPositive() {
			return false
		}
		take := decimal.Min(left, e.remaining)
		matched = append(matched, order.MatchedOrder{
			OrderID:               e.order.ID,
			MarketMakerID:         e.order.MarketMakerID,
			LimitOrderLeftToMatch: e.remaining.Sub(take),
			Volume:                take,
			Price:                 e.order.Price,
			MatchedDate:           now,
		})
		left = left.Sub(take)
		return true
	})
	return matched, left
}

// BookEngine 内部做市商订单簿撮合
type BookEngine struct {
	id    string
	now   func() time.Time
	mu    sync.RWMutex
	books map[string]*book
	seq   int64
}

// NewBookEngine 创建内部撮合引擎
func NewBookEngine(id string, now func() time.Time) *BookEngine {
	return &BookEngine{id: id, now: now, books: make(map[string]*book)}
}

func (e *BookEngine) ID() string { return e.id }

func (e *BookEngine) Mode() Mode { return ModeMarketMaker }

func (e *BookEngine) getOrCreate(assetPairID string) *book {
	e.mu.RLock()
	b, ok := e.books[assetPairID]
	e.mu.RUnlock()
	if ok {
		return b
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[assetPairID]; !ok {
		b = newBook()
		e.books[assetPairID] = b
	}
	return b
}

// SetOrders 替换做市商在品种上的全部挂单
func (e *BookEngine) SetOrders(marketMakerID, assetPairID string, orders []LimitOrder) {
	b := e.getOrCreate(assetPairID)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.index {
		if entry.order.MarketMakerID == marketMakerID {
			b.remove(id)
		}
	}
	for _, lo := range orders {
		if lo.Volume.IsZero() || !lo.Price.IsPositive() {
			continue
		}
		if lo.ID == "" {
			e.mu.Lock()
			e.seq++
			lo.ID = marketMakerID + "-" + strconv.FormatInt(e.seq, 10)
			e.mu.Unlock()
		}
		lo.MarketMakerID = marketMakerID
		lo.AssetPairID = assetPairID
		entry := &bookEntry{order: lo, remaining: lo.Volume.Abs()}
		b.index[lo.ID] = entry
		if lo.Volume.IsPositive() {
			b.bids.ReplaceOrInsert(entry)
		} else {
			b.asks.ReplaceOrInsert(entry)
		}
	}
}

// MatchOrder 按价格优先吃单。FillOrKill 订单未全部成交时不消耗流动性。
func (e *BookEngine) MatchOrder(ctx context.Context, o *order.Order, shouldOpenNewPosition bool, modality order.Modality) (order.MatchedOrders, error) {
	b := e.getOrCreate(o.AssetPairID)
	b.mu.Lock()
	defer b.mu.Unlock()

	volume := o.Volume()
	matched, left := b.walk(volume, order.DirectionOf(volume), e.now())
	if left.IsPositive() && o.FillType == order.FillOrKill {
		return matched, nil
	}
	for _, m := range matched {
		entry := b.index[m.OrderID]
		if m.LimitOrderLeftToMatch.IsZero() {
			b.remove(m.OrderID)
			continue
		}
		entry.remaining = m.LimitOrderLeftToMatch
	}
	return matched, nil
}

// GetPriceForClose 模拟平仓成交均价，不消耗流动性
func (e *BookEngine) GetPriceForClose(assetPairID string, positionVolume decimal.Decimal, externalProviderID string) (decimal.Decimal, bool) {
	b := e.getOrCreate(assetPairID)
	b.mu.Lock()
	defer b.mu.Unlock()
	closeVolume := positionVolume.Neg()
	matched, left := b.walk(closeVolume, order.DirectionOf(closeVolume), e.now())
	if left.IsPositive() || len(matched) == 0 {
		return decimal.Zero, false
	}
	return matched.WeightedAveragePrice(), true
}

// Depth 品种挂单数量，测试和监控使用
func (e *BookEngine) Depth(assetPairID string) (bids, asks int) {
	b := e.getOrCreate(assetPairID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.Len(), b.asks.Len()
}
