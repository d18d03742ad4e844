package market

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/bus"
	"margin-trading-go/order"
)

// DefaultExchangeName 未指定交易所时使用
const DefaultExchangeName = "Default"

// ExternalOrderBooks 外部订单簿缓存，行情入口
type ExternalOrderBooks struct {
	mu              sync.RWMutex
	books           map[string]map[string]*ExternalOrderBook
	defaultExchange string
	quotes          *QuoteCache
	instruments     *Instruments
	events          *bus.Bus[BestPriceChangeEvent]
	logger          *logger.Logger
}

// NewExternalOrderBooks 创建订单簿服务
func NewExternalOrderBooks(defaultExchange string, quotes *QuoteCache, instruments *Instruments,
	events *bus.Bus[BestPriceChangeEvent], log *logger.Logger) *ExternalOrderBooks {
	if defaultExchange == "" {
		defaultExchange = DefaultExchangeName
	}
	return &ExternalOrderBooks{
		books:           make(map[string]map[string]*ExternalOrderBook),
		defaultExchange: defaultExchange,
		quotes:          quotes,
		instruments:     instruments,
		events:          events,
		logger:          log,
	}
}

// SetOrderbook 整体替换订单簿，更新报价并同步发布最优价变化
func (s *ExternalOrderBooks) SetOrderbook(ctx context.Context, book ExternalOrderBook) error {
	if book.ExchangeName == "" {
		book.ExchangeName = s.defaultExchange
	}
	book.Asks = sortedLevels(book.Asks, true)
	book.Bids = sortedLevels(book.Bids, false)

	s.mu.Lock()
	byExchange, ok := s.books[book.AssetPairID]
	if !ok {
		byExchange = make(map[string]*ExternalOrderBook)
		s.books[book.AssetPairID] = byExchange
	}
	byExchange[book.ExchangeName] = &book
	s.mu.Unlock()

	quote := book.BidAskPair()
	if s.checkZeroQuote(quote) {
		return nil
	}
	s.quotes.Set(quote)
	return s.events.Publish(ctx, BestPriceChangeEvent{Quote: quote})
}

// checkZeroQuote 零报价暂停品种，返回 true 表示本次报价无效
func (s *ExternalOrderBooks) checkZeroQuote(q BidAskPair) bool {
	if q.IsZero() {
		if s.instruments.SetSuspended(q.Instrument, true) {
			s.logger.Warn("零报价，暂停品种", zap.String("asset_pair", q.Instrument))
		}
		return true
	}
	if s.instruments.SetSuspended(q.Instrument, false) {
		s.logger.Info("报价恢复，取消暂停", zap.String("asset_pair", q.Instrument))
	}
	return false
}

// GetOrderBook 查询指定交易所的订单簿
func (s *ExternalOrderBooks) GetOrderBook(assetPairID, exchange string) (*ExternalOrderBook, bool) {
	if exchange == "" {
		exchange = s.defaultExchange
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[assetPairID][exchange]
	return b, ok
}

// GetBestMatch 在所有交易所中为带符号订单量找到最优成交均价
func (s *ExternalOrderBooks) GetBestMatch(assetPairID string, volume decimal.Decimal) (decimal.Decimal, string, bool) {
	d := order.DirectionOf(volume)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best     decimal.Decimal
		exchange string
		found    bool
	)
	names := make([]string, 0, len(s.books[assetPairID]))
	for name := range s.books[assetPairID] {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		price, ok := s.books[assetPairID][name].GetMatchedPrice(volume, d)
		if !ok {
			continue
		}
		if !found || (d == order.DirectionBuy && price.LessThan(best)) || (d == order.DirectionSell && price.GreaterThan(best)) {
			best, exchange, found = price, name, true
		}
	}
	return best, exchange, found
}

// GetPriceForPositionClose 平掉 positionVolume 的成交均价，优先使用开仓时的交易所
func (s *ExternalOrderBooks) GetPriceForPositionClose(assetPairID string, positionVolume decimal.Decimal, externalProviderID string) (decimal.Decimal, bool) {
	closeVolume := positionVolume.Neg()
	if externalProviderID != "" {
		if b, ok := s.GetOrderBook(assetPairID, externalProviderID); ok {
			return b.GetMatchedPrice(closeVolume, order.DirectionOf(closeVolume))
		}
	}
	price, _, ok := s.GetBestMatch(assetPairID, closeVolume)
	return price, ok
}

func sortedLevels(levels []VolumePrice, ascending bool) []VolumePrice {
	out := make([]VolumePrice, 0, len(levels))
	for _, l := range levels {
		if l.Volume.IsPositive() && l.Price.IsPositive() {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out
}
