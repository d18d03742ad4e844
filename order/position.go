package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	PositionActive  PositionStatus = "Active"
	PositionClosing PositionStatus = "Closing"
	PositionClosed  PositionStatus = "Closed"
)

// PositionParams 开仓参数
type PositionParams struct {
	ID                    string
	Code                  int64
	AssetPairID           string
	AccountID             string
	TradingConditionID    string
	AccountAssetID        string
	LegalEntity           string
	EquivalentAsset       string
	OpenMatchingEngineID  string
	ExternalProviderID    string
	OpenTradeID           string
	Volume                decimal.Decimal
	OpenPrice             decimal.Decimal
	OpenFxPrice           decimal.Decimal
	InitialMarginRate     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	OpenDate              time.Time
}

// Position 持仓，强平的基本单位
type Position struct {
	ID                    string
	Code                  int64
	AssetPairID           string
	AccountID             string
	TradingConditionID    string
	AccountAssetID        string
	LegalEntity           string
	EquivalentAsset       string
	OpenMatchingEngineID  string
	ExternalProviderID    string
	OpenTradeID           string
	OpenPrice             decimal.Decimal
	OpenFxPrice           decimal.Decimal
	InitialMarginRate     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	OpenDate              time.Time

	mu              sync.RWMutex
	volume          decimal.Decimal
	initialMargin   decimal.Decimal
	closePrice      decimal.Decimal
	closeFxPrice    decimal.Decimal
	status          PositionStatus
	relatedOrders   []RelatedOrderInfo
	closeReason     CloseReason
	closeOriginator Originator
	closingOrderID  string
	closeDate       *time.Time
	lastModified    time.Time
}

// NewPosition 按开仓价创建 Active 持仓，初始保证金在开仓时固定
func NewPosition(p PositionParams) *Position {
	fx := p.OpenFxPrice
	if fx.IsZero() {
		fx = decimal.NewFromInt(1)
	}
	return &Position{
		ID:                    p.ID,
		Code:                  p.Code,
		AssetPairID:           p.AssetPairID,
		AccountID:             p.AccountID,
		TradingConditionID:    p.TradingConditionID,
		AccountAssetID:        p.AccountAssetID,
		LegalEntity:           p.LegalEntity,
		EquivalentAsset:       p.EquivalentAsset,
		OpenMatchingEngineID:  p.OpenMatchingEngineID,
		ExternalProviderID:    p.ExternalProviderID,
		OpenTradeID:           p.OpenTradeID,
		OpenPrice:             p.OpenPrice,
		OpenFxPrice:           fx,
		InitialMarginRate:     p.InitialMarginRate,
		MaintenanceMarginRate: p.MaintenanceMarginRate,
		OpenDate:              p.OpenDate,

		volume:        p.Volume,
		initialMargin: p.Volume.Abs().Mul(p.OpenPrice).Mul(fx).Mul(p.InitialMarginRate),
		closePrice:    p.OpenPrice,
		closeFxPrice:  fx,
		status:        PositionActive,
		lastModified:  p.OpenDate,
	}
}

func (p *Position) Volume() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

func (p *Position) Direction() PositionDirection {
	return PositionDirectionOf(p.Volume())
}

func (p *Position) Status() PositionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// ClosePrice 最近一次按行情计算的平仓价和汇率
func (p *Position) ClosePrice() (price, fx decimal.Decimal) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closePrice, p.closeFxPrice
}

func (p *Position) RelatedOrders() []RelatedOrderInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]RelatedOrderInfo(nil), p.relatedOrders...)
}

func (p *Position) ClosingOrderID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closingOrderID
}

// PnL 按当前平仓价计算的浮动盈亏（账户资产）
func (p *Position) PnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pnlLocked(p.closePrice, p.closeFxPrice, p.volume)
}

func (p *Position) pnlLocked(closePrice, fx, volume decimal.Decimal) decimal.Decimal {
	return volume.Mul(closePrice.Sub(p.OpenPrice)).Mul(fx)
}

// MarginInit 按当前价格计算的初始保证金
func (p *Position) MarginInit() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume.Abs().Mul(p.closePrice).Mul(p.closeFxPrice).Mul(p.InitialMarginRate)
}

// MarginMaintenance 按当前价格计算的维持保证金
func (p *Position) MarginMaintenance() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume.Abs().Mul(p.closePrice).Mul(p.closeFxPrice).Mul(p.MaintenanceMarginRate)
}

// InitialMargin 开仓时占用的保证金
func (p *Position) InitialMargin() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialMargin
}

// UpdateClosePrice 行情变化时更新平仓价
func (p *Position) UpdateClosePrice(price, fx decimal.Decimal, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == PositionClosed {
		return
	}
	p.closePrice = price
	if !fx.IsZero() {
		p.closeFxPrice = fx
	}
	p.lastModified = now
}

// StartClosing 平仓单被接受，锁定持仓
func (p *Position) StartClosing(now time.Time, reason CloseReason, originator Originator, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PositionActive {
		return fmt.Errorf("position %s: start closing in %s: %w", p.ID, p.status, ErrInvalidTransition)
	}
	p.status = PositionClosing
	p.closeReason = reason
	p.closeOriginator = originator
	p.closingOrderID = orderID
	p.lastModified = now
	return nil
}

// CancelClosing 平仓单失败，持仓回到 Active
func (p *Position) CancelClosing(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PositionClosing {
		return fmt.Errorf("position %s: cancel closing in %s: %w", p.ID, p.status, ErrInvalidTransition)
	}
	p.status = PositionActive
	p.closeReason = CloseReasonNone
	p.closingOrderID = ""
	p.lastModified = now
	return nil
}

// Close 平仓单成交，返回已实现盈亏
func (p *Position) Close(now time.Time, closePrice, fx decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PositionClosing {
		return decimal.Zero, fmt.Errorf("position %s: close in %s: %w", p.ID, p.status, ErrInvalidTransition)
	}
	if fx.IsZero() {
		fx = p.closeFxPrice
	}
	p.status = PositionClosed
	p.closePrice = closePrice
	p.closeFxPrice = fx
	closed := now
	p.closeDate = &closed
	p.lastModified = now
	return p.pnlLocked(closePrice, fx, p.volume), nil
}

// PartiallyClose 反向成交冲抵部分持仓，volume 为平掉的带符号持仓量，返回已实现盈亏
func (p *Position) PartiallyClose(now time.Time, volume, closePrice, fx decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PositionActive {
		return decimal.Zero, fmt.Errorf("position %s: partially close in %s: %w", p.ID, p.status, ErrInvalidTransition)
	}
	if volume.Abs().GreaterThanOrEqual(p.volume.Abs()) || volume.Sign() != p.volume.Sign() {
		return decimal.Zero, fmt.Errorf("position %s: partial volume %s exceeds %s: %w", p.ID, volume, p.volume, ErrInvalidTransition)
	}
	if fx.IsZero() {
		fx = p.closeFxPrice
	}
	pnl := p.pnlLocked(closePrice, fx, volume)
	remaining := p.volume.Sub(volume)
	p.initialMargin = p.initialMargin.Mul(remaining.Abs()).Div(p.volume.Abs())
	p.volume = remaining
	p.lastModified = now
	return pnl, nil
}

func (p *Position) AddRelatedOrder(info RelatedOrderInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.relatedOrders {
		if r.OrderID == info.OrderID {
			return
		}
	}
	p.relatedOrders = append(p.relatedOrders, info)
}

func (p *Position) RemoveRelatedOrder(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.relatedOrders {
		if r.OrderID == orderID {
			p.relatedOrders = append(p.relatedOrders[:i], p.relatedOrders[i+1:]...)
			return
		}
	}
}

// PositionView 持仓只读快照
type PositionView struct {
	ID                   string             `json:"id"`
	Code                 int64              `json:"code"`
	AccountID            string             `json:"accountId"`
	AssetPairID          string             `json:"assetPairId"`
	Direction            PositionDirection  `json:"direction"`
	Status               PositionStatus     `json:"status"`
	Volume               decimal.Decimal    `json:"volume"`
	OpenPrice            decimal.Decimal    `json:"openPrice"`
	ClosePrice           decimal.Decimal    `json:"closePrice"`
	PnL                  decimal.Decimal    `json:"pnl"`
	InitialMargin        decimal.Decimal    `json:"initialMargin"`
	MarginInit           decimal.Decimal    `json:"marginInit"`
	MarginMaintenance    decimal.Decimal    `json:"marginMaintenance"`
	OpenTradeID          string             `json:"openTradeId"`
	OpenMatchingEngineID string             `json:"openMatchingEngineId"`
	RelatedOrders        []RelatedOrderInfo `json:"relatedOrders,omitempty"`
	OpenDate             time.Time          `json:"openTimestamp"`
	CloseReason          CloseReason        `json:"closeReason,omitempty"`
	CloseDate            *time.Time         `json:"closeTimestamp,omitempty"`
}

// Snapshot 返回一致的只读快照
func (p *Position) Snapshot() PositionView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	notional := p.volume.Abs().Mul(p.closePrice).Mul(p.closeFxPrice)
	return PositionView{
		ID:                   p.ID,
		Code:                 p.Code,
		AccountID:            p.AccountID,
		AssetPairID:          p.AssetPairID,
		Direction:            PositionDirectionOf(p.volume),
		Status:               p.status,
		Volume:               p.volume,
		OpenPrice:            p.OpenPrice,
		ClosePrice:           p.closePrice,
		PnL:                  p.pnlLocked(p.closePrice, p.closeFxPrice, p.volume),
		InitialMargin:        p.initialMargin,
		MarginInit:           notional.Mul(p.InitialMarginRate),
		MarginMaintenance:    notional.Mul(p.MaintenanceMarginRate),
		OpenTradeID:          p.OpenTradeID,
		OpenMatchingEngineID: p.OpenMatchingEngineID,
		RelatedOrders:        append([]RelatedOrderInfo(nil), p.relatedOrders...),
		OpenDate:             p.OpenDate,
		CloseReason:          p.closeReason,
		CloseDate:            p.closeDate,
	}
}
