package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Params 创建订单所需的字段
type Params struct {
	ID                     string
	Code                   int64
	AccountID              string
	AssetPairID            string
	TradingConditionID     string
	AccountAssetID         string
	LegalEntity            string
	EquivalentAsset        string
	Volume                 decimal.Decimal
	Type                   Type
	FillType               FillType
	Price                  decimal.Decimal
	Validity               *time.Time
	ForceOpen              bool
	ParentOrderID          string
	ParentPositionID       string
	PositionsToBeClosed    []string
	Originator             Originator
	CorrelationID          string
	AdditionalInfo         string
	Comment                string
	PinnedMatchingEngineID string
	CreatedAt              time.Time
}

// Order 保证金交易订单。
// 标识字段创建后不可变；其余状态只能通过状态转换方法修改。
type Order struct {
	ID                     string
	Code                   int64
	AccountID              string
	AssetPairID            string
	TradingConditionID     string
	AccountAssetID         string
	LegalEntity            string
	EquivalentAsset        string
	Type                   Type
	FillType               FillType
	Originator             Originator
	CorrelationID          string
	ParentOrderID          string
	AdditionalInfo         string
	Comment                string
	PinnedMatchingEngineID string
	CreatedAt              time.Time

	mu                  sync.RWMutex
	status              Status
	volume              decimal.Decimal
	price               decimal.Decimal
	validity            *time.Time
	forceOpen           bool
	parentPositionID    string
	positionsToBeClosed []string
	equivalentRate      decimal.Decimal
	fxRate              decimal.Decimal
	matchingEngineID    string
	matchedOrders       MatchedOrders
	executionPrice      decimal.Decimal
	externalProviderID  string
	rejectReason        RejectReason
	rejectMessage       string
	pendingRetries      int
	relatedOrders       []RelatedOrderInfo
	trailingDistance    *decimal.Decimal
	lastModified        time.Time
	modifiedBy          Originator
	executedAt          *time.Time
}

// New 创建 Placed 状态的订单
func New(p Params) *Order {
	o := &Order{
		ID:                     p.ID,
		Code:                   p.Code,
		AccountID:              p.AccountID,
		AssetPairID:            p.AssetPairID,
		TradingConditionID:     p.TradingConditionID,
		AccountAssetID:         p.AccountAssetID,
		LegalEntity:            p.LegalEntity,
		EquivalentAsset:        p.EquivalentAsset,
		Type:                   p.Type,
		FillType:               p.FillType,
		Originator:             p.Originator,
		CorrelationID:          p.CorrelationID,
		ParentOrderID:          p.ParentOrderID,
		AdditionalInfo:         p.AdditionalInfo,
		Comment:                p.Comment,
		PinnedMatchingEngineID: p.PinnedMatchingEngineID,
		CreatedAt:              p.CreatedAt,

		status:           StatusPlaced,
		volume:           p.Volume,
		price:            p.Price,
		validity:         p.Validity,
		forceOpen:        p.ForceOpen,
		parentPositionID: p.ParentPositionID,
		equivalentRate:   decimal.NewFromInt(1),
		fxRate:           decimal.NewFromInt(1),
		rejectReason:     RejectNone,
		lastModified:     p.CreatedAt,
		modifiedBy:       p.Originator,
	}
	if o.FillType == "" {
		o.FillType = FillOrKill
	}
	if len(p.PositionsToBeClosed) > 0 {
		o.positionsToBeClosed = append([]string(nil), p.PositionsToBeClosed...)
	} else if p.ParentPositionID != "" {
		o.positionsToBeClosed = []string{p.ParentPositionID}
	}
	return o
}

func (o *Order) transitLocked(to Status, now time.Time) error {
	if err := transitions.ValidateTransition(o.status, to); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.status = to
	o.lastModified = now
	return nil
}

func (o *Order) checkChangeableLocked(field string) error {
	if !transitions.CanChange(o.status) {
		return fmt.Errorf("order %s: change %s in %s: %w", o.ID, field, o.status, ErrInvalidTransition)
	}
	return nil
}

// Status 当前状态
func (o *Order) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Volume 带符号数量
func (o *Order) Volume() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.volume
}

// Direction 订单方向
func (o *Order) Direction() Direction {
	return DirectionOf(o.Volume())
}

// Price 挂单价格，市价单为零
func (o *Order) Price() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price
}

// Validity 有效期，nil 表示 GTC
func (o *Order) Validity() *time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.validity
}

func (o *Order) ForceOpen() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.forceOpen
}

func (o *Order) ParentPositionID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.parentPositionID
}

// PositionsToBeClosed 该订单要平掉的持仓
func (o *Order) PositionsToBeClosed() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.positionsToBeClosed...)
}

// Rates 执行时记录的等值资产汇率和账户资产汇率
func (o *Order) Rates() (equivalent, fx decimal.Decimal) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.equivalentRate, o.fxRate
}

func (o *Order) MatchingEngineID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.matchingEngineID
}

func (o *Order) MatchedOrders() MatchedOrders {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append(MatchedOrders(nil), o.matchedOrders...)
}

func (o *Order) ExecutionPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.executionPrice
}

func (o *Order) ExternalProviderID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.externalProviderID
}

// RejectReason 拒单原因和说明
func (o *Order) RejectReason() (RejectReason, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rejectReason, o.rejectMessage
}

// PendingRetries 挂单因流动性不足回滚的次数
func (o *Order) PendingRetries() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pendingRetries
}

func (o *Order) RelatedOrders() []RelatedOrderInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]RelatedOrderInfo(nil), o.relatedOrders...)
}

// TrailingDistance 跟踪止损距离，未初始化返回 false
func (o *Order) TrailingDistance() (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.trailingDistance == nil {
		return decimal.Zero, false
	}
	return *o.trailingDistance, true
}

func (o *Order) LastModified() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastModified
}

// MakeInactive 等待父订单成交
func (o *Order) MakeInactive(now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitLocked(StatusInactive, now)
}

// Activate 激活挂单。parentPositionID 非空时订单改为平该持仓。
func (o *Order) Activate(now time.Time, parentPositionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusActive, now); err != nil {
		return err
	}
	if parentPositionID != "" {
		o.parentPositionID = parentPositionID
		o.positionsToBeClosed = []string{parentPositionID}
	}
	return nil
}

// StartExecution 开始撮合
func (o *Order) StartExecution(now time.Time, matchingEngineID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusExecutionStarted, now); err != nil {
		return err
	}
	o.matchingEngineID = matchingEngineID
	return nil
}

// CancelExecution 流动性不足时回到 Active 等待下次价格
func (o *Order) CancelExecution(now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusActive, now); err != nil {
		return err
	}
	o.pendingRetries++
	o.matchingEngineID = ""
	o.matchedOrders = nil
	return nil
}

// PartiallyExecute 部分成交
func (o *Order) PartiallyExecute(now time.Time, matched MatchedOrders) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusPartiallyExecuted, now); err != nil {
		return err
	}
	o.matchedOrders = append(o.matchedOrders, matched...)
	return nil
}

// Execute 全部成交，成交价按品种精度取整
func (o *Order) Execute(now time.Time, matched MatchedOrders, accuracy int32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusExecuted, now); err != nil {
		return err
	}
	o.matchedOrders = append(o.matchedOrders, matched...)
	o.executionPrice = o.matchedOrders.WeightedAveragePrice().Round(accuracy)
	o.externalProviderID = o.matchedOrders.ExternalProviderID()
	executed := now
	o.executedAt = &executed
	return nil
}

// Reject 拒单
func (o *Order) Reject(reason RejectReason, message, comment string, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusRejected, now); err != nil {
		return err
	}
	o.rejectReason = reason
	o.rejectMessage = message
	if comment != "" {
		o.rejectMessage = message + ": " + comment
	}
	return nil
}

// ForceReject 处理异常时强制拒单，不经过转换表。终态订单不能再拒。
func (o *Order) ForceReject(reason RejectReason, message, comment string, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if transitions.IsFinalState(o.status) {
		return fmt.Errorf("order %s: force reject in %s: %w", o.ID, o.status, ErrInvalidTransition)
	}
	o.status = StatusRejected
	o.lastModified = now
	o.rejectReason = reason
	o.rejectMessage = message
	if comment != "" {
		o.rejectMessage = message + ": " + comment
	}
	return nil
}

// Cancel 撤单
func (o *Order) Cancel(now time.Time, originator Originator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitLocked(StatusCancelled, now); err != nil {
		return err
	}
	o.modifiedBy = originator
	return nil
}

// Expire 过期
func (o *Order) Expire(now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitLocked(StatusExpired, now)
}

// ChangeVolume 执行前修改数量
func (o *Order) ChangeVolume(volume decimal.Decimal, now time.Time, originator Originator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkChangeableLocked("volume"); err != nil {
		return err
	}
	o.volume = volume
	o.lastModified = now
	o.modifiedBy = originator
	return nil
}

// CorrectVolume 平仓单开始执行后按持仓净量修正数量
func (o *Order) CorrectVolume(volume decimal.Decimal, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusExecutionStarted {
		return fmt.Errorf("order %s: correct volume in %s: %w", o.ID, o.status, ErrInvalidTransition)
	}
	o.volume = volume
	o.lastModified = now
	return nil
}

// ChangePrice 修改挂单价格
func (o *Order) ChangePrice(price decimal.Decimal, now time.Time, originator Originator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkChangeableLocked("price"); err != nil {
		return err
	}
	o.price = price
	o.lastModified = now
	o.modifiedBy = originator
	return nil
}

// ChangeValidity 修改有效期
func (o *Order) ChangeValidity(validity *time.Time, now time.Time, originator Originator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkChangeableLocked("validity"); err != nil {
		return err
	}
	o.validity = validity
	o.lastModified = now
	o.modifiedBy = originator
	return nil
}

// ChangeForceOpen 修改强制开仓标志
func (o *Order) ChangeForceOpen(forceOpen bool, now time.Time, originator Originator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkChangeableLocked("forceOpen"); err != nil {
		return err
	}
	o.forceOpen = forceOpen
	o.lastModified = now
	o.modifiedBy = originator
	return nil
}

// SetRates 记录执行时的汇率
func (o *Order) SetRates(equivalentRate, fxRate decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.equivalentRate = equivalentRate
	o.fxRate = fxRate
}

// SetTrailingDistance 初始化跟踪止损距离
func (o *Order) SetTrailingDistance(closePrice decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	distance := o.price.Sub(closePrice)
	o.trailingDistance = &distance
}

func (o *Order) AddRelatedOrder(info RelatedOrderInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.relatedOrders {
		if r.OrderID == info.OrderID {
			return
		}
	}
	o.relatedOrders = append(o.relatedOrders, info)
}

func (o *Order) RemoveRelatedOrder(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, r := range o.relatedOrders {
		if r.OrderID == orderID {
			o.relatedOrders = append(o.relatedOrders[:i], o.relatedOrders[i+1:]...)
			return
		}
	}
}

// View 订单只读快照
type View struct {
	ID                  string             `json:"id"`
	Code                int64              `json:"code"`
	AccountID           string             `json:"accountId"`
	AssetPairID         string             `json:"assetPairId"`
	Type                Type               `json:"type"`
	FillType            FillType           `json:"fillType"`
	Status              Status             `json:"status"`
	Volume              decimal.Decimal    `json:"volume"`
	Price               decimal.Decimal    `json:"price"`
	Validity            *time.Time         `json:"validity,omitempty"`
	ForceOpen           bool               `json:"forceOpen"`
	ParentOrderID       string             `json:"parentOrderId,omitempty"`
	ParentPositionID    string             `json:"parentPositionId,omitempty"`
	PositionsToBeClosed []string           `json:"positionsToBeClosed,omitempty"`
	RelatedOrders       []RelatedOrderInfo `json:"relatedOrders,omitempty"`
	ExecutionPrice      decimal.Decimal    `json:"executionPrice"`
	MatchingEngineID    string             `json:"matchingEngineId,omitempty"`
	RejectReason        RejectReason       `json:"rejectReason"`
	RejectMessage       string             `json:"rejectReasonText,omitempty"`
	PendingRetries      int                `json:"pendingOrderRetriesCount"`
	Originator          Originator         `json:"originator"`
	ModifiedBy          Originator         `json:"modifiedBy"`
	CorrelationID       string             `json:"correlationId"`
	Comment             string             `json:"comment,omitempty"`
	CreatedAt           time.Time          `json:"createdTimestamp"`
	LastModified        time.Time          `json:"lastModified"`
	ExecutedAt          *time.Time         `json:"executed,omitempty"`
}

// Snapshot 返回一致的只读快照
func (o *Order) Snapshot() View {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return View{
		ID:                  o.ID,
		Code:                o.Code,
		AccountID:           o.AccountID,
		AssetPairID:         o.AssetPairID,
		Type:                o.Type,
		FillType:            o.FillType,
		Status:              o.status,
		Volume:              o.volume,
		Price:               o.price,
		Validity:            o.validity,
		ForceOpen:           o.forceOpen,
		ParentOrderID:       o.ParentOrderID,
		ParentPositionID:    o.parentPositionID,
		PositionsToBeClosed: append([]string(nil), o.positionsToBeClosed...),
		RelatedOrders:       append([]RelatedOrderInfo(nil), o.relatedOrders...),
		ExecutionPrice:      o.executionPrice,
		MatchingEngineID:    o.matchingEngineID,
		RejectReason:        o.rejectReason,
		RejectMessage:       o.rejectMessage,
		PendingRetries:      o.pendingRetries,
		Originator:          o.Originator,
		ModifiedBy:          o.modifiedBy,
		CorrelationID:       o.CorrelationID,
		Comment:             o.Comment,
		CreatedAt:           o.CreatedAt,
		LastModified:        o.lastModified,
		ExecutedAt:          o.executedAt,
	}
}
