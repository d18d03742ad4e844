package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/order"
	"margin-trading-go/risk"
)

// PlaceOrder 接收新订单。市价单立即执行，其余订单挂单或挂到父订单/持仓下。
// 业务拒单不作为错误返回，结果体现在订单状态上；处理中的 panic 转为 TechnicalError 拒单。
func (e *TradingEngine) PlaceOrder(ctx context.Context, o *order.Order) error {
	defer e.recoverExecution(ctx, o)

	e.logger.LogOrder("placed", o.ID,
		zap.String("account_id", o.AccountID),
		zap.String("asset_pair", o.AssetPairID),
		zap.String("type", string(o.Type)),
		zap.String("volume", o.Volume().String()),
	)
	e.publishOrder(ctx, order.NewEvent(order.EventPlaced, o))

	if o.Originator != order.OriginatorSystem {
		if verr := e.validator.ValidateOrderOnPlace(o); verr != nil {
			return e.rejectValidation(ctx, o, verr)
		}
	}

	if o.Type == order.TypeMarket {
		return e.ExecuteOrderByMatchingEngine(ctx, o, order.ModalityRegular, true)
	}
	return e.placePendingOrder(ctx, o)
}

func (e *TradingEngine) rejectValidation(ctx context.Context, o *order.Order, err error) error {
	if verr, ok := risk.AsValidationError(err); ok {
		return e.RejectOrder(ctx, o, verr.Reason, verr.Message, verr.Comment)
	}
	return e.RejectOrder(ctx, o, order.RejectTechnicalError, "Validation failed", err.Error())
}

// placePendingOrder 挂单：无父级直接激活；父订单未成交时保持 Inactive；父订单已成交则挂到对应持仓
func (e *TradingEngine) placePendingOrder(ctx context.Context, o *order.Order) error {
	if o.ParentOrderID != "" {
		return e.placeWithParentOrder(ctx, o)
	}
	if o.ParentPositionID() != "" {
		return e.placeWithParentPosition(ctx, o, o.ParentPositionID())
	}

	now := e.clock.Now()
	if err := o.Activate(now, ""); err != nil {
		return err
	}
	if err := e.orders.Active.Add(o); err != nil {
		return err
	}
	e.publishOrder(ctx, order.NewEvent(order.EventActivated, o))
	return e.executeIfTriggered(ctx, o)
}

func (e *TradingEngine) placeWithParentOrder(ctx context.Context, o *order.Order) error {
	now := e.clock.Now()
	if parent, ok := e.orders.TryGetOrderByID(o.ParentOrderID); ok {
		if err := o.MakeInactive(now); err != nil {
			return err
		}
		if err := e.orders.Inactive.Add(o); err != nil {
			return err
		}
		parent.AddRelatedOrder(order.RelatedOrderInfo{OrderID: o.ID, Type: o.Type})
		e.logger.LogOrder("linked_to_parent_order", o.ID, zap.String("parent_order_id", parent.ID))
		return nil
	}

	// 父订单已成交，持仓 id 与开仓订单 id 相同
	if p, ok := e.orders.Positions.TryGetByID(o.ParentOrderID); ok {
		return e.placeWithParentPosition(ctx, o, p.ID)
	}

	// 父订单和持仓都不存在：先接收为 Inactive 再撤销
	if err := o.MakeInactive(now); err != nil {
		return err
	}
	if err := e.orders.Inactive.Add(o); err != nil {
		return err
	}
	_, err := e.CancelPendingOrder(ctx, o.ID, order.OriginatorSystem, order.CancelReasonParentPositionClosed, "Parent position closed")
	return err
}

// placeWithParentPosition 挂到持仓下，数量调整为正好平掉该持仓
func (e *TradingEngine) placeWithParentPosition(ctx context.Context, o *order.Order, positionID string) error {
	p, ok := e.orders.Positions.TryGetByID(positionID)
	if !ok {
		return e.RejectOrder(ctx, o, order.RejectParentPositionNotExist, "Parent position does not exist", positionID)
	}
	if p.Status() != order.PositionActive {
		return e.RejectOrder(ctx, o, order.RejectParentPositionNotActive, "Parent position is not active", positionID)
	}

	now := e.clock.Now()
	if err := o.ChangeVolume(p.Volume().Neg(), now, o.Originator); err != nil {
		return err
	}
	if err := o.Activate(now, p.ID); err != nil {
		return err
	}
	if err := e.orders.Active.Add(o); err != nil {
		return err
	}
	p.AddRelatedOrder(order.RelatedOrderInfo{OrderID: o.ID, Type: o.Type})
	if o.Type == order.TypeTrailingStop {
		closePrice, _ := p.ClosePrice()
		o.SetTrailingDistance(closePrice)
	}
	e.publishOrder(ctx, order.NewEvent(order.EventActivated, o))
	return e.executeIfTriggered(ctx, o)
}

// executeIfTriggered 当前报价已满足触发条件且未休市时立即执行
func (e *TradingEngine) executeIfTriggered(ctx context.Context, o *order.Order) error {
	q, ok := e.quotes.TryGet(o.AssetPairID)
	if !ok || !isTriggered(o, q.PriceFor(o.Direction())) {
		return nil
	}
	if e.dayOff.ArePendingOrdersDisabled(o.AssetPairID) {
		return nil
	}
	return e.executePendingOrder(ctx, o)
}

// ShouldOpenNewPosition 强制开仓，或订单增加/反转账户在该品种上的净敞口
func (e *TradingEngine) ShouldOpenNewPosition(o *order.Order) bool {
	if o.ForceOpen() {
		return true
	}
	if len(o.PositionsToBeClosed()) > 0 {
		return false
	}
	net := decimal.Zero
	for _, p := range e.orders.Positions.GetByInstrumentAndAccount(o.AssetPairID, o.AccountID) {
		if p.Status() == order.PositionActive {
			net = net.Add(p.Volume())
		}
	}
	volume := o.Volume()
	if net.IsZero() || net.Sign() == volume.Sign() {
		return true
	}
	return volume.Abs().GreaterThan(net.Abs())
}
