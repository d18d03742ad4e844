package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/internal/cache"
	"margin-trading-go/order"
)

// CancelPendingOrder 撤销 Active 或 Inactive 的挂单，同时撤销等待它成交的关联订单
func (e *TradingEngine) CancelPendingOrder(ctx context.Context, id string, originator order.Originator,
	reason order.CancelReason, comment string) (*order.Order, error) {
	o, ok := e.orders.TryGetOrderByID(id)
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, cache.ErrNotFound)
	}
	if !order.Transitions().CanCancel(o.Status()) {
		return nil, fmt.Errorf("cancel order %s in %s: %w", id, o.Status(), ErrInvalidOperation)
	}
	if err := o.Cancel(e.clock.Now(), originator); err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", id, ErrInvalidOperation)
	}
	if _, _, err := e.orders.RemoveOrder(id); err != nil {
		e.logger.Warn("撤单移除失败", zap.String("order_id", id), zap.Error(err))
	}
	e.unlinkFromParents(o)
	e.cancelChildOrders(ctx, o, order.CancelReasonParentOrderCancelled)

	e.logger.LogOrder("cancelled", id,
		zap.String("reason", string(reason)),
		zap.String("originator", string(originator)),
		zap.String("comment", comment),
	)
	ev := order.NewEvent(order.EventCancelled, o)
	ev.CancelReason = reason
	e.publishOrder(ctx, ev)
	e.observer.OrderFinished(order.StatusCancelled, order.RejectNone)
	return o, nil
}

// ChangeOrder 修改挂单的价格、有效期和强制开仓标志。
// 每个实际变化的字段发布一次 Changed 事件，携带旧值；改价后满足触发条件的立即执行。
func (e *TradingEngine) ChangeOrder(ctx context.Context, id string, price decimal.Decimal, validity *time.Time,
	forceOpen bool, originator order.Originator) error {
	o, ok := e.orders.TryGetOrderByID(id)
	if !ok {
		return fmt.Errorf("order %s: %w", id, cache.ErrNotFound)
	}
	defer e.recoverExecution(ctx, o)
	if !order.Transitions().CanChange(o.Status()) {
		return fmt.Errorf("change order %s in %s: %w", id, o.Status(), ErrInvalidOperation)
	}

	now := e.clock.Now()
	oldPrice := o.Price()
	if !price.Equal(oldPrice) {
		if err := e.validator.ValidateOrderPriceChange(o, price); err != nil {
			return err
		}
		if err := o.ChangePrice(price, now, originator); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if o.Type == order.TypeTrailingStop {
			e.resetTrailingDistance(o)
		}
		e.publishChanged(ctx, o, order.ChangedPrice, oldPrice.String())
	}

	oldValidity := o.Validity()
	if !sameValidity(oldValidity, validity) {
		if err := e.validator.ValidateValidity(validity, o.Type); err != nil {
			return err
		}
		if err := o.ChangeValidity(validity, now, originator); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		e.publishChanged(ctx, o, order.ChangedValidity, formatValidity(oldValidity))
	}

	oldForceOpen := o.ForceOpen()
	if forceOpen != oldForceOpen {
		if err := e.validator.ValidateForceOpenChange(o, forceOpen); err != nil {
			return err
		}
		if err := o.ChangeForceOpen(forceOpen, now, originator); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		e.publishChanged(ctx, o, order.ChangedForceOpen, strconv.FormatBool(oldForceOpen))
	}

	if o.Status() == order.StatusActive {
		return e.executeIfTriggered(ctx, o)
	}
	return nil
}

func (e *TradingEngine) publishChanged(ctx context.Context, o *order.Order, property order.ChangedProperty, oldValue string) {
	e.logger.LogOrder("changed", o.ID, zap.String("property", string(property)), zap.String("old_value", oldValue))
	ev := order.NewEvent(order.EventChanged, o)
	ev.Property = property
	ev.OldValue = oldValue
	e.publishOrder(ctx, ev)
}

// resetTrailingDistance 跟踪止损改价后按持仓当前平仓价重新计算距离
func (e *TradingEngine) resetTrailingDistance(o *order.Order) {
	p, ok := e.orders.Positions.TryGetByID(o.ParentPositionID())
	if !ok {
		return
	}
	closePrice, _ := p.ClosePrice()
	o.SetTrailingDistance(closePrice)
}

func sameValidity(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func formatValidity(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}

// ProcessExpiredOrders 清理有效期已到的 Active 挂单，返回处理数量
func (e *TradingEngine) ProcessExpiredOrders(ctx context.Context) int {
	now := e.clock.Now()
	expired := 0
	for _, o := range e.orders.Active.GetAll() {
		validity := o.Validity()
		if validity == nil || now.Before(*validity) {
			continue
		}
		if err := e.expireOrder(ctx, o); err != nil {
			e.logger.Warn("挂单过期处理失败", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired
}

func (e *TradingEngine) expireOrder(ctx context.Context, o *order.Order) error {
	if err := o.Expire(e.clock.Now()); err != nil {
		return err
	}
	if _, _, err := e.orders.RemoveOrder(o.ID); err != nil {
		return err
	}
	e.unlinkFromParents(o)
	e.cancelChildOrders(ctx, o, order.CancelReasonParentOrderCancelled)

	e.logger.LogOrder("expired", o.ID)
	ev := order.NewEvent(order.EventCancelled, o)
	ev.CancelReason = order.CancelReasonExpired
	e.publishOrder(ctx, ev)
	e.observer.OrderFinished(order.StatusExpired, order.RejectNone)
	return nil
}
