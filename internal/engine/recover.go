package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"margin-trading-go/order"
)

const technicalErrorMessage = "Error executing order"

// recoverExecution 必须直接 defer。订单处理中的 panic 转为 TechnicalError 拒单，
// 订单无论处于哪个状态都会离开缓存分区，避免下一次报价再次触发同一个 panic。
func (e *TradingEngine) recoverExecution(ctx context.Context, o *order.Order) {
	r := recover()
	if r == nil {
		return
	}
	e.logger.Error("订单处理异常",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status())),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	)
	e.rejectAfterPanic(ctx, o, fmt.Sprint(r))
}

func (e *TradingEngine) rejectAfterPanic(ctx context.Context, o *order.Order, comment string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("异常拒单清理失败", zap.String("order_id", o.ID), zap.Any("panic", r))
		}
	}()

	switch o.Status() {
	case order.StatusPlaced, order.StatusExecutionStarted:
		if err := e.rejectTerminal(ctx, o, order.RejectTechnicalError, technicalErrorMessage, comment); err == nil {
			return
		}
	}
	if err := o.ForceReject(order.RejectTechnicalError, technicalErrorMessage, comment, e.clock.Now()); err != nil {
		// 已是终态，只保证不留在缓存里
		if _, _, rerr := e.orders.RemoveOrder(o.ID); rerr == nil {
			e.logger.Warn("终态订单从缓存移除", zap.String("order_id", o.ID), zap.String("status", string(o.Status())))
		}
		return
	}
	e.finishRejection(ctx, o, order.RejectTechnicalError, technicalErrorMessage, comment)
}

// recoverAccount 必须直接 defer。单个账户重算的 panic 只记录，不影响其他账户。
func (e *TradingEngine) recoverAccount(accountID string) {
	if r := recover(); r != nil {
		e.logger.Error("账户重算异常",
			zap.String("account_id", accountID),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
