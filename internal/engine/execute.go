package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/account"
	"margin-trading-go/internal/cache"
	"margin-trading-go/market"
	"margin-trading-go/order"
)

// ExecuteOrderByMatchingEngine 撮合订单并完成记账。
// 订单必须处于 Placed 或 Active；Active 订单若已被其他 goroutine 取走则直接返回。
func (e *TradingEngine) ExecuteOrderByMatchingEngine(ctx context.Context, o *order.Order, modality order.Modality, checkStopOut bool) error {
	now := e.clock.Now()
	engine, routeErr := e.router.GetMatchingEngineForExecution(o)

	switch o.Status() {
	case order.StatusActive:
		if _, err := e.orders.Move(o.ID, e.orders.Active, e.orders.InProgress); err != nil {
			return nil
		}
	case order.StatusPlaced:
		if err := e.orders.InProgress.Add(o); err != nil {
			return fmt.Errorf("execute order %s: %w", o.ID, err)
		}
	default:
		return fmt.Errorf("execute order %s in %s: %w", o.ID, o.Status(), ErrInvalidOperation)
	}

	engineID := ""
	if routeErr == nil {
		engineID = engine.ID()
	}
	if err := o.StartExecution(now, engineID); err != nil {
		_, _ = e.orders.InProgress.Remove(o.ID)
		return err
	}
	e.publishOrder(ctx, order.NewEvent(order.EventExecutionStarted, o))

	if routeErr != nil {
		return e.RejectOrder(ctx, o, order.RejectNoLiquidity, "No matching engine", routeErr.Error())
	}

	if closing := o.PositionsToBeClosed(); len(closing) > 0 {
		if err := e.lockPositionsForClose(o, closing); err != nil {
			var rej *positionLockError
			if errors.As(err, &rej) {
				return e.RejectOrder(ctx, o, rej.reason, rej.message, rej.positionID)
			}
			return err
		}
	}

	shouldOpen := e.ShouldOpenNewPosition(o)
	if modality == order.ModalityRegular && o.Originator != order.OriginatorSystem {
		if err := e.validator.MakePreTradeValidation(o, shouldOpen); err != nil {
			return e.rejectValidation(ctx, o, err)
		}
	}

	if err := e.applyRates(o); err != nil {
		return e.RejectOrder(ctx, o, order.RejectTechnicalError, "Rate is not available", err.Error())
	}

	matched, err := engine.MatchOrder(ctx, o, shouldOpen, modality)
	if err != nil {
		return e.RejectOrder(ctx, o, order.RejectTechnicalError, "Matching failed", err.Error())
	}
	if len(matched) == 0 {
		return e.RejectOrder(ctx, o, order.RejectNoLiquidity, "No orders to match", "")
	}

	if matched.SummaryVolume().LessThan(o.Volume().Abs()) {
		if o.FillType == order.FillOrKill {
			return e.RejectOrder(ctx, o, order.RejectNoLiquidity, "Not fully matched",
				fmt.Sprintf("matched %s of %s", matched.SummaryVolume(), o.Volume().Abs()))
		}
		// 部分成交的订单留在执行中分区，不记账
		if err := o.PartiallyExecute(e.clock.Now(), matched); err != nil {
			return err
		}
		e.logger.LogOrder("partially_executed", o.ID, zap.String("matched", matched.SummaryVolume().String()))
		e.publishOrder(ctx, order.NewEvent(order.EventPartiallyFilled, o))
		return nil
	}

	if err := o.Execute(e.clock.Now(), matched, e.instruments.Accuracy(o.AssetPairID)); err != nil {
		return err
	}
	_, _ = e.orders.InProgress.Remove(o.ID)
	e.logger.LogOrder("executed", o.ID,
		zap.String("engine", engineID),
		zap.String("price", o.ExecutionPrice().String()),
		zap.String("volume", o.Volume().String()),
	)
	e.publishOrder(ctx, order.NewEvent(order.EventExecuted, o))
	e.observer.OrderFinished(order.StatusExecuted, order.RejectNone)

	e.processExecutedOrder(ctx, o)

	if checkStopOut {
		e.checkStopOut(ctx, o.AccountID)
	}
	return nil
}

type positionLockError struct {
	reason     order.RejectReason
	message    string
	positionID string
}

func (e *positionLockError) Error() string {
	return fmt.Sprintf("%s: %s", e.message, e.positionID)
}

// lockPositionsForClose 锁定要平的持仓，并把订单数量修正为持仓净量的反向
func (e *TradingEngine) lockPositionsForClose(o *order.Order, ids []string) error {
	now := e.clock.Now()
	net := decimal.Zero
	for _, id := range ids {
		p, ok := e.orders.Positions.TryGetByID(id)
		if !ok {
			e.unlockPositions(o)
			return &positionLockError{order.RejectParentPositionNotExist, "Position does not exist", id}
		}
		if err := p.StartClosing(now, o.Type.CloseReason(), o.Originator, o.ID); err != nil {
			e.unlockPositions(o)
			return &positionLockError{order.RejectParentPositionNotActive, "Position is not active", id}
		}
		net = net.Add(p.Volume())
	}
	if want := net.Neg(); !o.Volume().Equal(want) {
		if err := o.CorrectVolume(want, now); err != nil {
			e.unlockPositions(o)
			return err
		}
	}
	return nil
}

// unlockPositions 释放被该订单锁定的持仓
func (e *TradingEngine) unlockPositions(o *order.Order) {
	now := e.clock.Now()
	for _, id := range o.PositionsToBeClosed() {
		p, ok := e.orders.Positions.TryGetByID(id)
		if !ok || p.Status() != order.PositionClosing || p.ClosingOrderID() != o.ID {
			continue
		}
		_ = p.CancelClosing(now)
	}
}

// applyRates 记录等值资产和账户资产汇率，同币种为 1
func (e *TradingEngine) applyRates(o *order.Order) error {
	equivalent, err := e.rates.GetQuoteRateForQuoteAsset(o.EquivalentAsset, o.AssetPairID)
	if err != nil {
		return fmt.Errorf("equivalent rate: %w", err)
	}
	fx, err := e.rates.GetQuoteRateForQuoteAsset(o.AccountAssetID, o.AssetPairID)
	if err != nil {
		return fmt.Errorf("fx rate: %w", err)
	}
	o.SetRates(equivalent, fx)
	return nil
}

// RejectOrder 拒单。流动性不足的挂单在未超过重试阈值时回到 Active 等待下次价格。
func (e *TradingEngine) RejectOrder(ctx context.Context, o *order.Order, reason order.RejectReason, message, comment string) error {
	if o.Type != order.TypeMarket && reason == order.RejectNoLiquidity &&
		o.Status() == order.StatusExecutionStarted &&
		o.PendingRetries() < e.settings().PendingOrderRetriesThreshold {
		if err := o.CancelExecution(e.clock.Now()); err != nil {
			return err
		}
		e.unlockPositions(o)
		if _, err := e.orders.Move(o.ID, e.orders.InProgress, e.orders.Active); err != nil {
			return fmt.Errorf("return order %s to active: %w", o.ID, err)
		}
		e.logger.LogOrder("execution_cancelled", o.ID,
			zap.Int("retries", o.PendingRetries()),
			zap.String("message", message),
		)
		e.publishOrder(ctx, order.NewEvent(order.EventChanged, o))
		return nil
	}
	return e.rejectTerminal(ctx, o, reason, message, comment)
}

func (e *TradingEngine) rejectTerminal(ctx context.Context, o *order.Order, reason order.RejectReason, message, comment string) error {
	if err := o.Reject(reason, message, comment, e.clock.Now()); err != nil {
		e.logger.LogError(err, "拒单失败", zap.String("order_id", o.ID))
		return err
	}
	e.finishRejection(ctx, o, reason, message, comment)
	return nil
}

// finishRejection 订单已转为 Rejected 后的清理和通知
func (e *TradingEngine) finishRejection(ctx context.Context, o *order.Order, reason order.RejectReason, message, comment string) {
	if _, _, err := e.orders.RemoveOrder(o.ID); err != nil && !errors.Is(err, cache.ErrNotFound) {
		e.logger.Warn("拒单移除失败", zap.String("order_id", o.ID), zap.Error(err))
	}
	e.unlockPositions(o)
	e.unlinkFromParents(o)
	e.cancelChildOrders(ctx, o, order.CancelReasonParentOrderCancelled)

	e.logger.LogOrder("rejected", o.ID,
		zap.String("reason", string(reason)),
		zap.String("message", message),
		zap.String("comment", comment),
	)
	e.publishOrder(ctx, order.NewEvent(order.EventRejected, o))
	e.observer.OrderFinished(order.StatusRejected, reason)
}

// processExecutedOrder 成交后的持仓记账
func (e *TradingEngine) processExecutedOrder(ctx context.Context, o *order.Order) {
	price := o.ExecutionPrice()
	_, fx := o.Rates()

	if closing := o.PositionsToBeClosed(); len(closing) > 0 {
		for _, id := range closing {
			p, ok := e.orders.Positions.TryGetByID(id)
			if !ok {
				continue
			}
			e.closePosition(ctx, o, p, price, fx)
		}
		return
	}

	remaining := o.Volume()
	if !o.ForceOpen() {
		remaining = e.netOppositePositions(ctx, o, remaining, price, fx)
	}

	var opened *order.Position
	if !remaining.IsZero() {
		opened = e.openPosition(ctx, o, remaining, price, fx)
	}
	e.attachRelatedOrders(ctx, o, opened)
}

// netOppositePositions 按开仓时间先后冲抵反向持仓，返回剩余数量
func (e *TradingEngine) netOppositePositions(ctx context.Context, o *order.Order, remaining, price, fx decimal.Decimal) decimal.Decimal {
	for _, p := range e.orders.Positions.GetByInstrumentAndAccount(o.AssetPairID, o.AccountID) {
		if remaining.IsZero() {
			break
		}
		volume := p.Volume()
		if p.Status() != order.PositionActive || volume.Sign() == remaining.Sign() {
			continue
		}
		if remaining.Abs().GreaterThanOrEqual(volume.Abs()) {
			if err := p.StartClosing(e.clock.Now(), o.Type.CloseReason(), o.Originator, o.ID); err != nil {
				continue
			}
			e.closePosition(ctx, o, p, price, fx)
			remaining = remaining.Add(volume)
			continue
		}

		pnl, err := p.PartiallyClose(e.clock.Now(), remaining.Neg(), price, fx)
		if err != nil {
			e.logger.LogError(err, "部分平仓失败", zap.String("position_id", p.ID))
			continue
		}
		e.bookPnL(ctx, o, p.ID, pnl)
		e.logger.LogPosition("partially_closed", p.ID, zap.String("order_id", o.ID), zap.String("pnl", pnl.String()))
		e.publishPosition(ctx, PositionEvent{Kind: PositionPartiallyClosed, Position: p.Snapshot(), OrderID: o.ID, RealizedPnL: pnl})
		remaining = decimal.Zero
	}
	return remaining
}

// closePosition 平掉已锁定的持仓，记账并撤销挂在持仓上的其他订单
func (e *TradingEngine) closePosition(ctx context.Context, o *order.Order, p *order.Position, price, fx decimal.Decimal) {
	pnl, err := p.Close(e.clock.Now(), price, fx)
	if err != nil {
		e.logger.LogError(err, "平仓失败", zap.String("position_id", p.ID), zap.String("order_id", o.ID))
		return
	}
	if _, err := e.orders.Positions.Remove(p.ID); err != nil {
		e.logger.Warn("持仓移除失败", zap.String("position_id", p.ID), zap.Error(err))
	}
	e.bookPnL(ctx, o, p.ID, pnl)
	e.logger.LogPosition("closed", p.ID, zap.String("order_id", o.ID), zap.String("pnl", pnl.String()))
	e.publishPosition(ctx, PositionEvent{Kind: PositionClosed, Position: p.Snapshot(), OrderID: o.ID, RealizedPnL: pnl})

	for _, related := range e.orders.GetRelatedOrders(p.RelatedOrders()) {
		if related.ID == o.ID {
			continue
		}
		if _, err := e.CancelPendingOrder(ctx, related.ID, order.OriginatorSystem,
			order.CancelReasonParentPositionClosed, "Parent position closed"); err != nil && !errors.Is(err, ErrInvalidOperation) {
			e.logger.Warn("关联订单撤销失败", zap.String("order_id", related.ID), zap.Error(err))
		}
	}
}

func (e *TradingEngine) bookPnL(ctx context.Context, o *order.Order, positionID string, pnl decimal.Decimal) {
	if pnl.IsZero() {
		return
	}
	if _, err := e.balances.UpdateBalance(ctx, o.AccountID, pnl, account.ChangeRealizedPnL,
		"Position "+positionID+" closed", o.ID); err != nil {
		e.logger.LogError(err, "已实现盈亏入账失败",
			zap.String("account_id", o.AccountID),
			zap.String("position_id", positionID),
			zap.String("pnl", pnl.String()),
		)
	}
}

// openPosition 剩余数量开新仓，持仓 id 沿用开仓订单 id
func (e *TradingEngine) openPosition(ctx context.Context, o *order.Order, volume, price, fx decimal.Decimal) *order.Position {
	initRate, maintenanceRate := decimal.Zero, decimal.Zero
	if ti, err := e.instruments.TradingInstrument(o.TradingConditionID, o.AssetPairID); err == nil {
		initRate, maintenanceRate = ti.MarginInit, ti.MarginMaintenance
	} else {
		e.logger.Warn("品种保证金参数缺失", zap.String("order_id", o.ID), zap.Error(err))
	}

	p := order.NewPosition(order.PositionParams{
		ID:                    o.ID,
		Code:                  o.Code,
		AssetPairID:           o.AssetPairID,
		AccountID:             o.AccountID,
		TradingConditionID:    o.TradingConditionID,
		AccountAssetID:        o.AccountAssetID,
		LegalEntity:           o.LegalEntity,
		EquivalentAsset:       o.EquivalentAsset,
		OpenMatchingEngineID:  o.MatchingEngineID(),
		ExternalProviderID:    o.ExternalProviderID(),
		OpenTradeID:           o.ID,
		Volume:                volume,
		OpenPrice:             price,
		OpenFxPrice:           fx,
		InitialMarginRate:     initRate,
		MaintenanceMarginRate: maintenanceRate,
		OpenDate:              e.clock.Now(),
	})
	if err := e.orders.Positions.Add(p); err != nil {
		e.logger.LogError(err, "开仓失败", zap.String("order_id", o.ID))
		return nil
	}
	e.logger.LogPosition("opened", p.ID,
		zap.String("volume", volume.String()),
		zap.String("open_price", price.String()),
	)
	e.publishPosition(ctx, PositionEvent{Kind: PositionOpened, Position: p.Snapshot(), OrderID: o.ID})
	return p
}

// attachRelatedOrders 把等待父订单的止盈止损挂到新持仓上；没有开仓则撤销
func (e *TradingEngine) attachRelatedOrders(ctx context.Context, o *order.Order, p *order.Position) {
	for _, related := range o.RelatedOrders() {
		child, ok := e.orders.Inactive.TryGetByID(related.OrderID)
		if !ok {
			continue
		}
		if p == nil {
			if _, err := e.CancelPendingOrder(ctx, child.ID, order.OriginatorSystem,
				order.CancelReasonParentPositionClosed, "Parent order did not open a position"); err != nil {
				e.logger.Warn("关联订单撤销失败", zap.String("order_id", child.ID), zap.Error(err))
			}
			continue
		}

		now := e.clock.Now()
		if err := child.ChangeVolume(p.Volume().Neg(), now, order.OriginatorSystem); err != nil {
			e.logger.LogError(err, "关联订单数量修正失败", zap.String("order_id", child.ID))
			continue
		}
		if err := child.Activate(now, p.ID); err != nil {
			e.logger.LogError(err, "关联订单激活失败", zap.String("order_id", child.ID))
			continue
		}
		if _, err := e.orders.Move(child.ID, e.orders.Inactive, e.orders.Active); err != nil {
			e.logger.LogError(err, "关联订单移动失败", zap.String("order_id", child.ID))
			continue
		}
		p.AddRelatedOrder(related)
		if child.Type == order.TypeTrailingStop {
			closePrice, _ := p.ClosePrice()
			child.SetTrailingDistance(closePrice)
		}
		e.publishOrder(ctx, order.NewEvent(order.EventActivated, child))
	}
}

// unlinkFromParents 从父订单和父持仓的关联列表中移除
func (e *TradingEngine) unlinkFromParents(o *order.Order) {
	if o.ParentOrderID != "" {
		if parent, ok := e.orders.TryGetOrderByID(o.ParentOrderID); ok {
			parent.RemoveRelatedOrder(o.ID)
		}
	}
	if id := o.ParentPositionID(); id != "" {
		if p, ok := e.orders.Positions.TryGetByID(id); ok {
			p.RemoveRelatedOrder(o.ID)
		}
	}
}

// cancelChildOrders 撤销仍在等待父订单的关联订单
func (e *TradingEngine) cancelChildOrders(ctx context.Context, o *order.Order, reason order.CancelReason) {
	for _, related := range o.RelatedOrders() {
		if !e.orders.Inactive.Contains(related.OrderID) {
			continue
		}
		if _, err := e.CancelPendingOrder(ctx, related.OrderID, order.OriginatorSystem, reason, "Parent order "+o.ID); err != nil {
			e.logger.Warn("关联订单撤销失败", zap.String("order_id", related.OrderID), zap.Error(err))
		}
	}
}

// checkStopOut 成交后检查账户，已到强平线则提交强平
func (e *TradingEngine) checkStopOut(ctx context.Context, accountID string) {
	acc := e.accounts.TryGet(accountID)
	if acc == nil {
		return
	}
	m, err := e.metricsFor(acc)
	if err != nil {
		return
	}
	if m.Level == account.LevelStopOut {
		if err := e.CommitStopOut(ctx, acc, m); err != nil {
			e.logger.LogError(err, "提交强平失败", zap.String("account_id", accountID))
		}
	}
}

// GetAccountMetrics 账户当前保证金指标
func (e *TradingEngine) GetAccountMetrics(accountID string) (account.Metrics, error) {
	acc, err := e.accounts.Get(accountID)
	if err != nil {
		return account.Metrics{}, err
	}
	return e.metricsFor(acc)
}

func (e *TradingEngine) metricsFor(acc *account.Account) (account.Metrics, error) {
	tc, err := e.accounts.TradingCondition(acc.TradingConditionID)
	if err != nil {
		return account.Metrics{}, err
	}
	return account.CalculateAccount(acc, e.orders.Positions.GetByAccounts(acc.ID), tc), nil
}

// isTriggered 限价类在价格更优时触发，止损类在价格更差时触发
func isTriggered(o *order.Order, p decimal.Decimal) bool {
	if !p.IsPositive() {
		return false
	}
	price := o.Price()
	buy := o.Direction() == order.DirectionBuy
	switch o.Type {
	case order.TypeLimit, order.TypeTakeProfit:
		if buy {
			return p.LessThanOrEqual(price)
		}
		return p.GreaterThanOrEqual(price)
	case order.TypeStop, order.TypeStopLoss, order.TypeTrailingStop:
		if buy {
			return p.GreaterThanOrEqual(price)
		}
		return p.LessThanOrEqual(price)
	default:
		return false
	}
}

// priceForClose 平仓价：开仓引擎报价，其次备用引擎，最后取报价缓存的对手价
func (e *TradingEngine) priceForClose(p *order.Position, q market.BidAskPair) decimal.Decimal {
	volume := p.Volume()
	if engine, err := e.router.GetMatchingEngineForClose(p.OpenMatchingEngineID); err == nil {
		if price, ok := engine.GetPriceForClose(p.AssetPairID, volume, p.ExternalProviderID); ok {
			return price
		}
	}
	if id := e.settings().FallbackMatchingEngineID; id != "" {
		if engine, ok := e.router.Engine(id); ok {
			if price, ok := engine.GetPriceForClose(p.AssetPairID, volume, p.ExternalProviderID); ok {
				return price
			}
		}
	}
	return q.PriceFor(p.Direction().CloseDirection())
}
