package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"margin-trading-go/account"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/market"
	"margin-trading-go/order"
	"margin-trading-go/risk"
)

// OnBestPriceChange 最优价变化：执行被触发的挂单，再重算持仓平仓价和账户保证金水平
func (e *TradingEngine) OnBestPriceChange(ctx context.Context, ev market.BestPriceChangeEvent) error {
	start := time.Now()
	q := ev.Quote
	if q.IsZero() {
		return nil
	}

	if !e.dayOff.ArePendingOrdersDisabled(q.Instrument) {
		e.executeTriggeredOrders(ctx, q)
	}
	err := e.UpdateClosePriceAndDetectStopout(ctx, q)
	e.observer.PriceProcessed(q.Instrument, time.Since(start))
	return err
}

func (e *TradingEngine) executeTriggeredOrders(ctx context.Context, q market.BidAskPair) {
	var triggered []*order.Order
	for _, o := range e.orders.Active.GetByInstrument(q.Instrument) {
		if isTriggered(o, q.PriceFor(o.Direction())) {
			triggered = append(triggered, o)
		}
	}
	if len(triggered) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.settings().Parallelism)
	for _, o := range triggered {
		o := o
		g.Go(func() error {
			defer e.recoverExecution(ctx, o)
			if err := e.executePendingOrder(ctx, o); err != nil {
				e.logger.LogError(err, "挂单执行失败", zap.String("order_id", o.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// executePendingOrder 执行被触发的挂单，执行时已过期的挂单改为过期
func (e *TradingEngine) executePendingOrder(ctx context.Context, o *order.Order) error {
	if validity := o.Validity(); validity != nil && e.clock.Now().After(*validity) {
		if err := e.expireOrder(ctx, o); err != nil {
			return fmt.Errorf("expire order %s: %w", o.ID, err)
		}
		return nil
	}
	shouldOpen := e.ShouldOpenNewPosition(o)
	if err := e.validator.CheckIfPendingOrderExecutionPossible(o.AssetPairID, o.Type, shouldOpen); err != nil {
		if _, ok := risk.AsValidationError(err); ok {
			return nil
		}
		return err
	}
	return e.ExecuteOrderByMatchingEngine(ctx, o, order.ModalityRegular, true)
}

// UpdateClosePriceAndDetectStopout 按账户并行更新品种上的持仓平仓价，
// 保证金水平变化时发布事件，到达强平线的账户提交强平
func (e *TradingEngine) UpdateClosePriceAndDetectStopout(ctx context.Context, q market.BidAskPair) error {
	byAccount := make(map[string][]*order.Position)
	for _, p := range e.orders.Positions.GetByInstrument(q.Instrument) {
		byAccount[p.AccountID] = append(byAccount[p.AccountID], p)
	}
	if len(byAccount) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.settings().Parallelism)
	for accountID, positions := range byAccount {
		accountID, positions := accountID, positions
		g.Go(func() error {
			defer e.recoverAccount(accountID)
			return e.recalculateAccount(gctx, accountID, positions, q)
		})
	}
	return g.Wait()
}

func (e *TradingEngine) recalculateAccount(ctx context.Context, accountID string, positions []*order.Position, q market.BidAskPair) error {
	acc := e.accounts.TryGet(accountID)
	if acc == nil {
		e.logger.Warn("持仓所属账户不存在", zap.String("account_id", accountID))
		return nil
	}
	before, err := e.metricsFor(acc)
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}

	now := e.clock.Now()
	var pg errgroup.Group
	pg.SetLimit(e.settings().Parallelism)
	for _, p := range positions {
		p := p
		pg.Go(func() error {
			defer e.recoverAccount(accountID)
			price := e.priceForClose(p, q)
			fx, err := e.rates.GetQuoteRateForQuoteAsset(p.AccountAssetID, p.AssetPairID)
			if err != nil {
				// 汇率为零时保留上一次的汇率
				fx = decimal.Zero
			}
			p.UpdateClosePrice(price, fx, now)
			e.updateTrailingStops(ctx, p)
			return nil
		})
	}
	_ = pg.Wait()

	after, err := e.metricsFor(acc)
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	if after.Level != before.Level {
		e.logger.LogRisk("margin_level_changed", accountID,
			zap.Stringer("from", before.Level),
			zap.Stringer("to", after.Level),
			zap.String("usage", after.MarginUsageLevel.String()),
		)
		if err := e.events.Margin.Publish(ctx, MarginEvent{
			AccountID: accountID,
			OldLevel:  before.Level,
			NewLevel:  after.Level,
			Metrics:   after,
			Time:      now,
		}); err != nil {
			e.logger.Warn("保证金事件处理失败", zap.String("account_id", accountID), zap.Error(err))
		}
		e.observer.MarginLevelChanged(before.Level, after.Level)
	}
	if after.Level == account.LevelStopOut {
		return e.CommitStopOut(ctx, acc, after)
	}
	return nil
}

// updateTrailingStops 价格朝有利方向移动超过距离时跟随移动止损价
func (e *TradingEngine) updateTrailingStops(ctx context.Context, p *order.Position) {
	current, _ := p.ClosePrice()
	for _, related := range p.RelatedOrders() {
		if related.Type != order.TypeTrailingStop {
			continue
		}
		o, ok := e.orders.Active.TryGetByID(related.OrderID)
		if !ok {
			continue
		}
		distance, ok := o.TrailingDistance()
		if !ok {
			o.SetTrailingDistance(current)
			continue
		}
		oldPrice := o.Price()
		if oldPrice.Sub(current).Abs().LessThanOrEqual(distance.Abs()) {
			continue
		}
		if err := o.ChangePrice(current.Add(distance), e.clock.Now(), order.OriginatorSystem); err != nil {
			continue
		}
		e.publishChanged(ctx, o, order.ChangedPrice, oldPrice.String())
	}
}

// CommitStopOut 账户到达强平线：占用强平标志并发送强平命令。
// 账户已在强平中时不重复发送；发送失败释放标志，等待下次价格重试。
func (e *TradingEngine) CommitStopOut(ctx context.Context, acc *account.Account, m account.Metrics) error {
	operationID := e.ids.GenerateID()
	if !acc.TryStartLiquidation(operationID) {
		return nil
	}

	liquidationType := workflow.LiquidationNormal
	if !m.CurrentlyUsedMargin.Equal(m.UsedMargin) {
		liquidationType = workflow.LiquidationMco
	}

	e.logger.LogRisk("stop_out", acc.ID,
		zap.String("operation_id", operationID),
		zap.String("type", string(liquidationType)),
		zap.String("usage", m.MarginUsageLevel.String()),
	)
	err := e.sender.Send(ctx, workflow.StartLiquidationInternalCommand{
		Header:          workflow.NewHeader(operationID, e.clock.Now()),
		AccountID:       acc.ID,
		QuoteInfo:       fmt.Sprintf("margin usage %s", m.MarginUsageLevel.StringFixed(4)),
		LiquidationType: liquidationType,
		OriginatorType:  order.OriginatorSystem,
	})
	if err != nil {
		acc.FinishLiquidation(operationID)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("send stop-out for %s: %w", acc.ID, err)
	}
	e.observer.StopOut(liquidationType)
	return nil
}
