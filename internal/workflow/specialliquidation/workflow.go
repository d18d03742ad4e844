package specialliquidation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/internal/workflow/liquidation"
	"margin-trading-go/matching"
	"margin-trading-go/order"
)

// PositionSource 按 id 取持仓
type PositionSource interface {
	TryGetByID(id string) (*order.Position, bool)
}

// Executor 用指定撮合引擎平掉持仓
type Executor interface {
	LiquidatePositionsUsingSpecialWorkflow(ctx context.Context, engine matching.Engine, positionIDs []string,
		correlationID string) ([]liquidation.CloseResult, error)
}

// Workflow 进程内的特殊强平流程：询价、按约定价格成交、把结果交还给发起的强平
type Workflow struct {
	store         workflow.ExecutionInfoStore
	sender        workflow.Sender
	positions     PositionSource
	prices        PriceProvider
	executor      Executor
	marketMakerID string
	clock         clock.Clock
	logger        *logger.Logger
}

// New 创建特殊强平流程
func New(store workflow.ExecutionInfoStore, sender workflow.Sender, positions PositionSource, prices PriceProvider,
	executor Executor, marketMakerID string, clk clock.Clock, log *logger.Logger) *Workflow {
	return &Workflow{
		store:         store,
		sender:        sender,
		positions:     positions,
		prices:        prices,
		executor:      executor,
		marketMakerID: marketMakerID,
		clock:         clk,
		logger:        log.Named("special_liquidation"),
	}
}

// Register 订阅命令和流程内部事件
func (w *Workflow) Register(d *workflow.Dispatcher) {
	workflow.Handle(d, "special-liquidation", w.HandleStart)
	workflow.Handle(d, "special-liquidation", w.HandleStarted)
	workflow.Handle(d, "special-liquidation", w.HandlePriceCalculated)
	workflow.Handle(d, "special-liquidation", w.HandleOrderExecuted)
	workflow.Handle(d, "special-liquidation", w.HandleFailed)
}

// HandleStart 校验持仓并开始流程
func (w *Workflow) HandleStart(ctx context.Context, cmd workflow.StartSpecialLiquidationInternalCommand) error {
	typed, _, err := workflow.GetOrAddTyped(ctx, w.store, OperationName, cmd.OperationID, func() OperationData {
		return newOperationData(cmd)
	})
	if err != nil {
		return err
	}
	if typed.Data.State != StateInitiated {
		return nil
	}

	next := typed.Data
	instrument, volume, reason := w.inspect(next)
	if reason != "" {
		return w.fail(ctx, cmd.OperationID, reason)
	}
	next.Instrument = instrument
	next.Volume = volume
	next.switchState(StateInitiated, StateStarted)

	w.logger.LogLiquidation("special_started", cmd.OperationID,
		zap.String("causation_id", cmd.CausationOperationID),
		zap.String("instrument", instrument),
		zap.Strings("positions", next.PositionIDs),
	)
	return w.advance(ctx, typed, next, workflow.SpecialLiquidationStartedInternalEvent{
		Header:     workflow.NewHeader(cmd.OperationID, w.clock.Now()),
		Instrument: instrument,
	})
}

// inspect 返回品种和净持仓量，不满足条件时返回原因
func (w *Workflow) inspect(data OperationData) (string, decimal.Decimal, string) {
	if len(data.PositionIDs) == 0 {
		return "", decimal.Zero, "No positions to liquidate"
	}
	var (
		instrument string
		volume     decimal.Decimal
	)
	for _, id := range data.PositionIDs {
		p, ok := w.positions.TryGetByID(id)
		if !ok || p.Status() == order.PositionClosed {
			return "", decimal.Zero, fmt.Sprintf("Position %s not found", id)
		}
		if p.AccountID != data.AccountID {
			return "", decimal.Zero, fmt.Sprintf("Position %s belongs to account %s", id, p.AccountID)
		}
		if instrument == "" {
			instrument = p.AssetPairID
		} else if instrument != p.AssetPairID {
			return "", decimal.Zero, "Positions must be of the same instrument"
		}
		volume = volume.Add(p.Volume())
	}
	return instrument, volume, ""
}

// HandleStarted 询价
func (w *Workflow) HandleStarted(ctx context.Context, ev workflow.SpecialLiquidationStartedInternalEvent) error {
	typed, ok, err := w.load(ctx, ev.OperationID)
	if !ok || err != nil {
		return err
	}
	if typed.Data.State != StateStarted {
		return nil
	}

	next := typed.Data
	price, err := w.prices.GetPriceForSpecialLiquidation(ctx, next.Instrument, next.Volume)
	if err != nil {
		return w.fail(ctx, ev.OperationID, err.Error())
	}
	next.Price = price
	next.switchState(StateStarted, StatePriceCalculated)

	return w.advance(ctx, typed, next, workflow.PriceForSpecialLiquidationCalculatedEvent{
		Header:     workflow.NewHeader(ev.OperationID, w.clock.Now()),
		Instrument: next.Instrument,
		Volume:     next.Volume,
		Price:      price,
	})
}

// HandlePriceCalculated 以约定价格平仓
func (w *Workflow) HandlePriceCalculated(ctx context.Context, ev workflow.PriceForSpecialLiquidationCalculatedEvent) error {
	typed, ok, err := w.load(ctx, ev.OperationID)
	if !ok || err != nil {
		return err
	}
	if typed.Data.State != StatePriceCalculated {
		return nil
	}

	next := typed.Data
	engine := matching.NewSpecialLiquidationEngine(
		"special-liquidation-"+ev.OperationID,
		next.Price,
		w.liquidityVolume(next),
		next.Instrument,
		w.marketMakerID,
		ev.OperationID,
		w.clock.Now,
	)
	results, err := w.executor.LiquidatePositionsUsingSpecialWorkflow(ctx, engine, next.PositionIDs, ev.OperationID)
	if err != nil {
		return fmt.Errorf("execute special liquidation %s: %w", ev.OperationID, err)
	}

	var comments []string
	for _, r := range results {
		if r.Liquidated {
			next.LiquidatedPositionIDs = append(next.LiquidatedPositionIDs, r.PositionID)
		} else if r.Comment != "" {
			comments = append(comments, r.PositionID+": "+r.Comment)
		}
	}
	if len(next.LiquidatedPositionIDs) == 0 {
		return w.fail(ctx, ev.OperationID, "Special liquidation order was not executed: "+strings.Join(comments, "; "))
	}
	next.switchState(StatePriceCalculated, StateOrderExecuted)

	now := w.clock.Now()
	return w.advance(ctx, typed, next, workflow.SpecialLiquidationOrderExecutedEvent{
		Header:        workflow.NewHeader(ev.OperationID, now),
		MarketMakerID: w.marketMakerID,
		OrderID:       ev.OperationID,
		ExecutionTime: now,
	})
}

// liquidityVolume 各持仓绝对量之和，平仓时可能同时包含多空两个方向
func (w *Workflow) liquidityVolume(data OperationData) decimal.Decimal {
	total := decimal.Zero
	for _, id := range data.PositionIDs {
		if p, ok := w.positions.TryGetByID(id); ok {
			total = total.Add(p.Volume().Abs())
		}
	}
	return total
}

// HandleOrderExecuted 结束流程并恢复发起的强平
func (w *Workflow) HandleOrderExecuted(ctx context.Context, ev workflow.SpecialLiquidationOrderExecutedEvent) error {
	typed, ok, err := w.load(ctx, ev.OperationID)
	if !ok || err != nil {
		return err
	}
	next := typed.Data
	if !next.switchState(StateOrderExecuted, StateFinished) {
		return nil
	}

	w.logger.LogLiquidation("special_finished", ev.OperationID,
		zap.String("causation_id", next.CausationOperationID),
		zap.Strings("liquidated", next.LiquidatedPositionIDs),
		zap.String("price", next.Price.String()),
	)
	var msg workflow.Message
	if next.CausationOperationID != "" {
		msg = workflow.LiquidationResumedInternalEvent{
			Header:                                  workflow.NewHeader(next.CausationOperationID, w.clock.Now()),
			Comment:                                 "Resumed after special liquidation " + ev.OperationID,
			IsCausedBySpecialLiquidation:            true,
			PositionsLiquidatedBySpecialLiquidation: append([]string(nil), next.LiquidatedPositionIDs...),
		}
	}
	return w.advance(ctx, typed, next, msg)
}

// HandleFailed 标记失败；发起的强平随之失败，避免反复进入特殊强平
func (w *Workflow) HandleFailed(ctx context.Context, ev workflow.SpecialLiquidationFailedEvent) error {
	typed, ok, err := w.load(ctx, ev.OperationID)
	if !ok || err != nil {
		return err
	}
	if typed.Data.State.IsFinal() {
		return nil
	}
	next := typed.Data
	next.State = StateFailed
	next.FailReason = ev.Reason

	w.logger.LogLiquidation("special_failed", ev.OperationID,
		zap.String("causation_id", next.CausationOperationID),
		zap.String("reason", ev.Reason),
	)
	var msg workflow.Message
	if next.CausationOperationID != "" {
		msg = workflow.FailLiquidationInternalCommand{
			Header: workflow.NewHeader(next.CausationOperationID, w.clock.Now()),
			Reason: "Special liquidation failed: " + ev.Reason,
		}
	}
	return w.advance(ctx, typed, next, msg)
}

func (w *Workflow) fail(ctx context.Context, operationID, reason string) error {
	return w.sender.Send(ctx, workflow.SpecialLiquidationFailedEvent{
		Header: workflow.NewHeader(operationID, w.clock.Now()),
		Reason: reason,
	})
}

func (w *Workflow) load(ctx context.Context, operationID string) (workflow.Typed[OperationData], bool, error) {
	typed, err := workflow.GetTyped[OperationData](ctx, w.store, OperationName, operationID)
	if errors.Is(err, workflow.ErrNotFound) {
		w.logger.Warn("特殊强平流程不存在", zap.String("operation_id", operationID))
		return typed, false, nil
	}
	if err != nil {
		return typed, false, err
	}
	return typed, true, nil
}

// advance 保存新状态后发出下一条消息；并发写入失败时放弃
func (w *Workflow) advance(ctx context.Context, typed workflow.Typed[OperationData], next OperationData, msg workflow.Message) error {
	typed.Data = next
	if _, err := workflow.SaveTyped(ctx, w.store, typed, w.clock.Now()); err != nil {
		if errors.Is(err, workflow.ErrConcurrencyConflict) {
			w.logger.Info("特殊强平状态已被其他处理更新",
				zap.String("operation_id", typed.Info.OperationID),
				zap.String("state", string(next.State)),
			)
			return nil
		}
		return err
	}
	if msg == nil {
		return nil
	}
	return w.sender.Send(ctx, msg)
}
