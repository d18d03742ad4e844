package liquidation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/workflow"
)

// Saga 强平流程适配器：读取状态、调用 Decide、发送命令、按版本保存。
// 保存冲突说明另一次投递已经生效，本次视为无操作。
type Saga struct {
	store     workflow.ExecutionInfoStore
	sender    workflow.Sender
	snapshots SnapshotSource
	clock     clock.Clock
	logger    *logger.Logger
}

// NewSaga 创建强平流程
func NewSaga(store workflow.ExecutionInfoStore, sender workflow.Sender, snapshots SnapshotSource,
	clk clock.Clock, log *logger.Logger) *Saga {
	return &Saga{
		store:     store,
		sender:    sender,
		snapshots: snapshots,
		clock:     clk,
		logger:    log.Named("liquidation_saga"),
	}
}

// Register 订阅流程关心的事件
func (s *Saga) Register(d *workflow.Dispatcher) {
	workflow.Handle(d, "liquidation-saga", func(ctx context.Context, e workflow.LiquidationStartedInternalEvent) error {
		return s.Handle(ctx, e)
	})
	workflow.Handle(d, "liquidation-saga", func(ctx context.Context, e workflow.LiquidationFailedEvent) error {
		return s.Handle(ctx, e)
	})
	workflow.Handle(d, "liquidation-saga", func(ctx context.Context, e workflow.LiquidationFinishedEvent) error {
		return s.Handle(ctx, e)
	})
	workflow.Handle(d, "liquidation-saga", func(ctx context.Context, e workflow.PositionsLiquidationFinishedInternalEvent) error {
		return s.Handle(ctx, e)
	})
	workflow.Handle(d, "liquidation-saga", func(ctx context.Context, e workflow.NotEnoughLiquidityInternalEvent) error {
		return s.Handle(ctx, e)
	})
	workflow.Handle(d, "liquidation-saga", func(ctx context.Context, e workflow.LiquidationResumedInternalEvent) error {
		return s.Handle(ctx, e)
	})
}

// Handle 处理一个事件。返回错误时由调度器重试。
func (s *Saga) Handle(ctx context.Context, event workflow.Message) error {
	operationID := event.OperationKey()
	typed, err := workflow.GetTyped[OperationData](ctx, s.store, OperationName, operationID)
	if errors.Is(err, workflow.ErrNotFound) {
		s.logger.Warn("强平流程不存在", zap.String("operation_id", operationID), zap.String("event", event.MessageName()))
		return nil
	}
	if err != nil {
		return err
	}

	now := s.clock.Now()
	decision := Decide(operationID, typed.Data, event, s.snapshots.Snapshot(typed.Data.AccountID), now)
	for _, a := range decision.Anomalies {
		s.logger.Warn("强平持仓选择异常", zap.String("operation_id", operationID), zap.String("anomaly", a))
	}
	if !decision.Applied {
		s.logger.Debug("事件被忽略",
			zap.String("operation_id", operationID),
			zap.String("event", event.MessageName()),
			zap.String("note", decision.Note),
		)
		return nil
	}

	for _, cmd := range decision.Commands {
		if err := s.sender.Send(ctx, cmd); err != nil {
			return err
		}
	}

	typed.Data = decision.Data
	if _, err := workflow.SaveTyped(ctx, s.store, typed, now); err != nil {
		if errors.Is(err, workflow.ErrConcurrencyConflict) {
			s.logger.Info("并发处理已生效，忽略本次保存", zap.String("operation_id", operationID))
			return nil
		}
		return err
	}

	s.logger.LogLiquidation(string(typed.Data.State), operationID,
		zap.String("event", event.MessageName()),
		zap.String("account_id", typed.Data.AccountID),
		zap.Int("processed", len(typed.Data.ProcessedPositionIDs)),
		zap.Int("liquidated", len(typed.Data.LiquidatedPositionIDs)),
		zap.Int("commands", len(decision.Commands)),
	)
	return nil
}
