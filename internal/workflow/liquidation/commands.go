package liquidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/workflow"
)

// CloseResult 单个持仓的强平结果
type CloseResult struct {
	PositionID  string
	Liquidated  bool
	NoLiquidity bool
	Comment     string
}

// Liquidator 交易引擎一侧的平仓能力
type Liquidator interface {
	LiquidatePositions(ctx context.Context, accountID string, positionIDs []string, operationID string) ([]CloseResult, error)
}

// CommandsHandler 交易引擎一侧的强平命令处理
type CommandsHandler struct {
	store      workflow.ExecutionInfoStore
	sender     workflow.Sender
	accounts   *account.Cache
	positions  PositionSource
	liquidator Liquidator
	clock      clock.Clock
	logger     *logger.Logger
}

// NewCommandsHandler 创建命令处理器
func NewCommandsHandler(store workflow.ExecutionInfoStore, sender workflow.Sender, accounts *account.Cache,
	positions PositionSource, liquidator Liquidator, clk clock.Clock, log *logger.Logger) *CommandsHandler {
	return &CommandsHandler{
		store:      store,
		sender:     sender,
		accounts:   accounts,
		positions:  positions,
		liquidator: liquidator,
		clock:      clk,
		logger:     log.Named("liquidation_commands"),
	}
}

// Register 订阅命令
func (h *CommandsHandler) Register(d *workflow.Dispatcher) {
	workflow.Handle(d, "liquidation-commands", h.HandleStart)
	workflow.Handle(d, "liquidation-commands", h.HandleLiquidatePositions)
	workflow.Handle(d, "liquidation-commands", h.HandleFail)
	workflow.Handle(d, "liquidation-commands", h.HandleFinish)
	workflow.Handle(d, "liquidation-commands", h.HandleResume)
}

// HandleStart 创建流程记录并占用账户的强平标记
func (h *CommandsHandler) HandleStart(ctx context.Context, cmd workflow.StartLiquidationInternalCommand) error {
	typed, _, err := workflow.GetOrAddTyped(ctx, h.store, OperationName, cmd.OperationID, func() OperationData {
		return NewOperationData(cmd)
	})
	if err != nil {
		return err
	}
	if typed.Data.State != StateInitiated {
		return nil
	}

	now := h.clock.Now()
	fail := func(reason string) error {
		return h.sender.Send(ctx, workflow.FailLiquidationInternalCommand{
			Header:          workflow.NewHeader(cmd.OperationID, now),
			Reason:          reason,
			LiquidationType: cmd.LiquidationType,
		})
	}

	acc := h.accounts.TryGet(cmd.AccountID)
	if acc == nil {
		return fail("Account does not exist")
	}
	if !acc.TryStartLiquidation(cmd.OperationID) {
		return fail(fmt.Sprintf("Liquidation is already in progress (%s)", acc.LiquidationOperationID()))
	}

	h.logger.LogLiquidation("started", cmd.OperationID,
		zap.String("account_id", cmd.AccountID),
		zap.String("type", string(cmd.LiquidationType)),
		zap.String("asset_pair", cmd.AssetPairID),
	)
	return h.sender.Send(ctx, workflow.LiquidationStartedInternalEvent{Header: workflow.NewHeader(cmd.OperationID, now)})
}

// HandleLiquidatePositions 平掉一批持仓；流动性不足的交给特殊强平
func (h *CommandsHandler) HandleLiquidatePositions(ctx context.Context, cmd workflow.LiquidatePositionsInternalCommand) error {
	typed, err := workflow.GetTyped[OperationData](ctx, h.store, OperationName, cmd.OperationID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if typed.Data.State != StateStarted {
		h.logger.Debug("流程不在进行中，忽略平仓命令",
			zap.String("operation_id", cmd.OperationID),
			zap.String("state", string(typed.Data.State)),
		)
		return nil
	}

	results, err := h.liquidator.LiquidatePositions(ctx, typed.Data.AccountID, cmd.PositionIDs, cmd.OperationID)
	if err != nil {
		return err
	}

	now := h.clock.Now()
	var (
		noLiquidity []string
		liquidated  []string
		infos       = make([]workflow.LiquidationInfo, 0, len(results))
	)
	for _, r := range results {
		infos = append(infos, workflow.LiquidationInfo{PositionID: r.PositionID, IsLiquidated: r.Liquidated, Comment: r.Comment})
		switch {
		case r.Liquidated:
			liquidated = append(liquidated, r.PositionID)
		case r.NoLiquidity:
			noLiquidity = append(noLiquidity, r.PositionID)
		}
	}

	if len(noLiquidity) > 0 {
		h.logger.LogLiquidation("not_enough_liquidity", cmd.OperationID,
			zap.Strings("positions", noLiquidity),
			zap.Strings("liquidated", liquidated),
		)
		return h.sender.Send(ctx, workflow.NotEnoughLiquidityInternalEvent{
			Header:                workflow.NewHeader(cmd.OperationID, now),
			PositionIDs:           noLiquidity,
			LiquidatedPositionIDs: liquidated,
		})
	}
	return h.sender.Send(ctx, workflow.PositionsLiquidationFinishedInternalEvent{
		Header:           workflow.NewHeader(cmd.OperationID, now),
		LiquidationInfos: infos,
	})
}

// HandleFail 释放强平标记并发布失败事件
func (h *CommandsHandler) HandleFail(ctx context.Context, cmd workflow.FailLiquidationInternalCommand) error {
	typed, err := workflow.GetTyped[OperationData](ctx, h.store, OperationName, cmd.OperationID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	data := typed.Data
	if acc := h.accounts.TryGet(data.AccountID); acc != nil {
		acc.FinishLiquidation(cmd.OperationID)
	}
	remaining, capital := h.accountState(data.AccountID)
	liquidationType := cmd.LiquidationType
	if liquidationType == "" {
		liquidationType = data.LiquidationType
	}

	h.logger.LogLiquidation("failed", cmd.OperationID,
		zap.String("account_id", data.AccountID),
		zap.String("reason", cmd.Reason),
	)
	return h.sender.Send(ctx, workflow.LiquidationFailedEvent{
		Header:                          workflow.NewHeader(cmd.OperationID, h.clock.Now()),
		Reason:                          cmd.Reason,
		LiquidationType:                 liquidationType,
		AccountID:                       data.AccountID,
		AssetPairID:                     data.AssetPairID,
		Direction:                       data.Direction,
		QuoteInfo:                       data.QuoteInfo,
		ProcessedPositionIDs:            data.ProcessedPositionIDs,
		LiquidatedPositionIDs:           data.LiquidatedPositionIDs,
		OpenPositionsRemainingOnAccount: remaining,
		CurrentTotalCapital:             capital,
	})
}

// HandleFinish 释放强平标记并发布完成事件
func (h *CommandsHandler) HandleFinish(ctx context.Context, cmd workflow.FinishLiquidationInternalCommand) error {
	typed, err := workflow.GetTyped[OperationData](ctx, h.store, OperationName, cmd.OperationID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	data := typed.Data
	if acc := h.accounts.TryGet(data.AccountID); acc != nil {
		acc.FinishLiquidation(cmd.OperationID)
	}
	remaining, capital := h.accountState(data.AccountID)

	h.logger.LogLiquidation("finished", cmd.OperationID,
		zap.String("account_id", data.AccountID),
		zap.String("reason", cmd.Reason),
		zap.Int("liquidated", len(cmd.LiquidatedPositionIDs)),
	)
	return h.sender.Send(ctx, workflow.LiquidationFinishedEvent{
		Header:                          workflow.NewHeader(cmd.OperationID, h.clock.Now()),
		Reason:                          cmd.Reason,
		LiquidationType:                 cmd.LiquidationType,
		AccountID:                       data.AccountID,
		AssetPairID:                     data.AssetPairID,
		Direction:                       data.Direction,
		ProcessedPositionIDs:            cmd.ProcessedPositionIDs,
		LiquidatedPositionIDs:           cmd.LiquidatedPositionIDs,
		OpenPositionsRemainingOnAccount: remaining,
		CurrentTotalCapital:             capital,
	})
}

// HandleResume 恢复暂停的强平
func (h *CommandsHandler) HandleResume(ctx context.Context, cmd workflow.ResumeLiquidationInternalCommand) error {
	typed, err := workflow.GetTyped[OperationData](ctx, h.store, OperationName, cmd.OperationID)
	if errors.Is(err, workflow.ErrNotFound) {
		h.logger.Warn("恢复的强平流程不存在", zap.String("operation_id", cmd.OperationID))
		return nil
	}
	if err != nil {
		return err
	}
	if typed.Data.State.IsFinal() {
		h.logger.Warn("强平流程已结束，不能恢复",
			zap.String("operation_id", cmd.OperationID),
			zap.String("state", string(typed.Data.State)),
		)
		return nil
	}
	return h.sender.Send(ctx, workflow.LiquidationResumedInternalEvent{
		Header:                                  workflow.NewHeader(cmd.OperationID, h.clock.Now()),
		Comment:                                 cmd.Comment,
		IsCausedBySpecialLiquidation:            cmd.IsCausedBySpecialLiquidation,
		PositionsLiquidatedBySpecialLiquidation: cmd.PositionsLiquidatedBySpecialLiquidation,
	})
}

func (h *CommandsHandler) accountState(accountID string) (int, decimal.Decimal) {
	acc := h.accounts.TryGet(accountID)
	if acc == nil {
		return 0, decimal.Zero
	}
	tc, _ := h.accounts.TradingCondition(acc.TradingConditionID)
	m := account.CalculateAccount(acc, h.positions.GetByAccounts(accountID), tc)
	return m.OpenPositions, m.TotalCapital
}
