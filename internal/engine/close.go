package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/internal/workflow/liquidation"
	"margin-trading-go/matching"
	"margin-trading-go/order"
)

// closeGroupKey 同一张平仓单能平掉的持仓
type closeGroupKey struct {
	accountID    string
	assetPairID  string
	direction    order.PositionDirection
	openEngineID string
	providerID   string
}

type closeGroup struct {
	key       closeGroupKey
	positions []*order.Position
}

// ClosePositions 为同组持仓生成 FillOrKill 市价平仓单并执行。
// engine 为 nil 时使用开仓引擎对应的平仓引擎。
func (e *TradingEngine) ClosePositions(ctx context.Context, positions []*order.Position, originator order.Originator,
	modality order.Modality, engine matching.Engine, correlationID, comment string) (*order.Order, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("close positions: %w", ErrInvalidOperation)
	}
	first := positions[0]
	if engine == nil {
		closeEngine, err := e.router.GetMatchingEngineForClose(first.OpenMatchingEngineID)
		if err != nil {
			return nil, err
		}
		engine = closeEngine
	}

	net := decimal.Zero
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		net = net.Add(p.Volume())
		ids = append(ids, p.ID)
	}

	o := order.New(order.Params{
		ID:                     e.ids.GenerateID(),
		Code:                   e.ids.GenerateCode(),
		AccountID:              first.AccountID,
		AssetPairID:            first.AssetPairID,
		TradingConditionID:     first.TradingConditionID,
		AccountAssetID:         first.AccountAssetID,
		LegalEntity:            first.LegalEntity,
		EquivalentAsset:        first.EquivalentAsset,
		Volume:                 net.Neg(),
		Type:                   order.TypeMarket,
		FillType:               order.FillOrKill,
		PositionsToBeClosed:    ids,
		Originator:             originator,
		CorrelationID:          correlationID,
		Comment:                comment,
		PinnedMatchingEngineID: engine.ID(),
		CreatedAt:              e.clock.Now(),
	})
	e.logger.LogOrder("close_placed", o.ID,
		zap.Strings("positions", ids),
		zap.String("engine", engine.ID()),
		zap.String("modality", string(modality)),
	)
	e.publishOrder(ctx, order.NewEvent(order.EventPlaced, o))

	if err := e.ExecuteOrderByMatchingEngine(ctx, o, modality, false); err != nil {
		return o, err
	}
	return o, nil
}

// ClosePosition 平掉单个持仓
func (e *TradingEngine) ClosePosition(ctx context.Context, positionID string, originator order.Originator, comment string) (*order.Order, error) {
	p, ok := e.orders.Positions.TryGetByID(positionID)
	if !ok {
		return nil, fmt.Errorf("position %s: %w", positionID, cache.ErrNotFound)
	}
	if p.Status() != order.PositionActive {
		return nil, fmt.Errorf("close position %s in %s: %w", positionID, p.Status(), ErrInvalidOperation)
	}
	return e.ClosePositions(ctx, []*order.Position{p}, originator, order.ModalityRegular, nil, e.ids.GenerateID(), comment)
}

// LiquidatePositions 强平一批持仓，按分组各下一张平仓单
func (e *TradingEngine) LiquidatePositions(ctx context.Context, accountID string, positionIDs []string, operationID string) ([]liquidation.CloseResult, error) {
	return e.liquidate(ctx, positionIDs, nil, operationID, func(p *order.Position) bool {
		return p.AccountID == accountID
	}), nil
}

// LiquidatePositionsUsingSpecialWorkflow 用特殊强平引擎平掉持仓，引擎只在本次调用期间注册
func (e *TradingEngine) LiquidatePositionsUsingSpecialWorkflow(ctx context.Context, engine matching.Engine, positionIDs []string,
	correlationID string) ([]liquidation.CloseResult, error) {
	e.router.Register(engine)
	defer e.router.Unregister(engine.ID())
	return e.liquidate(ctx, positionIDs, engine, correlationID, nil), nil
}

func (e *TradingEngine) liquidate(ctx context.Context, positionIDs []string, engine matching.Engine, correlationID string,
	accept func(*order.Position) bool) []liquidation.CloseResult {
	results := make([]liquidation.CloseResult, 0, len(positionIDs))
	var groups []*closeGroup
	index := make(map[closeGroupKey]*closeGroup)

	for _, id := range positionIDs {
		p, ok := e.orders.Positions.TryGetByID(id)
		if !ok {
			results = append(results, liquidation.CloseResult{PositionID: id, Comment: "Position not found"})
			continue
		}
		if accept != nil && !accept(p) {
			results = append(results, liquidation.CloseResult{PositionID: id, Comment: "Position belongs to another account"})
			continue
		}
		if p.Status() != order.PositionActive {
			results = append(results, liquidation.CloseResult{PositionID: id, Comment: "Position is " + string(p.Status())})
			continue
		}
		key := closeGroupKey{
			accountID:    p.AccountID,
			assetPairID:  p.AssetPairID,
			direction:    p.Direction(),
			openEngineID: p.OpenMatchingEngineID,
			providerID:   p.ExternalProviderID,
		}
		g, ok := index[key]
		if !ok {
			g = &closeGroup{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.positions = append(g.positions, p)
	}

	for _, g := range groups {
		o, err := e.ClosePositions(ctx, g.positions, order.OriginatorSystem, order.ModalityLiquidation, engine,
			correlationID, "Liquidation "+correlationID)
		results = append(results, closeResults(g.positions, o, err)...)
	}
	return results
}

func closeResults(positions []*order.Position, o *order.Order, err error) []liquidation.CloseResult {
	out := make([]liquidation.CloseResult, 0, len(positions))
	for _, p := range positions {
		r := liquidation.CloseResult{PositionID: p.ID}
		switch {
		case err != nil:
			r.Comment = err.Error()
		case o.Status() == order.StatusExecuted:
			r.Liquidated = true
		default:
			reason, message := o.RejectReason()
			r.NoLiquidity = reason == order.RejectNoLiquidity
			r.Comment = message
			if r.Comment == "" {
				r.Comment = string(o.Status())
			}
		}
		out = append(out, r)
	}
	return out
}

// StartForcedLiquidation 人工发起的强平，assetPairID 或 direction 为空表示不限
func (e *TradingEngine) StartForcedLiquidation(ctx context.Context, accountID, assetPairID string,
	direction *order.PositionDirection, originator order.Originator, comment string) (string, error) {
	if _, err := e.accounts.Get(accountID); err != nil {
		return "", err
	}
	operationID := e.ids.GenerateID()
	err := e.sender.Send(ctx, workflow.StartLiquidationInternalCommand{
		Header:          workflow.NewHeader(operationID, e.clock.Now()),
		AccountID:       accountID,
		AssetPairID:     assetPairID,
		Direction:       direction,
		LiquidationType: workflow.LiquidationForced,
		OriginatorType:  originator,
		AdditionalInfo:  comment,
	})
	if err != nil {
		return "", fmt.Errorf("start forced liquidation for %s: %w", accountID, err)
	}
	e.logger.LogLiquidation("forced_requested", operationID, zap.String("account_id", accountID), zap.String("asset_pair", assetPairID))
	return operationID, nil
}

// ResumeLiquidation 人工恢复卡住的强平
func (e *TradingEngine) ResumeLiquidation(ctx context.Context, operationID, comment string) error {
	return e.sender.Send(ctx, workflow.ResumeLiquidationInternalCommand{
		Header:  workflow.NewHeader(operationID, e.clock.Now()),
		Comment: comment,
	})
}
