package liquidation

import (
	"fmt"
	"time"

	"margin-trading-go/account"
	"margin-trading-go/internal/identity"
	"margin-trading-go/internal/workflow"
)

// Decision 一次事件处理的结果。Applied 为 false 时不保存也不发命令。
type Decision struct {
	Data      OperationData
	Commands  []workflow.Message
	Anomalies []string
	Note      string
	Applied   bool
}

func (d *Decision) send(cmd workflow.Message) {
	d.Commands = append(d.Commands, cmd)
}

func skip(data OperationData, format string, args ...any) Decision {
	return Decision{Data: data, Note: fmt.Sprintf(format, args...)}
}

// Decide 强平流程的状态转换，纯函数。
// operationID 是流程 id，snap 是决策时刻的账户视图。
func Decide(operationID string, data OperationData, event workflow.Message, snap Snapshot, now time.Time) Decision {
	next := data.Clone()
	switch e := event.(type) {
	case workflow.LiquidationStartedInternalEvent:
		if !next.SwitchState(StateInitiated, StateStarted) {
			return skip(data, "state is %s, expected %s", data.State, StateInitiated)
		}
		d := Decision{Data: next, Applied: true}
		liquidatePositionsIfAnyAvailable(&d, operationID, snap, now)
		return d

	case workflow.LiquidationFailedEvent:
		if data.State == StateFinished {
			return skip(data, "unable to set Failed state, liquidation %s is already finished", operationID)
		}
		if data.State == StateFailed {
			return skip(data, "liquidation %s is already failed", operationID)
		}
		next.State = StateFailed
		return Decision{Data: next, Applied: true}

	case workflow.LiquidationFinishedEvent:
		if !next.SwitchState(StateStarted, StateFinished) {
			return skip(data, "state is %s, expected %s", data.State, StateStarted)
		}
		return Decision{Data: next, Applied: true}

	case workflow.PositionsLiquidationFinishedInternalEvent:
		if data.State != StateStarted {
			return skip(data, "state is %s, expected %s", data.State, StateStarted)
		}
		if allProcessed(data, e.LiquidationInfos) {
			return skip(data, "positions of batch are already processed")
		}
		for _, info := range e.LiquidationInfos {
			next.ProcessedPositionIDs = appendUnique(next.ProcessedPositionIDs, info.PositionID)
			if info.IsLiquidated {
				next.LiquidatedPositionIDs = appendUnique(next.LiquidatedPositionIDs, info.PositionID)
			}
		}
		d := Decision{Data: next, Applied: true}
		continueOrFinishLiquidation(&d, operationID, snap, now)
		return d

	case workflow.NotEnoughLiquidityInternalEvent:
		if !next.SwitchState(StateStarted, StateSpecialLiquidationStarted) {
			return skip(data, "state is %s, expected %s", data.State, StateStarted)
		}
		next.ProcessedPositionIDs = appendUnique(next.ProcessedPositionIDs, e.LiquidatedPositionIDs...)
		next.LiquidatedPositionIDs = appendUnique(next.LiquidatedPositionIDs, e.LiquidatedPositionIDs...)
		next.SpecialLiquidationCount++
		d := Decision{Data: next, Applied: true}
		d.send(workflow.StartSpecialLiquidationInternalCommand{
			Header:               workflow.NewHeader(SpecialLiquidationID(operationID, next.SpecialLiquidationCount), now),
			AccountID:            next.AccountID,
			PositionIDs:          append([]string(nil), e.PositionIDs...),
			CausationOperationID: operationID,
			AdditionalInfo:       next.AdditionalInfo,
			OriginatorType:       next.OriginatorType,
		})
		return d

	case workflow.LiquidationResumedInternalEvent:
		if e.IsCausedBySpecialLiquidation {
			if !next.SwitchState(StateSpecialLiquidationStarted, StateStarted) {
				return skip(data, "state is %s, expected %s", data.State, StateSpecialLiquidationStarted)
			}
			next.ProcessedPositionIDs = appendUnique(next.ProcessedPositionIDs, e.PositionsLiquidatedBySpecialLiquidation...)
			next.LiquidatedPositionIDs = appendUnique(next.LiquidatedPositionIDs, e.PositionsLiquidatedBySpecialLiquidation...)
		} else {
			if next.State != StateStarted && next.State != StateSpecialLiquidationStarted {
				return skip(data, "manual resume is not allowed in state %s", data.State)
			}
			next.State = StateStarted
			// 人工恢复时重试所有未真正平掉的持仓
			next.ProcessedPositionIDs = append([]string{}, next.LiquidatedPositionIDs...)
		}
		d := Decision{Data: next, Applied: true}
		continueOrFinishLiquidation(&d, operationID, snap, now)
		return d
	}
	return skip(data, "unsupported event %s", event.MessageName())
}

// SpecialLiquidationID 由强平 id 派生的特殊强平 id，重复计算得到同一个值
func SpecialLiquidationID(operationID string, seq int) string {
	return identity.Derive(operationID, "special-liquidation", seq)
}

func allProcessed(data OperationData, infos []workflow.LiquidationInfo) bool {
	if len(infos) == 0 {
		return false
	}
	for _, info := range infos {
		if !data.isProcessed(info.PositionID) {
			return false
		}
	}
	return true
}

func liquidatePositionsIfAnyAvailable(d *Decision, operationID string, snap Snapshot, now time.Time) {
	sel := SelectPositions(d.Data, snap)
	d.Anomalies = append(d.Anomalies, sel.Anomalies...)
	if sel.Empty() {
		d.send(workflow.FailLiquidationInternalCommand{
			Header:          workflow.NewHeader(operationID, now),
			Reason:          "Nothing to liquidate",
			LiquidationType: d.Data.LiquidationType,
		})
		return
	}
	d.send(workflow.LiquidatePositionsInternalCommand{
		Header:      workflow.NewHeader(operationID, now),
		AssetPairID: sel.AssetPairID,
		Direction:   sel.Direction,
		PositionIDs: sel.PositionIDs,
	})
}

func continueOrFinishLiquidation(d *Decision, operationID string, snap Snapshot, now time.Time) {
	finish := func(reason string) {
		d.send(workflow.FinishLiquidationInternalCommand{
			Header:                workflow.NewHeader(operationID, now),
			Reason:                reason,
			LiquidationType:       d.Data.LiquidationType,
			ProcessedPositionIDs:  append([]string{}, d.Data.ProcessedPositionIDs...),
			LiquidatedPositionIDs: append([]string{}, d.Data.LiquidatedPositionIDs...),
		})
	}

	if !snap.AccountExists {
		d.send(workflow.FailLiquidationInternalCommand{
			Header:          workflow.NewHeader(operationID, now),
			Reason:          "Account does not exist",
			LiquidationType: d.Data.LiquidationType,
		})
		return
	}

	switch d.Data.LiquidationType {
	case workflow.LiquidationForced:
		if !anyMatching(d.Data, snap) {
			finish("All positions are closed")
			return
		}
		liquidatePositionsIfAnyAvailable(d, operationID, snap, now)

	case workflow.LiquidationMco:
		if snap.AccountLevel < account.LevelStopOut {
			finish(fmt.Sprintf("Account margin level is %s", snap.AccountLevel))
			return
		}
		sel := SelectPositions(d.Data, snap)
		if sel.Empty() {
			d.Anomalies = append(d.Anomalies, sel.Anomalies...)
			finish("No more positions eligible")
			return
		}
		liquidatePositionsIfAnyAvailable(d, operationID, snap, now)

	default:
		if snap.AccountLevel < account.LevelStopOut {
			finish(fmt.Sprintf("Account margin level is %s", snap.AccountLevel))
			return
		}
		liquidatePositionsIfAnyAvailable(d, operationID, snap, now)
	}
}

func anyMatching(data OperationData, snap Snapshot) bool {
	for _, p := range snap.Positions {
		if data.Matches(p.AssetPairID, p.Direction) {
			return true
		}
	}
	return false
}
