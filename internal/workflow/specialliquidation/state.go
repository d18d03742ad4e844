package specialliquidation

import (
	"github.com/shopspring/decimal"

	"margin-trading-go/internal/workflow"
	"margin-trading-go/order"
)

// OperationName 特殊强平流程在执行信息存储中的名称
const OperationName = "SpecialLiquidation"

// State 特殊强平流程状态
type State string

const (
	StateInitiated       State = "Initiated"
	StateStarted         State = "Started"
	StatePriceCalculated State = "PriceCalculated"
	StateOrderExecuted   State = "OrderExecuted"
	StateFinished        State = "Finished"
	StateFailed          State = "Failed"
)

func (s State) IsFinal() bool {
	return s == StateFinished || s == StateFailed
}

// OperationData 特殊强平流程数据
type OperationData struct {
	State                 State            `json:"state"`
	AccountID             string           `json:"accountId"`
	Instrument            string           `json:"instrument"`
	PositionIDs           []string         `json:"positionIds"`
	Volume                decimal.Decimal  `json:"volume"`
	Price                 decimal.Decimal  `json:"price"`
	CausationOperationID  string           `json:"causationOperationId,omitempty"`
	AdditionalInfo        string           `json:"additionalInfo,omitempty"`
	OriginatorType        order.Originator `json:"originatorType"`
	LiquidatedPositionIDs []string         `json:"liquidatedPositionIds"`
	FailReason            string           `json:"failReason,omitempty"`
}

func newOperationData(cmd workflow.StartSpecialLiquidationInternalCommand) OperationData {
	return OperationData{
		State:                 StateInitiated,
		AccountID:             cmd.AccountID,
		PositionIDs:           append([]string(nil), cmd.PositionIDs...),
		CausationOperationID:  cmd.CausationOperationID,
		AdditionalInfo:        cmd.AdditionalInfo,
		OriginatorType:        cmd.OriginatorType,
		LiquidatedPositionIDs: []string{},
	}
}

// switchState 只有处于 from 时才切换
func (d *OperationData) switchState(from, to State) bool {
	if d.State != from {
		return false
	}
	d.State = to
	return true
}
