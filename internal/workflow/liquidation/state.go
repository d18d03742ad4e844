package liquidation

import (
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/account"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/order"
)

// OperationName 强平流程在执行信息存储中的名字
const OperationName = "Liquidation"

// State 强平流程状态
type State string

const (
	StateInitiated                 State = "Initiated"
	StateStarted                   State = "Started"
	StateSpecialLiquidationStarted State = "SpecialLiquidationStarted"
	StateFinished                  State = "Finished"
	StateFailed                    State = "Failed"
)

// IsFinal Finished 与 Failed 不再变化
func (s State) IsFinal() bool {
	return s == StateFinished || s == StateFailed
}

// OperationData 持久化的强平流程数据。
// LiquidatedPositionIDs 始终是 ProcessedPositionIDs 的子集。
type OperationData struct {
	State                   State                    `json:"state"`
	AccountID               string                   `json:"accountId"`
	AssetPairID             string                   `json:"assetPairId,omitempty"`
	Direction               *order.PositionDirection `json:"direction,omitempty"`
	QuoteInfo               string                   `json:"quoteInfo,omitempty"`
	ProcessedPositionIDs    []string                 `json:"processedPositionIds"`
	LiquidatedPositionIDs   []string                 `json:"liquidatedPositionIds"`
	LiquidationType         workflow.LiquidationType `json:"liquidationType"`
	OriginatorType          order.Originator         `json:"originatorType"`
	AdditionalInfo          string                   `json:"additionalInfo,omitempty"`
	StartedAt               time.Time                `json:"startedAt"`
	SpecialLiquidationCount int                      `json:"specialLiquidationCount"`
}

// NewOperationData 由开始命令创建初始数据
func NewOperationData(cmd workflow.StartLiquidationInternalCommand) OperationData {
	return OperationData{
		State:                 StateInitiated,
		AccountID:             cmd.AccountID,
		AssetPairID:           cmd.AssetPairID,
		Direction:             cmd.Direction,
		QuoteInfo:             cmd.QuoteInfo,
		ProcessedPositionIDs:  []string{},
		LiquidatedPositionIDs: []string{},
		LiquidationType:       cmd.LiquidationType,
		OriginatorType:        cmd.OriginatorType,
		AdditionalInfo:        cmd.AdditionalInfo,
		StartedAt:             cmd.CreationTime,
	}
}

// Clone 深拷贝，决策函数不修改入参
func (d OperationData) Clone() OperationData {
	out := d
	out.ProcessedPositionIDs = append([]string{}, d.ProcessedPositionIDs...)
	out.LiquidatedPositionIDs = append([]string{}, d.LiquidatedPositionIDs...)
	if d.Direction != nil {
		dir := *d.Direction
		out.Direction = &dir
	}
	return out
}

// SwitchState 当前状态等于 from 时切换到 to
func (d *OperationData) SwitchState(from, to State) bool {
	if d.State != from {
		return false
	}
	d.State = to
	return true
}

// Matches 持仓是否符合品种与方向过滤
func (d OperationData) Matches(assetPairID string, direction order.PositionDirection) bool {
	if d.AssetPairID != "" && d.AssetPairID != assetPairID {
		return false
	}
	return d.Direction == nil || *d.Direction == "" || *d.Direction == direction
}

func (d OperationData) isProcessed(positionID string) bool {
	return contains(d.ProcessedPositionIDs, positionID)
}

// PositionInfo 决策所需的持仓快照
type PositionInfo struct {
	ID                string
	AssetPairID       string
	Direction         order.PositionDirection
	MarginMaintenance decimal.Decimal
	InitialMargin     decimal.Decimal
	CurrentMargin     decimal.Decimal
}

// Snapshot 决策时刻的账户视图
type Snapshot struct {
	AccountExists bool
	AccountLevel  account.Level
	Positions     []PositionInfo
	DayOff        map[string]bool
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func appendUnique(ids []string, add ...string) []string {
	for _, id := range add {
		if !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}
