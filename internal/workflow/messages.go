package workflow

import (
	"time"

	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// Message 工作流消息。OperationKey 决定串行化分组，同一操作的消息按发送顺序处理。
type Message interface {
	MessageName() string
	OperationKey() string
}

// Header 所有命令与事件共有的字段，OperationID 是去重键
type Header struct {
	OperationID  string    `json:"operationId"`
	CreationTime time.Time `json:"creationTime"`
}

func (h Header) OperationKey() string { return h.OperationID }

// NewHeader 创建消息头
func NewHeader(operationID string, now time.Time) Header {
	return Header{OperationID: operationID, CreationTime: now}
}

// LiquidationType 强平类型
type LiquidationType string

const (
	LiquidationNormal LiquidationType = "Normal"
	LiquidationMco    LiquidationType = "Mco"
	LiquidationForced LiquidationType = "Forced"
)

// LiquidationInfo 单个持仓的平仓结果
type LiquidationInfo struct {
	PositionID   string `json:"positionId"`
	IsLiquidated bool   `json:"isLiquidated"`
	Comment      string `json:"comment,omitempty"`
}

// ---- 强平命令 ----

type StartLiquidationInternalCommand struct {
	Header
	AccountID       string                   `json:"accountId"`
	AssetPairID     string                   `json:"assetPairId,omitempty"`
	Direction       *order.PositionDirection `json:"direction,omitempty"`
	QuoteInfo       string                   `json:"quoteInfo,omitempty"`
	LiquidationType LiquidationType          `json:"liquidationType"`
	OriginatorType  order.Originator         `json:"originatorType"`
	AdditionalInfo  string                   `json:"additionalInfo,omitempty"`
}

func (StartLiquidationInternalCommand) MessageName() string { return "StartLiquidationInternalCommand" }

type LiquidatePositionsInternalCommand struct {
	Header
	AssetPairID string                  `json:"assetPairId"`
	Direction   order.PositionDirection `json:"direction"`
	PositionIDs []string                `json:"positionIds"`
}

func (LiquidatePositionsInternalCommand) MessageName() string { return "LiquidatePositionsInternalCommand" }

type FailLiquidationInternalCommand struct {
	Header
	Reason          string          `json:"reason"`
	LiquidationType LiquidationType `json:"liquidationType"`
}

func (FailLiquidationInternalCommand) MessageName() string { return "FailLiquidationInternalCommand" }

type FinishLiquidationInternalCommand struct {
	Header
	Reason                string          `json:"reason"`
	LiquidationType       LiquidationType `json:"liquidationType"`
	ProcessedPositionIDs  []string        `json:"processedPositionIds"`
	LiquidatedPositionIDs []string        `json:"liquidatedPositionIds"`
}

func (FinishLiquidationInternalCommand) MessageName() string { return "FinishLiquidationInternalCommand" }

// ResumeLiquidationInternalCommand 人工或特殊强平完成后恢复强平
type ResumeLiquidationInternalCommand struct {
	Header
	Comment                                 string   `json:"comment,omitempty"`
	IsCausedBySpecialLiquidation            bool     `json:"isCausedBySpecialLiquidation"`
	CausationOperationID                    string   `json:"causationOperationId,omitempty"`
	PositionsLiquidatedBySpecialLiquidation []string `json:"positionsLiquidatedBySpecialLiquidation,omitempty"`
}

func (ResumeLiquidationInternalCommand) MessageName() string { return "ResumeLiquidationInternalCommand" }

// ---- 强平事件 ----

type LiquidationStartedInternalEvent struct {
	Header
}

func (LiquidationStartedInternalEvent) MessageName() string { return "LiquidationStartedInternalEvent" }

type PositionsLiquidationFinishedInternalEvent struct {
	Header
	LiquidationInfos []LiquidationInfo `json:"liquidationInfos"`
}

func (PositionsLiquidationFinishedInternalEvent) MessageName() string {
	return "PositionsLiquidationFinishedInternalEvent"
}

type NotEnoughLiquidityInternalEvent struct {
	Header
	PositionIDs           []string `json:"positionIds"`
	LiquidatedPositionIDs []string `json:"liquidatedPositionIds,omitempty"`
}

func (NotEnoughLiquidityInternalEvent) MessageName() string { return "NotEnoughLiquidityInternalEvent" }

type LiquidationResumedInternalEvent struct {
	Header
	Comment                                 string   `json:"comment,omitempty"`
	IsCausedBySpecialLiquidation            bool     `json:"isCausedBySpecialLiquidation"`
	PositionsLiquidatedBySpecialLiquidation []string `json:"positionsLiquidatedBySpecialLiquidation,omitempty"`
}

func (LiquidationResumedInternalEvent) MessageName() string { return "LiquidationResumedInternalEvent" }

// LiquidationFailedEvent 强平失败，对外事件
type LiquidationFailedEvent struct {
	Header
	Reason                          string                   `json:"reason"`
	LiquidationType                 LiquidationType          `json:"liquidationType"`
	AccountID                       string                   `json:"accountId"`
	AssetPairID                     string                   `json:"assetPairId,omitempty"`
	Direction                       *order.PositionDirection `json:"direction,omitempty"`
	QuoteInfo                       string                   `json:"quoteInfo,omitempty"`
	ProcessedPositionIDs            []string                 `json:"processedPositionIds"`
	LiquidatedPositionIDs           []string                 `json:"liquidatedPositionIds"`
	OpenPositionsRemainingOnAccount int                      `json:"openPositionsRemainingOnAccount"`
	CurrentTotalCapital             decimal.Decimal          `json:"currentTotalCapital"`
}

func (LiquidationFailedEvent) MessageName() string { return "LiquidationFailedEvent" }

// LiquidationFinishedEvent 强平完成，对外事件
type LiquidationFinishedEvent struct {
	Header
	Reason                          string                   `json:"reason"`
	LiquidationType                 LiquidationType          `json:"liquidationType"`
	AccountID                       string                   `json:"accountId"`
	AssetPairID                     string                   `json:"assetPairId,omitempty"`
	Direction                       *order.PositionDirection `json:"direction,omitempty"`
	ProcessedPositionIDs            []string                 `json:"processedPositionIds"`
	LiquidatedPositionIDs           []string                 `json:"liquidatedPositionIds"`
	OpenPositionsRemainingOnAccount int                      `json:"openPositionsRemainingOnAccount"`
	CurrentTotalCapital             decimal.Decimal          `json:"currentTotalCapital"`
}

func (LiquidationFinishedEvent) MessageName() string { return "LiquidationFinishedEvent" }

// ---- 特殊强平 ----

type StartSpecialLiquidationInternalCommand struct {
	Header
	AccountID            string           `json:"accountId"`
	PositionIDs          []string         `json:"positionIds"`
	CausationOperationID string           `json:"causationOperationId"`
	AdditionalInfo       string           `json:"additionalInfo,omitempty"`
	OriginatorType       order.Originator `json:"originatorType"`
}

func (StartSpecialLiquidationInternalCommand) MessageName() string {
	return "StartSpecialLiquidationInternalCommand"
}

type SpecialLiquidationStartedInternalEvent struct {
	Header
	Instrument string `json:"instrument"`
}

func (SpecialLiquidationStartedInternalEvent) MessageName() string {
	return "SpecialLiquidationStartedInternalEvent"
}

type PriceForSpecialLiquidationCalculatedEvent struct {
	Header
	Instrument string          `json:"instrument"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
}

func (PriceForSpecialLiquidationCalculatedEvent) MessageName() string {
	return "PriceForSpecialLiquidationCalculatedEvent"
}

type SpecialLiquidationOrderExecutedEvent struct {
	Header
	MarketMakerID string    `json:"marketMakerId"`
	OrderID       string    `json:"orderId"`
	ExecutionTime time.Time `json:"executionTime"`
}

func (SpecialLiquidationOrderExecutedEvent) MessageName() string {
	return "SpecialLiquidationOrderExecutedEvent"
}

type SpecialLiquidationFailedEvent struct {
	Header
	Reason string `json:"reason"`
}

func (SpecialLiquidationFailedEvent) MessageName() string { return "SpecialLiquidationFailedEvent" }
