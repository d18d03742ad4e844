package account

import (
	"fmt"

	"github.com/shopspring/decimal"

	"margin-trading-go/order"
)

// Level 账户保证金等级，数值越大风险越高
type Level int

const (
	LevelNormal Level = iota
	LevelMarginCall1
	LevelMarginCall2
	LevelStopOut
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "Normal"
	case LevelMarginCall1:
		return "MarginCall1"
	case LevelMarginCall2:
		return "MarginCall2"
	case LevelStopOut:
		return "StopOut"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// TradingCondition 交易条件，阈值为 总资本/占用保证金 的比例
type TradingCondition struct {
	ID          string          `yaml:"id"`
	LegalEntity string          `yaml:"legal_entity"`
	MarginCall1 decimal.Decimal `yaml:"margin_call_1"`
	MarginCall2 decimal.Decimal `yaml:"margin_call_2"`
	StopOut     decimal.Decimal `yaml:"stop_out"`
}

// Metrics 由持仓推导的账户指标，不持久化
type Metrics struct {
	Balance             decimal.Decimal `json:"balance"`
	PnL                 decimal.Decimal `json:"pnl"`
	TotalCapital        decimal.Decimal `json:"totalCapital"`
	UsedMargin          decimal.Decimal `json:"usedMargin"`
	CurrentlyUsedMargin decimal.Decimal `json:"currentlyUsedMargin"`
	MarginMaintenance   decimal.Decimal `json:"marginMaintenance"`
	FreeMargin          decimal.Decimal `json:"freeMargin"`
	FrozenMargin        decimal.Decimal `json:"withdrawalFrozenMargin"`
	MarginUsageLevel    decimal.Decimal `json:"marginUsageLevel"`
	OpenPositions       int             `json:"openPositionsCount"`
	Level               Level           `json:"level"`
}

// Calculate 根据持仓计算账户指标。已平仓的持仓忽略。
func Calculate(balance decimal.Decimal, positions []*order.Position, tc TradingCondition) Metrics {
	m := Metrics{
		Balance:             balance,
		PnL:                 decimal.Zero,
		UsedMargin:          decimal.Zero,
		CurrentlyUsedMargin: decimal.Zero,
		MarginMaintenance:   decimal.Zero,
		MarginUsageLevel:    decimal.Zero,
		FrozenMargin:        decimal.Zero,
	}
	for _, p := range positions {
		if p.Status() == order.PositionClosed {
			continue
		}
		view := p.Snapshot()
		m.OpenPositions++
		m.PnL = m.PnL.Add(view.PnL)
		m.UsedMargin = m.UsedMargin.Add(decimal.Max(view.MarginInit, view.InitialMargin))
		m.CurrentlyUsedMargin = m.CurrentlyUsedMargin.Add(view.MarginInit)
		m.MarginMaintenance = m.MarginMaintenance.Add(view.MarginMaintenance)
	}
	m.TotalCapital = balance.Add(m.PnL)
	m.FreeMargin = m.TotalCapital.Sub(m.UsedMargin)
	if m.UsedMargin.IsPositive() {
		m.MarginUsageLevel = m.TotalCapital.Div(m.UsedMargin)
		m.Level = levelFor(m.MarginUsageLevel, tc)
	}
	return m
}

// CalculateAccount 账户指标，出金冻结的金额从可用保证金中扣除，不影响保证金水平
func CalculateAccount(acc *Account, positions []*order.Position, tc TradingCondition) Metrics {
	m := Calculate(acc.Balance(), positions, tc)
	m.FrozenMargin = acc.FrozenMargin()
	m.FreeMargin = m.FreeMargin.Sub(m.FrozenMargin)
	return m
}

func levelFor(usage decimal.Decimal, tc TradingCondition) Level {
	switch {
	case usage.LessThanOrEqual(tc.StopOut):
		return LevelStopOut
	case usage.LessThanOrEqual(tc.MarginCall2):
		return LevelMarginCall2
	case usage.LessThanOrEqual(tc.MarginCall1):
		return LevelMarginCall1
	default:
		return LevelNormal
	}
}
