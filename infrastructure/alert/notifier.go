package alert

import (
	"context"

	"margin-trading-go/account"
	"margin-trading-go/internal/engine"
	"margin-trading-go/internal/workflow"
)

// Notifier 把保证金水平变化和强平失败转换成告警
type Notifier struct {
	manager *Manager
}

// NewNotifier 创建告警转换器
func NewNotifier(manager *Manager) *Notifier {
	return &Notifier{manager: manager}
}

// Register 订阅保证金事件和强平终态事件
func (n *Notifier) Register(events engine.Events, d *workflow.Dispatcher) {
	events.Margin.Subscribe("alerts", 100, n.OnMarginEvent)
	workflow.Handle(d, "alerts", n.OnLiquidationFailed)
	workflow.Handle(d, "alerts", n.OnSpecialLiquidationFailed)
}

// OnMarginEvent 水平升高时告警，回落不告警
func (n *Notifier) OnMarginEvent(ctx context.Context, ev engine.MarginEvent) error {
	if ev.NewLevel <= ev.OldLevel {
		return nil
	}
	level := LevelWarning
	message := "margin call"
	switch ev.NewLevel {
	case account.LevelMarginCall2:
		level = LevelError
	case account.LevelStopOut:
		level = LevelCritical
		message = "stop out"
	}
	return n.manager.SendAlert(Alert{
		Level:     level,
		Message:   message,
		Key:       ev.AccountID + ":" + ev.NewLevel.String(),
		Timestamp: ev.Time,
		Fields: map[string]interface{}{
			"account_id":    ev.AccountID,
			"level":         ev.NewLevel.String(),
			"margin_usage":  ev.Metrics.MarginUsageLevel.String(),
			"total_capital": ev.Metrics.TotalCapital.String(),
		},
	})
}

// OnLiquidationFailed 强平失败
func (n *Notifier) OnLiquidationFailed(ctx context.Context, ev workflow.LiquidationFailedEvent) error {
	return n.manager.SendAlert(Alert{
		Level:     LevelError,
		Message:   "liquidation failed",
		Key:       "liquidation:" + ev.OperationID,
		Timestamp: ev.CreationTime,
		Fields: map[string]interface{}{
			"operation_id":        ev.OperationID,
			"account_id":          ev.AccountID,
			"reason":              ev.Reason,
			"type":                string(ev.LiquidationType),
			"remaining_positions": ev.OpenPositionsRemainingOnAccount,
		},
	})
}

// OnSpecialLiquidationFailed 特殊强平失败
func (n *Notifier) OnSpecialLiquidationFailed(ctx context.Context, ev workflow.SpecialLiquidationFailedEvent) error {
	return n.manager.SendAlert(Alert{
		Level:     LevelError,
		Message:   "special liquidation failed",
		Key:       "special:" + ev.OperationID,
		Timestamp: ev.CreationTime,
		Fields: map[string]interface{}{
			"operation_id": ev.OperationID,
			"reason":       ev.Reason,
		},
	})
}
