package order

import (
	"errors"
	"fmt"
)

// Status 订单生命周期状态
type Status string

const (
	StatusPlaced            Status = "Placed"
	StatusInactive          Status = "Inactive"
	StatusActive            Status = "Active"
	StatusExecutionStarted  Status = "ExecutionStarted"
	StatusExecuted          Status = "Executed"
	StatusPartiallyExecuted Status = "PartiallyExecuted"
	StatusRejected          Status = "Rejected"
	StatusCancelled         Status = "Cancelled"
	StatusExpired           Status = "Expired"
)

// ErrInvalidTransition 非法状态转换
var ErrInvalidTransition = errors.New("invalid order state transition")

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，只读的转换表
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 新单
		{StatusPlaced, StatusInactive},
		{StatusPlaced, StatusActive},
		{StatusPlaced, StatusExecutionStarted},
		{StatusPlaced, StatusRejected},
		{StatusPlaced, StatusExpired},

		// 等待父订单
		{StatusInactive, StatusActive},
		{StatusInactive, StatusCancelled},

		// 挂单
		{StatusActive, StatusExecutionStarted},
		{StatusActive, StatusCancelled},
		{StatusActive, StatusExpired},

		// 执行中，回到 Active 表示挂单重试
		{StatusExecutionStarted, StatusExecuted},
		{StatusExecutionStarted, StatusPartiallyExecuted},
		{StatusExecutionStarted, StatusRejected},
		{StatusExecutionStarted, StatusActive},

		// 终态不能转换（Executed, Rejected, Cancelled, Expired）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusExecuted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// CanCancel 只有挂单和未激活的订单可以撤销
func (sm *StateMachine) CanCancel(status Status) bool {
	return status == StatusActive || status == StatusInactive
}

// CanChange 价格、有效期等只能在执行前修改
func (sm *StateMachine) CanChange(status Status) bool {
	switch status {
	case StatusPlaced, StatusInactive, StatusActive:
		return true
	default:
		return false
	}
}

var transitions = NewStateMachine()

// Transitions 返回全局转换表
func Transitions() *StateMachine {
	return transitions
}
