package risk

import "margin-trading-go/order"

// Guard 单项订单校验，账户、品种、价格等规则都可实现。
type Guard interface {
	Check(o *order.Order) error
}

// GuardFunc 函数适配为 Guard
type GuardFunc func(o *order.Order) error

func (f GuardFunc) Check(o *order.Order) error { return f(o) }

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard []Guard

func (m MultiGuard) Check(o *order.Order) error {
	for _, g := range m {
		if g == nil {
			continue
		}
		if err := g.Check(o); err != nil {
			return err
		}
	}
	return nil
}
