package cache

import (
	"errors"
	"fmt"

	"margin-trading-go/order"
)

// OrdersCache 进程内订单与持仓的权威存储。
// 三个订单分区共享成员索引，同一订单 id 同一时刻只属于一个分区。
type OrdersCache struct {
	Active     *Partition[*order.Order]
	Inactive   *Partition[*order.Order]
	InProgress *Partition[*order.Order]
	Positions  *Partition[*order.Position]
}

// SizeObserver 分区大小变化回调，用于指标
type SizeObserver func(partition PartitionName, size int)

var orderAccessor = accessor[*order.Order]{
	id:         func(o *order.Order) string { return o.ID },
	account:    func(o *order.Order) string { return o.AccountID },
	instrument: func(o *order.Order) string { return o.AssetPairID },
	less: func(a, b *order.Order) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	},
}

var positionAccessor = accessor[*order.Position]{
	id:         func(p *order.Position) string { return p.ID },
	account:    func(p *order.Position) string { return p.AccountID },
	instrument: func(p *order.Position) string { return p.AssetPairID },
	less: func(a, b *order.Position) bool {
		if !a.OpenDate.Equal(b.OpenDate) {
			return a.OpenDate.Before(b.OpenDate)
		}
		return a.ID < b.ID
	},
}

// New 创建空缓存，observer 可以为 nil
func New(observer SizeObserver) *OrdersCache {
	orders := &membership{}
	return &OrdersCache{
		Active:     newPartition(PartitionActive, orders, orderAccessor, observer),
		Inactive:   newPartition(PartitionInactive, orders, orderAccessor, observer),
		InProgress: newPartition(PartitionInProgress, orders, orderAccessor, observer),
		Positions:  newPartition(PartitionPositions, &membership{}, positionAccessor, observer),
	}
}

func (c *OrdersCache) orderPartitions() []*Partition[*order.Order] {
	return []*Partition[*order.Order]{c.Active, c.Inactive, c.InProgress}
}

// FindOrder 在所有订单分区中查找，返回所在分区
func (c *OrdersCache) FindOrder(id string) (*order.Order, PartitionName, bool) {
	for _, p := range c.orderPartitions() {
		if o, ok := p.TryGetByID(id); ok {
			return o, p.Name(), true
		}
	}
	return nil, "", false
}

// GetOrderByID 跨分区查询订单
func (c *OrdersCache) GetOrderByID(id string) (*order.Order, error) {
	if o, _, ok := c.FindOrder(id); ok {
		return o, nil
	}
	return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
}

// TryGetOrderByID 跨分区查询订单，不存在返回 false
func (c *OrdersCache) TryGetOrderByID(id string) (*order.Order, bool) {
	o, _, ok := c.FindOrder(id)
	return o, ok
}

// Move 把订单从一个分区移动到另一个分区。
// 先移除再加入；加入失败时放回原分区，放回也失败时两个错误一起返回。
func (c *OrdersCache) Move(id string, from, to *Partition[*order.Order]) (*order.Order, error) {
	o, err := from.Remove(id)
	if err != nil {
		return nil, err
	}
	if err := to.Add(o); err != nil {
		if rerr := from.Add(o); rerr != nil {
			return nil, errors.Join(err, fmt.Errorf("rollback %s to %s: %w", id, from.Name(), rerr))
		}
		return nil, err
	}
	return o, nil
}

// RemoveOrder 从订单当前所在的分区移除
func (c *OrdersCache) RemoveOrder(id string) (*order.Order, PartitionName, error) {
	for _, p := range c.orderPartitions() {
		if !p.Contains(id) {
			continue
		}
		o, err := p.Remove(id)
		if err != nil {
			return nil, p.Name(), err
		}
		return o, p.Name(), nil
	}
	return nil, "", fmt.Errorf("order %s: %w", id, ErrNotFound)
}

// GetAllOrders 所有分区中的订单
func (c *OrdersCache) GetAllOrders() []*order.Order {
	var out []*order.Order
	for _, p := range c.orderPartitions() {
		out = append(out, p.GetAll()...)
	}
	return out
}

// GetPendingForAccount 账户的挂单（Active 与 Inactive）
func (c *OrdersCache) GetPendingForAccount(accountID string) []*order.Order {
	out := c.Active.GetByAccounts(accountID)
	return append(out, c.Inactive.GetByAccounts(accountID)...)
}

// GetRelatedOrders 按关联信息取回仍在缓存中的订单
func (c *OrdersCache) GetRelatedOrders(related []order.RelatedOrderInfo) []*order.Order {
	out := make([]*order.Order, 0, len(related))
	for _, r := range related {
		if o, ok := c.TryGetOrderByID(r.OrderID); ok {
			out = append(out, o)
		}
	}
	return out
}

// GetPositions 按 id 取持仓，跳过不存在的
func (c *OrdersCache) GetPositions(ids ...string) []*order.Position {
	out := make([]*order.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.Positions.TryGetByID(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Page 分页，skip/take 为负时按 0 处理，take 为 0 表示不限
func Page[T any](items []T, skip, take int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if take > 0 && take < len(items) {
		items = items[:take]
	}
	return items
}
