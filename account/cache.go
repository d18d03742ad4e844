package account

import (
	"fmt"
	"sort"
	"sync"
)

// Cache 进程内账户缓存
type Cache struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	conditions map[string]TradingCondition
}

// NewCache 创建账户缓存
func NewCache() *Cache {
	return &Cache{
		accounts:   make(map[string]*Account),
		conditions: make(map[string]TradingCondition),
	}
}

// Add 加入或替换账户
func (c *Cache) Add(a *Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[a.ID] = a
}

// Get 按 id 查询账户
func (c *Cache) Get(id string) (*Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

// TryGet 不存在时返回 nil
func (c *Cache) TryGet(id string) *Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accounts[id]
}

// GetAll 返回按 id 排序的全部账户
func (c *Cache) GetAll() []*Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetTradingConditions 整体替换交易条件，配置热加载时调用
func (c *Cache) SetTradingConditions(conditions []TradingCondition) {
	m := make(map[string]TradingCondition, len(conditions))
	for _, tc := range conditions {
		m[tc.ID] = tc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conditions = m
}

// TradingCondition 查询交易条件
func (c *Cache) TradingCondition(id string) (TradingCondition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.conditions[id]
	if !ok {
		return TradingCondition{}, fmt.Errorf("%w: %s", ErrTradingConditionNotFound, id)
	}
	return tc, nil
}
