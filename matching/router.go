package matching

import (
	"fmt"
	"sync"

	"margin-trading-go/order"
)

// Route 路由规则，空字段匹配任意值
type Route struct {
	AssetPairID      string `yaml:"asset_pair"`
	LegalEntity      string `yaml:"legal_entity"`
	MatchingEngineID string `yaml:"matching_engine"`
}

func (r Route) matches(o *order.Order) bool {
	return (r.AssetPairID == "" || r.AssetPairID == o.AssetPairID) &&
		(r.LegalEntity == "" || r.LegalEntity == o.LegalEntity)
}

// specificity 越具体的规则优先
func (r Route) specificity() int {
	s := 0
	if r.AssetPairID != "" {
		s += 2
	}
	if r.LegalEntity != "" {
		s++
	}
	return s
}

// Router 按路由表选择撮合引擎
type Router struct {
	mu              sync.RWMutex
	engines         map[string]Engine
	routes          []Route
	defaultEngineID string
}

// NewRouter 创建路由器
func NewRouter(defaultEngineID string, routes []Route, engines ...Engine) *Router {
	r := &Router{engines: make(map[string]Engine), defaultEngineID: defaultEngineID}
	for _, e := range engines {
		r.engines[e.ID()] = e
	}
	r.SetRoutes(routes)
	return r
}

// Register 注册引擎，特殊强平引擎在流程开始时注册
func (r *Router) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
}

// Unregister 移除引擎
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, id)
}

// SetRoutes 替换路由表
func (r *Router) SetRoutes(routes []Route) {
	cp := append([]Route(nil), routes...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = cp
}

// GetMatchingEngineForExecution 指定了引擎的订单直接使用该引擎，否则取最具体的匹配规则
func (r *Router) GetMatchingEngineForExecution(o *order.Order) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if o.PinnedMatchingEngineID != "" {
		if e, ok := r.engines[o.PinnedMatchingEngineID]; ok {
			return e, nil
		}
		return nil, fmt.Errorf("%w: pinned engine %s not registered", ErrNoRoute, o.PinnedMatchingEngineID)
	}

	best := -1
	engineID := ""
	for _, route := range r.routes {
		if route.matches(o) && route.specificity() > best {
			best = route.specificity()
			engineID = route.MatchingEngineID
		}
	}
	if engineID == "" {
		engineID = r.defaultEngineID
	}
	if e, ok := r.engines[engineID]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: order %s asset pair %s", ErrNoRoute, o.ID, o.AssetPairID)
}

// GetMatchingEngineForClose 使用开仓引擎平仓，开仓引擎已不存在或是特殊强平引擎时用默认引擎
func (r *Router) GetMatchingEngineForClose(openMatchingEngineID string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.engines[openMatchingEngineID]; ok && e.Mode() != ModeSpecialLiquidation {
		return e, nil
	}
	if e, ok := r.engines[r.defaultEngineID]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: close for engine %s", ErrNoRoute, openMatchingEngineID)
}

// Engine 按 id 查询引擎
func (r *Router) Engine(id string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}
