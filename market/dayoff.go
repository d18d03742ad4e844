package market

import (
	"sync"
	"time"
)

// DayOffExclusion 临时休市或临时开市区间
type DayOffExclusion struct {
	AssetPairID    string    `yaml:"asset_pair"`
	Start          time.Time `yaml:"start"`
	End            time.Time `yaml:"end"`
	IsTradeEnabled bool      `yaml:"trade_enabled"`
}

// DayOffSettings 休市配置
type DayOffSettings struct {
	// ClosedDays 每周休市日
	ClosedDays []time.Weekday `yaml:"closed_days"`
	// AlwaysOpen 不受每周休市影响的品种
	AlwaysOpen []string          `yaml:"always_open"`
	Exclusions []DayOffExclusion `yaml:"exclusions"`
}

// DayOffService 判断品种当前是否休市
type DayOffService struct {
	mu       sync.RWMutex
	settings DayOffSettings
	now      func() time.Time
}

// NewDayOffService 创建休市服务
func NewDayOffService(settings DayOffSettings, now func() time.Time) *DayOffService {
	return &DayOffService{settings: settings, now: now}
}

// Update 替换配置
func (s *DayOffService) Update(settings DayOffSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// IsDayOff 品种当前是否休市
func (s *DayOffService) IsDayOff(assetPairID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, ex := range s.settings.Exclusions {
		if ex.AssetPairID != assetPairID && ex.AssetPairID != "*" {
			continue
		}
		if !now.Before(ex.Start) && now.Before(ex.End) {
			return !ex.IsTradeEnabled
		}
	}
	for _, id := range s.settings.AlwaysOpen {
		if id == assetPairID {
			return false
		}
	}
	for _, d := range s.settings.ClosedDays {
		if now.Weekday() == d {
			return true
		}
	}
	return false
}

// ArePendingOrdersDisabled 休市期间挂单不触发执行
func (s *DayOffService) ArePendingOrdersDisabled(assetPairID string) bool {
	return s.IsDayOff(assetPairID)
}
