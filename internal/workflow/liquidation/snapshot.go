package liquidation

import (
	"margin-trading-go/account"
	"margin-trading-go/order"
)

// PositionSource 按账户取持仓
type PositionSource interface {
	GetByAccounts(accountIDs ...string) []*order.Position
}

// DayOffChecker 判断品种是否休市
type DayOffChecker interface {
	IsDayOff(assetPairID string) bool
}

// SnapshotSource 为决策函数构建账户视图
type SnapshotSource interface {
	Snapshot(accountID string) Snapshot
}

// CacheSnapshots 从账户缓存与持仓缓存构建视图
type CacheSnapshots struct {
	Accounts  *account.Cache
	Positions PositionSource
	DayOff    DayOffChecker
}

func (s CacheSnapshots) Snapshot(accountID string) Snapshot {
	acc := s.Accounts.TryGet(accountID)
	if acc == nil {
		return Snapshot{}
	}
	positions := s.Positions.GetByAccounts(accountID)
	snap := Snapshot{
		AccountExists: true,
		Positions:     make([]PositionInfo, 0, len(positions)),
		DayOff:        make(map[string]bool),
	}
	for _, p := range positions {
		if p.Status() == order.PositionClosed {
			continue
		}
		view := p.Snapshot()
		snap.Positions = append(snap.Positions, PositionInfo{
			ID:                p.ID,
			AssetPairID:       p.AssetPairID,
			Direction:         view.Direction,
			MarginMaintenance: view.MarginMaintenance,
			InitialMargin:     view.InitialMargin,
			CurrentMargin:     view.MarginInit,
		})
		if _, seen := snap.DayOff[p.AssetPairID]; !seen && s.DayOff != nil {
			snap.DayOff[p.AssetPairID] = s.DayOff.IsDayOff(p.AssetPairID)
		}
	}
	if tc, err := s.Accounts.TradingCondition(acc.TradingConditionID); err == nil {
		snap.AccountLevel = account.Calculate(acc.Balance(), positions, tc).Level
	}
	return snap
}
