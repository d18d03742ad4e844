package liquidation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"margin-trading-go/internal/workflow"
	"margin-trading-go/order"
)

// Selection 下一批要平的持仓
type Selection struct {
	AssetPairID string
	Direction   order.PositionDirection
	PositionIDs []string
	Anomalies   []string
}

// Empty 没有可平持仓
func (s Selection) Empty() bool {
	return len(s.PositionIDs) == 0
}

type groupKey struct {
	assetPairID string
	direction   order.PositionDirection
}

type group struct {
	key       groupKey
	positions []PositionInfo
}

func (g group) sum(f func(PositionInfo) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range g.positions {
		total = total.Add(f(p))
	}
	return total
}

func (g group) ids() []string {
	out := make([]string, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p.ID)
	}
	return out
}

// eligibleGroups 未处理、符合过滤、非休市的持仓，按 (品种, 方向) 分组
func eligibleGroups(data OperationData, snap Snapshot) []group {
	index := make(map[groupKey]int)
	var groups []group
	for _, p := range snap.Positions {
		if data.isProcessed(p.ID) || !data.Matches(p.AssetPairID, p.Direction) {
			continue
		}
		if snap.DayOff[p.AssetPairID] {
			continue
		}
		key := groupKey{p.AssetPairID, p.Direction}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].positions = append(groups[i].positions, p)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].key.assetPairID != groups[j].key.assetPairID {
			return groups[i].key.assetPairID < groups[j].key.assetPairID
		}
		return groups[i].key.direction < groups[j].key.direction
	})
	return groups
}

// SelectPositions 按强平类型选出下一批持仓
func SelectPositions(data OperationData, snap Snapshot) Selection {
	groups := eligibleGroups(data, snap)
	if len(groups) == 0 {
		return Selection{}
	}
	switch data.LiquidationType {
	case workflow.LiquidationForced:
		return selectForced(data, groups)
	case workflow.LiquidationMco:
		return selectMco(groups)
	default:
		return selectNormal(groups)
	}
}

// selectNormal 维持保证金（或开仓保证金）占用最大的一组
func selectNormal(groups []group) Selection {
	best := -1
	var bestUsage decimal.Decimal
	for i, g := range groups {
		usage := g.sum(func(p PositionInfo) decimal.Decimal {
			return decimal.Max(p.MarginMaintenance, p.InitialMargin)
		})
		if best < 0 || usage.GreaterThan(bestUsage) {
			best, bestUsage = i, usage
		}
	}
	g := groups[best]
	return Selection{AssetPairID: g.key.assetPairID, Direction: g.key.direction, PositionIDs: g.ids()}
}

// selectMco 按 当前保证金/开仓保证金 排序，多头取最低、空头取最高。
// 两个方向统一成偏离分数比较：多头 1-ratio，空头 ratio-1。
func selectMco(groups []group) Selection {
	one := decimal.NewFromInt(1)
	var (
		anomalies   []string
		best        = -1
		bestScore   decimal.Decimal
		bestInitial decimal.Decimal
	)
	for i, g := range groups {
		initial := g.sum(func(p PositionInfo) decimal.Decimal { return p.InitialMargin })
		if !initial.IsPositive() {
			anomalies = append(anomalies, fmt.Sprintf("group %s/%s has zero initial margin", g.key.assetPairID, g.key.direction))
			continue
		}
		ratio := g.sum(func(p PositionInfo) decimal.Decimal { return p.CurrentMargin }).Div(initial)
		score := one.Sub(ratio)
		if g.key.direction == order.PositionShort {
			score = ratio.Sub(one)
		}
		better := best < 0 || score.GreaterThan(bestScore) ||
			(score.Equal(bestScore) && initial.GreaterThan(bestInitial))
		if better {
			best, bestScore, bestInitial = i, score, initial
		}
	}
	if best < 0 {
		return Selection{Anomalies: anomalies}
	}
	g := groups[best]
	return Selection{AssetPairID: g.key.assetPairID, Direction: g.key.direction, PositionIDs: g.ids(), Anomalies: anomalies}
}

// selectForced 所有符合条件的组一次性平掉
func selectForced(data OperationData, groups []group) Selection {
	s := Selection{AssetPairID: data.AssetPairID}
	if data.Direction != nil {
		s.Direction = *data.Direction
	}
	for _, g := range groups {
		s.PositionIDs = append(s.PositionIDs, g.ids()...)
	}
	return s
}
