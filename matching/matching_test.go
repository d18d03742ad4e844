package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"margin-trading-go/order"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func now() time.Time { return testNow }

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func marketOrder(id, assetPair string, volume int64, fill order.FillType) *order.Order {
	return order.New(order.Params{
		ID:          id,
		AssetPairID: assetPair,
		LegalEntity: "LE1",
		Volume:      dec(volume),
		Type:        order.TypeMarket,
		FillType:    fill,
		CreatedAt:   testNow,
	})
}

func seededBook() *BookEngine {
	e := NewBookEngine("mm", now)
	e.SetOrders("maker", "EURUSD", []LimitOrder{
		{ID: "a1", Volume: dec(-40), Price: dec(101)},
		{ID: "a2", Volume: dec(-20), Price: dec(102)},
		{ID: "b1", Volume: dec(50), Price: dec(99)},
	})
	return e
}

func TestBookEngineFillOrKillDoesNotConsume(t *testing.T) {
	e := seededBook()
	matched, err := e.MatchOrder(context.Background(), marketOrder("o1", "EURUSD", 100, order.FillOrKill), true, order.ModalityRegular)
	require.NoError(t, err)
	assert.Equal(t, "60", matched.SummaryVolume().String())

	_, asks := e.Depth("EURUSD")
	assert.Equal(t, 2, asks)
}

func TestBookEnginePartialFillConsumes(t *testing.T) {
	e := seededBook()
	matched, err := e.MatchOrder(context.Background(), marketOrder("o1", "EURUSD", 50, order.PartialFill), true, order.ModalityRegular)
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "a1", matched[0].OrderID)
	assert.Equal(t, "101", matched[0].Price.String())
	assert.Equal(t, "10", matched[1].LimitOrderLeftToMatch.String())

	_, asks := e.Depth("EURUSD")
	assert.Equal(t, 1, asks)

	price, ok := e.GetPriceForClose("EURUSD", dec(-10), "")
	require.True(t, ok)
	assert.Equal(t, "102", price.String())
	_, ok = e.GetPriceForClose("EURUSD", dec(-11), "")
	assert.False(t, ok)
}

func TestBookEngineSetOrdersReplacesMaker(t *testing.T) {
	e := seededBook()
	e.SetOrders("maker", "EURUSD", []LimitOrder{{Volume: dec(5), Price: dec(98)}})
	bids, asks := e.Depth("EURUSD")
	assert.Equal(t, 1, bids)
	assert.Equal(t, 0, asks)
}

// 撮合总量不超过订单量，成交价按价格优先单调
func TestBookEngineMatchProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewBookEngine("mm", now)
		n := rapid.IntRange(0, 15).Draw(t, "levels")
		orders := make([]LimitOrder, 0, n)
		for i := 0; i < n; i++ {
			orders = append(orders, LimitOrder{
				Volume: dec(-rapid.Int64Range(1, 50).Draw(t, "vol")),
				Price:  dec(rapid.Int64Range(90, 110).Draw(t, "price")),
			})
		}
		e.SetOrders("maker", "X", orders)
		want := rapid.Int64Range(1, 300).Draw(t, "want")
		matched, err := e.MatchOrder(context.Background(), marketOrder("o", "X", want, order.PartialFill), true, order.ModalityRegular)
		if err != nil {
			t.Fatal(err)
		}
		if matched.SummaryVolume().GreaterThan(dec(want)) {
			t.Fatalf("matched %s > %d", matched.SummaryVolume(), want)
		}
		for i := 1; i < len(matched); i++ {
			if matched[i].Price.LessThan(matched[i-1].Price) {
				t.Fatalf("price order broken at %d", i)
			}
		}
	})
}

func TestSpecialLiquidationEngine(t *testing.T) {
	e := NewSpecialLiquidationEngine("sl1", dec(95), dec(10), "EURUSD", "gavel", "ext1", now)
	matched, err := e.MatchOrder(context.Background(), marketOrder("o1", "EURUSD", -10, order.FillOrKill), false, order.ModalityLiquidation)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "95", matched[0].Price.String())
	assert.True(t, matched[0].IsExternal)

	matched, err = e.MatchOrder(context.Background(), marketOrder("o2", "GBPUSD", -10, order.FillOrKill), false, order.ModalityLiquidation)
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestRouter(t *testing.T) {
	mm := NewBookEngine("mm", now)
	stp := NewBookEngine("stp", now)
	le := NewBookEngine("le", now)
	r := NewRouter("mm", []Route{
		{AssetPairID: "EURUSD", MatchingEngineID: "stp"},
		{LegalEntity: "LE1", MatchingEngineID: "le"},
	}, mm, stp, le)

	tests := []struct {
		name      string
		assetPair string
		want      string
	}{
		{"品种规则优先于法人规则", "EURUSD", "stp"},
		{"法人规则", "GBPUSD", "le"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := r.GetMatchingEngineForExecution(marketOrder("o", tt.assetPair, 1, order.FillOrKill))
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.ID())
		})
	}

	r.SetRoutes(nil)
	e, err := r.GetMatchingEngineForExecution(marketOrder("o", "GBPUSD", 1, order.FillOrKill))
	require.NoError(t, err)
	assert.Equal(t, "mm", e.ID())
}

func TestRouterPinnedAndNoRoute(t *testing.T) {
	r := NewRouter("missing", nil)
	_, err := r.GetMatchingEngineForExecution(marketOrder("o", "EURUSD", 1, order.FillOrKill))
	assert.ErrorIs(t, err, ErrNoRoute)
	_, err = r.GetMatchingEngineForClose("whatever")
	assert.ErrorIs(t, err, ErrNoRoute)

	special := NewSpecialLiquidationEngine("sl1", dec(1), dec(1), "EURUSD", "gavel", "x", now)
	r.Register(special)
	pinned := order.New(order.Params{ID: "o", AssetPairID: "EURUSD", Volume: dec(1), Type: order.TypeMarket, PinnedMatchingEngineID: "sl1"})
	e, err := r.GetMatchingEngineForExecution(pinned)
	require.NoError(t, err)
	assert.Equal(t, ModeSpecialLiquidation, e.Mode())

	// 特殊强平引擎不能用于普通平仓
	_, err = r.GetMatchingEngineForClose("sl1")
	assert.ErrorIs(t, err, ErrNoRoute)

	r.Unregister("sl1")
	_, err = r.GetMatchingEngineForExecution(pinned)
	assert.ErrorIs(t, err, ErrNoRoute)
}
