package specialliquidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/infrastructure/persistence"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/internal/workflow/liquidation"
	"margin-trading-go/matching"
	"margin-trading-go/order"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// closer 按引擎报价平掉持仓，并记账到账户
type closer struct {
	mu          sync.Mutex
	positions   *cache.Partition[*order.Position]
	accounts    *account.Cache
	noLiquidity bool
	calls       int
	prices      []decimal.Decimal
}

func (c *closer) close(engine matching.Engine, positionIDs []string) []liquidation.CloseResult {
	var out []liquidation.CloseResult
	for _, id := range positionIDs {
		p, ok := c.positions.TryGetByID(id)
		if !ok {
			out = append(out, liquidation.CloseResult{PositionID: id, Comment: "not found"})
			continue
		}
		price, ok := engine.GetPriceForClose(p.AssetPairID, p.Volume(), p.ExternalProviderID)
		if !ok {
			out = append(out, liquidation.CloseResult{PositionID: id, NoLiquidity: true, Comment: "NoLiquidity"})
			continue
		}
		c.prices = append(c.prices, price)
		if err := p.StartClosing(testNow, order.CloseReasonClose, order.OriginatorSystem, id); err != nil {
			out = append(out, liquidation.CloseResult{PositionID: id, Comment: err.Error()})
			continue
		}
		pnl, err := p.Close(testNow, price, decimal.NewFromInt(1))
		if err != nil {
			out = append(out, liquidation.CloseResult{PositionID: id, Comment: err.Error()})
			continue
		}
		_, _ = c.positions.Remove(id)
		if acc := c.accounts.TryGet(p.AccountID); acc != nil {
			acc.SetBalance(acc.Balance().Add(pnl))
		}
		out = append(out, liquidation.CloseResult{PositionID: id, Liquidated: true})
	}
	return out
}

func (c *closer) LiquidatePositionsUsingSpecialWorkflow(ctx context.Context, engine matching.Engine, positionIDs []string, correlationID string) ([]liquidation.CloseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.close(engine, positionIDs), nil
}

// LiquidatePositions 普通强平时市场没有流动性
func (c *closer) LiquidatePositions(ctx context.Context, accountID string, positionIDs []string, operationID string) ([]liquidation.CloseResult, error) {
	out := make([]liquidation.CloseResult, 0, len(positionIDs))
	for _, id := range positionIDs {
		out = append(out, liquidation.CloseResult{PositionID: id, NoLiquidity: true, Comment: "NoLiquidity"})
	}
	return out, nil
}

type fixture struct {
	ctx        context.Context
	dispatcher *workflow.Dispatcher
	store      *persistence.MemoryExecutionInfoStore
	accounts   *account.Cache
	orders     *cache.OrdersCache
	closer     *closer

	mu       sync.Mutex
	messages []string
	failures []workflow.FailLiquidationInternalCommand
}

func newFixture(t *testing.T, price string) *fixture {
	t.Helper()
	clk := clock.NewManual(testNow)
	f := &fixture{
		ctx:        context.Background(),
		dispatcher: workflow.NewSyncDispatcher(workflow.RetryPolicy{MaxAttempts: 1}, logger.NewNop()),
		store:      persistence.NewMemoryExecutionInfoStore(),
		accounts:   account.NewCache(),
		orders:     cache.New(nil),
	}
	f.accounts.Add(account.New("acc1", "c1", "USD", "tc1", "LE", decimal.NewFromInt(115)))
	f.accounts.SetTradingConditions([]account.TradingCondition{{
		ID:          "tc1",
		MarginCall1: decimal.RequireFromString("1.2"),
		MarginCall2: decimal.RequireFromString("1.1"),
		StopOut:     decimal.NewFromInt(1),
	}})
	f.closer = &closer{positions: f.orders.Positions, accounts: f.accounts}

	New(f.store, f.dispatcher, f.orders.Positions, FakePriceProvider{Price: decimal.RequireFromString(price)},
		f.closer, "mm1", clk, logger.NewNop()).Register(f.dispatcher)

	record := func(name string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.messages = append(f.messages, name)
	}
	workflow.Handle(f.dispatcher, "test", func(ctx context.Context, e workflow.SpecialLiquidationStartedInternalEvent) error {
		record(e.MessageName())
		return nil
	})
	workflow.Handle(f.dispatcher, "test", func(ctx context.Context, e workflow.PriceForSpecialLiquidationCalculatedEvent) error {
		record(e.MessageName())
		return nil
	})
	workflow.Handle(f.dispatcher, "test", func(ctx context.Context, e workflow.SpecialLiquidationOrderExecutedEvent) error {
		record(e.MessageName())
		return nil
	})
	workflow.Handle(f.dispatcher, "test", func(ctx context.Context, e workflow.LiquidationResumedInternalEvent) error {
		record(e.MessageName())
		return nil
	})
	workflow.Handle(f.dispatcher, "test", func(ctx context.Context, c workflow.FailLiquidationInternalCommand) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.failures = append(f.failures, c)
		return nil
	})
	return f
}

func (f *fixture) addPosition(t *testing.T, id, pair string, volume int64) {
	t.Helper()
	p := order.NewPosition(order.PositionParams{
		ID:                    id,
		AccountID:             "acc1",
		AssetPairID:           pair,
		Volume:                decimal.NewFromInt(volume),
		OpenPrice:             decimal.NewFromInt(100),
		InitialMarginRate:     decimal.RequireFromString("0.1"),
		MaintenanceMarginRate: decimal.RequireFromString("0.05"),
		OpenDate:              testNow,
	})
	p.UpdateClosePrice(decimal.NewFromInt(90), decimal.NewFromInt(1), testNow)
	require.NoError(t, f.orders.Positions.Add(p))
}

func (f *fixture) start(t *testing.T, causation string, ids ...string) {
	t.Helper()
	require.NoError(t, f.dispatcher.Send(f.ctx, workflow.StartSpecialLiquidationInternalCommand{
		Header:               workflow.NewHeader("sl1", testNow),
		AccountID:            "acc1",
		PositionIDs:          ids,
		CausationOperationID: causation,
	}))
}

func (f *fixture) state(t *testing.T) OperationData {
	t.Helper()
	typed, err := workflow.GetTyped[OperationData](f.ctx, f.store, OperationName, "sl1")
	require.NoError(t, err)
	return typed.Data
}

func TestSpecialLiquidationExecutesAtProvidedPrice(t *testing.T) {
	f := newFixture(t, "95")
	f.addPosition(t, "p1", "EURUSD", 10)
	f.addPosition(t, "p2", "EURUSD", 5)

	f.start(t, "", "p1", "p2")

	data := f.state(t)
	assert.Equal(t, StateFinished, data.State)
	assert.Equal(t, "EURUSD", data.Instrument)
	assert.Equal(t, "15", data.Volume.String())
	assert.Equal(t, "95", data.Price.String())
	assert.Equal(t, []string{"p1", "p2"}, data.LiquidatedPositionIDs)
	assert.Equal(t, []string{
		"SpecialLiquidationStartedInternalEvent",
		"PriceForSpecialLiquidationCalculatedEvent",
		"SpecialLiquidationOrderExecutedEvent",
	}, f.messages)
	require.Len(t, f.closer.prices, 2)
	assert.Equal(t, "95", f.closer.prices[0].String())
	assert.Equal(t, 0, f.orders.Positions.Count())

	// 重复的开始命令不会再次成交
	f.start(t, "", "p1", "p2")
	assert.Equal(t, 1, f.closer.calls)
}

func TestSpecialLiquidationFailures(t *testing.T) {
	t.Run("没有价格", func(t *testing.T) {
		f := newFixture(t, "0")
		f.addPosition(t, "p1", "EURUSD", 10)
		f.start(t, "liq1", "p1")

		data := f.state(t)
		assert.Equal(t, StateFailed, data.State)
		assert.Contains(t, data.FailReason, ErrNoPrice.Error())
		require.Len(t, f.failures, 1)
		assert.Equal(t, "liq1", f.failures[0].OperationID)
		assert.Zero(t, f.closer.calls)
	})

	t.Run("品种不同", func(t *testing.T) {
		f := newFixture(t, "95")
		f.addPosition(t, "p1", "EURUSD", 10)
		f.addPosition(t, "p2", "GBPUSD", 10)
		f.start(t, "liq1", "p1", "p2")

		data := f.state(t)
		assert.Equal(t, StateFailed, data.State)
		assert.Equal(t, "Positions must be of the same instrument", data.FailReason)
	})

	t.Run("持仓不存在", func(t *testing.T) {
		f := newFixture(t, "95")
		f.start(t, "", "ghost")

		data := f.state(t)
		assert.Equal(t, StateFailed, data.State)
		assert.Equal(t, "Position ghost not found", data.FailReason)
		assert.Empty(t, f.failures)
	})
}

func TestSpecialLiquidationResumesCausingLiquidation(t *testing.T) {
	f := newFixture(t, "95")
	f.addPosition(t, "p1", "EURUSD", 10)
	clk := clock.NewManual(testNow)
	liquidation.NewCommandsHandler(f.store, f.dispatcher, f.accounts, f.orders.Positions, f.closer, clk, logger.NewNop()).
		Register(f.dispatcher)
	liquidation.NewSaga(f.store, f.dispatcher, liquidation.CacheSnapshots{Accounts: f.accounts, Positions: f.orders.Positions},
		clk, logger.NewNop()).Register(f.dispatcher)

	require.NoError(t, f.dispatcher.Send(f.ctx, workflow.StartLiquidationInternalCommand{
		Header:          workflow.NewHeader("liq1", testNow),
		AccountID:       "acc1",
		LiquidationType: workflow.LiquidationNormal,
	}))

	typed, err := workflow.GetTyped[liquidation.OperationData](f.ctx, f.store, liquidation.OperationName, "liq1")
	require.NoError(t, err)
	assert.Equal(t, liquidation.StateFinished, typed.Data.State)
	assert.Equal(t, []string{"p1"}, typed.Data.LiquidatedPositionIDs)
	assert.Equal(t, 1, typed.Data.SpecialLiquidationCount)
	assert.Equal(t, 1, f.closer.calls)
	assert.Contains(t, f.messages, "LiquidationResumedInternalEvent")

	special, err := workflow.GetTyped[OperationData](f.ctx, f.store, OperationName,
		liquidation.SpecialLiquidationID("liq1", 1))
	require.NoError(t, err)
	assert.Equal(t, StateFinished, special.Data.State)
	assert.Equal(t, "liq1", special.Data.CausationOperationID)

	acc, err := f.accounts.Get("acc1")
	require.NoError(t, err)
	assert.False(t, acc.IsInLiquidation())
	// 115 + 10*(95-100)
	assert.Equal(t, "65", acc.Balance().String())
}
