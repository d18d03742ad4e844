package monitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/infrastructure/persistence"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/engine"
	"margin-trading-go/internal/workflow"
	"margin-trading-go/order"
)

var (
	_ engine.Observer   = (*Monitor)(nil)
	_ workflow.Observer = (*Monitor)(nil)
)

func TestOrderFinishedCountsRejectReasons(t *testing.T) {
	m := New(DefaultConfig())

	m.OrderFinished(order.StatusExecuted, order.RejectNone)
	m.OrderFinished(order.StatusRejected, order.RejectNoLiquidity)
	m.OrderFinished(order.StatusRejected, order.RejectNoLiquidity)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersFinished.WithLabelValues(string(order.StatusExecuted))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersFinished.WithLabelValues(string(order.StatusRejected))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues(string(order.RejectNoLiquidity))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ordersRejected))
}

func TestMarginAndStopOut(t *testing.T) {
	m := New(DefaultConfig())

	m.MarginLevelChanged(account.LevelNormal, account.LevelMarginCall1)
	m.StopOut(workflow.LiquidationMco)
	m.PriceProcessed("EURUSD", 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.marginLevelChanges.WithLabelValues("Normal", account.LevelMarginCall1.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stopOuts.WithLabelValues("Mco")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pricesProcessed.WithLabelValues("EURUSD")))

	require.NoError(t, m.BalanceChanged(context.Background(), account.BalanceChangedEvent{Reason: account.ChangeRealizedPnL}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.balanceChanges.WithLabelValues("RealizedPnL")))
}

func TestPartitionSizeObserver(t *testing.T) {
	m := New(DefaultConfig())
	observe := m.PartitionSizeObserver()

	observe(cache.PartitionActive, 3)
	observe(cache.PartitionActive, 2)
	observe(cache.PartitionPositions, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.partitionSize.WithLabelValues("Active")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.partitionSize.WithLabelValues("Positions")))
}

func TestObserveMessage(t *testing.T) {
	m := New(DefaultConfig())
	finished := workflow.LiquidationFinishedEvent{}.MessageName()

	m.ObserveMessage(finished, 1, nil, time.Millisecond)
	m.ObserveMessage(finished, 3, errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesHandled.WithLabelValues(finished, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesHandled.WithLabelValues(finished, "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messageRetries.WithLabelValues(finished)))
}

func TestRegisterCountsLiquidationOutcomes(t *testing.T) {
	ctx := context.Background()
	m := New(DefaultConfig())
	d := workflow.NewSyncDispatcher(workflow.RetryPolicy{MaxAttempts: 1}, logger.NewNop())
	m.Register(d)

	require.NoError(t, d.Send(ctx, workflow.LiquidationFinishedEvent{
		Header:          workflow.NewHeader("op1", time.Now()),
		LiquidationType: workflow.LiquidationNormal,
	}))
	require.NoError(t, d.Send(ctx, workflow.LiquidationFailedEvent{
		Header:          workflow.NewHeader("op2", time.Now()),
		LiquidationType: workflow.LiquidationMco,
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("finished", "Normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("failed", "Mco")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesHandled.WithLabelValues(workflow.LiquidationFailedEvent{}.MessageName(), "ok")))
}

func TestInstrumentStoreCountsConflicts(t *testing.T) {
	ctx := context.Background()
	m := New(DefaultConfig())
	store := m.InstrumentStore(persistence.NewMemoryExecutionInfoStore())

	info, _, err := store.GetOrAdd(ctx, "Liquidation", "op1", func() ([]byte, error) { return []byte(`{}`), nil })
	require.NoError(t, err)
	_, err = store.CompareAndSave(ctx, info)
	require.NoError(t, err)

	_, err = store.CompareAndSave(ctx, info)
	require.ErrorIs(t, err, workflow.ErrConcurrencyConflict)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeConflicts))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.StopOut(workflow.LiquidationNormal)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mt_trading_stop_outs_total"))
}
