package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/engine"
	"margin-trading-go/internal/identity"
	"margin-trading-go/order"
	"margin-trading-go/risk"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

var _ Engine = (*engine.TradingEngine)(nil)

type forcedCall struct {
	accountID, assetPairID string
	direction              *order.PositionDirection
	originator             order.Originator
}

type changeCall struct {
	id        string
	price     decimal.Decimal
	validity  *time.Time
	forceOpen bool
}

// fakeEngine 记录调用，下单时直接激活并放进 Active 分区
type fakeEngine struct {
	mu       sync.Mutex
	orders   *cache.OrdersCache
	placed   []*order.Order
	changes  []changeCall
	forced   []forcedCall
	resumed  []string
	placeErr error
}

func (f *fakeEngine) PlaceOrder(ctx context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.placed = append(f.placed, o)
	if err := o.Activate(testNow, ""); err != nil {
		return err
	}
	return f.orders.Active.Add(o)
}

func (f *fakeEngine) ChangeOrder(ctx context.Context, id string, price decimal.Decimal, validity *time.Time,
	forceOpen bool, originator order.Originator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price.IsNegative() {
		return &risk.ValidationError{Reason: order.RejectInvalidExpectedOpenPrice, Message: "negative price"}
	}
	f.changes = append(f.changes, changeCall{id: id, price: price, validity: validity, forceOpen: forceOpen})
	return nil
}

func (f *fakeEngine) CancelPendingOrder(ctx context.Context, id string, originator order.Originator,
	reason order.CancelReason, comment string) (*order.Order, error) {
	o, ok := f.orders.TryGetOrderByID(id)
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, cache.ErrNotFound)
	}
	if o.Status() != order.StatusActive {
		return nil, fmt.Errorf("cancel %s: %w", id, engine.ErrInvalidOperation)
	}
	if err := o.Cancel(testNow, originator); err != nil {
		return nil, err
	}
	_, _, _ = f.orders.RemoveOrder(id)
	return o, nil
}

func (f *fakeEngine) ClosePosition(ctx context.Context, positionID string, originator order.Originator, comment string) (*order.Order, error) {
	if _, ok := f.orders.Positions.TryGetByID(positionID); !ok {
		return nil, fmt.Errorf("position %s: %w", positionID, cache.ErrNotFound)
	}
	return order.New(order.Params{ID: "close-" + positionID, Type: order.TypeMarket, Volume: decimal.NewFromInt(-1)}), nil
}

func (f *fakeEngine) StartForcedLiquidation(ctx context.Context, accountID, assetPairID string, direction *order.PositionDirection,
	originator order.Originator, comment string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, forcedCall{accountID, assetPairID, direction, originator})
	return "op-forced", nil
}

func (f *fakeEngine) ResumeLiquidation(ctx context.Context, operationID, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, operationID)
	return nil
}

func (f *fakeEngine) GetAccountMetrics(accountID string) (account.Metrics, error) {
	if accountID != "acc1" {
		return account.Metrics{}, fmt.Errorf("%s: %w", accountID, account.ErrAccountNotFound)
	}
	return account.Metrics{Balance: decimal.NewFromInt(1000), Level: account.LevelMarginCall1}, nil
}

type recordedRequest struct {
	route string
	code  int
}

type requestRecorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *requestRecorder) RecordHTTPRequest(route string, code int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, recordedRequest{route, code})
}

type testEnv struct {
	router   http.Handler
	engine   *fakeEngine
	orders   *cache.OrdersCache
	accounts *account.Cache
	requests *requestRecorder
}

func newTestEnv() *testEnv {
	orders := cache.New(nil)
	accounts := account.NewCache()
	accounts.Add(account.New("acc1", "client1", "USD", "tc1", "LE", decimal.NewFromInt(1000)))
	accounts.SetTradingConditions([]account.TradingCondition{{ID: "tc1", StopOut: decimal.NewFromInt(1)}})
	fe := &fakeEngine{orders: orders}
	rec := &requestRecorder{}
	router := NewRouter(Deps{
		Engine:          fe,
		Orders:          orders,
		Accounts:        accounts,
		Withdrawals:     account.NewManager(nil, accounts, account.NewLocker(1), nil, nil, clock.NewManual(testNow), logger.NewNop()),
		IDs:             identity.NewSequential("id-"),
		Clock:           clock.NewManual(testNow),
		EquivalentAsset: "USD",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
		Observer: rec,
		Logger:   logger.NewNop(),
	})
	return &testEnv{router: router, engine: fe, orders: orders, accounts: accounts, requests: rec}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestPlaceOrderWithRelatedOrders(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodPost, "/api/orders", map[string]any{
		"accountId":       "acc1",
		"instrumentId":    "EURUSD",
		"direction":       "Sell",
		"volume":          "2",
		"type":            "Limit",
		"price":           "1.2",
		"stopLoss":        "1.3",
		"takeProfit":      "1.1",
		"useTrailingStop": true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[placeOrderResponse](t, rr)
	assert.Equal(t, "-2", resp.Order.Volume.String())
	assert.Equal(t, order.TypeLimit, resp.Order.Type)
	assert.Equal(t, order.FillOrKill, resp.Order.FillType)
	assert.Equal(t, order.OriginatorInvestor, resp.Order.Originator)
	require.Len(t, resp.Related, 2)
	assert.Equal(t, order.TypeTrailingStop, resp.Related[0].Type)
	assert.Equal(t, "2", resp.Related[0].Volume.String())
	assert.Equal(t, resp.Order.ID, resp.Related[0].ParentOrderID)
	assert.Equal(t, order.TypeTakeProfit, resp.Related[1].Type)

	require.Len(t, env.engine.placed, 3)
	placed := env.engine.placed[0]
	assert.Equal(t, "tc1", placed.TradingConditionID)
	assert.Equal(t, "USD", placed.AccountAssetID)
	assert.Equal(t, "LE", placed.LegalEntity)
	assert.Equal(t, "USD", placed.EquivalentAsset)
	assert.Equal(t, testNow, placed.CreatedAt)
	assert.Equal(t, placed.CorrelationID, env.engine.placed[1].CorrelationID)
}

func TestPlaceOrderValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"缺少账户", map[string]any{"instrumentId": "EURUSD", "direction": "Buy", "volume": "1"}, http.StatusBadRequest},
		{"方向错误", map[string]any{"accountId": "acc1", "instrumentId": "EURUSD", "direction": "Up", "volume": "1"}, http.StatusBadRequest},
		{"数量为零", map[string]any{"accountId": "acc1", "instrumentId": "EURUSD", "direction": "Buy", "volume": "0"}, http.StatusBadRequest},
		{"未知类型", map[string]any{"accountId": "acc1", "instrumentId": "EURUSD", "direction": "Buy", "volume": "1", "type": "Iceberg"}, http.StatusBadRequest},
		{"未知字段", map[string]any{"accountId": "acc1", "instrumentId": "EURUSD", "direction": "Buy", "volume": "1", "leverage": 5}, http.StatusBadRequest},
		{"账户不存在", map[string]any{"accountId": "nope", "instrumentId": "EURUSD", "direction": "Buy", "volume": "1"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			rr := env.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.Empty(t, env.engine.placed)
		})
	}
}

func TestPlaceOrderRequiresJSON(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("accountId=acc1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", decode[errorResponse](t, rr).Error)
}

func placeLimit(t *testing.T, env *testEnv, account string) order.View {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/orders", map[string]any{
		"accountId": account, "instrumentId": "EURUSD", "direction": "Buy", "volume": "1", "type": "Limit", "price": "1.1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[placeOrderResponse](t, rr).Order
}

func TestGetAndListOrders(t *testing.T) {
	env := newTestEnv()
	env.accounts.Add(account.New("acc2", "client2", "USD", "tc1", "LE", decimal.NewFromInt(10)))
	first := placeLimit(t, env, "acc1")
	placeLimit(t, env, "acc2")
	placeLimit(t, env, "acc1")

	rr := env.do(t, http.MethodGet, "/api/orders/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, first.ID, decode[order.View](t, rr).ID)

	rr = env.do(t, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/orders?accountId=acc1&skip=1&take=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[paginated[order.View]](t, rr)
	assert.Equal(t, 2, page.TotalSize)
	assert.Equal(t, 1, page.Start)
	assert.Equal(t, 1, page.Size)

	rr = env.do(t, http.MethodGet, "/api/orders?take=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChangeOrderKeepsOmittedFields(t *testing.T) {
	env := newTestEnv()
	o := placeLimit(t, env, "acc1")

	rr := env.do(t, http.MethodPut, "/api/orders/"+o.ID, map[string]any{"forceOpen": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, env.engine.changes, 1)
	call := env.engine.changes[0]
	assert.Equal(t, "1.1", call.price.String())
	assert.Nil(t, call.validity)
	assert.True(t, call.forceOpen)

	rr = env.do(t, http.MethodPut, "/api/orders/"+o.ID, map[string]any{"price": "-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(order.RejectInvalidExpectedOpenPrice), decode[errorResponse](t, rr).Error)

	rr = env.do(t, http.MethodPut, "/api/orders/missing", map[string]any{"price": "1"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv()
	o := placeLimit(t, env, "acc1")

	rr := env.do(t, http.MethodDelete, "/api/orders/"+o.ID+"?comment=bye", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, order.StatusCancelled, decode[order.View](t, rr).Status)

	rr = env.do(t, http.MethodDelete, "/api/orders/"+o.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPositionsEndpoints(t *testing.T) {
	env := newTestEnv()
	p := order.NewPosition(order.PositionParams{
		ID:          "pos1",
		AccountID:   "acc1",
		AssetPairID: "EURUSD",
		Volume:      decimal.NewFromInt(3),
		OpenPrice:   decimal.NewFromInt(100),
		OpenDate:    testNow,
	})
	require.NoError(t, env.orders.Positions.Add(p))

	rr := env.do(t, http.MethodGet, "/api/positions/pos1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, order.PositionLong, decode[order.PositionView](t, rr).Direction)

	rr = env.do(t, http.MethodGet, "/api/positions?accountId=acc1&assetPairId=EURUSD", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[paginated[order.PositionView]](t, rr).TotalSize)

	rr = env.do(t, http.MethodDelete, "/api/positions/pos1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "close-pos1", decode[order.View](t, rr).ID)

	rr = env.do(t, http.MethodDelete, "/api/positions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestForcedLiquidationAndResume(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodDelete, "/api/positions/instrument-group/EURUSD?accountId=acc1&direction=Short", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "op-forced", decode[forcedLiquidationResponse](t, rr).OperationID)
	require.Len(t, env.engine.forced, 1)
	call := env.engine.forced[0]
	assert.Equal(t, "EURUSD", call.assetPairID)
	require.NotNil(t, call.direction)
	assert.Equal(t, order.PositionShort, *call.direction)
	assert.Equal(t, order.OriginatorOnBehalf, call.originator)

	rr = env.do(t, http.MethodDelete, "/api/positions/instrument-group/EURUSD?accountId=acc1&direction=Up", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodDelete, "/api/positions/instrument-group/EURUSD", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/liquidations/op-forced/resume?comment=retry", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"op-forced"}, env.engine.resumed)
}

func TestAccountMargin(t *testing.T) {
	env := newTestEnv()
	acc, err := env.accounts.Get("acc1")
	require.NoError(t, err)
	require.True(t, acc.TryStartLiquidation("op-9"))

	rr := env.do(t, http.MethodGet, "/api/accounts/acc1/margin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[accountMarginResponse](t, rr)
	assert.Equal(t, "MarginCall1", resp.LevelName)
	assert.Equal(t, "op-9", resp.LiquidationOperationID)
	assert.Equal(t, "1000", resp.Balance.String())

	rr = env.do(t, http.MethodGet, "/api/accounts/nope/margin", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthMetricsAndRequestObserver(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, "metrics", rr.Body.String())
	env.do(t, http.MethodGet, "/api/orders/abc", nil)

	env.requests.mu.Lock()
	defer env.requests.mu.Unlock()
	require.Len(t, env.requests.reqs, 3)
	assert.Equal(t, recordedRequest{"/api/orders/{orderId}", http.StatusNotFound}, env.requests.reqs[2])
}

func TestPlaceOrderEngineError(t *testing.T) {
	env := newTestEnv()
	env.engine.placeErr = fmt.Errorf("boom")

	rr := env.do(t, http.MethodPost, "/api/orders", map[string]any{
		"accountId": "acc1", "instrumentId": "EURUSD", "direction": "Buy", "volume": "1",
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWithdrawalFreezeAndUnfreeze(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodPost, "/api/accounts/acc1/withdrawals/w1/freeze", map[string]any{"amount": "1001"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/accounts/acc1/withdrawals/w1/freeze", map[string]any{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/accounts/acc1/withdrawals/w1/freeze", map[string]any{"amount": "700"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	acc := env.accounts.TryGet("acc1")
	assert.Equal(t, "700", acc.FrozenMargin().String())

	// 剩余可用 300
	rr = env.do(t, http.MethodPost, "/api/accounts/acc1/withdrawals/w2/freeze", map[string]any{"amount": "301"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/accounts/acc1/withdrawals/w1/unfreeze", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[withdrawalResponse](t, rr)
	assert.Equal(t, "700", resp.Amount.String())
	assert.True(t, acc.FrozenMargin().IsZero())

	rr = env.do(t, http.MethodPost, "/api/accounts/missing/withdrawals/w1/freeze", map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
