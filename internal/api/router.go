package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/clock"
	"margin-trading-go/internal/identity"
	"margin-trading-go/order"
)

// Engine 接口层需要的交易引擎操作
type Engine interface {
	PlaceOrder(ctx context.Context, o *order.Order) error
	ChangeOrder(ctx context.Context, id string, price decimal.Decimal, validity *time.Time, forceOpen bool, originator order.Originator) error
	CancelPendingOrder(ctx context.Context, id string, originator order.Originator, reason order.CancelReason, comment string) (*order.Order, error)
	ClosePosition(ctx context.Context, positionID string, originator order.Originator, comment string) (*order.Order, error)
	StartForcedLiquidation(ctx context.Context, accountID, assetPairID string, direction *order.PositionDirection,
		originator order.Originator, comment string) (string, error)
	ResumeLiquidation(ctx context.Context, operationID, comment string) error
	GetAccountMetrics(accountID string) (account.Metrics, error)
}

// Withdrawals 出金保证金冻结
type Withdrawals interface {
	FreezeWithdrawalMargin(ctx context.Context, positions account.PositionSource, accountID, operationID string,
		amount decimal.Decimal) error
	UnfreezeWithdrawalMargin(ctx context.Context, accountID, operationID string) (decimal.Decimal, error)
}

// RequestObserver 请求指标回调
type RequestObserver interface {
	RecordHTTPRequest(route string, code int, elapsed time.Duration)
}

// Deps 路由依赖
type Deps struct {
	Engine          Engine
	Orders          *cache.OrdersCache
	Accounts        *account.Cache
	Withdrawals     Withdrawals
	IDs             identity.Generator
	Clock           clock.Clock
	EquivalentAsset string
	Metrics         http.Handler
	Observer        RequestObserver
	Logger          *logger.Logger
}

// NewRouter 注册全部路由
func NewRouter(d Deps) chi.Router {
	log := d.Logger.Named("api")
	r := chi.NewRouter()
	r.Use(requestLogging(log, d.Observer))
	r.Use(contentTypeJSON)

	orders := &orderHandler{deps: d, logger: log}
	positions := &positionHandler{deps: d, logger: log}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", orders.Place)
		r.Get("/orders", orders.List)
		r.Get("/orders/{orderId}", orders.Get)
		r.Put("/orders/{orderId}", orders.Change)
		r.Delete("/orders/{orderId}", orders.Cancel)

		r.Get("/positions", positions.List)
		r.Get("/positions/{positionId}", positions.Get)
		r.Delete("/positions/{positionId}", positions.Close)
		r.Delete("/positions/instrument-group/{assetPairId}", positions.ForceLiquidate)

		r.Post("/liquidations/{operationId}/resume", positions.ResumeLiquidation)
		r.Get("/accounts/{accountId}/margin", positions.AccountMargin)
		if d.Withdrawals != nil {
			withdrawals := &withdrawalHandler{deps: d, logger: log}
			r.Post("/accounts/{accountId}/withdrawals/{operationId}/freeze", withdrawals.Freeze)
			r.Post("/accounts/{accountId}/withdrawals/{operationId}/unfreeze", withdrawals.Unfreeze)
		}
	})
	return r
}

func requestLogging(log *logger.Logger, observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			if observer != nil {
				observer.RecordHTTPRequest(route, ww.status, time.Since(start))
			}
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON POST/PUT 请求必须是 JSON，空请求体除外
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && r.ContentLength != 0 {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
