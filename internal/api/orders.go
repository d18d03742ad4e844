package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/cache"
	"margin-trading-go/order"
)

type orderHandler struct {
	deps   Deps
	logger *logger.Logger
}

// placeOrderRequest 下单请求，volume 为正数，方向由 direction 决定。
// stopLoss / takeProfit 非空时同时创建挂在该订单下的关联订单。
type placeOrderRequest struct {
	AccountID       string           `json:"accountId"`
	InstrumentID    string           `json:"instrumentId"`
	Direction       order.Direction  `json:"direction"`
	Volume          decimal.Decimal  `json:"volume"`
	Type            order.Type       `json:"type"`
	FillType        order.FillType   `json:"fillType,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Validity        *time.Time       `json:"validity,omitempty"`
	ForceOpen       bool             `json:"forceOpen"`
	ParentOrderID   string           `json:"parentOrderId,omitempty"`
	PositionID      string           `json:"positionId,omitempty"`
	StopLoss        *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit      *decimal.Decimal `json:"takeProfit,omitempty"`
	UseTrailingStop bool             `json:"useTrailingStop"`
	Originator      order.Originator `json:"originator,omitempty"`
	CorrelationID   string           `json:"correlationId,omitempty"`
	AdditionalInfo  string           `json:"additionalInfo,omitempty"`
	Comment         string           `json:"comment,omitempty"`
}

type placeOrderResponse struct {
	Order   order.View   `json:"order"`
	Related []order.View `json:"relatedOrders,omitempty"`
}

// changeOrderRequest 省略的字段保持原值，clearValidity 清除有效期
type changeOrderRequest struct {
	Price         *decimal.Decimal `json:"price,omitempty"`
	Validity      *time.Time       `json:"validity,omitempty"`
	ClearValidity bool             `json:"clearValidity"`
	ForceOpen     *bool            `json:"forceOpen,omitempty"`
	Originator    order.Originator `json:"originator,omitempty"`
}

// paginated 分页响应
type paginated[T any] struct {
	Contents  []T `json:"contents"`
	Start     int `json:"start"`
	Size      int `json:"size"`
	TotalSize int `json:"totalSize"`
}

func newPage[T any](items []T, skip, take int) paginated[T] {
	page := cache.Page(items, skip, take)
	if skip < 0 {
		skip = 0
	}
	return paginated[T]{Contents: page, Start: skip, Size: len(page), TotalSize: len(items)}
}

// Place 处理 POST /api/orders
func (h *orderHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	acc, err := h.deps.Accounts.Get(req.AccountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := h.deps.Clock.Now()
	volume := req.Volume
	if req.Direction == order.DirectionSell {
		volume = volume.Neg()
	}
	params := order.Params{
		AccountID:          acc.ID,
		AssetPairID:        req.InstrumentID,
		TradingConditionID: acc.TradingConditionID,
		AccountAssetID:     acc.BaseAssetID,
		LegalEntity:        acc.LegalEntity,
		EquivalentAsset:    h.deps.EquivalentAsset,
		Originator:         req.Originator,
		CorrelationID:      req.CorrelationID,
		AdditionalInfo:     req.AdditionalInfo,
		Comment:            req.Comment,
		CreatedAt:          now,
	}
	if params.CorrelationID == "" {
		params.CorrelationID = h.deps.IDs.GenerateID()
	}

	base := params
	base.ID = h.deps.IDs.GenerateID()
	base.Code = h.deps.IDs.GenerateCode()
	base.Volume = volume
	base.Type = req.Type
	base.FillType = req.FillType
	base.Validity = req.Validity
	base.ForceOpen = req.ForceOpen
	base.ParentOrderID = req.ParentOrderID
	base.ParentPositionID = req.PositionID
	if req.Price != nil {
		base.Price = *req.Price
	}
	o := order.New(base)

	var related []*order.Order
	relatedParams := func(t order.Type, price decimal.Decimal) order.Params {
		p := params
		p.ID = h.deps.IDs.GenerateID()
		p.Code = h.deps.IDs.GenerateCode()
		p.Volume = volume.Neg()
		p.Type = t
		p.FillType = order.FillOrKill
		p.Price = price
		p.ParentOrderID = o.ID
		return p
	}
	if req.StopLoss != nil {
		t := order.TypeStopLoss
		if req.UseTrailingStop {
			t = order.TypeTrailingStop
		}
		related = append(related, order.New(relatedParams(t, *req.StopLoss)))
	}
	if req.TakeProfit != nil {
		related = append(related, order.New(relatedParams(order.TypeTakeProfit, *req.TakeProfit)))
	}

	if err := h.deps.Engine.PlaceOrder(r.Context(), o); err != nil {
		writeDomainError(w, err)
		return
	}
	resp := placeOrderResponse{Order: o.Snapshot()}
	for _, child := range related {
		if err := h.deps.Engine.PlaceOrder(r.Context(), child); err != nil {
			h.logger.Warn("关联订单下单失败", zap.String("order_id", child.ID), zap.Error(err))
		}
		resp.Related = append(resp.Related, child.Snapshot())
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (req *placeOrderRequest) validate() error {
	if req.AccountID == "" || req.InstrumentID == "" {
		return fmt.Errorf("accountId and instrumentId are required")
	}
	if req.Direction != order.DirectionBuy && req.Direction != order.DirectionSell {
		return fmt.Errorf("direction must be Buy or Sell")
	}
	if !req.Volume.IsPositive() {
		return fmt.Errorf("volume must be positive")
	}
	if req.Type == "" {
		req.Type = order.TypeMarket
	}
	switch req.Type {
	case order.TypeMarket, order.TypeLimit, order.TypeStop, order.TypeTakeProfit, order.TypeStopLoss, order.TypeTrailingStop:
	default:
		return fmt.Errorf("unknown order type %q", req.Type)
	}
	if req.FillType == "" {
		req.FillType = order.FillOrKill
	}
	if req.FillType != order.FillOrKill && req.FillType != order.PartialFill {
		return fmt.Errorf("unknown fill type %q", req.FillType)
	}
	if req.Originator == "" {
		req.Originator = order.OriginatorInvestor
	}
	if (req.StopLoss != nil || req.TakeProfit != nil) && req.Type.IsRelated() {
		return fmt.Errorf("related orders cannot carry stopLoss or takeProfit")
	}
	return nil
}

// Get 处理 GET /api/orders/{orderId}
func (h *orderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderId")
	o, ok := h.deps.Orders.TryGetOrderByID(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "not_found", fmt.Sprintf("order %s not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, o.Snapshot())
}

// List 处理 GET /api/orders?accountId&assetPairId&skip&take
func (h *orderHandler) List(w http.ResponseWriter, r *http.Request) {
	skip, take, err := pagingParams(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	accountID := r.URL.Query().Get("accountId")
	assetPairID := r.URL.Query().Get("assetPairId")

	views := make([]order.View, 0)
	for _, o := range h.deps.Orders.GetAllOrders() {
		if accountID != "" && o.AccountID != accountID {
			continue
		}
		if assetPairID != "" && o.AssetPairID != assetPairID {
			continue
		}
		views = append(views, o.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	WriteJSON(w, http.StatusOK, newPage(views, skip, take))
}

// Change 处理 PUT /api/orders/{orderId}
func (h *orderHandler) Change(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderId")
	var req changeOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	o, ok := h.deps.Orders.TryGetOrderByID(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "not_found", fmt.Sprintf("order %s not found", id))
		return
	}

	price := o.Price()
	if req.Price != nil {
		price = *req.Price
	}
	validity := o.Validity()
	if req.ClearValidity {
		validity = nil
	} else if req.Validity != nil {
		validity = req.Validity
	}
	forceOpen := o.ForceOpen()
	if req.ForceOpen != nil {
		forceOpen = *req.ForceOpen
	}
	originator := req.Originator
	if originator == "" {
		originator = order.OriginatorInvestor
	}

	if err := h.deps.Engine.ChangeOrder(r.Context(), id, price, validity, forceOpen, originator); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, o.Snapshot())
}

// Cancel 处理 DELETE /api/orders/{orderId}?originator&comment
func (h *orderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderId")
	originator := order.Originator(r.URL.Query().Get("originator"))
	if originator == "" {
		originator = order.OriginatorInvestor
	}
	o, err := h.deps.Engine.CancelPendingOrder(r.Context(), id, originator, order.CancelReasonNone, r.URL.Query().Get("comment"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, o.Snapshot())
}

func pagingParams(r *http.Request) (skip, take int, err error) {
	q := r.URL.Query()
	if v := q.Get("skip"); v != "" {
		if skip, err = strconv.Atoi(v); err != nil || skip < 0 {
			return 0, 0, fmt.Errorf("skip must be a non-negative integer")
		}
	}
	if v := q.Get("take"); v != "" {
		if take, err = strconv.Atoi(v); err != nil || take < 0 {
			return 0, 0, fmt.Errorf("take must be a non-negative integer")
		}
	}
	return skip, take, nil
}
