package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"margin-trading-go/account"
	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/order"
)

type positionHandler struct {
	deps   Deps
	logger *logger.Logger
}

type forcedLiquidationResponse struct {
	OperationID string `json:"operationId"`
}

type accountMarginResponse struct {
	AccountID string `json:"accountId"`
	account.Metrics
	LevelName              string `json:"levelName"`
	LiquidationOperationID string `json:"liquidationOperationId,omitempty"`
}

// Get 处理 GET /api/positions/{positionId}
func (h *positionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionId")
	p, ok := h.deps.Orders.Positions.TryGetByID(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "not_found", fmt.Sprintf("position %s not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, p.Snapshot())
}

// List 处理 GET /api/positions?accountId&assetPairId&skip&take
func (h *positionHandler) List(w http.ResponseWriter, r *http.Request) {
	skip, take, err := pagingParams(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	accountID := r.URL.Query().Get("accountId")
	assetPairID := r.URL.Query().Get("assetPairId")

	var positions []*order.Position
	switch {
	case accountID != "" && assetPairID != "":
		positions = h.deps.Orders.Positions.GetByInstrumentAndAccount(assetPairID, accountID)
	case accountID != "":
		positions = h.deps.Orders.Positions.GetByAccounts(accountID)
	case assetPairID != "":
		positions = h.deps.Orders.Positions.GetByInstrument(assetPairID)
	default:
		positions = h.deps.Orders.Positions.GetAll()
	}
	views := make([]order.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, p.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].OpenDate.Equal(views[j].OpenDate) {
			return views[i].OpenDate.Before(views[j].OpenDate)
		}
		return views[i].ID < views[j].ID
	})
	WriteJSON(w, http.StatusOK, newPage(views, skip, take))
}

// Close 处理 DELETE /api/positions/{positionId}?originator&comment
func (h *positionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionId")
	originator := order.Originator(r.URL.Query().Get("originator"))
	if originator == "" {
		originator = order.OriginatorInvestor
	}
	o, err := h.deps.Engine.ClosePosition(r.Context(), id, originator, r.URL.Query().Get("comment"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, o.Snapshot())
}

// ForceLiquidate 处理 DELETE /api/positions/instrument-group/{assetPairId}?accountId&direction&comment
func (h *positionHandler) ForceLiquidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := q.Get("accountId")
	if accountID == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "accountId is required")
		return
	}
	var direction *order.PositionDirection
	if v := q.Get("direction"); v != "" {
		d := order.PositionDirection(v)
		if d != order.PositionLong && d != order.PositionShort {
			WriteError(w, http.StatusBadRequest, "invalid_request", "direction must be Long or Short")
			return
		}
		direction = &d
	}
	originator := order.Originator(q.Get("originator"))
	if originator == "" {
		originator = order.OriginatorOnBehalf
	}

	operationID, err := h.deps.Engine.StartForcedLiquidation(r.Context(), accountID, chi.URLParam(r, "assetPairId"),
		direction, originator, q.Get("comment"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, forcedLiquidationResponse{OperationID: operationID})
}

// ResumeLiquidation 处理 POST /api/liquidations/{operationId}/resume?comment
func (h *positionHandler) ResumeLiquidation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationId")
	if err := h.deps.Engine.ResumeLiquidation(r.Context(), operationID, r.URL.Query().Get("comment")); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, forcedLiquidationResponse{OperationID: operationID})
}

// AccountMargin 处理 GET /api/accounts/{accountId}/margin
func (h *positionHandler) AccountMargin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountId")
	m, err := h.deps.Engine.GetAccountMetrics(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := accountMarginResponse{AccountID: id, Metrics: m, LevelName: m.Level.String()}
	if acc := h.deps.Accounts.TryGet(id); acc != nil {
		resp.LiquidationOperationID = acc.LiquidationOperationID()
	}
	WriteJSON(w, http.StatusOK, resp)
}
