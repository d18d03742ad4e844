package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
)

type withdrawalHandler struct {
	deps   Deps
	logger *logger.Logger
}

type freezeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type withdrawalResponse struct {
	AccountID   string          `json:"accountId"`
	OperationID string          `json:"operationId"`
	Amount      decimal.Decimal `json:"amount"`
}

// Freeze 处理 POST /api/accounts/{accountId}/withdrawals/{operationId}/freeze
func (h *withdrawalHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	operationID := chi.URLParam(r, "operationId")
	var req freezeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := h.deps.Withdrawals.FreezeWithdrawalMargin(r.Context(), h.deps.Orders.Positions, accountID, operationID, req.Amount)
	if err != nil {
		h.logger.Info("出金冻结失败",
			zap.String("account_id", accountID),
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, withdrawalResponse{AccountID: accountID, OperationID: operationID, Amount: req.Amount})
}

// Unfreeze 处理 POST /api/accounts/{accountId}/withdrawals/{operationId}/unfreeze，出金失败时调用
func (h *withdrawalHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	operationID := chi.URLParam(r, "operationId")
	amount, err := h.deps.Withdrawals.UnfreezeWithdrawalMargin(r.Context(), accountID, operationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, withdrawalResponse{AccountID: accountID, OperationID: operationID, Amount: amount})
}
