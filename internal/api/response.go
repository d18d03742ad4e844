package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"margin-trading-go/account"
	"margin-trading-go/internal/cache"
	"margin-trading-go/internal/engine"
	"margin-trading-go/risk"
)

// WriteJSON 写 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError 标准错误响应
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorResponse{Error: code, Message: message})
}

// ParseJSON 解码请求体，拒绝未知字段
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("request body must be JSON with Content-Type: application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

// writeDomainError 把领域错误映射成 HTTP 状态
func writeDomainError(w http.ResponseWriter, err error) {
	if ve, ok := risk.AsValidationError(err); ok {
		WriteError(w, http.StatusBadRequest, string(ve.Reason), ve.Message)
		return
	}
	switch {
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, account.ErrAccountNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, account.ErrNotEnoughFreeMargin), errors.Is(err, account.ErrInvalidAmount):
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, engine.ErrInvalidOperation):
		WriteError(w, http.StatusConflict, "invalid_operation", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
