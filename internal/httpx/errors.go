package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-pipeline/internal/checkout"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"go.uber.org/zap"
)

const (
	codeInvalidRequestBody = "invalid_request_body"
	codeUnauthenticated    = "unauthenticated"
	codeValidationFailed   = "validation_failed"
	codeInsufficientStock  = "insufficient_stock"
	codeProductInactive    = "product_inactive"
	codeNotFound           = "not_found"
	codeForbidden          = "forbidden"
	codeInvalidTransition  = "invalid_transition"
	codeOrderExpired       = "order_expired"
	codePaymentDeclined    = "payment_declined"
	codeStatusConflict     = "status_conflict"
	codeRequestInFlight    = "request_in_flight"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// errorMapping is checked in order; the first match wins.
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{orders.ErrValidation, http.StatusBadRequest, codeValidationFailed},
	{orders.ErrInsufficientStock, http.StatusBadRequest, codeInsufficientStock},
	{orders.ErrForbidden, http.StatusForbidden, codeForbidden},
	{orders.ErrNotFound, http.StatusNotFound, codeNotFound},
	{orders.ErrOrderExpired, http.StatusBadRequest, codeOrderExpired},
	{orders.ErrPaymentDeclined, http.StatusBadRequest, codePaymentDeclined},
	{orders.ErrInvalidTransition, http.StatusBadRequest, codeInvalidTransition},
	{orders.ErrStatusConflict, http.StatusConflict, codeStatusConflict},
	{checkout.ErrRequestInFlight, http.StatusConflict, codeRequestInFlight},
}

// classify maps a service error to its HTTP status, code and client message.
// Unknown errors become a 500 whose message hides the cause.
func classify(err error) (int, string, string) {
	var stock *orders.StockError
	if errors.As(err, &stock) && stock.Inactive {
		return http.StatusBadRequest, codeProductInactive, stock.Error()
	}
	var verr *orders.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, codeValidationFailed, verr.Error()
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return m.status, m.code, clientMessage(err)
		}
	}
	return http.StatusInternalServerError, codeInternalError, "internal error"
}

// clientMessage prefers the typed error's own text over the wrapped chain.
func clientMessage(err error) string {
	var stock *orders.StockError
	if errors.As(err, &stock) {
		return stock.Error()
	}
	var te *orders.TransitionError
	if errors.As(err, &te) {
		return te.Error()
	}
	switch {
	case errors.Is(err, orders.ErrOrderExpired):
		return "order has expired; the reserved stock was released"
	case errors.Is(err, orders.ErrPaymentDeclined):
		return "payment was declined"
	case errors.Is(err, orders.ErrNotFound):
		return "not found"
	case errors.Is(err, orders.ErrForbidden):
		return "forbidden"
	}
	return err.Error()
}

func (h *OrdersHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, msg)
}
