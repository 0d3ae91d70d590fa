package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/checkout"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/payment"
	"github.com/ariefcatur/go-order-pipeline/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Checkouter interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type Payer interface {
	Pay(ctx context.Context, orderID, userID string) (payment.Result, error)
	ListPayments(ctx context.Context, orderID, userID string) ([]orders.Payment, error)
}

type StatusChanger interface {
	UpdateStatus(ctx context.Context, orderID string, target orders.Status) (orders.Order, error)
	CancelByOwner(ctx context.Context, orderID, userID string) (orders.Order, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]orders.Order, error)
}

type Catalog interface {
	Products(ctx context.Context) ([]orders.Product, error)
}

// StatusCache is optional; without it status reads go to storage.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.StatusEntry, bool, error)
	Set(ctx context.Context, e redisx.StatusEntry) error
}

type OrdersHandler struct {
	Checkouts Checkouter
	Payments  Payer
	Statuses  StatusChanger
	Orders    OrderReader
	Catalog   Catalog
	Cache     StatusCache
	Logger    *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	r.Get("/products", h.listProducts)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/orders/checkout", h.checkout)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Get("/orders/{id}/payments", h.listPayments)
		r.Post("/orders/{id}/pay", h.pay)
		r.Post("/orders/{id}/cancel", h.cancel)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)
		r.Patch("/admin/orders/{id}/status", h.adminUpdateStatus)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type productView struct {
	orders.Product
	AvailableStock int `json:"availableStock"`
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.Products(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, productView{Product: p, AvailableStock: p.AvailableStock()})
	}
	writeJSON(w, http.StatusOK, out)
}

type checkoutReq struct {
	ShippingAddress orders.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   orders.PaymentMethod   `json:"paymentMethod"`
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Checkouts.Checkout(ctx, checkout.Request{
		UserID:          userID(r),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, res.Order)
}

type payResp struct {
	Order   orders.Order   `json:"order"`
	Payment orders.Payment `json:"payment"`
}

type declinedResp struct {
	errorResponse
	Payment orders.Payment `json:"payment"`
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Payments.Pay(ctx, chi.URLParam(r, "id"), userID(r))
	if errors.Is(err, orders.ErrPaymentDeclined) {
		msg := res.Payment.FailureReason
		if msg == "" {
			msg = "payment was declined"
		}
		writeJSON(w, http.StatusBadRequest, declinedResp{
			errorResponse: errorResponse{Error: msg, Code: codePaymentDeclined},
			Payment:       res.Payment,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payResp{Order: res.Order, Payment: res.Payment})
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Statuses.CancelByOwner(ctx, chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) ownedOrder(ctx context.Context, r *http.Request) (orders.Order, error) {
	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return orders.Order{}, err
	}
	if o.UserID != userID(r) {
		return orders.Order{}, orders.ErrForbidden
	}
	return o, nil
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.ownedOrder(ctx, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus answers from the status cache when it can and fills it on a miss.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if h.Cache != nil {
		e, ok, err := h.Cache.Get(ctx, id)
		if err != nil {
			h.Logger.Warn("status cache read failed", zap.String("order_id", id), zap.Error(err))
		}
		if ok {
			if e.UserID != userID(r) {
				h.fail(w, r, orders.ErrForbidden)
				return
			}
			writeJSON(w, http.StatusOK, e)
			return
		}
	}

	o, err := h.ownedOrder(ctx, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	e := redisx.StatusEntry{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, e); err != nil {
			h.Logger.Warn("status cache write failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *OrdersHandler) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Payments.ListPayments(ctx, chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ps == nil {
		ps = []orders.Payment{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, codeValidationFailed, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Orders.ListOrdersByUser(ctx, userID(r), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

type statusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Statuses.UpdateStatus(ctx, chi.URLParam(r, "id"), orders.Status(req.Status))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
