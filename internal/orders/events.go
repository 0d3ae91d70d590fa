package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderPaid          = "OrderPaid"
	EventPaymentFailed      = "PaymentFailed"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderExpired       = "OrderExpired"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderConfirmation  = "OrderConfirmation"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderEventPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      string          `json:"user_id"`
	Status      Status          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []ItemQty       `json:"items"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// OrderConfirmationPayload is what the notification sink receives after a
// successful payment.
type OrderConfirmationPayload struct {
	OrderID     string          `json:"order_id"`
	Recipient   string          `json:"recipient"`
	Name        string          `json:"name"`
	OrderNumber string          `json:"order_number"`
	Amount      decimal.Decimal `json:"amount"`
}

func NewOrderEventPayload(o Order) OrderEventPayload {
	items := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return OrderEventPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Status:      o.Status,
		TotalAmount: o.TotalAmount,
		Items:       items,
		ExpiresAt:   o.ExpiresAt,
	}
}
