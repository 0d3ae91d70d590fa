package memory

import (
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/shopspring/decimal"
)

// SeedDemo loads a small catalog, one cart and one recipient so a fresh
// in-memory process can serve a full checkout and payment.
func SeedDemo(s *Store) {
	now := time.Now().UTC()
	for _, p := range []orders.Product{
		{ID: "prod-widget", SKU: "WID-001", Name: "Widget", Price: decimal.RequireFromString("19.99"), Stock: 50},
		{ID: "prod-gadget", SKU: "GAD-001", Name: "Gadget", Price: decimal.RequireFromString("49.50"), Stock: 10},
		{ID: "prod-gizmo", SKU: "GIZ-001", Name: "Gizmo", Price: decimal.RequireFromString("5.25"), Stock: 200},
	} {
		p.IsActive = true
		p.UpdatedAt = now
		s.PutProduct(p)
	}
	s.PutCart(orders.Cart{UserID: "demo-user", Lines: []orders.CartLine{
		{ProductID: "prod-widget", Quantity: 3},
		{ProductID: "prod-gizmo", Quantity: 2},
	}})
	s.PutRecipient(orders.Recipient{UserID: "demo-user", Email: "demo@example.com", Name: "Demo User"})
}
