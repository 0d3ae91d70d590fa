package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrRequestInFlight means another request with the same idempotency key has
// not finished yet.
var ErrRequestInFlight = errors.New("checkout with this idempotency key is in progress")

// Idempotency remembers which order a (user, key) pair produced.
type Idempotency interface {
	// Begin returns the order id of a finished earlier request, or claims the
	// key and reports started=true.
	Begin(ctx context.Context, userID, key string) (orderID string, started bool, err error)
	Complete(ctx context.Context, userID, key, orderID string) error
	Abort(ctx context.Context, userID, key string) error
}

type Request struct {
	UserID          string
	ShippingAddress orders.ShippingAddress
	PaymentMethod   orders.PaymentMethod
	IdempotencyKey  string
}

type Result struct {
	Order orders.Order
	// Replayed is true when the order came from an earlier request with the
	// same idempotency key.
	Replayed bool
}

type Service struct {
	runner    *txn.Runner
	ledger    *inventory.Ledger
	products  inventory.Store
	orders    orders.Repository
	carts     orders.CartProvider
	idem      Idempotency
	observers orders.Observers
	clock     clock.Clock
	window    time.Duration
	logger    *zap.Logger
}

type Deps struct {
	Runner    *txn.Runner
	Ledger    *inventory.Ledger
	Products  inventory.Store
	Orders    orders.Repository
	Carts     orders.CartProvider
	Idem      Idempotency
	Observers orders.Observers
	Clock     clock.Clock
	Window    time.Duration
	Logger    *zap.Logger
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Window <= 0 {
		d.Window = orders.ReservationWindow
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		runner:    d.Runner,
		ledger:    d.Ledger,
		products:  d.Products,
		orders:    d.Orders,
		carts:     d.Carts,
		idem:      d.Idem,
		observers: d.Observers,
		clock:     d.Clock,
		window:    d.Window,
		logger:    d.Logger.Named("checkout"),
	}
}

func (s *Service) Checkout(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.Checkout")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validate(req); err != nil {
		return Result{}, err
	}

	if s.idem != nil && req.IdempotencyKey != "" {
		existing, started, err := s.idem.Begin(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency: %w", err)
		}
		if !started {
			if existing == "" {
				return Result{}, ErrRequestInFlight
			}
			o, err := s.orders.GetOrder(ctx, existing)
			if err != nil {
				return Result{}, err
			}
			return Result{Order: o, Replayed: true}, nil
		}
		defer func() {
			if err != nil {
				if aerr := s.idem.Abort(context.WithoutCancel(ctx), req.UserID, req.IdempotencyKey); aerr != nil {
					s.logger.Warn("idempotency abort failed", zap.Error(aerr))
				}
				return
			}
			if cerr := s.idem.Complete(context.WithoutCancel(ctx), req.UserID, req.IdempotencyKey, res.Order.ID); cerr != nil {
				s.logger.Warn("idempotency complete failed", zap.String("order_id", res.Order.ID), zap.Error(cerr))
			}
		}()
	}

	var order orders.Order
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		o, err := s.place(ctx, req)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.number", order.OrderNumber))
	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)
	s.observers.OrderChanged(ctx, orders.EventOrderCreated, order)
	return Result{Order: order}, nil
}

// place runs inside the unit of work.
func (s *Service) place(ctx context.Context, req Request) (orders.Order, error) {
	now := s.clock.Now()

	cart, err := s.carts.GetCart(ctx, req.UserID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("read cart: %w", err)
	}
	lines, err := mergeLines(cart.Lines)
	if err != nil {
		return orders.Order{}, err
	}

	items := make([]orders.OrderItem, 0, len(lines))
	total := decimal.Zero
	for _, l := range lines {
		p, err := s.products.GetProduct(ctx, l.ProductID)
		if errors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, &orders.ValidationError{Field: "cart.productId", Reason: fmt.Sprintf("product %s does not exist", l.ProductID)}
		}
		if err != nil {
			return orders.Order{}, err
		}
		if !p.IsActive || p.AvailableStock() < l.Quantity {
			return orders.Order{}, &orders.StockError{
				ProductID:   p.ID,
				ProductName: p.Name,
				Requested:   l.Quantity,
				Available:   p.AvailableStock(),
				Inactive:    !p.IsActive,
			}
		}
		sub := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		items = append(items, orders.OrderItem{
			ProductID:       p.ID,
			ProductName:     p.Name,
			Quantity:        l.Quantity,
			PriceAtPurchase: p.Price,
			Subtotal:        sub,
		})
		total = total.Add(sub)
	}

	// Reservations go first so a failed insert below can be compensated.
	for _, it := range items {
		if err := s.ledger.Reserve(ctx, it.ProductID, it.Quantity); err != nil {
			return orders.Order{}, err
		}
		productID, qty := it.ProductID, it.Quantity
		txn.OnRollback(ctx, func(ctx context.Context) error {
			return s.ledger.Release(ctx, productID, qty)
		})
	}

	number, err := s.orders.NextOrderNumber(ctx, now)
	if err != nil {
		return orders.Order{}, fmt.Errorf("order number: %w", err)
	}
	o := orders.Order{
		ID:              uuid.NewString(),
		OrderNumber:     number,
		UserID:          req.UserID,
		Items:           items,
		TotalAmount:     total,
		Status:          orders.StatusPendingPayment,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		ExpiresAt:       now.Add(s.window),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// Registered before the insert so a partially written order is voided too.
	txn.OnRollback(ctx, func(ctx context.Context) error {
		return s.void(ctx, o)
	})
	if err := s.orders.InsertOrder(ctx, o); err != nil {
		return orders.Order{}, fmt.Errorf("insert order: %w", err)
	}

	if err := s.carts.ClearCart(ctx, cart); err != nil {
		return orders.Order{}, fmt.Errorf("clear cart: %w", err)
	}
	return o, nil
}

// void takes an order written by a failed compare-and-swap checkout out of
// circulation. Lines are claimed before the status changes so no later
// settlement can touch a reservation the compensations already returned.
func (s *Service) void(ctx context.Context, o orders.Order) error {
	now := s.clock.Now()
	var errs []error
	for _, it := range o.Items {
		if _, err := s.orders.ClaimLine(ctx, o.ID, it.ProductID, now); err != nil && !errors.Is(err, orders.ErrNotFound) {
			errs = append(errs, fmt.Errorf("void order %s line %s: %w", o.ID, it.ProductID, err))
		}
	}
	err := s.orders.UpdateStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusCancelled, now)
	if err != nil && !errors.Is(err, orders.ErrNotFound) {
		errs = append(errs, fmt.Errorf("void order %s: %w", o.ID, err))
	}
	if err == nil {
		s.logger.Warn("voided order left by failed checkout", zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber))
	}
	return errors.Join(errs...)
}

func validate(req Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return &orders.ValidationError{Field: "userId", Reason: "is required"}
	}
	a := req.ShippingAddress
	required := []struct{ field, value string }{
		{"shippingAddress.fullName", a.FullName},
		{"shippingAddress.street", a.Street},
		{"shippingAddress.city", a.City},
		{"shippingAddress.postalCode", a.PostalCode},
		{"shippingAddress.country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &orders.ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if !req.PaymentMethod.Valid() {
		return &orders.ValidationError{Field: "paymentMethod", Reason: fmt.Sprintf("unsupported method %q", req.PaymentMethod)}
	}
	return nil
}

// mergeLines folds duplicate products into one line, keeping first-seen order.
func mergeLines(in []orders.CartLine) ([]orders.CartLine, error) {
	if len(in) == 0 {
		return nil, &orders.ValidationError{Field: "cart", Reason: "is empty"}
	}
	idx := make(map[string]int, len(in))
	out := make([]orders.CartLine, 0, len(in))
	for _, l := range in {
		if strings.TrimSpace(l.ProductID) == "" {
			return nil, &orders.ValidationError{Field: "cart.productId", Reason: "is required"}
		}
		if l.Quantity < 1 {
			return nil, &orders.ValidationError{Field: "cart.quantity", Reason: fmt.Sprintf("must be at least 1 for product %s", l.ProductID)}
		}
		if i, ok := idx[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out, nil
}
