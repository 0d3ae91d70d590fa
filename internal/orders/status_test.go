package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPendingPayment, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled}
	legal := map[[2]Status]bool{
		{StatusPendingPayment, StatusPaid}:      true,
		{StatusPendingPayment, StatusCancelled}: true,
		{StatusPaid, StatusShipped}:             true,
		{StatusPaid, StatusCancelled}:           true,
		{StatusShipped, StatusDelivered}:        true,
	}
	for _, from := range all {
		for _, to := range all {
			want := legal[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StatusPendingPayment, StatusPaid))

	err := ValidateTransition(StatusCancelled, StatusPaid)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusCancelled, te.From)
	assert.Equal(t, "order is cancelled and can no longer be paid", err.Error())

	err = ValidateTransition(StatusDelivered, StatusShipped)
	assert.Equal(t, "cannot change order status from DELIVERED to SHIPPED", err.Error())
}

func TestTerminalAndParse(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPaid.Terminal())

	s, ok := ParseStatus("SHIPPED")
	assert.True(t, ok)
	assert.Equal(t, StatusShipped, s)
	_, ok = ParseStatus("LOST")
	assert.False(t, ok)
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := Order{Status: StatusPendingPayment, ExpiresAt: now}
	assert.False(t, o.IsExpired(now), "expiry is strictly after expiresAt")
	assert.True(t, o.IsExpired(now.Add(time.Second)))

	o.Status = StatusPaid
	assert.False(t, o.IsExpired(now.Add(time.Hour)))
}

func TestStockErrorMessage(t *testing.T) {
	err := &StockError{ProductID: "p1", ProductName: "Widget", Requested: 5, Available: 2}
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, "insufficient stock for Widget: requested 5, available 2", err.Error())
}
