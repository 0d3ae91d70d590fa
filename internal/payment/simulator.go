package payment

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultSuccessRate = 0.9
	DeclineReason      = "Payment declined by issuer (simulated)"
)

type Outcome struct {
	Approved bool
	Reason   string
}

// Gateway charges an order. The only implementation is Simulator.
type Gateway interface {
	Charge(ctx context.Context, amount decimal.Decimal) Outcome
}

// Simulator approves with a fixed probability regardless of amount.
type Simulator struct {
	mu   sync.Mutex
	rate float64
	rnd  *rand.Rand
}

func NewSimulator(successRate float64, seed int64) *Simulator {
	if successRate < 0 || successRate > 1 {
		successRate = DefaultSuccessRate
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{rate: successRate, rnd: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Charge(_ context.Context, _ decimal.Decimal) Outcome {
	s.mu.Lock()
	roll := s.rnd.Float64()
	s.mu.Unlock()
	if roll < s.rate {
		return Outcome{Approved: true}
	}
	return Outcome{Reason: DeclineReason}
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, amount decimal.Decimal) Outcome

func (f GatewayFunc) Charge(ctx context.Context, amount decimal.Decimal) Outcome {
	return f(ctx, amount)
}
