// Package txn runs a unit of work either inside one storage transaction or,
// in compare-and-swap mode, as a sequence of conditional writes undone by
// registered compensations when the unit fails.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type Mode string

const (
	ModeTransactional Mode = "transactional"
	ModeCAS           Mode = "cas"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTransactional:
		return ModeTransactional, nil
	case ModeCAS:
		return ModeCAS, nil
	}
	return "", fmt.Errorf("unknown consistency mode %q", s)
}

// Transactor is implemented by storage backends that can run fn inside one
// transaction carried by the context it passes to fn.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Runner struct {
	mode Mode
	tx   Transactor
	log  *zap.Logger
}

func NewRunner(mode Mode, tx Transactor, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{mode: mode, tx: tx, log: log}
}

func (r *Runner) Mode() Mode { return r.mode }

// Run executes fn as one unit of work.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.mode == ModeTransactional {
		return r.tx.WithTx(ctx, fn)
	}

	if _, nested := ctx.Value(compKey{}).(*compensator); nested {
		return fn(ctx)
	}
	c := &compensator{}
	err := fn(context.WithValue(ctx, compKey{}, c))
	if err == nil {
		return nil
	}
	if cerr := c.run(context.WithoutCancel(ctx)); cerr != nil {
		r.log.Error("compensation failed", zap.Error(cerr), zap.NamedError("cause", err))
		return errors.Join(err, cerr)
	}
	return err
}

type compKey struct{}

type compensator struct {
	undo []func(ctx context.Context) error
}

// run undoes in reverse registration order and keeps going past failures.
func (c *compensator) run(ctx context.Context) error {
	var errs []error
	for i := len(c.undo) - 1; i >= 0; i-- {
		if err := c.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnRollback registers undo to run if the surrounding compare-and-swap unit
// fails. Inside a storage transaction it does nothing since the rollback
// already discards the write.
func OnRollback(ctx context.Context, undo func(ctx context.Context) error) {
	if c, ok := ctx.Value(compKey{}).(*compensator); ok {
		c.undo = append(c.undo, undo)
	}
}
