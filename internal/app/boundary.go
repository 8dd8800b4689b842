package app

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Boundary wraps remote-store calls: an uninitialized store is repaired once and
// the call retried once; anything still failing surfaces as an InfrastructureError.
type Boundary struct {
	init   Initializer
	repair singleflight.Group
	logger *log.Logger
}

// NewBoundary constructs a store boundary. A nil initializer disables repair.
func NewBoundary(init Initializer, logger *log.Logger) *Boundary {
	if logger == nil {
		logger = log.Default()
	}
	return &Boundary{init: init, logger: logger}
}

// Do runs fn through the boundary.
func (b *Boundary) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := boundaryCall(ctx, b, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// boundaryCall runs fn through the boundary and returns its value.
func boundaryCall[T any](ctx context.Context, b *Boundary, op string, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || isPassthroughErr(err) {
		return out, err
	}
	if b == nil {
		var zero T
		return zero, &domain.InfrastructureError{Op: op, Err: err}
	}

	if errors.Is(err, domain.ErrStoreUninitialized) {
		b.logger.Warn("store uninitialized; attempting repair", "op", op, "err", err)
		if repairErr := b.repairStore(ctx); repairErr != nil {
			b.logger.Error("store repair failed", "op", op, "err", repairErr)
			var zero T
			return zero, &domain.InfrastructureError{Op: op, Err: errors.Join(err, repairErr)}
		}
	} else {
		b.logger.Warn("store call failed; retrying once", "op", op, "err", err)
	}

	out, err = fn(ctx)
	if err == nil || isPassthroughErr(err) {
		return out, err
	}
	b.logger.Error("store call failed after retry", "op", op, "err", err)
	var zero T
	return zero, &domain.InfrastructureError{Op: op, Err: err}
}

// repairStore runs the initializer, collapsing concurrent repairs into one.
func (b *Boundary) repairStore(ctx context.Context) error {
	if b.init == nil {
		return domain.ErrStoreUninitialized
	}
	_, err, shared := b.repair.Do("initialize", func() (any, error) {
		return nil, b.init.Initialize(ctx)
	})
	if err == nil {
		b.logger.Info("store repaired", "shared", shared)
	}
	return err
}

// isPassthroughErr reports whether err is a domain outcome rather than a store failure.
func isPassthroughErr(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, domain.ErrVersionExists),
		errors.Is(err, domain.ErrLockExists),
		errors.Is(err, domain.ErrConflictAlreadyResolved),
		errors.Is(err, domain.ErrInfrastructure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
