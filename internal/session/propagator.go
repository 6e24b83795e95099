// Package session binds tenant identity to backend transactions. The
// propagator is the only code path that applies tenant context, and it does
// so per transaction rather than per connection, so a pooled connection
// never leaks one tenant's identity into another tenant's work.
package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avdatagw/internal/backend"
	"github.com/vyrodovalexey/avdatagw/internal/tenant"
)

// Propagator runs tenant-scoped work inside backend transactions.
type Propagator struct {
	logger *zap.Logger
	tracer oteltrace.Tracer
}

// NewPropagator creates a propagator.
func NewPropagator(logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{
		logger: logger,
		tracer: otel.Tracer("avdatagw/session"),
	}
}

// WithTenantContext begins a transaction on conn, applies the tenant
// context, runs fn, then commits. Every failure path rolls back, which
// discards the transaction-scoped tenant settings along with the work, so
// the connection returns to the pool clean.
//
// Operations with no tenant context are rejected before any backend work
// happens; there is no anonymous default.
func (p *Propagator) WithTenantContext(ctx context.Context, conn backend.Conn, tc tenant.Context, fn func(tx backend.Tx) error) (err error) {
	if err := tc.Validate(); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "session.with_tenant_context",
		oteltrace.WithAttributes(
			attribute.String("tenant.scope", tc.Scope()),
			attribute.Bool("tenant.system_actor", tc.SystemActor),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Warn("transaction rollback failed",
				zap.String("tenant_scope", tc.Scope()),
				zap.Error(rbErr),
			)
		}
	}()

	if err := tx.ApplyTenant(ctx, tc.UserID, tc.OrgID, tc.SystemActor); err != nil {
		return fmt.Errorf("apply tenant context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
