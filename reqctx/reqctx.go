// Package reqctx carries the tenant and actor of a request.
//
// The value is passed explicitly into every core operation; nothing in the
// core reads it from globals. The HTTP layer also stores it in the
// context.Context so middleware and handlers can share it.
package reqctx

import (
	"context"
	"errors"

	"github.com/warp/loyalty-engine/ledger"
)

var ErrMissingTenant = errors.New("tenant is required")

type RequestContext struct {
	TenantID  ledger.TenantID
	UserID    ledger.UserID
	BranchID  int64
	RequestID string
}

func (rc RequestContext) Validate() error {
	if rc.TenantID <= 0 {
		return ErrMissingTenant
	}
	return nil
}

type ctxKey struct{}

// With stores rc in ctx.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the RequestContext stored in ctx.
func From(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

// System is the context used by background jobs acting for a tenant.
func System(tenant ledger.TenantID) RequestContext {
	return RequestContext{TenantID: tenant, RequestID: "system"}
}
