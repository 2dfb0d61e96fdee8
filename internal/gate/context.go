package gate

import (
	"context"
	"sync/atomic"

	"github.com/keyward/keyward/internal/model"
)

type contextKey int

const (
	credentialKey contextKey = iota
	meterKey
)

type meter struct {
	units atomic.Int64
	set   atomic.Bool
}

// WithCredential attaches an admitted credential to ctx.
func WithCredential(ctx context.Context, c *model.Credential) context.Context {
	return context.WithValue(ctx, credentialKey, c)
}

// CredentialFrom returns the admitted credential, or nil.
func CredentialFrom(ctx context.Context) *model.Credential {
	c, _ := ctx.Value(credentialKey).(*model.Credential)
	return c
}

// WithMeter prepares ctx to receive the actual cost of the request.
func WithMeter(ctx context.Context) context.Context {
	return context.WithValue(ctx, meterKey, &meter{})
}

// SetUnits records the actual cost of the request. It has no effect unless
// ctx was prepared with WithMeter.
func SetUnits(ctx context.Context, units int64) {
	if m, ok := ctx.Value(meterKey).(*meter); ok {
		m.units.Store(units)
		m.set.Store(true)
	}
}

// MeteredUnits returns the cost recorded with SetUnits.
func MeteredUnits(ctx context.Context) (int64, bool) {
	m, ok := ctx.Value(meterKey).(*meter)
	if !ok || !m.set.Load() {
		return 0, false
	}
	return m.units.Load(), true
}
