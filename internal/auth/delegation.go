package auth

import "context"

// Delegation issues tokens on behalf of an outer caller, for example a
// provisioning run that already holds user consent for several tenants.
// It travels in the context rather than in process-wide state so that
// concurrent multi-tenant runs stay isolated.
type Delegation interface {
	AcquireToken(ctx context.Context, authority, scope string) (string, error)
}

// DelegationFunc adapts a function to Delegation.
type DelegationFunc func(ctx context.Context, authority, scope string) (string, error)

// AcquireToken implements Delegation.
func (f DelegationFunc) AcquireToken(ctx context.Context, authority, scope string) (string, error) {
	return f(ctx, authority, scope)
}

type delegationKey struct{}

// WithDelegation returns a context carrying d.
func WithDelegation(ctx context.Context, d Delegation) context.Context {
	return context.WithValue(ctx, delegationKey{}, d)
}

// DelegationFrom returns the delegation carried by ctx, if any.
func DelegationFrom(ctx context.Context) (Delegation, bool) {
	d, ok := ctx.Value(delegationKey{}).(Delegation)

	return d, ok && d != nil
}
