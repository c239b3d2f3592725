package event

import (
	"context"

	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// Scope tags the notifications published on behalf of one refresh run.
// Index implementations append the scope of their context as a fourth
// parameter: [indexID, itemID, itemPath, scope].
type Scope string

type scopeKey struct{}

// WithScope returns a copy of ctx carrying s. An empty s leaves ctx untouched.
func WithScope(ctx context.Context, s Scope) context.Context {
	if s == "" {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope stored in ctx, or "".
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// NotificationScope returns the scope parameter of n, or "" when the
// publisher did not tag it.
func NotificationScope(n types.ProgressNotification) Scope {
	if len(n.Params) < 4 {
		return ""
	}
	s, _ := n.Params[3].(Scope)
	return s
}
