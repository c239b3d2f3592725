package event

import (
	"context"
	"testing"

	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestScopeContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Scope(""), ScopeFrom(ctx))
	assert.Equal(t, ctx, WithScope(ctx, ""), "empty scope keeps the context")

	scoped := WithScope(ctx, "run-1")
	assert.Equal(t, Scope("run-1"), ScopeFrom(scoped))
	assert.Equal(t, Scope("run-2"), ScopeFrom(WithScope(scoped, "run-2")))
}

func TestNotificationScope(t *testing.T) {
	tests := []struct {
		name   string
		params []any
		want   Scope
	}{
		{"Untagged", []any{"idx", "id", "/a"}, ""},
		{"Tagged", []any{"idx", "id", "/a", Scope("run-1")}, "run-1"},
		{"Plain string is not a scope", []any{"idx", "id", "/a", "run-1"}, ""},
		{"Empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NotificationScope(types.ProgressNotification{Params: tt.params}))
		})
	}
}
