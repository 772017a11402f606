package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	err := r.Register("greet", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"msg": "hi " + params["who"].(string)}, nil
	})
	require.NoError(t, err)

	fn, ok := r.Get("greet")
	require.True(t, ok)
	out, err := fn(context.Background(), map[string]any{"who": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "hi ops", out["msg"])

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register("", func(ctx context.Context, p map[string]any) (map[string]any, error) { return nil, nil }), ErrEmptyName)
	assert.ErrorIs(t, r.Register("x", nil), ErrNilFunc)
}

func TestRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("x", func(ctx context.Context, p map[string]any) (map[string]any, error) { return nil, nil }))
	assert.Contains(t, r.Names(), "x")
	r.Remove("x")
	_, ok := r.Get("x")
	assert.False(t, ok)
}
