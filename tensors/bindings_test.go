package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindings(t *testing.T) {
	b := NewBindings()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Has("x"))

	x := Scalar(float32(1))
	b.Set("x", x)
	b.Set("a", Scalar(float32(2)))
	got, ok := b.Get("x")
	require.True(t, ok)
	assert.Same(t, x, got)
	assert.Equal(t, []string{"a", "x"}, b.Names())

	b.Delete("a")
	assert.False(t, b.Has("a"))
	assert.Equal(t, 1, b.Len())

	assert.Panics(t, func() { b.Set("", x) })
	assert.Panics(t, func() { b.Set("y", nil) })
}

func TestBindingsClone(t *testing.T) {
	b := NewBindings()
	b.Set("x", Scalar(int64(1)))
	clone := b.Clone()
	clone.Set("y", Scalar(int64(2)))
	assert.False(t, b.Has("y"))
	assert.True(t, clone.Has("x"))
}

func TestBindingsMergeFrom(t *testing.T) {
	src := NewBindings()
	src.Set("a", Scalar(float32(1)))
	src.Set("b", Scalar(float32(2)))

	dst := NewBindings()
	require.NoError(t, dst.MergeFrom(src, "a"))
	assert.True(t, dst.Has("a"))
	assert.False(t, dst.Has("b"))

	// No names merges everything.
	require.NoError(t, dst.MergeFrom(src))
	assert.Equal(t, 2, dst.Len())

	err := dst.MergeFrom(src, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestBindingsString(t *testing.T) {
	b := NewBindings()
	b.Set("x", New(Float32, 2))
	assert.Equal(t, "Bindings{x=Float32[2] (8 B)}", b.String())
}
