package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDType(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, 0, InvalidDType.Size())

	assert.True(t, Float64.IsFloat())
	assert.False(t, Float64.IsInt())
	assert.True(t, Uint32.IsInt())
	assert.False(t, Bool.IsInt())
	assert.True(t, Bool.IsSupported())
	assert.False(t, InvalidDType.IsSupported())

	assert.Equal(t, "Float32", Float32.String())
	assert.Equal(t, "DType(99)", DType(99).String())

	assert.Equal(t, Float16, DTypeOf[float16.Float16]())
	assert.Equal(t, Uint64, DTypeOf[uint64]())
}

func TestTensorRoundTrip(t *testing.T) {
	values := []float32{1.5, -2, 0, 42}
	tensor := FromFlat(values, 2, 2)
	assert.Equal(t, Float32, tensor.DType())
	assert.Equal(t, []int{2, 2}, tensor.Dims())
	assert.Equal(t, 4, tensor.NumElements())
	assert.Equal(t, uint64(16), tensor.SizeBytes())

	back, err := Flat[float32](tensor)
	require.NoError(t, err)
	assert.Equal(t, values, back)

	// Wrong element type is reported, not mangled.
	_, err = Flat[int32](tensor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Float32")
}

func TestTensorFloat16(t *testing.T) {
	values := []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-1)}
	tensor := FromFlat(values, 2)
	assert.Equal(t, uint64(4), tensor.SizeBytes())
	back, err := Flat[float16.Float16](tensor)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), back[0].Float32())
	assert.Equal(t, float32(-1), back[1].Float32())
}

func TestScalar(t *testing.T) {
	s := Scalar(int64(7))
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, 1, s.NumElements())
	back, err := Flat[int64](s)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, back)
}

func TestTensorPanics(t *testing.T) {
	assert.Panics(t, func() { New(InvalidDType, 2) })
	assert.Panics(t, func() { New(Float32, 0) })
	assert.Panics(t, func() { New(Float32, 2, -1) })
	assert.Panics(t, func() { FromFlat([]float32{1, 2, 3}, 2) })
}

func TestCloneAndEqual(t *testing.T) {
	a := FromFlat([]int32{1, 2, 3}, 3)
	b := a.Clone()
	require.True(t, a.Equal(b))

	c := FromFlat([]int32{1, 2, 4}, 3)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(FromFlat([]int32{1, 2, 3}, 1, 3)))
	assert.False(t, a.Equal(nil))

	// Clone must not share storage.
	bVals, err := Flat[int32](b)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, bVals)
	b.setElement(0, int32(9))
	aVals, err := Flat[int32](a)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, aVals)
}

func TestTensorString(t *testing.T) {
	tensor := New(Float32, 2, 3)
	assert.Equal(t, "Float32[2x3] (24 B)", tensor.String())
}
