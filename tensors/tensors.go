// Package tensors implements the value containers exchanged with compiled
// partitions: flat typed buffers (Tensor) and the symbol table that carries
// them through a run (Bindings).
//
// The package intentionally implements no math: partition artifacts are
// opaque and whatever they compute happens behind codegen.CompiledFunction.
// Construction errors (bad dims, dtype mismatches on write) panic with a
// stack trace, in the style of github.com/gomlx/exceptions; read accessors
// return errors.
package tensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/jygan/glow/types/xslices"
)

// Tensor is a flat, dense, little-endian value buffer with a dtype and dimensions.
//
// An empty dims list denotes a scalar (one element). A Tensor is not safe for
// concurrent mutation; the runtime treats tensors flowing into a partition as
// read-only and creates new tensors for outputs.
type Tensor struct {
	dtype DType
	dims  []int
	data  []byte
}

// New creates a zero-initialized Tensor of the given DType and dimensions.
// It panics on an invalid dtype or non-positive dimension.
func New(dtype DType, dims ...int) *Tensor {
	if !dtype.IsSupported() {
		exceptions.Panicf("tensors.New: unsupported dtype %s", dtype)
	}
	numElements := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("tensors.New: invalid dimension %d in %v", dim, dims)
		}
		numElements *= dim
	}
	return &Tensor{
		dtype: dtype,
		dims:  xslices.Copy(dims),
		data:  make([]byte, numElements*dtype.Size()),
	}
}

// FromFlat creates a Tensor with the given dimensions from a flat slice of
// values in row-major order. It panics if the number of values doesn't match
// the dimensions.
func FromFlat[T Supported](values []T, dims ...int) *Tensor {
	t := New(DTypeOf[T](), dims...)
	if len(values) != t.NumElements() {
		exceptions.Panicf("tensors.FromFlat: %d values given for dimensions %v (%d elements)",
			len(values), dims, t.NumElements())
	}
	for i, v := range values {
		t.setElement(i, v)
	}
	return t
}

// Scalar creates a zero-dimensional Tensor holding the given value.
func Scalar[T Supported](value T) *Tensor {
	return FromFlat([]T{value})
}

// Flat returns a copy of the tensor contents as a flat slice in row-major
// order. It returns an error if T doesn't correspond to the tensor's DType.
func Flat[T Supported](t *Tensor) ([]T, error) {
	if want := DTypeOf[T](); want != t.dtype {
		return nil, errors.Errorf("tensors.Flat: tensor holds %s, not %s", t.dtype, want)
	}
	out := make([]T, t.NumElements())
	for i := range out {
		out[i] = t.getElement(i).(T)
	}
	return out, nil
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Dims returns a copy of the dimensions. Empty for a scalar.
func (t *Tensor) Dims() []int { return xslices.Copy(t.dims) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// NumElements returns the total element count.
func (t *Tensor) NumElements() int {
	n := 1
	for _, dim := range t.dims {
		n *= dim
	}
	return n
}

// SizeBytes returns the storage size of the tensor contents.
func (t *Tensor) SizeBytes() uint64 {
	return uint64(len(t.data))
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		dims:  xslices.Copy(t.dims),
		data:  xslices.Copy(t.data),
	}
}

// Equal returns whether both tensors have the same dtype, dimensions and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.dtype != other.dtype || len(t.dims) != len(other.dims) {
		return false
	}
	for i, dim := range t.dims {
		if other.dims[i] != dim {
			return false
		}
	}
	return bytes.Equal(t.data, other.data)
}

// String implements fmt.Stringer. It prints the dtype, dimensions and storage
// size, not the contents.
func (t *Tensor) String() string {
	dims := strings.Join(xslices.Map(t.dims, strconv.Itoa), "x")
	return fmt.Sprintf("%s[%s] (%s)", t.dtype, dims, humanize.Bytes(t.SizeBytes()))
}

func (t *Tensor) setElement(i int, value any) {
	size := t.dtype.Size()
	off := i * size
	switch t.dtype {
	case Bool:
		if value.(bool) {
			t.data[off] = 1
		} else {
			t.data[off] = 0
		}
	case Int8:
		t.data[off] = byte(value.(int8))
	case Uint8:
		t.data[off] = value.(uint8)
	case Int16:
		binary.LittleEndian.PutUint16(t.data[off:], uint16(value.(int16)))
	case Uint16:
		binary.LittleEndian.PutUint16(t.data[off:], value.(uint16))
	case Float16:
		binary.LittleEndian.PutUint16(t.data[off:], uint16(value.(float16.Float16)))
	case Int32:
		binary.LittleEndian.PutUint32(t.data[off:], uint32(value.(int32)))
	case Uint32:
		binary.LittleEndian.PutUint32(t.data[off:], value.(uint32))
	case Float32:
		binary.LittleEndian.PutUint32(t.data[off:], math.Float32bits(value.(float32)))
	case Int64:
		binary.LittleEndian.PutUint64(t.data[off:], uint64(value.(int64)))
	case Uint64:
		binary.LittleEndian.PutUint64(t.data[off:], value.(uint64))
	case Float64:
		binary.LittleEndian.PutUint64(t.data[off:], math.Float64bits(value.(float64)))
	}
}

func (t *Tensor) getElement(i int) any {
	size := t.dtype.Size()
	off := i * size
	switch t.dtype {
	case Bool:
		return t.data[off] != 0
	case Int8:
		return int8(t.data[off])
	case Uint8:
		return t.data[off]
	case Int16:
		return int16(binary.LittleEndian.Uint16(t.data[off:]))
	case Uint16:
		return binary.LittleEndian.Uint16(t.data[off:])
	case Float16:
		return float16.Float16(binary.LittleEndian.Uint16(t.data[off:]))
	case Int32:
		return int32(binary.LittleEndian.Uint32(t.data[off:]))
	case Uint32:
		return binary.LittleEndian.Uint32(t.data[off:])
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.data[off:]))
	case Int64:
		return int64(binary.LittleEndian.Uint64(t.data[off:]))
	case Uint64:
		return binary.LittleEndian.Uint64(t.data[off:])
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(t.data[off:]))
	}
	return nil
}
