// Package tensor implements the parameter tensor value type and its codecs.
// See doc.go for complete package documentation.
package tensor

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Tensor is an immutable n-dimensional numeric array.
//
// Elements are held as float64, which represents every supported dtype
// exactly. Values are quantized to the dtype when the tensor is built, so
// two tensors that compare Equal encode to identical bytes.
//
// A Tensor can only be obtained through New, Zeros, Decode or FromBytes,
// which all enforce len(data) == product(shape).
type Tensor struct {
	shape []int
	data  []float64
	dtype DType
}

// New builds a tensor from a shape and flat row-major data.
//
// Returns ErrShapeMismatch if any dimension is not positive or len(data)
// differs from the product of shape, ErrUnknownDType for an unsupported
// dtype and ErrInvalidValue for elements the dtype cannot hold.
func New(dtype DType, shape []int, data []float64) (Tensor, error) {
	if !dtype.Valid() {
		return Tensor{}, errors.Wrapf(ErrUnknownDType, "dtype %d", uint8(dtype))
	}
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if len(data) != n {
		return Tensor{}, errors.Wrapf(ErrShapeMismatch, "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	values := make([]float64, n)
	for i, v := range data {
		q, err := dtype.quantize(v)
		if err != nil {
			return Tensor{}, errors.WithMessagef(err, "element %d", i)
		}
		values[i] = q
	}
	return Tensor{shape: slices.Clone(shape), data: values, dtype: dtype}, nil
}

// Zeros returns a tensor of the given shape filled with zeros.
func Zeros(dtype DType, shape []int) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	return New(dtype, shape, make([]float64, n))
}

// NumElements returns the product of shape. The empty shape is a scalar
// with one element.
func NumElements(shape []int) (int, error) {
	n := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, errors.Wrapf(ErrShapeMismatch, "dimension %d of shape %v is %d, must be positive", i, shape, d)
		}
		if n > math.MaxInt32/d {
			return 0, errors.Wrapf(ErrShapeMismatch, "shape %v is too large", shape)
		}
		n *= d
	}
	return n, nil
}

// DType returns the element type.
func (t Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the dimensions.
func (t Tensor) Shape() []int { return slices.Clone(t.shape) }

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.data) }

// Data returns a copy of the flat element values.
func (t Tensor) Data() []float64 { return slices.Clone(t.data) }

// At returns element i of the flat data.
func (t Tensor) At(i int) float64 { return t.data[i] }

// ByteSize returns the length of the tensor's binary encoding.
func (t Tensor) ByteSize() int { return len(t.data) * t.dtype.Size() }

// SameSpec reports whether t and other have the same dtype and shape.
func (t Tensor) SameSpec(other Tensor) bool {
	return t.dtype == other.dtype && slices.Equal(t.shape, other.shape)
}

// Equal reports whether t and other are identical in spec and values.
// NaN elements compare equal to each other.
func (t Tensor) Equal(other Tensor) bool {
	if !t.SameSpec(other) {
		return false
	}
	for i, v := range t.data {
		w := other.data[i]
		if v != w && !(math.IsNaN(v) && math.IsNaN(w)) {
			return false
		}
	}
	return true
}

// AllClose reports whether t and other share a spec and every element
// differs by at most tol.
func (t Tensor) AllClose(other Tensor, tol float64) bool {
	if !t.SameSpec(other) {
		return false
	}
	for i, v := range t.data {
		if math.Abs(v-other.data[i]) > tol {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t Tensor) String() string {
	return fmt.Sprintf("(%s)%v", t.dtype, t.shape)
}
