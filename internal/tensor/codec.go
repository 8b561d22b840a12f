package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/slices"
)

// Wire is the JSON transport form of a tensor.
//
// Exactly one of Data or Bytes is set: Data holds the flat values as JSON
// numbers, Bytes holds the little-endian binary encoding (base64 in JSON).
type Wire struct {
	DType string    `json:"dtype"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data,omitempty"`
	Bytes []byte    `json:"bytes,omitempty"`
}

// Encode converts t into its numeric transport form.
func Encode(t Tensor) Wire {
	return Wire{
		DType: t.dtype.String(),
		Shape: slices.Clone(t.shape),
		Data:  slices.Clone(t.data),
	}
}

// EncodeBinary converts t into its binary transport form.
func EncodeBinary(t Tensor) Wire {
	return Wire{
		DType: t.dtype.String(),
		Shape: slices.Clone(t.shape),
		Bytes: t.AppendBytes(nil),
	}
}

// Decode validates w and builds the tensor it describes.
//
// Returns ErrUnknownDType for an unsupported dtype and ErrShapeMismatch
// when the payload length does not match the shape.
func Decode(w Wire) (Tensor, error) {
	dtype, err := ParseDType(w.DType)
	if err != nil {
		return Tensor{}, err
	}
	if w.Bytes != nil {
		if w.Data != nil {
			return Tensor{}, errors.Wrap(ErrShapeMismatch, "tensor carries both data and bytes")
		}
		return FromBytes(dtype, w.Shape, w.Bytes)
	}
	return New(dtype, w.Shape, w.Data)
}

// AppendBytes appends the little-endian encoding of t's elements to buf.
func (t Tensor) AppendBytes(buf []byte) []byte {
	buf = slices.Grow(buf, t.ByteSize())
	for _, v := range t.data {
		switch t.dtype {
		case Float16:
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(float32(v)).Bits())
		case Float32:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		case Float64:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		case Int32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		case Uint8:
			buf = append(buf, uint8(v))
		}
	}
	return buf
}

// FromBytes decodes a little-endian element buffer into a tensor.
// Returns ErrShapeMismatch if len(raw) is not product(shape)*dtype.Size().
func FromBytes(dtype DType, shape []int, raw []byte) (Tensor, error) {
	if !dtype.Valid() {
		return Tensor{}, errors.Wrapf(ErrUnknownDType, "dtype %d", uint8(dtype))
	}
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	size := dtype.Size()
	if len(raw) != n*size {
		return Tensor{}, errors.Wrapf(ErrShapeMismatch, "shape %v of %s needs %d bytes, got %d", shape, dtype, n*size, len(raw))
	}
	data := make([]float64, n)
	for i := range data {
		b := raw[i*size : (i+1)*size]
		switch dtype {
		case Float16:
			data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case Float32:
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case Int32:
			data[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case Uint8:
			data[i] = float64(b[0])
		}
	}
	return Tensor{shape: slices.Clone(shape), data: data, dtype: dtype}, nil
}
