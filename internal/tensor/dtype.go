package tensor

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType identifies the numeric encoding of a tensor's elements.
type DType uint8

// Supported dtypes. The zero value is deliberately invalid so that an
// unset dtype is never mistaken for a real one.
const (
	Invalid DType = iota
	Float16
	Float32
	Float64
	Int32
	Uint8
)

var dtypeNames = [...]string{
	Invalid: "invalid",
	Float16: "float16",
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Uint8:   "uint8",
}

var dtypeSizes = [...]int{
	Invalid: 0,
	Float16: 2,
	Float32: 4,
	Float64: 8,
	Int32:   4,
	Uint8:   1,
}

// ParseDType returns the DType named by s.
// Returns ErrUnknownDType if s is not one of the supported names.
func ParseDType(s string) (DType, error) {
	for dt, name := range dtypeNames {
		if DType(dt) != Invalid && name == s {
			return DType(dt), nil
		}
	}
	return Invalid, errors.Wrapf(ErrUnknownDType, "%q", s)
}

// String returns the wire name of the dtype.
func (dt DType) String() string {
	if !dt.Valid() {
		return dtypeNames[Invalid]
	}
	return dtypeNames[dt]
}

// Valid reports whether dt is one of the supported dtypes.
func (dt DType) Valid() bool {
	return dt > Invalid && int(dt) < len(dtypeNames)
}

// Size is the number of bytes used by one element in the binary encoding.
func (dt DType) Size() int {
	if !dt.Valid() {
		return 0
	}
	return dtypeSizes[dt]
}

// IsFloat reports whether dt is a floating point type.
func (dt DType) IsFloat() bool {
	return dt == Float16 || dt == Float32 || dt == Float64
}

// MarshalJSON encodes the dtype as its wire name.
func (dt DType) MarshalJSON() ([]byte, error) {
	if !dt.Valid() {
		return nil, errors.Wrapf(ErrUnknownDType, "dtype %d", uint8(dt))
	}
	return json.Marshal(dt.String())
}

// UnmarshalJSON decodes a wire name into the dtype.
func (dt *DType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(ErrUnknownDType, "dtype must be a string")
	}
	parsed, err := ParseDType(s)
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}

// quantize converts v to the value the dtype actually stores.
// Float types round to their precision; integer types only accept
// finite, integral values inside their range.
func (dt DType) quantize(v float64) (float64, error) {
	switch dt {
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32()), nil
	case Float32:
		return float64(float32(v)), nil
	case Float64:
		return v, nil
	case Int32:
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return 0, errors.Wrapf(ErrInvalidValue, "%v is not an int32", v)
		}
		return v, nil
	case Uint8:
		if v != math.Trunc(v) || v < 0 || v > math.MaxUint8 {
			return 0, errors.Wrapf(ErrInvalidValue, "%v is not a uint8", v)
		}
		return v, nil
	}
	return 0, errors.Wrapf(ErrUnknownDType, "dtype %d", uint8(dt))
}
