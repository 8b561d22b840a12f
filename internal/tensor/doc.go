// Package tensor provides the strongly-typed parameter tensor used throughout
// the coordinator, together with the two encodings tensors travel in.
//
// # Overview
//
// A Tensor is a shape, a dtype and a flat row-major list of elements. It is
// immutable and can only be constructed through this package, so every
// Tensor in the process satisfies len(data) == product(shape) and holds
// values that fit its dtype.
//
// # Encodings
//
// Wire is the JSON transport form used at the HTTP boundary:
//
//	{"shape": [1, 10], "dtype": "float32", "data": [0.1, 0.2, ...]}
//
// or, for the binary path, the same object with "bytes" (base64 of the
// little-endian element encoding) instead of "data".
//
// The packed form concatenates several tensors into one byte blob and
// describes it with a Manifest:
//
//	blob:      | dense_1/kernel | dense_1/bias | dense_2/kernel | ... |
//	manifest:  [{name, dtype, shape, offset: 0,  length: 40},
//	            {name, dtype, shape, offset: 40, length: 40}, ...]
//
// Manifest.Validate enforces that the ranges start at zero, follow each
// other with no gap or overlap, match shape*dtype size, and end exactly at
// the blob length.
//
// # Binary layout
//
// Every dtype is little-endian. float16, float32 and float64 use their
// IEEE-754 bit patterns (float16 via github.com/x448/float16), int32 is
// two's complement, uint8 is one byte per element.
//
// # Errors
//
//   - ErrShapeMismatch: data length and shape disagree, or a bad dimension
//   - ErrUnknownDType: dtype outside float16/float32/float64/int32/uint8
//   - ErrInvalidValue: element not representable in an integer dtype
//   - ErrCorruptManifest: manifest ranges do not partition the blob
package tensor
