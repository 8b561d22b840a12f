package tensor

import "errors"

// Sentinel errors for tensor construction and decoding.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrShapeMismatch indicates the data length does not match the
	// product of the shape, or a shape does not match what was expected.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrUnknownDType indicates a dtype outside the supported enumeration.
	ErrUnknownDType = errors.New("tensor: unknown dtype")

	// ErrInvalidValue indicates a value that cannot be stored in the dtype,
	// such as 1.5 or 2^40 for an int32 tensor.
	ErrInvalidValue = errors.New("tensor: value not representable in dtype")

	// ErrCorruptManifest indicates a manifest whose byte ranges do not
	// exactly partition the accompanying blob.
	ErrCorruptManifest = errors.New("tensor: manifest does not match blob")
)
