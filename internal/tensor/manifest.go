package tensor

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// NamedTensor pairs a tensor with the parameter name it is stored under.
type NamedTensor struct {
	Name   string
	Tensor Tensor
}

// WeightSpec describes where one tensor lives inside a packed blob.
type WeightSpec struct {
	Name   string `json:"name"`
	DType  DType  `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// Manifest indexes a packed blob: specs are in blob order and their byte
// ranges cover it back-to-back.
type Manifest []WeightSpec

// Size returns the blob length the manifest describes.
func (m Manifest) Size() int {
	if len(m) == 0 {
		return 0
	}
	last := m[len(m)-1]
	return last.Offset + last.Length
}

// Pack concatenates the binary encodings of tensors into one blob and
// returns the manifest describing it.
func Pack(tensors []NamedTensor) (Manifest, []byte) {
	total := 0
	for _, nt := range tensors {
		total += nt.Tensor.ByteSize()
	}
	blob := make([]byte, 0, total)
	manifest := make(Manifest, 0, len(tensors))
	for _, nt := range tensors {
		offset := len(blob)
		blob = nt.Tensor.AppendBytes(blob)
		manifest = append(manifest, WeightSpec{
			Name:   nt.Name,
			DType:  nt.Tensor.dtype,
			Shape:  slices.Clone(nt.Tensor.shape),
			Offset: offset,
			Length: len(blob) - offset,
		})
	}
	return manifest, blob
}

// Validate checks that the manifest exactly partitions a blob of blobLen
// bytes: offsets start at zero, each range begins where the previous ended,
// each length matches its shape and dtype, and the last range ends at
// blobLen.
func (m Manifest) Validate(blobLen int) error {
	next := 0
	for i, spec := range m {
		if !spec.DType.Valid() {
			return errors.Wrapf(ErrUnknownDType, "weight %d (%s)", i, spec.Name)
		}
		n, err := NumElements(spec.Shape)
		if err != nil {
			return errors.WithMessagef(err, "weight %d (%s)", i, spec.Name)
		}
		if spec.Offset != next {
			return errors.Wrapf(ErrCorruptManifest, "weight %d (%s) starts at byte %d, expected %d", i, spec.Name, spec.Offset, next)
		}
		if want := n * spec.DType.Size(); spec.Length != want {
			return errors.Wrapf(ErrCorruptManifest, "weight %d (%s) has length %d, shape %v of %s needs %d",
				i, spec.Name, spec.Length, spec.Shape, spec.DType, want)
		}
		next += spec.Length
	}
	if next != blobLen {
		return errors.Wrapf(ErrCorruptManifest, "manifest covers %d bytes, blob has %d", next, blobLen)
	}
	return nil
}

// Unpack re-slices blob into the tensors described by m.
func Unpack(m Manifest, blob []byte) ([]NamedTensor, error) {
	if err := m.Validate(len(blob)); err != nil {
		return nil, err
	}
	out := make([]NamedTensor, 0, len(m))
	for i, spec := range m {
		t, err := FromBytes(spec.DType, spec.Shape, blob[spec.Offset:spec.Offset+spec.Length])
		if err != nil {
			return nil, errors.WithMessagef(err, "weight %d (%s)", i, spec.Name)
		}
		out = append(out, NamedTensor{Name: spec.Name, Tensor: t})
	}
	return out, nil
}
