package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/fedcoord/internal/tensor"
)

// ErrSignatureMismatch is returned when a parameter set has the wrong
// number of tensors or a tensor has the wrong dtype.
// Shape disagreements are reported with tensor.ErrShapeMismatch instead.
var ErrSignatureMismatch = errors.New("model: parameter signature mismatch")

// ParamSpec is the expected name, shape and dtype of one trainable tensor.
type ParamSpec struct {
	Name  string
	Shape []int
	DType tensor.DType
}

// ParameterSet is the ordered list of weight and bias tensors for one model
// instance, in layer-definition order.
type ParameterSet []tensor.Tensor

// Clone returns a shallow copy; tensors are immutable so sharing them is safe.
func (ps ParameterSet) Clone() ParameterSet {
	return slices.Clone(ps)
}

// Equal reports whether both sets hold identical tensors.
func (ps ParameterSet) Equal(other ParameterSet) bool {
	return slices.EqualFunc(ps, other, tensor.Tensor.Equal)
}

// AllClose reports whether both sets match in spec and every element is
// within tol.
func (ps ParameterSet) AllClose(other ParameterSet, tol float64) bool {
	return slices.EqualFunc(ps, other, func(a, b tensor.Tensor) bool { return a.AllClose(b, tol) })
}

// ValidationError identifies the tensor that failed signature validation.
// Index is -1 when the failure concerns the set as a whole.
type ValidationError struct {
	Err   error
	Name  string
	Index int
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("parameter %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// State is the process-wide global model: the fixed topology plus the
// current parameter values.
type State struct {
	UpdatedAt time.Time
	Revision  string
	Topology  Topology
	Params    ParameterSet
	Version   int64
}

// Definition is the fixed two-layer dense model.
type Definition struct {
	topology  Topology
	signature []ParamSpec
}

// Default returns the coordinator's model: Dense(10, relu, input [1])
// followed by Dense(1), compiled with adam and mean squared error.
func Default() *Definition {
	return NewDefinition(Topology{
		Name: "global_model",
		Layers: []Dense{
			{Name: "dense_1", Units: 10, Activation: "relu", InputShape: []int{1}},
			{Name: "dense_2", Units: 1, Activation: "linear"},
		},
		Compile: CompileConfig{Optimizer: "adam", Loss: "meanSquaredError", LearningRate: 0.001},
	})
}

// NewDefinition derives the parameter signature of a dense stack.
// Every layer contributes a [fanIn, units] kernel followed by a [units]
// bias, all float32.
func NewDefinition(topo Topology) *Definition {
	def := &Definition{topology: topo}
	fanIn := 0
	for i, l := range topo.Layers {
		if i == 0 {
			fanIn = l.InputShape[len(l.InputShape)-1]
		}
		def.signature = append(def.signature,
			ParamSpec{Name: l.Name + "/kernel", Shape: []int{fanIn, l.Units}, DType: tensor.Float32},
			ParamSpec{Name: l.Name + "/bias", Shape: []int{l.Units}, DType: tensor.Float32},
		)
		fanIn = l.Units
	}
	return def
}

// Topology returns a copy of the static architecture.
func (d *Definition) Topology() Topology {
	t := d.topology
	t.Layers = slices.Clone(d.topology.Layers)
	return t
}

// Signature returns the expected parameter specs in order.
func (d *Definition) Signature() []ParamSpec {
	out := make([]ParamSpec, len(d.signature))
	for i, s := range d.signature {
		out[i] = ParamSpec{Name: s.Name, Shape: slices.Clone(s.Shape), DType: s.DType}
	}
	return out
}

// Names returns the parameter names in signature order.
func (d *Definition) Names() []string {
	names := make([]string, len(d.signature))
	for i, s := range d.signature {
		names[i] = s.Name
	}
	return names
}

// Validate checks ps against the signature. The returned error is a
// *ValidationError wrapping ErrSignatureMismatch or tensor.ErrShapeMismatch.
func (d *Definition) Validate(ps ParameterSet) error {
	if len(ps) != len(d.signature) {
		return &ValidationError{
			Index: -1,
			Err:   errors.Wrapf(ErrSignatureMismatch, "expected %d tensors, got %d", len(d.signature), len(ps)),
		}
	}
	for i, spec := range d.signature {
		t := ps[i]
		if t.DType() != spec.DType {
			return &ValidationError{
				Index: i,
				Name:  spec.Name,
				Err:   errors.Wrapf(ErrSignatureMismatch, "dtype %s, expected %s", t.DType(), spec.DType),
			}
		}
		if !slices.Equal(t.Shape(), spec.Shape) {
			return &ValidationError{
				Index: i,
				Name:  spec.Name,
				Err:   errors.Wrapf(tensor.ErrShapeMismatch, "shape %v, expected %v", t.Shape(), spec.Shape),
			}
		}
	}
	return nil
}

// Named pairs ps with the signature names, for packing.
func (d *Definition) Named(ps ParameterSet) []tensor.NamedTensor {
	out := make([]tensor.NamedTensor, len(ps))
	for i, t := range ps {
		name := fmt.Sprintf("param_%d", i)
		if i < len(d.signature) {
			name = d.signature[i].Name
		}
		out[i] = tensor.NamedTensor{Name: name, Tensor: t}
	}
	return out
}

// Instantiate builds a fresh state: Glorot-uniform kernels and zero biases.
// The same seed always yields the same parameters.
func (d *Definition) Instantiate(seed uint64) State {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	params := make(ParameterSet, len(d.signature))
	for i, spec := range d.signature {
		n, _ := tensor.NumElements(spec.Shape)
		data := make([]float64, n)
		if len(spec.Shape) == 2 {
			limit := math.Sqrt(6 / float64(spec.Shape[0]+spec.Shape[1]))
			for j := range data {
				data[j] = (rng.Float64()*2 - 1) * limit
			}
		}
		t, err := tensor.New(spec.DType, spec.Shape, data)
		if err != nil {
			// The signature is built from positive layer sizes.
			panic(fmt.Sprintf("model: invalid signature %s: %v", spec.Name, err))
		}
		params[i] = t
	}
	return State{Topology: d.Topology(), Params: params}
}
