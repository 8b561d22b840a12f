// Package aggregate merges several parameter sets into one.
//
// Mean implements plain unweighted federated averaging: for every tensor
// index i the result is the elementwise mean of the i-th tensor of every
// input set. WeightedMean scales each set by a non-negative weight, usually
// the number of local training examples a client used.
//
// Numeric rules, which both aggregators follow:
//   - float tensors accumulate in float64 with compensated (Neumaier)
//     summation, whatever their dtype, and the result is rounded back to
//     the input dtype. Large N therefore never loses small contributions.
//   - integer tensors accumulate exactly in int64 and divide with floor
//     semantics, matching integer div in the training frameworks clients use.
//   - inputs are never modified.
package aggregate

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/tensor"
)

var (
	// ErrIncompatibleParameterSets is returned when inputs disagree in
	// length, shape or dtype, or when there are no inputs at all.
	ErrIncompatibleParameterSets = errors.New("aggregate: incompatible parameter sets")

	// ErrInvalidWeights is returned by WeightedMean for a weight list of the
	// wrong length, a negative or non-finite weight, or a zero total.
	ErrInvalidWeights = errors.New("aggregate: invalid weights")
)

// Aggregator combines parameter sets that share one signature.
type Aggregator interface {
	Aggregate(sets []model.ParameterSet) (model.ParameterSet, error)
}

// IncompatibleError reports which set and tensor index broke the
// precondition. Index is -1 when the set lengths differ.
type IncompatibleError struct {
	Set   int
	Index int
	Msg   string
}

func (e *IncompatibleError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: set %d: %s", ErrIncompatibleParameterSets, e.Set, e.Msg)
	}
	return fmt.Sprintf("%v: set %d, tensor %d: %s", ErrIncompatibleParameterSets, e.Set, e.Index, e.Msg)
}

func (e *IncompatibleError) Unwrap() error { return ErrIncompatibleParameterSets }

// Mean is unweighted FedAvg.
type Mean struct{}

// Aggregate returns the elementwise mean of sets. A single set is returned
// unchanged.
func (Mean) Aggregate(sets []model.ParameterSet) (model.ParameterSet, error) {
	if err := checkCompatible(sets); err != nil {
		return nil, err
	}
	if len(sets) == 1 {
		return sets[0].Clone(), nil
	}
	weights := make([]float64, len(sets))
	for i := range weights {
		weights[i] = 1
	}
	return combine(sets, weights)
}

// WeightedMean scales set k by Weights[k] before averaging.
type WeightedMean struct {
	Weights []float64
}

// Aggregate returns Σ w_k·sets[k] / Σ w_k elementwise.
func (w WeightedMean) Aggregate(sets []model.ParameterSet) (model.ParameterSet, error) {
	if err := checkCompatible(sets); err != nil {
		return nil, err
	}
	if len(w.Weights) != len(sets) {
		return nil, errors.Wrapf(ErrInvalidWeights, "%d weights for %d sets", len(w.Weights), len(sets))
	}
	total := 0.0
	for k, v := range w.Weights {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Wrapf(ErrInvalidWeights, "weight %d is %v", k, v)
		}
		total += v
	}
	if total == 0 {
		return nil, errors.Wrap(ErrInvalidWeights, "weights sum to zero")
	}
	if len(sets) == 1 {
		return sets[0].Clone(), nil
	}
	return combine(sets, w.Weights)
}

func checkCompatible(sets []model.ParameterSet) error {
	if len(sets) == 0 {
		return errors.Wrap(ErrIncompatibleParameterSets, "no parameter sets given")
	}
	ref := sets[0]
	for k, set := range sets[1:] {
		if len(set) != len(ref) {
			return &IncompatibleError{Set: k + 1, Index: -1, Msg: fmt.Sprintf("has %d tensors, set 0 has %d", len(set), len(ref))}
		}
		for i, t := range set {
			if !t.SameSpec(ref[i]) {
				return &IncompatibleError{Set: k + 1, Index: i, Msg: fmt.Sprintf("%s does not match %s", t, ref[i])}
			}
		}
	}
	return nil
}

// combine assumes compatible sets and a positive weight total.
func combine(sets []model.ParameterSet, weights []float64) (model.ParameterSet, error) {
	out := make(model.ParameterSet, len(sets[0]))
	for i, ref := range sets[0] {
		data := make([]float64, ref.Len())
		if ref.DType().IsFloat() {
			floatMean(sets, weights, i, data)
		} else {
			intMean(sets, weights, i, data)
		}
		t, err := tensor.New(ref.DType(), ref.Shape(), data)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %d", i)
		}
		out[i] = t
	}
	return out, nil
}

func floatMean(sets []model.ParameterSet, weights []float64, i int, out []float64) {
	total := neumaier(weights, func(k int) float64 { return weights[k] })
	for j := range out {
		// Summing offsets from the first set keeps identical inputs exact.
		ref := sets[0][i].At(j)
		delta := neumaier(weights, func(k int) float64 { return weights[k] * (sets[k][i].At(j) - ref) })
		if !math.IsInf(delta, 0) {
			out[j] = ref + delta/total
			continue
		}
		out[j] = neumaier(weights, func(k int) float64 { return weights[k] * sets[k][i].At(j) }) / total
	}
}

// neumaier sums term(k) for every k with compensated summation.
func neumaier(weights []float64, term func(k int) float64) float64 {
	sum, comp := 0.0, 0.0
	for k := range weights {
		x := term(k)
		t := sum + x
		if math.Abs(sum) >= math.Abs(x) {
			comp += (sum - t) + x
		} else {
			comp += (x - t) + sum
		}
		sum = t
	}
	return sum + comp
}

func intMean(sets []model.ParameterSet, weights []float64, i int, out []float64) {
	unweighted := true
	for _, w := range weights {
		if w != 1 {
			unweighted = false
			break
		}
	}
	n := int64(len(sets))
	total := 0.0
	for _, w := range weights {
		total += w
	}
	for j := range out {
		if unweighted {
			var sum int64
			for k := range sets {
				sum += int64(sets[k][i].At(j))
			}
			out[j] = float64(floorDiv(sum, n))
			continue
		}
		acc := 0.0
		for k := range sets {
			acc += weights[k] * sets[k][i].At(j)
		}
		out[j] = math.Floor(acc / total)
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
