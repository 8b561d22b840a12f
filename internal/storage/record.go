package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/tensor"
)

// Sentinel errors for persistence operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrNoRecord is returned by Persister.Load when nothing has been
	// persisted yet.
	ErrNoRecord = errors.New("storage: no persisted model")

	// ErrCorruptPersistedState indicates a persisted record that cannot be
	// decoded or does not match the model definition.
	ErrCorruptPersistedState = errors.New("storage: corrupt persisted state")

	// ErrPersistence indicates an I/O failure or timeout while reading or
	// writing durable storage.
	ErrPersistence = errors.New("storage: persistence failure")
)

// Record is the durable form of the global model: the topology descriptor,
// a manifest and the contiguous weight blob it indexes.
type Record struct {
	UpdatedAt time.Time
	Revision  string
	Topology  model.Topology
	Manifest  tensor.Manifest
	Blob      []byte
	Version   int64
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	out.Blob = slices.Clone(r.Blob)
	out.Manifest = make(tensor.Manifest, len(r.Manifest))
	for i, spec := range r.Manifest {
		spec.Shape = slices.Clone(spec.Shape)
		out.Manifest[i] = spec
	}
	return &out
}

// Persister reads and writes the single model record.
// Implementations must be safe for concurrent use.
type Persister interface {
	// Load returns the persisted record, or ErrNoRecord if there is none.
	Load(ctx context.Context) (*Record, error)

	// Save replaces the persisted record with rec.
	Save(ctx context.Context, rec *Record) error
}

// NewRecord packs a state into its durable form.
func NewRecord(def *model.Definition, st model.State) *Record {
	manifest, blob := tensor.Pack(def.Named(st.Params))
	return &Record{
		Topology:  st.Topology,
		Manifest:  manifest,
		Blob:      blob,
		Version:   st.Version,
		Revision:  st.Revision,
		UpdatedAt: st.UpdatedAt,
	}
}

// DecodeRecord rebuilds a state from rec and checks it against def.
// Every failure wraps ErrCorruptPersistedState.
func DecodeRecord(def *model.Definition, rec *Record) (model.State, error) {
	if !rec.Topology.Equal(def.Topology()) {
		return model.State{}, wrapCorrupt(errors.New("persisted topology differs from the model definition"))
	}
	named, err := tensor.Unpack(rec.Manifest, rec.Blob)
	if err != nil {
		return model.State{}, wrapCorrupt(err)
	}
	names := def.Names()
	params := make(model.ParameterSet, len(named))
	for i, nt := range named {
		if i < len(names) && nt.Name != names[i] {
			return model.State{}, wrapCorrupt(fmt.Errorf("weight %d is %q, expected %q", i, nt.Name, names[i]))
		}
		params[i] = nt.Tensor
	}
	if err := def.Validate(params); err != nil {
		return model.State{}, wrapCorrupt(err)
	}
	return model.State{
		Topology:  def.Topology(),
		Params:    params,
		Version:   rec.Version,
		Revision:  rec.Revision,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// wrapCorrupt keeps the cause inspectable with errors.Is/As alongside
// ErrCorruptPersistedState.
func wrapCorrupt(err error) error {
	return fmt.Errorf("%w: %w", ErrCorruptPersistedState, err)
}
