// Package coordinator implements the weight synchronization service.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/dreamware/fedcoord/internal/aggregate"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/storage"
	"github.com/dreamware/fedcoord/internal/tensor"
)

// Mode selects how an update turns client parameter sets into the new
// global parameters.
type Mode string

const (
	// ModeAuto overwrites for a single set and averages for several.
	ModeAuto Mode = ""
	// ModeOverwrite replaces the global parameters with exactly one set.
	ModeOverwrite Mode = "overwrite"
	// ModeAverage replaces them with the unweighted mean of the sets.
	ModeAverage Mode = "average"
	// ModeWeightedAverage weights each set by its sample count.
	ModeWeightedAverage Mode = "weighted_average"
)

// ParseMode validates a mode name from the wire.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeOverwrite, ModeAverage, ModeWeightedAverage:
		return m, nil
	}
	return ModeAuto, &Error{Kind: KindValidation, Set: -1, Index: -1, Err: fmt.Errorf("unknown update mode %q", s)}
}

// Update is one inbound weight update.
type Update struct {
	Mode Mode

	// Sets holds the client parameter sets, already decoded.
	Sets []model.ParameterSet

	// SampleCounts weights Sets in ModeWeightedAverage, one per set.
	SampleCounts []float64

	// IncludeGlobal adds the current global parameters as one more peer in
	// ModeAverage.
	IncludeGlobal bool
}

// Ack acknowledges an applied update.
type Ack struct {
	Message  string
	Revision string
	Mode     Mode
	Version  int64
	Sets     int
}

// Snapshot is the encoded global model served to clients.
type Snapshot struct {
	UpdatedAt   time.Time
	Revision    string
	Topology    json.RawMessage
	WeightSpecs tensor.Manifest
	WeightData  []byte
	Version     int64
}

// Status summarizes the service for monitoring.
type Status struct {
	UpdatedAt       time.Time `json:"updated_at"`
	LastUpdate      time.Time `json:"last_update"`
	Revision        string    `json:"revision"`
	Version         int64     `json:"version"`
	UpdatesApplied  int64     `json:"updates_applied"`
	UpdatesRejected int64     `json:"updates_rejected"`
	Dirty           bool      `json:"dirty"`
}

// UpdatedMessage is the acknowledgment text clients look for.
const UpdatedMessage = "Model updated successfully"

// Service orchestrates updates and fetches against the model store.
// Thread-safe: all methods may be called concurrently.
type Service struct {
	store      *storage.ModelStore
	def        *model.Definition
	lastUpdate time.Time
	mu         sync.Mutex // Protects the counters below
	applied    int64
	rejected   int64
}

// NewService creates a service backed by store.
func NewService(store *storage.ModelStore) *Service {
	return &Service{store: store, def: store.Definition()}
}

// Definition returns the model definition updates are validated against.
func (s *Service) Definition() *model.Definition { return s.def }

// DecodeSet converts wire tensors into a parameter set. Failures are
// *Error values of KindValidation carrying the tensor index.
func DecodeSet(set int, wires []tensor.Wire) (model.ParameterSet, error) {
	ps := make(model.ParameterSet, len(wires))
	for i, w := range wires {
		t, err := tensor.Decode(w)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Set: set, Index: i, Err: err}
		}
		ps[i] = t
	}
	return ps, nil
}

// ApplyUpdate validates u against the model signature, derives the new
// global parameters according to the update mode and commits them.
//
// On a persistence failure the returned Ack is still filled in: the update
// is live in memory but not yet durable.
func (s *Service) ApplyUpdate(ctx context.Context, u Update) (Ack, error) {
	ack, err := s.applyUpdate(ctx, u)
	s.mu.Lock()
	if err == nil || IsKind(err, KindPersistence) {
		s.applied++
		s.lastUpdate = time.Now()
	} else {
		s.rejected++
	}
	s.mu.Unlock()
	return ack, err
}

func (s *Service) applyUpdate(ctx context.Context, u Update) (Ack, error) {
	mode, err := resolveMode(u)
	if err != nil {
		return Ack{}, err
	}
	for k, set := range u.Sets {
		if err := s.def.Validate(set); err != nil {
			return Ack{}, validationError(k, err)
		}
	}

	var merge func(current model.State) (model.ParameterSet, error)
	switch mode {
	case ModeOverwrite:
		merge = func(model.State) (model.ParameterSet, error) { return u.Sets[0], nil }
	case ModeAverage:
		merge = func(current model.State) (model.ParameterSet, error) {
			sets := u.Sets
			if u.IncludeGlobal {
				sets = append([]model.ParameterSet{current.Params}, sets...)
			}
			return aggregate.Mean{}.Aggregate(sets)
		}
	case ModeWeightedAverage:
		merge = func(model.State) (model.ParameterSet, error) {
			return aggregate.WeightedMean{Weights: u.SampleCounts}.Aggregate(u.Sets)
		}
	}

	st, err := s.store.Update(ctx, func(current model.State) (model.ParameterSet, error) {
		ps, err := merge(current)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Set: -1, Index: -1, Err: err}
		}
		return ps, nil
	})

	ack := Ack{Message: UpdatedMessage, Mode: mode, Sets: len(u.Sets), Version: st.Version, Revision: st.Revision}
	switch {
	case err == nil:
		klog.Infof("global model updated to version %d (%s of %d set(s))", st.Version, mode, len(u.Sets))
		return ack, nil
	case errors.Is(err, storage.ErrPersistence) && st.Version > 0:
		klog.Errorf("global model version %d applied but not persisted: %v", st.Version, err)
		return ack, &Error{Kind: KindPersistence, Set: -1, Index: -1, Err: err}
	default:
		return Ack{}, classify(err)
	}
}

func resolveMode(u Update) (Mode, error) {
	invalid := func(format string, args ...any) (Mode, error) {
		return ModeAuto, &Error{Kind: KindValidation, Set: -1, Index: -1, Err: fmt.Errorf(format, args...)}
	}
	if len(u.Sets) == 0 {
		return invalid("update contains no parameter sets")
	}
	mode := u.Mode
	if mode == ModeAuto {
		mode = ModeOverwrite
		if len(u.Sets) > 1 {
			mode = ModeAverage
		}
	}
	switch mode {
	case ModeOverwrite:
		if len(u.Sets) != 1 {
			return invalid("overwrite needs exactly one parameter set, got %d", len(u.Sets))
		}
		if u.IncludeGlobal {
			return invalid("include_global is only valid with %s", ModeAverage)
		}
	case ModeAverage:
	case ModeWeightedAverage:
		if len(u.SampleCounts) != len(u.Sets) {
			return invalid("%s needs one sample count per set, got %d for %d sets", mode, len(u.SampleCounts), len(u.Sets))
		}
		if u.IncludeGlobal {
			return invalid("include_global is only valid with %s", ModeAverage)
		}
	default:
		return invalid("unknown update mode %q", mode)
	}
	return mode, nil
}

// FetchGlobalModel returns the current model, loading it on first use.
// When the store cannot be initialized the error wraps
// ErrModelUnavailable.
func (s *Service) FetchGlobalModel(ctx context.Context) (*Snapshot, error) {
	st, err := s.store.Current(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if err := s.store.Flush(ctx); err != nil {
		klog.Warningf("global model version %d still not persisted: %v", st.Version, err)
	}

	topology, err := json.Marshal(st.Topology)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Set: -1, Index: -1, Err: fmt.Errorf("failed to serialize topology: %w", err)}
	}
	manifest, blob := tensor.Pack(s.def.Named(st.Params))
	klog.V(2).Infof("serving global model version %d (%s)", st.Version, humanize.Bytes(uint64(len(blob))))

	return &Snapshot{
		Topology:    topology,
		WeightSpecs: manifest,
		WeightData:  blob,
		Version:     st.Version,
		Revision:    st.Revision,
		UpdatedAt:   st.UpdatedAt,
	}, nil
}

// Status reports the current version and update counters. It does not
// initialize the store: before the first fetch or update the version
// fields are zero.
func (s *Service) Status() Status {
	s.mu.Lock()
	out := Status{UpdatesApplied: s.applied, UpdatesRejected: s.rejected, LastUpdate: s.lastUpdate}
	s.mu.Unlock()

	if st, ok := s.store.Peek(); ok {
		out.Version = st.Version
		out.Revision = st.Revision
		out.UpdatedAt = st.UpdatedAt
	}
	out.Dirty = s.store.Dirty()
	return out
}
