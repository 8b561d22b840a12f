package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/dreamware/fedcoord/internal/model"
)

// DefaultPersistTimeout bounds a single load or save when Options leaves
// PersistTimeout unset.
const DefaultPersistTimeout = 5 * time.Second

// Options configures a ModelStore.
type Options struct {
	// PersistTimeout bounds every persister call.
	PersistTimeout time.Duration

	// Seed drives the initializer when no record exists.
	Seed uint64

	// RecoverCorrupt instantiates a fresh model instead of failing when the
	// persisted record is corrupt. The corrupt record is overwritten by the
	// next successful save.
	RecoverCorrupt bool
}

// ModelStore owns the single global model state.
//
// Concurrency Model:
//   - Readers take mu.RLock and get a copy of the state
//   - Commit, Update and Flush are serialized by commitMu, which is held
//     across the persist step
//   - mu is only held to swap the state, never during disk I/O, so reads
//     are not delayed by a slow persister
//
// State Machine:
//
//	Uninitialized --load/instantiate--> Ready --commit--> Ready
//
// A failed commit (validation) leaves the previous Ready state in place.
// A commit whose persist step fails keeps the new in-memory state and marks
// it dirty; it is lost on restart unless a later Flush or Commit succeeds.
type ModelStore struct {
	now       func() time.Time
	persister Persister
	def       *model.Definition
	state     *model.State // nil while uninitialized
	opts      Options
	mu        sync.RWMutex // Protects state and dirty
	commitMu  sync.Mutex   // Serializes initialization, commits and flushes
	dirty     bool         // In-memory state differs from the persisted record
}

// NewModelStore creates an uninitialized store. Nothing is read until the
// first Load, Current or Commit.
func NewModelStore(def *model.Definition, persister Persister, opts Options) *ModelStore {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	return &ModelStore{
		def:       def,
		persister: persister,
		opts:      opts,
		now:       time.Now,
	}
}

// Definition returns the model definition the store validates against.
func (s *ModelStore) Definition() *model.Definition { return s.def }

// Current returns the in-memory state, loading it first if needed.
func (s *ModelStore) Current(ctx context.Context) (model.State, error) {
	return s.Load(ctx)
}

// Peek returns the in-memory state without loading it; ok is false until
// the store is initialized.
func (s *ModelStore) Peek() (st model.State, ok bool) {
	return s.snapshot()
}

// Load initializes the store from the persister, or from the model
// definition when nothing is persisted yet, and returns the state.
// Once initialized it returns the in-memory state without I/O.
//
// Returns an error wrapping ErrCorruptPersistedState when the record fails
// validation (unless Options.RecoverCorrupt), or ErrPersistence when it
// cannot be read. A failed load leaves the store uninitialized, so the next
// call tries again.
func (s *ModelStore) Load(ctx context.Context) (model.State, error) {
	if st, ok := s.snapshot(); ok {
		return st, nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if st, ok := s.snapshot(); ok {
		return st, nil
	}

	st, fresh, err := s.restore(ctx)
	if err != nil {
		return model.State{}, err
	}

	s.mu.Lock()
	s.state = &st
	s.dirty = fresh
	s.mu.Unlock()

	if fresh {
		// Best effort: the fresh model is usable even if it cannot be saved.
		if err := s.persistLocked(ctx, st); err != nil {
			klog.Warningf("fresh global model not persisted: %v", err)
		}
	}
	return cloneState(st), nil
}

// restore reads the persisted record; fresh reports that a new model was
// instantiated instead.
func (s *ModelStore) restore(ctx context.Context) (st model.State, fresh bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()

	rec, err := s.persister.Load(ctx)
	switch {
	case errors.Is(err, ErrNoRecord):
		klog.Infof("no persisted model, initializing a fresh one (seed %d)", s.opts.Seed)
		return s.instantiate(), true, nil
	case errors.Is(err, ErrCorruptPersistedState):
		return s.recoverFrom(err)
	case err != nil:
		return model.State{}, false, err
	}

	st, err = DecodeRecord(s.def, rec)
	if err != nil {
		return s.recoverFrom(err)
	}
	klog.Infof("restored global model version %d (revision %s)", st.Version, st.Revision)
	return st, false, nil
}

func (s *ModelStore) recoverFrom(err error) (model.State, bool, error) {
	if !s.opts.RecoverCorrupt {
		return model.State{}, false, err
	}
	klog.Warningf("discarding persisted model: %v", err)
	return s.instantiate(), true, nil
}

func (s *ModelStore) instantiate() model.State {
	st := s.def.Instantiate(s.opts.Seed)
	st.Revision = uuid.NewString()
	st.UpdatedAt = s.now().UTC()
	return st
}

// Commit validates params against the signature, makes them the global
// state and persists it.
//
// A validation failure returns a *model.ValidationError and changes
// nothing. A persistence failure returns an error wrapping ErrPersistence
// together with the new state, which stays authoritative in memory.
func (s *ModelStore) Commit(ctx context.Context, params model.ParameterSet) (model.State, error) {
	if err := s.def.Validate(params); err != nil {
		return model.State{}, err
	}
	return s.Update(ctx, func(model.State) (model.ParameterSet, error) { return params, nil })
}

// Update is Commit for parameters derived from the current state. fn runs
// inside the commit critical section, so no other commit can land between
// the state it observes and the one it produces. An error from fn aborts
// the update and is returned as is.
func (s *ModelStore) Update(ctx context.Context, fn func(current model.State) (model.ParameterSet, error)) (model.State, error) {
	if _, err := s.Load(ctx); err != nil {
		return model.State{}, err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	current := cloneState(*s.state)
	s.mu.RUnlock()

	params, err := fn(current)
	if err != nil {
		return model.State{}, err
	}
	if err := s.def.Validate(params); err != nil {
		return model.State{}, err
	}

	next := model.State{
		Topology:  s.def.Topology(),
		Params:    params.Clone(),
		Version:   current.Version + 1,
		Revision:  uuid.NewString(),
		UpdatedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.state = &next
	s.dirty = true
	s.mu.Unlock()

	if err := s.persistLocked(ctx, next); err != nil {
		return cloneState(next), err
	}
	return cloneState(next), nil
}

// Flush persists the state if the last persist attempt failed. It never
// waits for a commit in progress, since that commit persists on its own.
func (s *ModelStore) Flush(ctx context.Context) error {
	if !s.Dirty() {
		return nil
	}
	if !s.commitMu.TryLock() {
		return nil
	}
	defer s.commitMu.Unlock()

	s.mu.RLock()
	st := s.state
	dirty := s.dirty
	s.mu.RUnlock()
	if st == nil || !dirty {
		return nil
	}
	return s.persistLocked(ctx, *st)
}

// Dirty reports whether the in-memory state has not been persisted.
func (s *ModelStore) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// persistLocked saves st; commitMu must be held.
func (s *ModelStore) persistLocked(ctx context.Context, st model.State) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()

	if err := s.persister.Save(ctx, NewRecord(s.def, st)); err != nil {
		if !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return err
	}

	s.mu.Lock()
	if s.state != nil && s.state.Revision == st.Revision {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}

func (s *ModelStore) snapshot() (model.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return model.State{}, false
	}
	return cloneState(*s.state), true
}

func cloneState(st model.State) model.State {
	st.Params = st.Params.Clone()
	st.Topology.Layers = append([]model.Dense(nil), st.Topology.Layers...)
	return st
}
