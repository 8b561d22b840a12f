package coordinator

import (
	"errors"
	"fmt"

	"github.com/dreamware/fedcoord/internal/aggregate"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/storage"
)

// Kind classifies service failures for the transport layer.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindPersistence Kind = "persistence"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

var (
	// ErrValidation marks updates rejected before any state changed.
	ErrValidation = errors.New("invalid update")

	// ErrModelUnavailable means the global model could not be loaded or
	// initialized.
	ErrModelUnavailable = errors.New("global model unavailable")
)

// Error is returned by Service operations. Set and Index locate the
// offending client set and tensor, and are -1 when not applicable.
type Error struct {
	Err   error
	Kind  Kind
	Set   int
	Index int
}

func (e *Error) Error() string {
	switch {
	case e.Set >= 0 && e.Index >= 0:
		return fmt.Sprintf("%s: set %d, tensor %d: %v", e.Kind, e.Set, e.Index, e.Err)
	case e.Set >= 0:
		return fmt.Sprintf("%s: set %d: %v", e.Kind, e.Set, e.Err)
	case e.Index >= 0:
		return fmt.Sprintf("%s: tensor %d: %v", e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrModelUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func validationError(set int, err error) *Error {
	out := &Error{Kind: KindValidation, Set: set, Index: -1, Err: err}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		out.Index = verr.Index
	}
	return out
}

// classify maps store and aggregation failures onto service kinds.
func classify(err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindValidation {
			var ierr *aggregate.IncompatibleError
			if errors.As(err, &ierr) {
				e.Set, e.Index = ierr.Set, ierr.Index
			}
		}
		return e
	}
	// A corrupt record may wrap a ValidationError of its own.
	var verr *model.ValidationError
	switch {
	case errors.Is(err, storage.ErrCorruptPersistedState), errors.Is(err, storage.ErrPersistence):
		return &Error{Kind: KindUnavailable, Set: -1, Index: -1, Err: err}
	case errors.As(err, &verr):
		return &Error{Kind: KindValidation, Set: -1, Index: verr.Index, Err: err}
	}
	return &Error{Kind: KindInternal, Set: -1, Index: -1, Err: err}
}
