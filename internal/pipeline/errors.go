package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrRunCancelled is returned with a partial result when the run context
	// is cancelled before every item was dispatched.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrItemFetch marks an item whose bytes could not be retrieved.
	ErrItemFetch = errors.New("item fetch failed")

	// ErrBlobArchive marks an item whose bytes could not be archived.
	ErrBlobArchive = errors.New("blob archive failed")

	// ErrPersistence marks an item whose ledger record could not be written
	// after its bytes were archived. The archived blob is orphaned.
	ErrPersistence = errors.New("ledger persistence failed")

	// ErrItemPanic wraps a panic recovered while processing one item.
	ErrItemPanic = errors.New("item processing panicked")
)

// Stage names the per-item step that failed.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageArchive Stage = "archive"
	StagePersist Stage = "persist"
)

func (s Stage) sentinel() error {
	switch s {
	case StageFetch:
		return ErrItemFetch
	case StageArchive:
		return ErrBlobArchive
	case StagePersist:
		return ErrPersistence
	}
	return nil
}

// ItemError is an isolated failure of a single catalog item.
type ItemError struct {
	Stage      Stage
	ExternalID string
	Err        error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.ExternalID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Is matches the sentinel of the failing stage, so errors.Is(err,
// ErrBlobArchive) holds for an archive-stage ItemError.
func (e *ItemError) Is(target error) bool {
	s := e.Stage.sentinel()
	return s != nil && target == s
}

// ItemFailure is the serializable form of an ItemError.
type ItemFailure struct {
	ExternalID string `json:"externalId"`
	Stage      Stage  `json:"stage"`
	Error      string `json:"error"`
}

func (e *ItemError) failure() ItemFailure {
	return ItemFailure{ExternalID: e.ExternalID, Stage: e.Stage, Error: e.Err.Error()}
}
