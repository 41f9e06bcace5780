package document

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateHash means a document with the same content hash exists.
	// Callers should treat it as success with the existing id.
	ErrDuplicateHash = errors.New("duplicate content hash")

	// ErrNotFound means the referenced document id is unknown.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidPage means a page number would break the dense 1..N sequence.
	ErrInvalidPage = errors.New("invalid page number")

	// ErrStorageUnavailable means the document store could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DuplicateError carries the id of the document that already owns a hash.
type DuplicateError struct {
	Hash       string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate content hash %s (existing document %s)", e.Hash, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateHash
}

// Unavailable wraps a backend error as ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
