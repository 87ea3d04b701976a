package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection is returned for operations on a collection that
	// Init never created.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrQuotaExceeded is returned when a write would exceed the configured
	// quota or the disk is full.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// StorageError wraps every failure of the persistence layer. Callers that
// need to degrade to online-only mode test for it with errors.As.
type StorageError struct {
	Op         string
	Collection Collection
	Key        string
	Err        error
}

func (e *StorageError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Collection, e.Key, e.Err)
	case e.Collection != "":
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Err)
	default:
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
}

func (e *StorageError) Unwrap() error { return e.Err }
