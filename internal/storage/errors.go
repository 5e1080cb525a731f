package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
// Callers must surface it identically for "does not exist" and "exists but
// belongs to another org".
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a uniqueness constraint collapses a write.
var ErrDuplicate = errors.New("storage: duplicate")
