package model

import "errors"

// ErrNotFound is returned by storage lookups that match no row.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned when a save violates a unique index.
var ErrDuplicateKey = errors.New("duplicate key")
