package storage

import "errors"

// ErrNotFound is returned when a requested run or entity does not exist.
var ErrNotFound = errors.New("storage: not found")
