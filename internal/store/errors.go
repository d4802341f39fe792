package store

import "errors"

// ErrNotFound is returned when a memory does not exist or is not visible to
// the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("store: memory not found")
