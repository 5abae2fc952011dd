// Package store defines errors shared by store implementations.
package store

import "errors"

// ErrNotFound is returned when a topology, flow or baseline does not
// exist in the store.
var ErrNotFound = errors.New("not found")
