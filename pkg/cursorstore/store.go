// Package cursorstore persists the opaque resume-cursor blob between
// pipeline runs, behind one interface with two interchangeable backings.
package cursorstore

import "context"

// Store loads and saves the opaque cursor blob. Load's second return value
// reports absence (never-yet-saved), distinct from an error.
type Store interface {
	Load(ctx context.Context) (token []byte, present bool, err error)
	Save(ctx context.Context, token []byte) error
}
