// Package store persists connection descriptors.
package store

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"

	"github.com/die-net/sshdirect/internal/config"
)

// ErrNotFound is returned when no descriptor has the requested ID.
var ErrNotFound = errors.New("descriptor not found")

// Store holds descriptors by ID.
type Store interface {
	// Get returns the descriptor with id, or ErrNotFound.
	Get(ctx context.Context, id string) (config.Descriptor, error)
	// List returns every descriptor ordered by display name, then ID.
	List(ctx context.Context) ([]config.Descriptor, error)
	// Put inserts or replaces d. An empty ID is replaced by a new one; the
	// stored descriptor is returned.
	Put(ctx context.Context, d config.Descriptor) (config.Descriptor, error)
	// Delete removes the descriptor with id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}

func newID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func prepare(d config.Descriptor) (config.Descriptor, error) {
	if err := d.Validate(); err != nil {
		return d, err
	}
	if d.ID == "" {
		d.ID = newID()
	}
	return d, nil
}

func sortDescriptors(ds []config.Descriptor) {
	slices.SortFunc(ds, func(a, b config.Descriptor) int {
		return cmp.Or(cmp.Compare(a.DisplayName(), b.DisplayName()), cmp.Compare(a.ID, b.ID))
	})
}
