// Package records holds the local, queryable copy of the replicated unit set.
//
// The apply engine is the only writer. Readers (UI, snapshots, CLI) use All
// or Get. Two implementations are provided: Memory for tests and short-lived
// nodes, and Bolt for a node that should survive restarts.
package records

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/model"
)

// Store is the record store the apply engine mutates.
type Store interface {
	// Get returns the unit with id. found is false if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (u model.Unit, found bool, err error)
	// Put inserts or replaces a unit.
	Put(ctx context.Context, u model.Unit) error
	// Delete removes a unit. Deleting a missing unit is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
	// All returns every unit ordered by id.
	All(ctx context.Context) ([]model.Unit, error)
	// Replace atomically swaps the whole set for units.
	Replace(ctx context.Context, units []model.Unit) error
}

// sortByID orders units by their string id so All is deterministic.
func sortByID(units []model.Unit) {
	slices.SortFunc(units, func(a, b model.Unit) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Bolt)(nil)
)
