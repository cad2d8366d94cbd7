// Package store defines the persistence interface for memory records and a
// small filter language both backends share. The chromem backend evaluates
// filters in process; the milvus backend compiles them to boolean
// expressions pushed down to the server.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmem/mnemo/record"
)

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable marks a backend that cannot be reached. Callers match it
// with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// UnavailableError carries the backend address alongside the cause.
type UnavailableError struct {
	Addr string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store at %s unavailable: %v", e.Addr, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Hit is one vector search result with its raw cosine similarity.
type Hit struct {
	Record     *record.Record
	Similarity float64
}

// Store persists records for many owners. All operations are owner-scoped;
// a backend must never return one owner's records to another.
type Store interface {
	// Insert adds new records. Inserting an existing ID is an error.
	Insert(ctx context.Context, recs ...*record.Record) error

	// Get fetches one record by ID. Returns ErrNotFound when absent or
	// owned by someone else.
	Get(ctx context.Context, owner, id string) (*record.Record, error)

	// SearchVector returns up to limit records of the given kind ordered
	// by descending similarity to the query vector.
	SearchVector(ctx context.Context, owner string, vector []float32, kind record.Kind, limit int) ([]Hit, error)

	// Query returns records matching the filter, up to limit. A nil
	// filter matches everything the owner has. Order is unspecified.
	Query(ctx context.Context, owner string, f *Filter, limit int) ([]*record.Record, error)

	// Update replaces the stored record with the given one, matched by
	// ID. Returns ErrNotFound for unknown IDs.
	Update(ctx context.Context, rec *record.Record) error

	// Delete removes records by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, owner string, ids ...string) error

	// DeleteWhere removes all records matching the filter and reports
	// how many went away. A nil filter clears the owner's memory.
	DeleteWhere(ctx context.Context, owner string, f *Filter) (int, error)

	// Count reports how many records match the filter.
	Count(ctx context.Context, owner string, f *Filter) (int, error)

	// Close releases backend resources.
	Close() error
}
