// Package store defines the runner state store contract.  Backends live in
// sub-packages (dynamo, sqlstore); Memory is an in-process implementation
// used for local development and tests.
package store

import (
	"context"
	"sort"

	"github.com/terrpan/ecsrunner/internal/runner"
)

// DefaultPageSize is the scan page size used when callers pass zero.
const DefaultPageSize = 100

// Store is the durable keyed record of one row per runner id.
//
// Writes are last-writer-wins except PutIf, which only succeeds when the
// persisted record is still in the expected state.  No locking primitive
// is offered; the controller relies on state monotonicity instead.
type Store interface {
	// Get returns the record for id or an error wrapping
	// apperrors.ErrNotFound.
	Get(ctx context.Context, id string) (*runner.Runner, error)

	// Put unconditionally writes r.
	Put(ctx context.Context, r *runner.Runner) error

	// PutIf writes r only when the persisted record exists and is in
	// state expected.  Otherwise it returns an error wrapping
	// apperrors.ErrConflict.
	PutIf(ctx context.Context, r *runner.Runner, expected runner.State) error

	// Delete removes the record for id.  Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, id string) error

	// Scan returns one page of records starting after cursor ("" for the
	// first page).  Page.Next is empty on the last page.
	Scan(ctx context.Context, cursor string, limit int) (*Page, error)
}

// Page is one page of a Scan.
type Page struct {
	Runners []*runner.Runner
	Next    string
}

// ScanAll walks every page of s, calling fn for each record.  It stops at
// the first error returned by the store or by fn.
func ScanAll(ctx context.Context, s Store, pageSize int, fn func(*runner.Runner) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	cursor := ""
	for {
		page, err := s.Scan(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, r := range page.Runners {
			if err := fn(r); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		cursor = page.Next
	}
}

// List returns every record ordered by creation time, oldest first.  Ties
// are broken by id.
func List(ctx context.Context, s Store) ([]*runner.Runner, error) {
	var out []*runner.Runner
	err := ScanAll(ctx, s, DefaultPageSize, func(r *runner.Runner) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
