// Package remotestore is the server-side system of record for
// synchronizable rows. Implementations serialize conflicting upserts at
// the row level; handlers may call them with arbitrary request-level
// parallelism.
package remotestore

import (
	"context"
	"fmt"
	"time"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

const (
	DefaultPageSize = 1000
	MaxPageSize     = 1000
)

// PullQuery selects one page of changed rows for a table under a tenant
// scope. Filtering order is scope, then the optional business-date
// window, then the watermark predicate. Results are always sorted
// ascending by updated_at with id as tie-break so offsets are stable.
type PullQuery struct {
	Table erpsync.Table
	Scope erpsync.Scope
	Since time.Time
	// StrictAfter selects updated_at > Since instead of >=, used once a
	// cursor has already advanced past the boundary row.
	StrictAfter bool
	Offset      int
	Limit       int
	WindowDays  int
}

// Normalize clamps the paging parameters and resolves the window for
// transactional tables.
func (q PullQuery) Normalize() PullQuery {
	if q.Limit <= 0 || q.Limit > MaxPageSize {
		q.Limit = DefaultPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Table.Transactional && q.WindowDays <= 0 {
		q.WindowDays = q.Table.DefaultWindowDays
	}
	if !q.Table.Transactional {
		q.WindowDays = 0
	}
	return q
}

// Validate enforces the scope rules of the query. Transactional
// tables are location-bound, so pulling one without a location is a
// client error, not an empty result.
func (q PullQuery) Validate() error {
	if err := q.Scope.Validate(); err != nil {
		return err
	}
	if q.Table.Transactional && q.Scope.LocationID == "" {
		return fmt.Errorf("%w: table %q requires a location", erpsync.ErrInvalidScope, q.Table.Name)
	}
	return nil
}

// WindowStart returns the lower business-date bound, or the zero time
// when no window applies.
func (q PullQuery) WindowStart(now time.Time) time.Time {
	if q.WindowDays <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(q.WindowDays) * 24 * time.Hour)
}

type ItemStatus string

const (
	ItemApplied  ItemStatus = "applied"
	ItemRejected ItemStatus = "rejected"
	ItemFailed   ItemStatus = "failed"
)

// ItemResult reports the outcome of a single change item. Batches are
// applied item by item; one failure never aborts the rest.
type ItemResult struct {
	ItemID string     `json:"id"`
	Status ItemStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// Store is the remote relational store behind the pull and apply
// endpoints.
type Store interface {
	// Pull returns one page of rows matching the query. A short page
	// (len < Limit) means the caller has caught up for this Since.
	Pull(ctx context.Context, q PullQuery) ([]erpsync.Row, error)
	// Apply commits a batch of change items under a tenant scope,
	// reporting a per-item outcome. Upserts are idempotent whole-row
	// replacements; deletes tombstone the row and bump updated_at so
	// the deletion propagates to other pullers.
	Apply(ctx context.Context, scope erpsync.Scope, items []erpsync.ChangeItem) ([]ItemResult, error)
	Ping(ctx context.Context) error
	Close() error
}
