// Package erpsync holds the replication domain model shared by the sync
// API server and the client agent: tenant scopes, replicable rows, change
// items, and the fixed table registry.
//
// Rows travel the wire as snake_case JSON; the struct tags here are the
// single serialization boundary, there is no generic key renaming.
package erpsync

import (
	"fmt"
	"strings"
	"time"
)

// Scope is the (company, location) pair that partitions all data
// visibility and mutation rights. LocationID is empty for sessions that
// operate on company-wide data only.
type Scope struct {
	CompanyID  string `json:"company_id"`
	LocationID string `json:"location_id,omitempty"`
}

func (s Scope) String() string {
	if s.LocationID == "" {
		return s.CompanyID
	}
	return s.CompanyID + "/" + s.LocationID
}

func (s Scope) Validate() error {
	if strings.TrimSpace(s.CompanyID) == "" {
		return fmt.Errorf("%w: company id is required", ErrInvalidScope)
	}
	return nil
}

// Allows reports whether a row is visible to, and writable by, this
// scope. Rows without a location are company-wide; rows with a location
// must match the scope's location exactly.
func (s Scope) Allows(r Row) bool {
	if r.CompanyID != s.CompanyID {
		return false
	}
	if r.LocationID != "" && r.LocationID != s.LocationID {
		return false
	}
	return true
}

// Row is the unit of replication. UpdatedAt is set by the authoritative
// writer and advances on every mutation; Deleted is a tombstone, the row
// is never physically removed from the system of record. Doc carries the
// business fields, which the sync engine treats as opaque.
type Row struct {
	ID         string         `json:"id"`
	CompanyID  string         `json:"company_id"`
	LocationID string         `json:"location_id,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Deleted    bool           `json:"deleted"`
	TxnDate    *time.Time     `json:"txn_date,omitempty"`
	Doc        map[string]any `json:"doc,omitempty"`
}

func (r Row) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: row id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.CompanyID) == "" {
		return fmt.Errorf("%w: row company id is required", ErrInvalidInput)
	}
	return nil
}

// Newer implements last-writer-wins between two versions of the same
// row. The greater UpdatedAt wins; ties break on the lexically greater
// ID so merges are deterministic on both sides.
func Newer(a, b Row) Row {
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	if a.ID >= b.ID {
		return a
	}
	return b
}
