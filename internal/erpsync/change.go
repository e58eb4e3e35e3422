package erpsync

import "fmt"

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// ChangeItem is one queued local mutation awaiting remote application.
// It is created at mutation time, lives until the apply endpoint
// acknowledges it, and is discarded after acknowledgment.
type ChangeItem struct {
	ID    string `json:"id"`
	Table string `json:"table"`
	Op    Op     `json:"op"`
	Row   Row    `json:"row"`
}

func (c ChangeItem) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: change item id is required", ErrInvalidInput)
	}
	table, err := ValidateTable(c.Table)
	if err != nil {
		return err
	}
	if c.Op != OpUpsert && c.Op != OpDelete {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidInput, c.Op)
	}
	if err := c.Row.Validate(); err != nil {
		return err
	}
	// Transactional rows are location-bound; there is no company-wide
	// form of them.
	if table.Transactional && c.Row.LocationID == "" {
		return fmt.Errorf("%w: table %q requires a row location", ErrInvalidInput, c.Table)
	}
	return nil
}

// CheckItemScope enforces the tenant boundary on a pushed change item.
// A mismatched item is rejected, never applied; this is a security
// boundary, not a filter.
func CheckItemScope(item ChangeItem, scope Scope) error {
	if !scope.Allows(item.Row) {
		return &ScopeViolationError{Table: item.Table, RowID: item.Row.ID, Scope: scope}
	}
	return nil
}
