package remotestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

// MemoryStore is an in-process Store used by tests and local
// development. It applies the same filtering and ordering rules as the
// postgres implementation.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]map[string]erpsync.Row
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: map[string]map[string]erpsync.Row{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the tombstone clock. Test hook.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed inserts a row directly, bypassing scope checks. Test hook.
func (m *MemoryStore) Seed(table string, row erpsync.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	if rows == nil {
		rows = map[string]erpsync.Row{}
		m.tables[table] = rows
	}
	rows[row.ID] = row
}

func (m *MemoryStore) Pull(ctx context.Context, q PullQuery) ([]erpsync.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	windowStart := q.WindowStart(m.now())
	matched := make([]erpsync.Row, 0)
	for _, row := range m.tables[q.Table.Name] {
		if !rowVisible(q, row) {
			continue
		}
		if !windowStart.IsZero() && (row.TxnDate == nil || row.TxnDate.Before(windowStart)) {
			continue
		}
		if q.StrictAfter {
			if !row.UpdatedAt.After(q.Since) {
				continue
			}
		} else if row.UpdatedAt.Before(q.Since) {
			continue
		}
		matched = append(matched, row)
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if q.Offset >= len(matched) {
		return []erpsync.Row{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]erpsync.Row, end-q.Offset)
	copy(page, matched[q.Offset:end])
	return page, nil
}

// rowVisible applies the tenant predicate the way the pull endpoint
// defines it: catalog rows may be company-wide, transactional rows must
// match the scope's location exactly.
func rowVisible(q PullQuery, row erpsync.Row) bool {
	if row.CompanyID != q.Scope.CompanyID {
		return false
	}
	if q.Table.Transactional {
		return row.LocationID == q.Scope.LocationID
	}
	return row.LocationID == "" || row.LocationID == q.Scope.LocationID
}

func (m *MemoryStore) Apply(ctx context.Context, scope erpsync.Scope, items []erpsync.ChangeItem) ([]ItemResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, m.applyOne(scope, item))
	}
	return results, nil
}

func (m *MemoryStore) applyOne(scope erpsync.Scope, item erpsync.ChangeItem) ItemResult {
	if err := item.Validate(); err != nil {
		return ItemResult{ItemID: item.ID, Status: ItemRejected, Reason: err.Error()}
	}
	if err := erpsync.CheckItemScope(item, scope); err != nil {
		return ItemResult{ItemID: item.ID, Status: ItemRejected, Reason: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[item.Table]
	if rows == nil {
		rows = map[string]erpsync.Row{}
		m.tables[item.Table] = rows
	}
	// Ownership of the stored row is part of the boundary: a pushed item
	// may claim any id, so the row already at that id must itself be
	// within the pusher's scope before it can be replaced or tombstoned.
	if existing, ok := rows[item.Row.ID]; ok && !scope.Allows(existing) {
		violation := &erpsync.ScopeViolationError{Table: item.Table, RowID: item.Row.ID, Scope: scope}
		return ItemResult{ItemID: item.ID, Status: ItemRejected, Reason: violation.Error()}
	}
	switch item.Op {
	case erpsync.OpUpsert:
		rows[item.Row.ID] = item.Row
	case erpsync.OpDelete:
		existing, ok := rows[item.Row.ID]
		if !ok {
			break // deleting a missing row is a no-op
		}
		existing.Deleted = true
		existing.UpdatedAt = m.now()
		rows[item.Row.ID] = existing
	}
	return ItemResult{ItemID: item.ID, Status: ItemApplied}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}

// Get returns a stored row. Test hook.
func (m *MemoryStore) Get(table, id string) (erpsync.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return erpsync.Row{}, erpsync.ErrNotFound
	}
	return row, nil
}
