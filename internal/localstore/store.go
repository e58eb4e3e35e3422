// Package localstore is the embedded document store that serves as the
// read/write source of truth while the device is offline. Mutations
// apply locally first and enqueue a change item in the same
// transaction, so a crash never leaves a local write without its queued
// push. All reads go through FindByScope, so no query can cross tenant
// boundaries.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db   *sql.DB
	path string

	nowMu sync.Mutex
	now   func() time.Time
}

// Open creates or opens the SQLite database at path. WAL mode keeps
// reads available during writes; a single connection serializes all
// writers, which is what keeps a UI write and an in-flight push from
// interleaving inconsistently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:   db,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path, used by the change watcher.
func (s *Store) Path() string {
	return s.path
}

// SetNow overrides the mutation clock. Test hook; safe to call while
// other goroutines are mutating.
func (s *Store) SetNow(now func() time.Time) {
	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	return s.now()
}

// Create writes a new row under the scope and enqueues its upsert.
// UpdatedAt is stamped here; the row ID is generated when absent.
func (s *Store) Create(ctx context.Context, table string, scope erpsync.Scope, row erpsync.Row) (erpsync.Row, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return s.mutate(ctx, table, scope, row, erpsync.OpUpsert)
}

// Update replaces an existing row under the scope and enqueues its
// upsert. Whole-row replace; callers resolve merges before writing.
func (s *Store) Update(ctx context.Context, table string, scope erpsync.Scope, row erpsync.Row) (erpsync.Row, error) {
	if row.ID == "" {
		return erpsync.Row{}, fmt.Errorf("%w: update requires a row id", erpsync.ErrInvalidInput)
	}
	return s.mutate(ctx, table, scope, row, erpsync.OpUpsert)
}

// Delete tombstones a row under the scope and enqueues the deletion.
// The row stays in place with deleted=1 so the tombstone replicates.
func (s *Store) Delete(ctx context.Context, table string, scope erpsync.Scope, id string) error {
	row, err := s.Get(ctx, table, scope, id)
	if err != nil {
		return err
	}
	row.Deleted = true
	_, err = s.mutate(ctx, table, scope, row, erpsync.OpDelete)
	return err
}

func (s *Store) mutate(ctx context.Context, table string, scope erpsync.Scope, row erpsync.Row, op erpsync.Op) (erpsync.Row, error) {
	tbl, err := erpsync.ValidateTable(table)
	if err != nil {
		return erpsync.Row{}, err
	}
	if err := scope.Validate(); err != nil {
		return erpsync.Row{}, err
	}
	if row.CompanyID == "" {
		row.CompanyID = scope.CompanyID
	}
	// Transactional rows are location-bound: they adopt the acting
	// scope's location and cannot be written by a company-level scope.
	if tbl.Transactional && row.LocationID == "" {
		row.LocationID = scope.LocationID
	}
	if tbl.Transactional && row.LocationID == "" {
		return erpsync.Row{}, fmt.Errorf("%w: table %q requires a location", erpsync.ErrInvalidScope, table)
	}
	if !scope.Allows(row) {
		return erpsync.Row{}, &erpsync.ScopeViolationError{Table: table, RowID: row.ID, Scope: scope}
	}
	stamp := s.clock()
	row.UpdatedAt = stamp

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return erpsync.Row{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := upsertRowTx(ctx, tx, table, row); err != nil {
		return erpsync.Row{}, err
	}
	item := erpsync.ChangeItem{
		ID:    uuid.NewString(),
		Table: table,
		Op:    op,
		Row:   row,
	}
	if err := enqueueTx(ctx, tx, scope, item, stamp); err != nil {
		return erpsync.Row{}, err
	}
	if err := tx.Commit(); err != nil {
		return erpsync.Row{}, err
	}
	committed = true
	return row, nil
}

func upsertRowTx(ctx context.Context, tx *sql.Tx, table string, row erpsync.Row) error {
	doc, err := json.Marshal(row.Doc)
	if err != nil {
		return err
	}
	if row.Doc == nil {
		doc = []byte("{}")
	}
	var txnDate any
	if row.TxnDate != nil {
		txnDate = row.TxnDate.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (table_name, id, company_id, location_id, updated_at, deleted, txn_date, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
			company_id = excluded.company_id,
			location_id = excluded.location_id,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			txn_date = excluded.txn_date,
			doc = excluded.doc`,
		table, row.ID, row.CompanyID, row.LocationID,
		row.UpdatedAt.UTC().Format(time.RFC3339Nano), boolToInt(row.Deleted), txnDate, string(doc))
	return err
}

func enqueueTx(ctx context.Context, tx *sql.Tx, scope erpsync.Scope, item erpsync.ChangeItem, queuedAt time.Time) error {
	payload, err := json.Marshal(item.Row)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_changes (change_id, table_name, op, company_id, location_id, row_json, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Table, string(item.Op), scope.CompanyID, scope.LocationID,
		string(payload), queuedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// Get reads a single row, tombstones included, within the scope.
func (s *Store) Get(ctx context.Context, table string, scope erpsync.Scope, id string) (erpsync.Row, error) {
	if err := scope.Validate(); err != nil {
		return erpsync.Row{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, location_id, updated_at, deleted, txn_date, doc
		FROM rows
		WHERE table_name = ? AND id = ? AND company_id = ?
		  AND (location_id = '' OR location_id = ?)`,
		table, id, scope.CompanyID, scope.LocationID)
	out, err := scanLocalRow(row.Scan)
	if err == sql.ErrNoRows {
		return erpsync.Row{}, erpsync.ErrNotFound
	}
	return out, err
}

// Filter narrows FindByScope results.
type Filter struct {
	IncludeDeleted bool
	Limit          int
}

// FindByScope is the only read path exposed upward. It returns live
// rows for the scope (tombstones only when asked for).
func (s *Store) FindByScope(ctx context.Context, table string, scope erpsync.Scope, filter Filter) ([]erpsync.Row, error) {
	if _, err := erpsync.ValidateTable(table); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, company_id, location_id, updated_at, deleted, txn_date, doc
		FROM rows
		WHERE table_name = ? AND company_id = ?
		  AND (location_id = '' OR location_id = ?)`
	args := []any{table, scope.CompanyID, scope.LocationID}
	if !filter.IncludeDeleted {
		query += " AND deleted = 0"
	}
	query += " ORDER BY updated_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]erpsync.Row, 0)
	for rows.Next() {
		row, err := scanLocalRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanLocalRow(scan func(dest ...any) error) (erpsync.Row, error) {
	var (
		row       erpsync.Row
		updatedAt string
		deleted   int
		txnDate   sql.NullString
		doc       string
	)
	if err := scan(&row.ID, &row.CompanyID, &row.LocationID, &updatedAt, &deleted, &txnDate, &doc); err != nil {
		return erpsync.Row{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return erpsync.Row{}, fmt.Errorf("parse updated_at: %w", err)
	}
	row.UpdatedAt = ts
	row.Deleted = deleted != 0
	if txnDate.Valid && txnDate.String != "" {
		t, err := time.Parse(time.RFC3339Nano, txnDate.String)
		if err != nil {
			return erpsync.Row{}, fmt.Errorf("parse txn_date: %w", err)
		}
		row.TxnDate = &t
	}
	if doc != "" && doc != "{}" {
		if err := json.Unmarshal([]byte(doc), &row.Doc); err != nil {
			return erpsync.Row{}, fmt.Errorf("parse doc: %w", err)
		}
	}
	return row, nil
}

// Merge applies pulled remote rows last-writer-wins against the local
// copies: insert when unseen, replace when the remote UpdatedAt is
// newer. It returns how many rows actually changed. Merge does not
// enqueue change items; pulled rows are already remote truth.
func (s *Store) Merge(ctx context.Context, table string, remote []erpsync.Row) (int, error) {
	if _, err := erpsync.ValidateTable(table); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	merged := 0
	for _, row := range remote {
		var localUpdated string
		err := tx.QueryRowContext(ctx,
			"SELECT updated_at FROM rows WHERE table_name = ? AND id = ?",
			table, row.ID).Scan(&localUpdated)
		if err == nil {
			local, parseErr := time.Parse(time.RFC3339Nano, localUpdated)
			if parseErr != nil {
				return merged, parseErr
			}
			if !row.UpdatedAt.After(local) {
				continue // local copy is as new or newer
			}
		} else if err != sql.ErrNoRows {
			return merged, err
		}
		if err := upsertRowTx(ctx, tx, table, row); err != nil {
			return merged, err
		}
		merged++
	}
	if err := tx.Commit(); err != nil {
		return merged, err
	}
	committed = true
	return merged, nil
}

// Pending returns up to limit queued change items for the scope, oldest
// first, without removing them. Items leave the queue only through Ack.
func (s *Store) Pending(ctx context.Context, scope erpsync.Scope, limit int) ([]erpsync.ChangeItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_id, table_name, op, row_json
		FROM pending_changes
		WHERE company_id = ? AND location_id = ?
		ORDER BY seq ASC
		LIMIT ?`, scope.CompanyID, scope.LocationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]erpsync.ChangeItem, 0, limit)
	for rows.Next() {
		var (
			item erpsync.ChangeItem
			op   string
			body string
		)
		if err := rows.Scan(&item.ID, &item.Table, &op, &body); err != nil {
			return nil, err
		}
		item.Op = erpsync.Op(op)
		if err := json.Unmarshal([]byte(body), &item.Row); err != nil {
			return nil, fmt.Errorf("parse queued row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ack removes acknowledged (or scope-rejected) change items from the
// queue. Items the server failed transiently are not acked and stay
// queued for the next cycle.
func (s *Store) Ack(ctx context.Context, changeIDs []string) error {
	if len(changeIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, id := range changeIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_changes WHERE change_id = ?", id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// QueueDepth reports how many change items are waiting for the scope.
func (s *Store) QueueDepth(ctx context.Context, scope erpsync.Scope) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_changes WHERE company_id = ? AND location_id = ?",
		scope.CompanyID, scope.LocationID).Scan(&depth)
	return depth, err
}

// Watermark returns the persisted pull cursor for a table under the
// scope. ok is false before the first completed pull cycle.
func (s *Store) Watermark(ctx context.Context, table string, scope erpsync.Scope) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_synced_at FROM sync_cursors
		WHERE table_name = ? AND company_id = ? AND location_id = ?`,
		table, scope.CompanyID, scope.LocationID).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark: %w", err)
	}
	return ts, true, nil
}

// SetWatermark persists the pull cursor. Called only after a short page
// closes a pull cycle, never mid-cycle.
func (s *Store) SetWatermark(ctx context.Context, table string, scope erpsync.Scope, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (table_name, company_id, location_id, last_synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, company_id, location_id)
		DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		table, scope.CompanyID, scope.LocationID, ts.UTC().Format(time.RFC3339Nano))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
