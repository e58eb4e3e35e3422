package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

const (
	postgresRowsTableName    = "sync_rows"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps all synchronizable tables in one relational table
// keyed by (table_name, id). Upserts rely on ON CONFLICT so conflicting
// writes serialize at the row level inside the database.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, erpsync.ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresRowsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				table_name TEXT NOT NULL,
				id TEXT NOT NULL,
				company_id TEXT NOT NULL,
				location_id TEXT,
				updated_at TIMESTAMPTZ NOT NULL,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				txn_date TIMESTAMPTZ,
				doc JSONB NOT NULL DEFAULT '{}',
				PRIMARY KEY (table_name, id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_pull_idx"
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (table_name, company_id, updated_at, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Pull(ctx context.Context, q PullQuery) ([]erpsync.Row, error) {
	if err := s.ensureReady(); err != nil {
		return nil, &erpsync.StorageError{Op: "pull", Err: err}
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var (
		conds = []string{"table_name = $1", "company_id = $2"}
		args  = []any{q.Table.Name, q.Scope.CompanyID}
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Table.Transactional {
		conds = append(conds, "location_id = "+next(q.Scope.LocationID))
		if start := q.WindowStart(time.Now().UTC()); !start.IsZero() {
			conds = append(conds, "txn_date >= "+next(start))
		}
	} else {
		conds = append(conds, "(location_id IS NULL OR location_id = "+next(q.Scope.LocationID)+")")
	}
	cmp := ">="
	if q.StrictAfter {
		cmp = ">"
	}
	conds = append(conds, "updated_at "+cmp+" "+next(q.Since))

	query := fmt.Sprintf(`
		SELECT id, company_id, location_id, updated_at, deleted, txn_date, doc
		FROM %s
		WHERE %s
		ORDER BY updated_at ASC, id ASC
		LIMIT %s OFFSET %s`,
		postgresQuoteIdentifier(s.tableName),
		strings.Join(conds, " AND "),
		next(q.Limit), next(q.Offset),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &erpsync.StorageError{Op: "pull", Err: err}
	}
	defer rows.Close()

	page := make([]erpsync.Row, 0, q.Limit)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, &erpsync.StorageError{Op: "pull", Err: err}
		}
		page = append(page, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &erpsync.StorageError{Op: "pull", Err: err}
	}
	return page, nil
}

func scanRow(rows *sql.Rows) (erpsync.Row, error) {
	var (
		row      erpsync.Row
		location sql.NullString
		txnDate  sql.NullTime
		doc      []byte
	)
	if err := rows.Scan(&row.ID, &row.CompanyID, &location, &row.UpdatedAt, &row.Deleted, &txnDate, &doc); err != nil {
		return erpsync.Row{}, err
	}
	if location.Valid {
		row.LocationID = location.String
	}
	if txnDate.Valid {
		t := txnDate.Time.UTC()
		row.TxnDate = &t
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &row.Doc); err != nil {
			return erpsync.Row{}, err
		}
	}
	return row, nil
}

func (s *PostgresStore) Apply(ctx context.Context, scope erpsync.Scope, items []erpsync.ChangeItem) ([]ItemResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, &erpsync.StorageError{Op: "apply", Err: err}
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.applyOne(ctx, scope, item))
	}
	return results, nil
}

func (s *PostgresStore) applyOne(ctx context.Context, scope erpsync.Scope, item erpsync.ChangeItem) ItemResult {
	if err := item.Validate(); err != nil {
		return ItemResult{ItemID: item.ID, Status: ItemRejected, Reason: err.Error()}
	}
	if err := erpsync.CheckItemScope(item, scope); err != nil {
		return ItemResult{ItemID: item.ID, Status: ItemRejected, Reason: err.Error()}
	}
	var err error
	switch item.Op {
	case erpsync.OpUpsert:
		err = s.upsert(ctx, scope, item)
	case erpsync.OpDelete:
		err = s.tombstone(ctx, scope, item)
	}
	if err != nil {
		if errors.Is(err, erpsync.ErrScopeViolation) {
			return ItemResult{ItemID: item.ID, Status: ItemRejected, Reason: err.Error()}
		}
		return ItemResult{ItemID: item.ID, Status: ItemFailed, Reason: err.Error()}
	}
	return ItemResult{ItemID: item.ID, Status: ItemApplied}
}

// upsert replaces the row whole. The DO UPDATE clause is guarded by
// the stored row's ownership: a conflicting row outside the pusher's
// scope updates nothing, which surfaces as a scope violation. The
// pushed item validated only its own claimed fields; without this
// guard any tenant could capture another tenant's row by id.
func (s *PostgresStore) upsert(ctx context.Context, scope erpsync.Scope, item erpsync.ChangeItem) error {
	doc, err := json.Marshal(item.Row.Doc)
	if err != nil {
		return err
	}
	if item.Row.Doc == nil {
		doc = []byte("{}")
	}
	var location any
	if item.Row.LocationID != "" {
		location = item.Row.LocationID
	}
	var txnDate any
	if item.Row.TxnDate != nil {
		txnDate = item.Row.TxnDate.UTC()
	}
	quoted := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, id, company_id, location_id, updated_at, deleted, txn_date, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (table_name, id)
		DO UPDATE SET
			company_id = EXCLUDED.company_id,
			location_id = EXCLUDED.location_id,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted,
			txn_date = EXCLUDED.txn_date,
			doc = EXCLUDED.doc
		WHERE %s.company_id = $9
		  AND (%s.location_id IS NULL OR %s.location_id = $10)`,
		quoted, quoted, quoted, quoted)
	res, err := s.db.ExecContext(ctx, query,
		item.Table, item.Row.ID, item.Row.CompanyID, location,
		item.Row.UpdatedAt.UTC(), item.Row.Deleted, txnDate, string(doc),
		scope.CompanyID, scopeLocationArg(scope))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &erpsync.ScopeViolationError{Table: item.Table, RowID: item.Row.ID, Scope: scope}
	}
	return nil
}

// tombstone bumps updated_at so the deletion itself propagates to
// other pullers. The WHERE clause carries the stored row's ownership;
// zero affected rows is either a no-op delete of a missing row or a
// scope violation against someone else's row, told apart by a lookup.
func (s *PostgresStore) tombstone(ctx context.Context, scope erpsync.Scope, item erpsync.ChangeItem) error {
	quoted := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, updated_at = NOW()
		WHERE table_name = $1 AND id = $2 AND company_id = $3
		  AND (location_id IS NULL OR location_id = $4)`, quoted)
	res, err := s.db.ExecContext(ctx, query,
		item.Table, item.Row.ID, scope.CompanyID, scopeLocationArg(scope))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var one int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE table_name = $1 AND id = $2", quoted),
			item.Table, item.Row.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		return &erpsync.ScopeViolationError{Table: item.Table, RowID: item.Row.ID, Scope: scope}
	}
	return nil
}

// scopeLocationArg maps an empty scope location to SQL NULL so the
// ownership predicate never matches a location-bound row by accident.
func scopeLocationArg(scope erpsync.Scope) any {
	if scope.LocationID == "" {
		return nil
	}
	return scope.LocationID
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return &erpsync.StorageError{Op: "ping", Err: err}
	}
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
