package remotestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

var (
	testNow  = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	products = mustTable("products")
	sales    = mustTable("sales")
)

func mustTable(name string) erpsync.Table {
	t, err := erpsync.ValidateTable(name)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestStore() *MemoryStore {
	store := NewMemoryStore()
	store.SetNow(func() time.Time { return testNow })
	return store
}

func catalogRow(id, company, location string, updated time.Time) erpsync.Row {
	return erpsync.Row{ID: id, CompanyID: company, LocationID: location, UpdatedAt: updated}
}

func salesRow(id, company, location string, updated, txn time.Time) erpsync.Row {
	return erpsync.Row{ID: id, CompanyID: company, LocationID: location, UpdatedAt: updated, TxnDate: &txn}
}

func TestPullTenantIsolation(t *testing.T) {
	store := newTestStore()
	updated := testNow.Add(-time.Hour)
	store.Seed("products", catalogRow("p1", "c1", "", updated))
	store.Seed("products", catalogRow("p2", "c1", "l1", updated))
	store.Seed("products", catalogRow("p3", "c1", "l2", updated))
	store.Seed("products", catalogRow("p4", "c2", "", updated))

	rows, err := store.Pull(context.Background(), PullQuery{
		Table: products,
		Scope: erpsync.Scope{CompanyID: "c1", LocationID: "l1"},
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	// Company-wide rows and the scope's own location, nothing else.
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestPullTransactionalWindow(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1", LocationID: "l1"}
	recent := testNow.Add(-24 * time.Hour)
	stale := testNow.Add(-45 * 24 * time.Hour)
	store.Seed("sales", salesRow("s1", "c1", "l1", recent, recent))
	store.Seed("sales", salesRow("s2", "c1", "l1", recent, stale))
	store.Seed("sales", salesRow("s3", "c1", "", recent, recent))

	rows, err := store.Pull(context.Background(), PullQuery{Table: sales, Scope: scope})
	require.NoError(t, err)

	// s2 falls outside the 30-day window; s3 has no location and sales
	// rows must match the scope's location exactly.
	require.Len(t, rows, 1)
	assert.Equal(t, "s1", rows[0].ID)
}

func TestPullWatermarkPredicate(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1"}
	boundary := testNow.Add(-time.Hour)
	store.Seed("products", catalogRow("p1", "c1", "", boundary.Add(-time.Minute)))
	store.Seed("products", catalogRow("p2", "c1", "", boundary))
	store.Seed("products", catalogRow("p3", "c1", "", boundary.Add(time.Minute)))

	inclusive, err := store.Pull(context.Background(), PullQuery{
		Table: products, Scope: scope, Since: boundary,
	})
	require.NoError(t, err)
	require.Len(t, inclusive, 2)
	assert.Equal(t, "p2", inclusive[0].ID)
	assert.Equal(t, "p3", inclusive[1].ID)

	strict, err := store.Pull(context.Background(), PullQuery{
		Table: products, Scope: scope, Since: boundary, StrictAfter: true,
	})
	require.NoError(t, err)
	require.Len(t, strict, 1)
	assert.Equal(t, "p3", strict[0].ID)
}

func TestPullPaginationIsStable(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1"}
	updated := testNow.Add(-time.Hour)
	for i := 0; i < 5; i++ {
		// Identical updated_at: ordering must fall back to id.
		store.Seed("products", catalogRow(fmt.Sprintf("p%d", i), "c1", "", updated))
	}

	var ids []string
	for offset := 0; ; offset += 2 {
		page, err := store.Pull(context.Background(), PullQuery{
			Table: products, Scope: scope, Offset: offset, Limit: 2,
		})
		require.NoError(t, err)
		for _, row := range page {
			ids = append(ids, row.ID)
		}
		if len(page) < 2 {
			break
		}
	}
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, ids)
}

func TestApplyUpsertIsIdempotent(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1", LocationID: "l1"}
	item := erpsync.ChangeItem{
		ID:    "ch1",
		Table: "products",
		Op:    erpsync.OpUpsert,
		Row: erpsync.Row{
			ID: "p1", CompanyID: "c1", UpdatedAt: testNow,
			Doc: map[string]any{"name": "Espresso"},
		},
	}

	for i := 0; i < 2; i++ {
		results, err := store.Apply(context.Background(), scope, []erpsync.ChangeItem{item})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, ItemApplied, results[0].Status)
	}

	row, err := store.Get("products", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Espresso", row.Doc["name"])
}

func TestApplyPartialSuccess(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1", LocationID: "l1"}
	items := []erpsync.ChangeItem{
		{
			ID: "ch1", Table: "products", Op: erpsync.OpUpsert,
			Row: erpsync.Row{ID: "p1", CompanyID: "c1", UpdatedAt: testNow},
		},
		{
			ID: "ch2", Table: "products", Op: erpsync.OpUpsert,
			Row: erpsync.Row{ID: "p2", CompanyID: "c2", UpdatedAt: testNow},
		},
		{
			ID: "ch3", Table: "products", Op: erpsync.OpUpsert,
			Row: erpsync.Row{ID: "p3", CompanyID: "c1", UpdatedAt: testNow},
		},
	}

	results, err := store.Apply(context.Background(), scope, items)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ItemApplied, results[0].Status)
	assert.Equal(t, ItemRejected, results[1].Status)
	assert.NotEmpty(t, results[1].Reason)
	assert.Equal(t, ItemApplied, results[2].Status)

	// The rejected item must not have leaked into the other tenant.
	_, err = store.Get("products", "p2")
	assert.ErrorIs(t, err, erpsync.ErrNotFound)
}

func TestApplyDeleteTombstones(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1", LocationID: "l1"}
	seeded := catalogRow("p1", "c1", "", testNow.Add(-time.Hour))
	store.Seed("products", seeded)

	results, err := store.Apply(context.Background(), scope, []erpsync.ChangeItem{{
		ID: "ch1", Table: "products", Op: erpsync.OpDelete,
		Row: erpsync.Row{ID: "p1", CompanyID: "c1"},
	}})
	require.NoError(t, err)
	require.Equal(t, ItemApplied, results[0].Status)

	row, err := store.Get("products", "p1")
	require.NoError(t, err)
	assert.True(t, row.Deleted)
	// updated_at must advance so the tombstone is pulled by others.
	assert.True(t, row.UpdatedAt.After(seeded.UpdatedAt))

	// Deleting a row that never existed is acknowledged, not failed.
	results, err = store.Apply(context.Background(), scope, []erpsync.ChangeItem{{
		ID: "ch2", Table: "products", Op: erpsync.OpDelete,
		Row: erpsync.Row{ID: "ghost", CompanyID: "c1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ItemApplied, results[0].Status)
}

func TestApplyRejectsCapturingForeignRow(t *testing.T) {
	store := newTestStore()
	scope := erpsync.Scope{CompanyID: "c1", LocationID: "l1"}
	victim := erpsync.Row{
		ID: "shared-id", CompanyID: "c2", UpdatedAt: testNow.Add(-time.Hour),
		Doc: map[string]any{"name": "Original"},
	}
	store.Seed("products", victim)

	// Both ops claim c1 ownership of an id that belongs to c2. The items
	// themselves are well-formed, so only the stored-row check stops them.
	results, err := store.Apply(context.Background(), scope, []erpsync.ChangeItem{
		{
			ID: "ch1", Table: "products", Op: erpsync.OpDelete,
			Row: erpsync.Row{ID: "shared-id", CompanyID: "c1"},
		},
		{
			ID: "ch2", Table: "products", Op: erpsync.OpUpsert,
			Row: erpsync.Row{ID: "shared-id", CompanyID: "c1", UpdatedAt: testNow},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ItemRejected, results[0].Status)
	assert.Equal(t, ItemRejected, results[1].Status)

	stored, err := store.Get("products", "shared-id")
	require.NoError(t, err)
	assert.Equal(t, "c2", stored.CompanyID)
	assert.False(t, stored.Deleted)
	assert.Equal(t, "Original", stored.Doc["name"])
}

func TestApplyRejectsOtherLocationRow(t *testing.T) {
	store := newTestStore()
	store.Seed("products", catalogRow("p1", "c1", "l2", testNow.Add(-time.Hour)))

	results, err := store.Apply(context.Background(),
		erpsync.Scope{CompanyID: "c1", LocationID: "l1"},
		[]erpsync.ChangeItem{{
			ID: "ch1", Table: "products", Op: erpsync.OpUpsert,
			Row: erpsync.Row{ID: "p1", CompanyID: "c1", LocationID: "l1", UpdatedAt: testNow},
		}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ItemRejected, results[0].Status)

	stored, err := store.Get("products", "p1")
	require.NoError(t, err)
	assert.Equal(t, "l2", stored.LocationID)
}

func TestPullTransactionalRequiresLocation(t *testing.T) {
	store := newTestStore()
	store.Seed("sales", salesRow("s1", "c1", "l1", testNow.Add(-time.Hour), testNow.Add(-time.Hour)))

	_, err := store.Pull(context.Background(), PullQuery{
		Table: sales,
		Scope: erpsync.Scope{CompanyID: "c1"},
	})
	assert.ErrorIs(t, err, erpsync.ErrInvalidScope)
}

func TestApplyRejectsTransactionalItemWithoutLocation(t *testing.T) {
	store := newTestStore()
	txn := testNow.Add(-time.Hour)

	results, err := store.Apply(context.Background(),
		erpsync.Scope{CompanyID: "c1", LocationID: "l1"},
		[]erpsync.ChangeItem{{
			ID: "ch1", Table: "sales", Op: erpsync.OpUpsert,
			Row: erpsync.Row{ID: "s1", CompanyID: "c1", UpdatedAt: testNow, TxnDate: &txn},
		}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ItemRejected, results[0].Status)
	assert.NotEmpty(t, results[0].Reason)
}

func TestPullQueryNormalize(t *testing.T) {
	q := PullQuery{Table: sales, Limit: 5000, Offset: -3}.Normalize()
	assert.Equal(t, DefaultPageSize, q.Limit)
	assert.Equal(t, 0, q.Offset)
	assert.Equal(t, erpsync.DefaultTxnWindowDays, q.WindowDays)

	catalog := PullQuery{Table: products, WindowDays: 7}.Normalize()
	assert.Equal(t, 0, catalog.WindowDays)
}
