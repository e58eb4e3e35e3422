package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

var testScope = erpsync.Scope{CompanyID: "c1", LocationID: "l1"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateWritesRowAndQueuesChange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stamp := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return stamp })

	created, err := store.Create(ctx, "products", testScope, erpsync.Row{
		Doc: map[string]any{"name": "Espresso", "price": 3.5},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "c1", created.CompanyID)
	assert.Equal(t, stamp, created.UpdatedAt)

	got, err := store.Get(ctx, "products", testScope, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Espresso", got.Doc["name"])

	pending, err := store.Pending(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, erpsync.OpUpsert, pending[0].Op)
	assert.Equal(t, created.ID, pending[0].Row.ID)
}

func TestDeleteTombstonesAndQueues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "products", testScope, erpsync.Row{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "products", testScope, created.ID))

	// Gone from the default read path, still present as a tombstone.
	live, err := store.FindByScope(ctx, "products", testScope, Filter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := store.FindByScope(ctx, "products", testScope, Filter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)

	pending, err := store.Pending(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, erpsync.OpUpsert, pending[0].Op)
	assert.Equal(t, erpsync.OpDelete, pending[1].Op)
}

func TestMutationRejectsScopeViolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "products", testScope, erpsync.Row{
		ID: "p1", CompanyID: "c2",
	})
	assert.ErrorIs(t, err, erpsync.ErrScopeViolation)

	_, err = store.Create(ctx, "products", testScope, erpsync.Row{
		ID: "p2", LocationID: "l9",
	})
	assert.ErrorIs(t, err, erpsync.ErrScopeViolation)

	depth, err := store.QueueDepth(ctx, testScope)
	require.NoError(t, err)
	assert.Zero(t, depth, "rejected mutations must not enqueue")
}

func TestTransactionalRowsAdoptScopeLocation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	txn := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)

	created, err := store.Create(ctx, "sales", testScope, erpsync.Row{
		ID: "s1", TxnDate: &txn, Doc: map[string]any{"total": 42.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "l1", created.LocationID)

	pending, err := store.Pending(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "l1", pending[0].Row.LocationID)
}

func TestTransactionalRowsRequireLocation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "sales", erpsync.Scope{CompanyID: "c1"}, erpsync.Row{ID: "s1"})
	assert.ErrorIs(t, err, erpsync.ErrInvalidScope)

	depth, err := store.QueueDepth(ctx, erpsync.Scope{CompanyID: "c1"})
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSetNowDuringConcurrentMutations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			offset := time.Duration(i) * time.Second
			store.SetNow(func() time.Time { return base.Add(offset) })
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := store.Create(ctx, "products", testScope, erpsync.Row{
			ID: fmt.Sprintf("p%d", i),
		})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	depth, err := store.QueueDepth(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 50, depth)
}

func TestFindByScopeDoesNotCrossTenants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	otherScope := erpsync.Scope{CompanyID: "c2", LocationID: "l1"}

	_, err := store.Create(ctx, "products", testScope, erpsync.Row{ID: "mine"})
	require.NoError(t, err)
	_, err = store.Create(ctx, "products", otherScope, erpsync.Row{ID: "theirs"})
	require.NoError(t, err)

	rows, err := store.FindByScope(ctx, "products", testScope, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "mine", rows[0].ID)
}

func TestMergeLastWriterWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	older := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	store.SetNow(func() time.Time { return newer })
	_, err := store.Create(ctx, "products", testScope, erpsync.Row{
		ID: "p1", Doc: map[string]any{"name": "local"},
	})
	require.NoError(t, err)

	merged, err := store.Merge(ctx, "products", []erpsync.Row{
		{ID: "p1", CompanyID: "c1", UpdatedAt: older, Doc: map[string]any{"name": "stale remote"}},
		{ID: "p2", CompanyID: "c1", UpdatedAt: older, Doc: map[string]any{"name": "new remote"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, merged, "stale remote row must lose, unseen row must land")

	local, err := store.Get(ctx, "products", testScope, "p1")
	require.NoError(t, err)
	assert.Equal(t, "local", local.Doc["name"])

	pulled, err := store.Get(ctx, "products", testScope, "p2")
	require.NoError(t, err)
	assert.Equal(t, "new remote", pulled.Doc["name"])

	// Remote rows landing via Merge must not re-enter the push queue.
	pending, err := store.Pending(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].Row.ID)
}

func TestMergeRemoteTombstoneWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	older := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	store.SetNow(func() time.Time { return older })
	_, err := store.Create(ctx, "products", testScope, erpsync.Row{ID: "p1"})
	require.NoError(t, err)

	merged, err := store.Merge(ctx, "products", []erpsync.Row{
		{ID: "p1", CompanyID: "c1", UpdatedAt: older.Add(time.Minute), Deleted: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	row, err := store.Get(ctx, "products", testScope, "p1")
	require.NoError(t, err)
	assert.True(t, row.Deleted)
}

func TestPendingAckLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := store.Create(ctx, "products", testScope, erpsync.Row{ID: id})
		require.NoError(t, err)
	}

	first, err := store.Pending(ctx, testScope, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "p1", first[0].Row.ID)
	assert.Equal(t, "p2", first[1].Row.ID)

	// Pending without Ack must not consume the queue.
	again, err := store.Pending(ctx, testScope, 2)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, again[0].ID)

	require.NoError(t, store.Ack(ctx, []string{first[0].ID, first[1].ID}))
	rest, err := store.Pending(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "p3", rest[0].Row.ID)

	depth, err := store.QueueDepth(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Create(ctx, "products", testScope, erpsync.Row{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].Row.ID)
}

func TestWatermarkRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Watermark(ctx, "products", testScope)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store must report no watermark")

	mark := time.Date(2026, 8, 20, 10, 30, 0, 123456789, time.UTC)
	require.NoError(t, store.SetWatermark(ctx, "products", testScope, mark))

	got, ok, err := store.Watermark(ctx, "products", testScope)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(mark))

	// Watermarks are per table and per scope.
	_, ok, err = store.Watermark(ctx, "sales", testScope)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Watermark(ctx, "products", erpsync.Scope{CompanyID: "c2"})
	require.NoError(t, err)
	assert.False(t, ok)
}
