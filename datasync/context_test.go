package datasync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/store"
)

func newTestContext(t *testing.T) (*SyncContext, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider()
	sc := NewSyncContext(store.NewInMemory(nil), provider)
	require.NoError(t, sc.Initialize(context.Background()))
	require.NoError(t, sc.DefineTable(context.Background(), "movies", model.Schema{
		"title":     model.ColumnString,
		"year":      model.ColumnNumber,
		"deleted":   model.ColumnBool,
		"updatedAt": model.ColumnDateTime,
		"version":   model.ColumnString,
	}))
	return sc, provider
}

func newMovie(id, title string) *model.Record {
	rec := model.NewRecord()
	if id != "" {
		rec.SetID(id)
	}
	rec.Set("title", model.String(title))
	return rec
}

func TestOperationsRequireInitialize(t *testing.T) {
	sc := NewSyncContext(store.NewInMemory(nil), newFakeProvider())
	_, err := sc.Insert(context.Background(), "movies", newMovie("m1", "Alien"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotInitialized, CodeOf(err))
}

func TestInitializeIsIdempotent(t *testing.T) {
	sc, _ := newTestContext(t)
	require.NoError(t, sc.Initialize(context.Background()))
}

func TestInsertGeneratesIDAndQueuesOperation(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	item, err := sc.Insert(ctx, "movies", newMovie("", "Alien"))
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID())

	got, err := sc.Get(ctx, "movies", item.ID())
	require.NoError(t, err)
	require.NotNil(t, got)

	ops, err := sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindInsert, ops[0].Kind)
	assert.Equal(t, item.ID(), ops[0].ItemID)
}

func TestInsertDuplicateIDFails(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	_, err := sc.Insert(ctx, "movies", newMovie("m1", "Alien"))
	require.NoError(t, err)
	_, err = sc.Insert(ctx, "movies", newMovie("m1", "Aliens"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
}

func TestReplaceAndDeleteRejectInvalidIDs(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	for _, id := range []string{"", "a/b", "has\ttab", "..", strings.Repeat("x", 256)} {
		err := sc.Replace(ctx, "movies", newMovie(id, "Alien"))
		require.Error(t, err, "id %q", id)
		assert.Equal(t, ErrCodeInvalidArgument, CodeOf(err))

		err = sc.Delete(ctx, "movies", id)
		require.Error(t, err, "id %q", id)
		assert.Equal(t, ErrCodeInvalidArgument, CodeOf(err))
	}
}

func TestReplaceRequiresExistingItem(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	err := sc.Replace(ctx, "movies", newMovie("m1", "Alien"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeItemNotFound, CodeOf(err))
}

func TestUpdateAfterInsertKeepsInsertQueued(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	_, err := sc.Insert(ctx, "movies", newMovie("m1", "Alien"))
	require.NoError(t, err)
	require.NoError(t, sc.Replace(ctx, "movies", newMovie("m1", "Aliens")))

	ops, err := sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindInsert, ops[0].Kind)

	got, err := sc.Get(ctx, "movies", "m1")
	require.NoError(t, err)
	title, _ := got.Get("title")
	assert.Equal(t, model.String("Aliens"), title)
}

func TestDeleteAfterInsertCancelsBoth(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	_, err := sc.Insert(ctx, "movies", newMovie("m1", "Alien"))
	require.NoError(t, err)
	require.NoError(t, sc.Delete(ctx, "movies", "m1"))

	ops, err := sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	assert.Empty(t, ops)

	got, err := sc.Get(ctx, "movies", "m1")
	require.NoError(t, err)
	assert.Nil(t, got)

	dirty, err := sc.TableIsDirty("movies")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestDeleteAfterUpdateBecomesDelete(t *testing.T) {
	ctx := context.Background()
	sc, provider := newTestProvisionedMovie(t)
	_ = provider

	require.NoError(t, sc.Replace(ctx, "movies", newMovie("m1", "Aliens")))
	require.NoError(t, sc.Delete(ctx, "movies", "m1"))

	ops, err := sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindDelete, ops[0].Kind)
	require.NotNil(t, ops[0].Item, "delete keeps a snapshot of the removed record")
}

func TestChangesAfterDeleteFail(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestProvisionedMovie(t)

	require.NoError(t, sc.Delete(ctx, "movies", "m1"))

	err := sc.Replace(ctx, "movies", newMovie("m1", "Aliens"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeItemNotFound, CodeOf(err))

	_, err = sc.Insert(ctx, "movies", newMovie("m1", "Aliens"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
}

// faultyStore fails DeleteItems for one table and delegates everything
// else, so tests can break the local write that follows an enqueue.
type faultyStore struct {
	store.LocalStore
	failDeletes string
}

func (s *faultyStore) DeleteItems(ctx context.Context, table string, ids []string) error {
	if table == s.failDeletes {
		return errors.New("disk full")
	}
	return s.LocalStore.DeleteItems(ctx, table, ids)
}

func newFaultyContext(t *testing.T) (*SyncContext, *faultyStore) {
	t.Helper()
	st := &faultyStore{LocalStore: store.NewInMemory(nil)}
	sc := NewSyncContext(st, newFakeProvider())
	require.NoError(t, sc.Initialize(context.Background()))
	require.NoError(t, sc.DefineTable(context.Background(), "movies", model.Schema{
		"title":   model.ColumnString,
		"version": model.ColumnString,
	}))
	return sc, st
}

func TestDeleteRollbackRestoresCollapsedOperation(t *testing.T) {
	ctx := context.Background()
	sc, st := newFaultyContext(t)
	rec := newMovie("m1", "Alien")
	rec.Set("version", model.String("srv-0"))
	require.NoError(t, sc.store.Upsert(ctx, "movies", []*model.Record{rec}, true))
	require.NoError(t, sc.Replace(ctx, "movies", newMovie("m1", "Aliens")))

	st.failDeletes = "movies"
	err := sc.Delete(ctx, "movies", "m1")
	require.Error(t, err)
	assert.Equal(t, ErrCodeLocalStore, CodeOf(err))

	// The queued update survives the failed collapse, and the record
	// is still there.
	ops, err := sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindUpdate, ops[0].Kind)
	got, err := sc.Get(ctx, "movies", "m1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// A retry against a healthy store collapses cleanly.
	st.failDeletes = ""
	require.NoError(t, sc.Delete(ctx, "movies", "m1"))
	ops, err = sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindDelete, ops[0].Kind)
}

func TestDeleteRollbackRestoresCancelledInsert(t *testing.T) {
	ctx := context.Background()
	sc, st := newFaultyContext(t)
	_, err := sc.Insert(ctx, "movies", newMovie("m1", "Alien"))
	require.NoError(t, err)

	st.failDeletes = "movies"
	err = sc.Delete(ctx, "movies", "m1")
	require.Error(t, err)
	assert.Equal(t, ErrCodeLocalStore, CodeOf(err))

	// The cancelled insert is queued again and still counted.
	ops, err := sc.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindInsert, ops[0].Kind)
	n, err := sc.PendingOperationCount("movies")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := sc.Get(ctx, "movies", "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

// newTestProvisionedMovie is a context whose store already holds movie
// m1 as if it had been pulled, with no pending operations.
func newTestProvisionedMovie(t *testing.T) (*SyncContext, *fakeProvider) {
	t.Helper()
	sc, provider := newTestContext(t)
	rec := newMovie("m1", "Alien")
	rec.Set("version", model.String("srv-0"))
	require.NoError(t, sc.store.Upsert(context.Background(), "movies", []*model.Record{rec}, true))
	return sc, provider
}

func TestCountItemsIgnoresPaging(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := sc.Insert(ctx, "movies", newMovie(id, "x"))
		require.NoError(t, err)
	}

	q := query.New("movies")
	q.Top = 1
	n, err := sc.CountItems(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDiscardTableOperations(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)
	_, err := sc.Insert(ctx, "movies", newMovie("m1", "Alien"))
	require.NoError(t, err)
	_, err = sc.Insert(ctx, "movies", newMovie("m2", "Heat"))
	require.NoError(t, err)

	n, err := sc.DiscardTableOperations(ctx, "movies")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dirty, err := sc.TableIsDirty("movies")
	require.NoError(t, err)
	assert.False(t, dirty)

	// Records remain in the local store.
	got, err := sc.Get(ctx, "movies", "m1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestQueueStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory(nil)
	provider := newFakeProvider()

	sc := NewSyncContext(st, provider)
	require.NoError(t, sc.Initialize(ctx))
	require.NoError(t, sc.DefineTable(ctx, "movies", model.Schema{"title": model.ColumnString}))
	_, err := sc.Insert(ctx, "movies", newMovie("m1", "Alien"))
	require.NoError(t, err)

	// A second context over the same store restores queue state.
	sc2 := NewSyncContext(st, provider)
	require.NoError(t, sc2.Initialize(ctx))
	n, err := sc2.PendingOperationCount("movies")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Sequences continue past the restored maximum.
	require.NoError(t, sc2.DefineTable(ctx, "movies", model.Schema{"title": model.ColumnString}))
	_, err = sc2.Insert(ctx, "movies", newMovie("m2", "Heat"))
	require.NoError(t, err)
	ops, err := sc2.PendingOperations(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Greater(t, ops[1].Sequence, ops[0].Sequence)
}

func TestInvalidTableNameRejected(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	_, err := sc.Insert(ctx, "__operations", newMovie("m1", "x"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidArgument, CodeOf(err))

	_, err = sc.Insert(ctx, "bad name!", newMovie("m1", "x"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidArgument, CodeOf(err))
}
