package datasync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/store"
)

func newTestQueue(t *testing.T) *operationsQueue {
	t.Helper()
	st := store.NewInMemory(nil)
	require.NoError(t, st.Initialize(context.Background()))
	q, err := loadOperationsQueue(context.Background(), st, zap.NewNop())
	require.NoError(t, err)
	return q
}

func TestEnqueueAssignsIncreasingSequences(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op1, _, err := q.enqueue(ctx, KindInsert, "movies", "m1", nil)
	require.NoError(t, err)
	op2, _, err := q.enqueue(ctx, KindInsert, "movies", "m2", nil)
	require.NoError(t, err)
	assert.Greater(t, op2.Sequence, op1.Sequence)
	assert.Equal(t, int64(2), q.pending())
}

func TestPeekWalksSequenceOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, _, err := q.enqueue(ctx, KindInsert, "movies", "m1", nil)
	require.NoError(t, err)
	_, _, err = q.enqueue(ctx, KindInsert, "series", "s1", nil)
	require.NoError(t, err)
	_, _, err = q.enqueue(ctx, KindInsert, "movies", "m2", nil)
	require.NoError(t, err)

	var seen []string
	after := int64(-1)
	for {
		op, err := q.peek(ctx, after, nil)
		require.NoError(t, err)
		if op == nil {
			break
		}
		seen = append(seen, op.ItemID)
		after = op.Sequence
	}
	assert.Equal(t, []string{"m1", "s1", "m2"}, seen)

	// Scoped peek skips other tables.
	op, err := q.peek(ctx, -1, []string{"series"})
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "s1", op.ItemID)
}

func TestUpdateRequiresMatchingVersion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op, _, err := q.enqueue(ctx, KindInsert, "movies", "m1", nil)
	require.NoError(t, err)

	stale := *op
	stale.Version = op.Version + 7
	ok, err := q.update(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.update(ctx, op)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRequiresMatchingVersion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op, _, err := q.enqueue(ctx, KindInsert, "movies", "m1", nil)
	require.NoError(t, err)

	ok, err := q.delete(ctx, op.ID, op.Version+1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), q.pending())

	ok, err = q.delete(ctx, op.ID, op.Version)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, q.pending())

	// Deleting an operation that is already gone is not an error.
	ok, err = q.delete(ctx, op.ID, op.Version)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollapseReplacesStoredOperation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op, prev, err := q.enqueue(ctx, KindUpdate, "movies", "m1", nil)
	require.NoError(t, err)
	assert.Nil(t, prev)

	snapshot := model.NewRecord()
	snapshot.SetID("m1")
	op2, prev, err := q.enqueue(ctx, KindDelete, "movies", "m1", snapshot)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, KindUpdate, prev.Kind)
	assert.Equal(t, op.ID, op2.ID)
	assert.Equal(t, KindDelete, op2.Kind)
	assert.Equal(t, int64(1), q.pending(), "collapse never grows the queue")
}
