package datasync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsync/offsync/model"
)

func TestCollapseAlgebra(t *testing.T) {
	tests := []struct {
		name     string
		existing OperationKind
		incoming OperationKind
		want     OperationKind
		cancels  bool
		wantErr  bool
	}{
		{name: "insert then update stays insert", existing: KindInsert, incoming: KindUpdate, want: KindInsert},
		{name: "insert then delete cancels", existing: KindInsert, incoming: KindDelete, cancels: true},
		{name: "insert then insert errors", existing: KindInsert, incoming: KindInsert, wantErr: true},
		{name: "update then update stays update", existing: KindUpdate, incoming: KindUpdate, want: KindUpdate},
		{name: "update then delete becomes delete", existing: KindUpdate, incoming: KindDelete, want: KindDelete},
		{name: "update then insert errors", existing: KindUpdate, incoming: KindInsert, wantErr: true},
		{name: "delete then insert errors", existing: KindDelete, incoming: KindInsert, wantErr: true},
		{name: "delete then update errors", existing: KindDelete, incoming: KindUpdate, wantErr: true},
		{name: "delete then delete errors", existing: KindDelete, incoming: KindDelete, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := newOperation(tt.existing, "movies", "m1")
			collapsed, err := op.collapse(tt.incoming)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
				return
			}
			require.NoError(t, err)
			if tt.cancels {
				assert.Nil(t, collapsed)
				return
			}
			require.NotNil(t, collapsed)
			assert.Equal(t, tt.want, collapsed.Kind)
			assert.Equal(t, op.ID, collapsed.ID, "collapse keeps the operation identity")
			assert.Equal(t, op.Version+1, collapsed.Version, "collapse bumps the version")
			assert.Equal(t, op.Sequence, collapsed.Sequence, "collapse keeps the queue position")
		})
	}
}

func TestOperationRecordRoundTrip(t *testing.T) {
	op := newOperation(KindDelete, "movies", "m1")
	op.Sequence = 42
	snapshot := model.NewRecord()
	snapshot.SetID("m1")
	snapshot.Set("title", model.String("Alien"))
	op.Item = snapshot

	got, err := operationFromRecord(op.toRecord())
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, op.Kind, got.Kind)
	assert.Equal(t, op.Table, got.Table)
	assert.Equal(t, op.ItemID, got.ItemID)
	assert.Equal(t, op.Sequence, got.Sequence)
	assert.Equal(t, op.Version, got.Version)
	require.NotNil(t, got.Item)
	assert.Equal(t, "m1", got.Item.ID())
}

func TestOperationFromRecordRejectsUnknownKind(t *testing.T) {
	rec := model.NewRecord()
	rec.SetID("op1")
	rec.Set(opFieldKind, model.Number(0))
	rec.Set(opFieldTable, model.String("movies"))
	rec.Set(opFieldItemID, model.String("m1"))

	_, err := operationFromRecord(rec)
	require.Error(t, err)
}
