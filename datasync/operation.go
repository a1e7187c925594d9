package datasync

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/offsync/offsync/model"
)

// OperationKind is the kind of change a pending operation will push.
// The zero value is reserved so a missing field never decodes as a
// valid kind.
type OperationKind int

const (
	KindUnknown OperationKind = 0
	KindDelete  OperationKind = 1
	KindInsert  OperationKind = 2
	KindUpdate  OperationKind = 3
)

func (k OperationKind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// OperationState tracks what push has done with an operation so far.
type OperationState int

const (
	OperationPending   OperationState = 0
	OperationAttempted OperationState = 1
	OperationFailed    OperationState = 2
)

// Operation is one pending change awaiting push. At most one operation
// exists per (table, item); later local changes collapse into it.
//
// Item carries the record snapshot only for deletions, where push must
// still know the version of the removed record. Inserts and updates read
// the current record from the local store at push time.
type Operation struct {
	ID       string
	Kind     OperationKind
	State    OperationState
	Table    string
	ItemID   string
	Item     *model.Record
	Sequence int64

	// Version increments every time the operation is mutated, so a push
	// in flight can detect that the operation changed under it.
	Version int64
}

func newOperation(kind OperationKind, table, itemID string) *Operation {
	return &Operation{
		ID:      uuid.NewString(),
		Kind:    kind,
		State:   OperationPending,
		Table:   table,
		ItemID:  itemID,
		Version: 1,
	}
}

// collapse merges a new local change of the given kind into the
// existing pending operation. It returns the collapsed operation, or
// nil when the two changes cancel out, or an error when the sequence of
// changes is not meaningful.
func (op *Operation) collapse(newKind OperationKind) (*Operation, error) {
	switch op.Kind {
	case KindInsert:
		switch newKind {
		case KindUpdate:
			// The server never saw the item; pushing the insert with the
			// updated record covers both.
			return op.mutated(KindInsert), nil
		case KindDelete:
			return nil, nil
		case KindInsert:
			return nil, invalidOperation(fmt.Sprintf(
				"an insert for item %s/%s is already pending", op.Table, op.ItemID))
		}
	case KindUpdate:
		switch newKind {
		case KindUpdate:
			return op.mutated(KindUpdate), nil
		case KindDelete:
			return op.mutated(KindDelete), nil
		case KindInsert:
			return nil, invalidOperation(fmt.Sprintf(
				"item %s/%s already exists and has a pending update", op.Table, op.ItemID))
		}
	case KindDelete:
		return nil, invalidOperation(fmt.Sprintf(
			"item %s/%s has a pending delete", op.Table, op.ItemID))
	}
	return nil, invalidOperation(fmt.Sprintf("cannot collapse %s into %s", newKind, op.Kind))
}

func (op *Operation) mutated(kind OperationKind) *Operation {
	out := *op
	out.Kind = kind
	out.State = OperationPending
	out.Version++
	return &out
}

// Operation record fields in the operations system table.
const (
	opFieldKind     = "kind"
	opFieldState    = "state"
	opFieldTable    = "tableName"
	opFieldItemID   = "itemId"
	opFieldItem     = "item"
	opFieldSequence = "sequence"
	opFieldVersion  = "version"
)

func (op *Operation) toRecord() *model.Record {
	rec := model.NewRecord()
	rec.SetID(op.ID)
	rec.Set(opFieldKind, model.Number(float64(op.Kind)))
	rec.Set(opFieldState, model.Number(float64(op.State)))
	rec.Set(opFieldTable, model.String(op.Table))
	rec.Set(opFieldItemID, model.String(op.ItemID))
	if op.Item != nil {
		rec.Set(opFieldItem, model.Object(op.Item))
	} else {
		rec.Set(opFieldItem, model.Null())
	}
	rec.Set(opFieldSequence, model.Number(float64(op.Sequence)))
	rec.Set(opFieldVersion, model.Number(float64(op.Version)))
	return rec
}

func operationFromRecord(rec *model.Record) (*Operation, error) {
	op := &Operation{ID: rec.ID()}
	if op.ID == "" {
		return nil, fmt.Errorf("operation record has no id")
	}
	kind, ok := numberField(rec, opFieldKind)
	if !ok || OperationKind(kind) == KindUnknown {
		return nil, fmt.Errorf("operation %s has no valid kind", op.ID)
	}
	op.Kind = OperationKind(kind)
	if state, ok := numberField(rec, opFieldState); ok {
		op.State = OperationState(state)
	}
	if v, ok := rec.Get(opFieldTable); ok {
		op.Table, _ = v.AsString()
	}
	if v, ok := rec.Get(opFieldItemID); ok {
		op.ItemID, _ = v.AsString()
	}
	if op.Table == "" || op.ItemID == "" {
		return nil, fmt.Errorf("operation %s has no table or item id", op.ID)
	}
	if v, ok := rec.Get(opFieldItem); ok {
		if item, isObj := v.AsObject(); isObj {
			op.Item = item
		}
	}
	if seq, ok := numberField(rec, opFieldSequence); ok {
		op.Sequence = int64(seq)
	}
	if ver, ok := numberField(rec, opFieldVersion); ok {
		op.Version = int64(ver)
	}
	return op, nil
}

func numberField(rec *model.Record, name string) (float64, bool) {
	v, ok := rec.Get(name)
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}
