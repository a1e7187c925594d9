package datasync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/store"
)

// operationsQueue is the durable log of pending operations. All reads
// and writes go through the local store's operations system table; the
// queue itself only caches the sequence counter and per-table pending
// counts.
type operationsQueue struct {
	store  store.LocalStore
	logger *zap.Logger

	mu           sync.Mutex
	nextSequence int64
	tableCounts  map[string]int64
	total        int64
}

// loadOperationsQueue restores queue state from the local store: the
// highest pending sequence and how many operations each table holds.
func loadOperationsQueue(ctx context.Context, st store.LocalStore, logger *zap.Logger) (*operationsQueue, error) {
	q := &operationsQueue{
		store:       st,
		logger:      logger,
		tableCounts: make(map[string]int64),
	}
	page, err := st.GetPage(ctx, query.New(store.OperationsTable))
	if err != nil {
		return nil, fmt.Errorf("load pending operations: %w", err)
	}
	for _, rec := range page.Items {
		op, err := operationFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("load pending operations: %w", err)
		}
		if op.Sequence >= q.nextSequence {
			q.nextSequence = op.Sequence + 1
		}
		q.tableCounts[op.Table]++
		q.total++
	}
	logger.Debug("Operations queue loaded",
		zap.Int64("pending", q.total),
		zap.Int64("next_sequence", q.nextSequence))
	return q, nil
}

// enqueue records a new local change of the given kind, collapsing it
// into any operation already pending for the item. It returns the
// stored operation, or nil when the change cancelled a pending insert,
// plus the pre-collapse operation when one existed, so a caller can
// restore it if the matching store write fails.
func (q *operationsQueue) enqueue(ctx context.Context, kind OperationKind, table, itemID string, item *model.Record) (*Operation, *Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.getByItemLocked(ctx, table, itemID)
	if err != nil {
		return nil, nil, err
	}

	if existing == nil {
		op := newOperation(kind, table, itemID)
		op.Item = item
		op.Sequence = q.nextSequence
		if err := q.store.Upsert(ctx, store.OperationsTable, []*model.Record{op.toRecord()}, false); err != nil {
			return nil, nil, localStoreError("persist pending operation", err)
		}
		q.nextSequence++
		q.tableCounts[table]++
		q.total++
		return op, nil, nil
	}

	collapsed, err := existing.collapse(kind)
	if err != nil {
		return nil, nil, err
	}
	if collapsed == nil {
		// Insert followed by delete: the server never needs to hear
		// about this item.
		if err := q.store.DeleteItems(ctx, store.OperationsTable, []string{existing.ID}); err != nil {
			return nil, nil, localStoreError("remove cancelled operation", err)
		}
		q.tableCounts[table]--
		q.total--
		return nil, existing, nil
	}
	collapsed.Item = item
	if err := q.store.Upsert(ctx, store.OperationsTable, []*model.Record{collapsed.toRecord()}, false); err != nil {
		return nil, nil, localStoreError("persist collapsed operation", err)
	}
	return collapsed, existing, nil
}

// restore puts a previously stored operation back after a failed local
// write, undoing the collapse that replaced or removed it. recount is
// true when the collapse deleted the operation's record outright.
func (q *operationsQueue) restore(ctx context.Context, op *Operation, recount bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Upsert(ctx, store.OperationsTable, []*model.Record{op.toRecord()}, false); err != nil {
		return localStoreError("restore pending operation", err)
	}
	if recount {
		q.tableCounts[op.Table]++
		q.total++
	}
	return nil
}

// getByItem returns the pending operation for an item, or nil.
func (q *operationsQueue) getByItem(ctx context.Context, table, itemID string) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getByItemLocked(ctx, table, itemID)
}

func (q *operationsQueue) getByItemLocked(ctx context.Context, table, itemID string) (*Operation, error) {
	desc := query.New(store.OperationsTable)
	desc.AndFilter(query.Where(opFieldTable, query.OpEqual, model.String(table)))
	desc.AndFilter(query.Where(opFieldItemID, query.OpEqual, model.String(itemID)))
	page, err := q.store.GetPage(ctx, desc)
	if err != nil {
		return nil, localStoreError("read pending operation", err)
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return operationFromRecord(page.Items[0])
}

// peek returns the pending operation with the lowest sequence greater
// than after, restricted to the given tables when any are named.
func (q *operationsQueue) peek(ctx context.Context, after int64, tables []string) (*Operation, error) {
	desc := query.New(store.OperationsTable)
	desc.AndFilter(query.Where(opFieldSequence, query.OpGreaterThan, model.Number(float64(after))))
	if len(tables) > 0 {
		var tableFilter query.Node
		for _, t := range tables {
			node := query.Where(opFieldTable, query.OpEqual, model.String(t))
			if tableFilter == nil {
				tableFilter = node
			} else {
				tableFilter = &query.Binary{Op: query.OpOr, Left: tableFilter, Right: node}
			}
		}
		desc.AndFilter(tableFilter)
	}
	desc.Ordering = []query.OrderBy{{Field: opFieldSequence}}
	desc.Top = 1
	page, err := q.store.GetPage(ctx, desc)
	if err != nil {
		return nil, localStoreError("read operation queue", err)
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return operationFromRecord(page.Items[0])
}

// update replaces a stored operation, but only if it has not been
// mutated since op was read. Returns false on a version mismatch.
func (q *operationsQueue) update(ctx context.Context, op *Operation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.getByItemLocked(ctx, op.Table, op.ItemID)
	if err != nil {
		return false, err
	}
	if current == nil || current.ID != op.ID || current.Version != op.Version {
		return false, nil
	}
	op.Version++
	if err := q.store.Upsert(ctx, store.OperationsTable, []*model.Record{op.toRecord()}, false); err != nil {
		op.Version--
		return false, localStoreError("persist operation", err)
	}
	return true, nil
}

// delete removes a stored operation, but only at the expected version.
// Returns false when the operation changed or is already gone.
func (q *operationsQueue) delete(ctx context.Context, id string, version int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.store.GetItem(ctx, store.OperationsTable, id)
	if err != nil {
		return false, localStoreError("read operation", err)
	}
	if rec == nil {
		return false, nil
	}
	op, err := operationFromRecord(rec)
	if err != nil {
		return false, err
	}
	if op.Version != version {
		return false, nil
	}
	if err := q.store.DeleteItems(ctx, store.OperationsTable, []string{id}); err != nil {
		return false, localStoreError("remove operation", err)
	}
	q.tableCounts[op.Table]--
	q.total--
	return true, nil
}

// deleteTable drops every pending operation for a table and returns how
// many were removed.
func (q *operationsQueue) deleteTable(ctx context.Context, table string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	desc := query.New(store.OperationsTable)
	desc.AndFilter(query.Where(opFieldTable, query.OpEqual, model.String(table)))
	n, err := q.store.Delete(ctx, desc)
	if err != nil {
		return 0, localStoreError("discard pending operations", err)
	}
	q.tableCounts[table] -= int64(n)
	q.total -= int64(n)
	return n, nil
}

// pendingForTable reports how many operations a table has queued.
func (q *operationsQueue) pendingForTable(table string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tableCounts[table]
}

// pending reports the total number of queued operations.
func (q *operationsQueue) pending() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// operationsForTable lists a table's pending operations in sequence
// order.
func (q *operationsQueue) operationsForTable(ctx context.Context, table string) ([]*Operation, error) {
	desc := query.New(store.OperationsTable)
	if table != "" {
		desc.AndFilter(query.Where(opFieldTable, query.OpEqual, model.String(table)))
	}
	desc.Ordering = []query.OrderBy{{Field: opFieldSequence}}
	page, err := q.store.GetPage(ctx, desc)
	if err != nil {
		return nil, localStoreError("list pending operations", err)
	}
	ops := make([]*Operation, 0, len(page.Items))
	for _, rec := range page.Items {
		op, err := operationFromRecord(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
