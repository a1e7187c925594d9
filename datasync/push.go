package datasync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offsync/offsync/internal/queuehandler"
	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/remote"
	"github.com/offsync/offsync/store"
)

// TableOperationError is one operation the server rejected during push.
// The operation stays queued until the caller resolves it with one of
// the resolution methods, or discards the table's operations.
type TableOperationError struct {
	OperationID      string
	OperationVersion int64
	OperationKind    OperationKind
	Table            string
	ItemID           string

	// Item is the local copy that was pushed; ServerItem is the
	// server's copy when the response carried one.
	Item       *model.Record
	ServerItem *model.Record

	// Status is the HTTP status of the rejection, zero when the
	// failure was not status-shaped.
	Status int
	Err    error

	sc *SyncContext
}

func (e *TableOperationError) Error() string {
	return fmt.Sprintf("push %s of %s/%s failed (status %d): %v",
		e.OperationKind, e.Table, e.ItemID, e.Status, e.Err)
}

func (e *TableOperationError) Unwrap() error { return e.Err }

// IsConflict reports whether the server rejected the operation because
// its copy of the item changed.
func (e *TableOperationError) IsConflict() bool {
	return e.Status == http.StatusConflict || e.Status == http.StatusPreconditionFailed
}

// CancelAndUpdateItem resolves the error by accepting the server's copy:
// the operation is removed and the local record replaced with serverItem
// (or the ServerItem carried by the error when serverItem is nil).
func (e *TableOperationError) CancelAndUpdateItem(ctx context.Context, serverItem *model.Record) error {
	if serverItem == nil {
		serverItem = e.ServerItem
	}
	if serverItem == nil {
		return invalidArgument("no server item to apply", nil)
	}
	e.sc.opMu.Lock()
	defer e.sc.opMu.Unlock()
	ok, err := e.sc.queue.delete(ctx, e.OperationID, e.OperationVersion)
	if err != nil {
		return err
	}
	if !ok {
		return NewSyncError(ErrCodeQueueConflict, "operation changed since the push attempt", nil)
	}
	e.sc.metrics.UpdatePendingOperations(e.sc.queue.pending())
	if err := e.sc.store.Upsert(ctx, e.Table, []*model.Record{serverItem}, true); err != nil {
		return localStoreError("apply server item", err)
	}
	if err := e.sc.clearError(ctx, e.OperationID); err != nil {
		return err
	}
	return nil
}

// CancelAndDiscardItem resolves the error by dropping the local change
// and the local record entirely.
func (e *TableOperationError) CancelAndDiscardItem(ctx context.Context) error {
	e.sc.opMu.Lock()
	defer e.sc.opMu.Unlock()
	ok, err := e.sc.queue.delete(ctx, e.OperationID, e.OperationVersion)
	if err != nil {
		return err
	}
	if !ok {
		return NewSyncError(ErrCodeQueueConflict, "operation changed since the push attempt", nil)
	}
	e.sc.metrics.UpdatePendingOperations(e.sc.queue.pending())
	if err := e.sc.store.DeleteItems(ctx, e.Table, []string{e.ItemID}); err != nil {
		return localStoreError("discard local item", err)
	}
	return e.sc.clearError(ctx, e.OperationID)
}

// UpdateOperationItem keeps the operation queued but replaces the local
// item it will push, typically after merging the two copies.
func (e *TableOperationError) UpdateOperationItem(ctx context.Context, item *model.Record) error {
	if item == nil {
		return invalidArgument("item is required", nil)
	}
	item = item.Clone()
	item.SetID(e.ItemID)
	if e.ServerItem != nil {
		// Carry the server's version forward so the retry can pass the
		// precondition check.
		if v, ok := e.ServerItem.Get(model.FieldVersion); ok {
			item.Set(model.FieldVersion, v)
		}
	}

	e.sc.opMu.Lock()
	defer e.sc.opMu.Unlock()

	op := &Operation{
		ID:       e.OperationID,
		Kind:     e.OperationKind,
		Table:    e.Table,
		ItemID:   e.ItemID,
		Version:  e.OperationVersion,
		Sequence: 0,
	}
	current, err := e.sc.queue.getByItem(ctx, e.Table, e.ItemID)
	if err != nil {
		return err
	}
	if current == nil || current.ID != e.OperationID || current.Version != e.OperationVersion {
		return NewSyncError(ErrCodeQueueConflict, "operation changed since the push attempt", nil)
	}
	op.Sequence = current.Sequence
	if op.Kind == KindDelete {
		op.Item = item
	}
	if ok, err := e.sc.queue.update(ctx, op); err != nil {
		return err
	} else if !ok {
		return NewSyncError(ErrCodeQueueConflict, "operation changed since the push attempt", nil)
	}
	if op.Kind != KindDelete {
		if err := e.sc.store.Upsert(ctx, e.Table, []*model.Record{item}, true); err != nil {
			return localStoreError("update local item", err)
		}
	}
	return e.sc.clearError(ctx, e.OperationID)
}

// Push sends every queued operation to the remote service. When table
// names are given only those tables push; otherwise everything does.
//
// Push stops early on failures that would affect every remaining
// operation: connectivity loss, rejected credentials, a broken local
// store, or context cancellation. Per-item rejections such as conflicts
// do not stop the run; they are reported in the result and their
// operations stay queued.
func (c *SyncContext) Push(ctx context.Context, tables ...string) (*PushResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	v, err := c.syncRunner.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return c.push(ctx, tables)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PushResult), nil
}

// pushState accumulates the outcome of one push run across workers.
type pushState struct {
	mu      sync.Mutex
	status  PushStatus
	aborted bool
	errors  []*TableOperationError
	pushed  int
}

func (s *pushState) abort(status PushStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		s.status = status
	}
}

func (s *pushState) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *pushState) addError(e *TableOperationError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
}

func (s *pushState) addPushed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed++
}

func (c *SyncContext) push(ctx context.Context, tables []string) (*PushResult, error) {
	start := time.Now()
	if err := c.clearErrors(ctx); err != nil {
		return nil, err
	}

	state := &pushState{status: PushComplete}
	handler := queuehandler.New(c.cfg.Push.Workers, c.logger,
		func(_ context.Context, workerID int, op *Operation) error {
			if state.isAborted() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				state.abort(PushCancelledByToken)
				return nil
			}
			return c.pushOperation(ctx, workerID, op, state)
		})
	defer handler.Close()

	// Feed the workers in sequence order, in batches, so operations
	// enqueued while a batch is in flight still push in this run.
	lastSeq := int64(-1)
	for !state.isAborted() {
		fed := 0
		for {
			op, err := c.queue.peek(ctx, lastSeq, tables)
			if err != nil {
				state.abort(PushCancelledByOfflineStoreError)
				break
			}
			if op == nil {
				break
			}
			lastSeq = op.Sequence
			handler.Enqueue(op)
			fed++
		}
		if fed == 0 {
			break
		}
		select {
		case <-handler.WhenComplete():
		case <-ctx.Done():
			state.abort(PushCancelledByToken)
			<-handler.WhenComplete()
		}
	}
	<-handler.WhenComplete()

	state.mu.Lock()
	result := &PushResult{Status: state.status, Errors: state.errors}
	pushed := state.pushed
	state.mu.Unlock()

	c.metrics.RecordPush(result.Status.String(), time.Since(start).Seconds(), pushed)
	c.metrics.UpdatePendingOperations(c.queue.pending())
	c.logger.Info("Push finished",
		zap.String("status", result.Status.String()),
		zap.Int("pushed", pushed),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (c *SyncContext) pushOperation(ctx context.Context, workerID int, op *Operation, state *pushState) error {
	item := op.Item
	if op.Kind != KindDelete {
		var err error
		item, err = c.store.GetItem(ctx, op.Table, op.ItemID)
		if err != nil {
			state.abort(PushCancelledByOfflineStoreError)
			return localStoreError("read item for push", err)
		}
		if item == nil {
			// The record vanished without a delete; nothing to push.
			_, err := c.queue.delete(ctx, op.ID, op.Version)
			return err
		}
	}

	table := c.provider.Table(op.Table)
	var serverItem *model.Record
	var err error
	switch op.Kind {
	case KindInsert:
		serverItem, err = table.Insert(ctx, item)
	case KindUpdate:
		serverItem, err = table.Update(ctx, item)
	case KindDelete:
		err = table.Delete(ctx, item)
	}

	if err != nil {
		return c.handlePushFailure(ctx, op, item, err, state)
	}

	deleted, err := c.queue.delete(ctx, op.ID, op.Version)
	if err != nil {
		state.abort(PushCancelledByOfflineStoreError)
		return err
	}
	if deleted && serverItem != nil && serverItem.ID() != "" {
		// Bring the authoritative version and updatedAt home, unless a
		// newer local change appeared while the push was in flight.
		if err := c.store.Upsert(ctx, op.Table, []*model.Record{serverItem}, true); err != nil {
			state.abort(PushCancelledByOfflineStoreError)
			return localStoreError("apply pushed item", err)
		}
	}
	state.addPushed()
	c.logger.Debug("Pushed operation",
		zap.Int("worker_id", workerID),
		zap.String("kind", op.Kind.String()),
		zap.String("table", op.Table),
		zap.String("item_id", op.ItemID))
	return nil
}

func (c *SyncContext) handlePushFailure(ctx context.Context, op *Operation, item *model.Record, err error, state *pushState) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		state.abort(PushCancelledByToken)
		return err
	case remote.IsAuthenticationError(err):
		state.abort(PushCancelledByAuthenticationError)
		return err
	case remote.IsNetworkError(err):
		state.abort(PushCancelledByNetworkError)
		return err
	}

	opErr := &TableOperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		OperationKind:    op.Kind,
		Table:            op.Table,
		ItemID:           op.ItemID,
		Item:             item,
		ServerItem:       remote.ServerItem(err),
		Err:              err,
		sc:               c,
	}
	var se *remote.StatusError
	if errors.As(err, &se) {
		opErr.Status = se.StatusCode
	}
	if opErr.IsConflict() {
		c.metrics.RecordConflict()
		c.metrics.RecordPushError("conflict")
	} else {
		c.metrics.RecordPushError("rejected")
	}
	state.addError(opErr)
	if perr := c.persistError(ctx, opErr); perr != nil {
		c.logger.Error("Failed to persist push error", zap.Error(perr))
	}
	c.logger.Warn("Push operation failed",
		zap.String("kind", op.Kind.String()),
		zap.String("table", op.Table),
		zap.String("item_id", op.ItemID),
		zap.Int("status", opErr.Status),
		zap.Error(err))
	return err
}

// persistError records a push failure in the errors system table so it
// survives a restart.
func (c *SyncContext) persistError(ctx context.Context, e *TableOperationError) error {
	rec := model.NewRecord()
	rec.SetID(uuid.NewString())
	rec.Set("operationId", model.String(e.OperationID))
	rec.Set("operationKind", model.Number(float64(e.OperationKind)))
	rec.Set(opFieldTable, model.String(e.Table))
	rec.Set(opFieldItemID, model.String(e.ItemID))
	rec.Set("httpStatus", model.Number(float64(e.Status)))
	if e.Item != nil {
		rec.Set("item", model.Object(e.Item))
	}
	if e.ServerItem != nil {
		rec.Set("rawResult", model.Object(e.ServerItem))
	}
	if err := c.store.Upsert(ctx, store.SyncErrorsTable, []*model.Record{rec}, false); err != nil {
		return localStoreError("persist push error", err)
	}
	return nil
}

func (c *SyncContext) clearErrors(ctx context.Context) error {
	if _, err := c.store.Delete(ctx, query.New(store.SyncErrorsTable)); err != nil {
		return localStoreError("clear push errors", err)
	}
	return nil
}

func (c *SyncContext) clearError(ctx context.Context, operationID string) error {
	desc := query.New(store.SyncErrorsTable)
	desc.AndFilter(query.Where("operationId", query.OpEqual, model.String(operationID)))
	if _, err := c.store.Delete(ctx, desc); err != nil {
		return localStoreError("clear push error", err)
	}
	return nil
}
