// Package datasync implements offline-first synchronization between a
// local store and a remote service. Application code reads and writes
// the local store through a SyncContext; every local change queues a
// pending operation, and Push/Pull exchange state with the remote
// service when connectivity allows.
package datasync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/offsync/offsync/internal/metrics"
	"github.com/offsync/offsync/internal/taskrunner"
	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/remote"
	"github.com/offsync/offsync/store"
)

// SyncContext coordinates a local store, its pending-operation queue
// and a remote service.
//
// Local reads and writes are cheap and work offline. Push and Pull are
// serialized: only one sync action runs at a time, in submission order.
type SyncContext struct {
	store    store.LocalStore
	provider remote.Provider
	cfg      *Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// opMu serializes local mutations so the operation queue and the
	// record tables never diverge.
	opMu sync.Mutex

	syncRunner *taskrunner.Runner

	mu          sync.RWMutex
	initialized bool
	queue       *operationsQueue
	tokens      *deltaTokenStore
}

// ContextOption configures a SyncContext.
type ContextOption func(*SyncContext)

// WithLogger sets the context logger.
func WithLogger(l *zap.Logger) ContextOption {
	return func(c *SyncContext) { c.logger = l }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) ContextOption {
	return func(c *SyncContext) { c.cfg = cfg }
}

// WithMetricsRegistry registers the context's metrics on reg instead of
// the default Prometheus registerer.
func WithMetricsRegistry(reg prometheus.Registerer) ContextOption {
	return func(c *SyncContext) { c.metrics = metrics.New(reg) }
}

// NewSyncContext creates a context over the given local store and
// remote provider. Call Initialize before anything else.
func NewSyncContext(st store.LocalStore, provider remote.Provider, opts ...ContextOption) *SyncContext {
	c := &SyncContext{
		store:    st,
		provider: provider,
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(prometheus.NewRegistry())
	}
	c.syncRunner = taskrunner.New(c.logger)
	return c
}

// Initialize prepares the local store and restores queue state. It is
// idempotent; a second call is a no-op.
func (c *SyncContext) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Initialize(ctx); err != nil {
		return localStoreError("initialize local store", err)
	}
	queue, err := loadOperationsQueue(ctx, c.store, c.logger)
	if err != nil {
		return localStoreError("restore operation queue", err)
	}
	c.queue = queue
	c.tokens = newDeltaTokenStore(c.store)
	c.initialized = true
	c.metrics.UpdatePendingOperations(queue.pending())
	c.logger.Info("Sync context initialized", zap.Int64("pending_operations", queue.pending()))
	return nil
}

// DefineTable creates or extends a user table in the local store.
func (c *SyncContext) DefineTable(ctx context.Context, name string, schema model.Schema) error {
	if err := c.ensureInitialized(); err != nil {
		return err
	}
	if err := c.store.DefineTable(ctx, name, schema); err != nil {
		return localStoreError("define table", err)
	}
	return nil
}

// Insert records a new item locally and queues it for push. The item
// gets a generated id when it carries none.
func (c *SyncContext) Insert(ctx context.Context, table string, item *model.Record) (*model.Record, error) {
	if err := c.validateTable(table); err != nil {
		return nil, err
	}
	item = item.Clone()
	if item.ID() == "" {
		item.SetID(uuid.NewString())
	} else if !model.IsValidID(item.ID()) {
		return nil, invalidArgument("invalid item id", nil).WithDetail("item_id", item.ID())
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	existing, err := c.store.GetItem(ctx, table, item.ID())
	if err != nil {
		return nil, localStoreError("read item", err)
	}
	if existing != nil {
		return nil, invalidOperation("an item with this id already exists").
			WithDetail("table", table).
			WithDetail("item_id", item.ID())
	}
	if err := c.applyChange(ctx, KindInsert, table, item.ID(), item, nil); err != nil {
		return nil, err
	}
	return item, nil
}

// Replace overwrites an existing item locally and queues the update for
// push.
func (c *SyncContext) Replace(ctx context.Context, table string, item *model.Record) error {
	if err := c.validateTable(table); err != nil {
		return err
	}
	if !model.IsValidID(item.ID()) {
		return invalidArgument("invalid item id", nil).WithDetail("item_id", item.ID())
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	existing, err := c.store.GetItem(ctx, table, item.ID())
	if err != nil {
		return localStoreError("read item", err)
	}
	if existing == nil {
		return itemNotFound(table, item.ID())
	}
	return c.applyChange(ctx, KindUpdate, table, item.ID(), item.Clone(), nil)
}

// Delete removes an item locally and queues the deletion for push.
func (c *SyncContext) Delete(ctx context.Context, table, id string) error {
	if err := c.validateTable(table); err != nil {
		return err
	}
	if !model.IsValidID(id) {
		return invalidArgument("invalid item id", nil).WithDetail("item_id", id)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	existing, err := c.store.GetItem(ctx, table, id)
	if err != nil {
		return localStoreError("read item", err)
	}
	if existing == nil {
		return itemNotFound(table, id)
	}
	// Deletions keep a snapshot so push still knows the item's version
	// after the record is gone locally.
	return c.applyChange(ctx, KindDelete, table, id, nil, existing)
}

// applyChange enqueues the operation and applies the matching store
// change. Callers hold opMu.
func (c *SyncContext) applyChange(ctx context.Context, kind OperationKind, table, id string, item, snapshot *model.Record) error {
	op, prev, err := c.queue.enqueue(ctx, kind, table, id, snapshot)
	if err != nil {
		return err
	}
	if prev != nil {
		c.metrics.RecordCollapse()
	} else if op != nil {
		c.metrics.RecordEnqueue(kind.String())
	}
	c.metrics.UpdatePendingOperations(c.queue.pending())

	var storeErr error
	switch kind {
	case KindInsert, KindUpdate:
		storeErr = c.store.Upsert(ctx, table, []*model.Record{item}, false)
	case KindDelete:
		storeErr = c.store.DeleteItems(ctx, table, []string{id})
	}
	if storeErr != nil {
		// Roll back the queue so a failed write does not leave an
		// operation for state the store never saw: a fresh operation is
		// removed, a collapsed or cancelled one is restored to its
		// pre-collapse form.
		switch {
		case prev != nil:
			if rerr := c.queue.restore(ctx, prev, op == nil); rerr != nil {
				c.logger.Error("Failed to restore pending operation",
					zap.String("operation_id", prev.ID), zap.Error(rerr))
			}
		case op != nil:
			if _, derr := c.queue.delete(ctx, op.ID, op.Version); derr != nil {
				c.logger.Error("Failed to roll back pending operation",
					zap.String("operation_id", op.ID), zap.Error(derr))
			}
		}
		c.metrics.UpdatePendingOperations(c.queue.pending())
		return localStoreError("apply local change", storeErr)
	}
	return nil
}

// Get returns the local copy of an item, or nil when it does not exist.
func (c *SyncContext) Get(ctx context.Context, table, id string) (*model.Record, error) {
	if err := c.validateTable(table); err != nil {
		return nil, err
	}
	start := time.Now()
	rec, err := c.store.GetItem(ctx, table, id)
	c.metrics.StoreReadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, localStoreError("read item", err)
	}
	return rec, nil
}

// Query runs a query against the local store and returns one page.
func (c *SyncContext) Query(ctx context.Context, q *query.Description) (*model.Page, error) {
	if err := c.validateTable(q.Table); err != nil {
		return nil, err
	}
	start := time.Now()
	page, err := c.store.GetPage(ctx, q)
	c.metrics.StoreReadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, localStoreError("query local store", err)
	}
	return page, nil
}

// CountItems returns how many local records match the query, ignoring
// paging.
func (c *SyncContext) CountItems(ctx context.Context, q *query.Description) (int64, error) {
	if err := c.validateTable(q.Table); err != nil {
		return 0, err
	}
	counted := q.Clone()
	counted.IncludeTotalCount = true
	counted.Skip = 0
	counted.Top = 1
	page, err := c.store.GetPage(ctx, counted)
	if err != nil {
		return 0, localStoreError("count local store", err)
	}
	return page.Count, nil
}

// PendingOperations lists a table's queued operations in the order they
// will push. An empty table name lists every table.
func (c *SyncContext) PendingOperations(ctx context.Context, table string) ([]*Operation, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	return c.queue.operationsForTable(ctx, table)
}

// PendingOperationCount reports how many operations are queued for a
// table, or in total when table is empty.
func (c *SyncContext) PendingOperationCount(table string) (int64, error) {
	if err := c.ensureInitialized(); err != nil {
		return 0, err
	}
	if table == "" {
		return c.queue.pending(), nil
	}
	return c.queue.pendingForTable(table), nil
}

// TableIsDirty reports whether a table has queued operations.
func (c *SyncContext) TableIsDirty(table string) (bool, error) {
	n, err := c.PendingOperationCount(table)
	return n > 0, err
}

// DiscardTableOperations drops every queued operation for a table
// without pushing them. Local records keep their current state.
func (c *SyncContext) DiscardTableOperations(ctx context.Context, table string) (int, error) {
	if err := c.validateTable(table); err != nil {
		return 0, err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	n, err := c.queue.deleteTable(ctx, table)
	if err != nil {
		return 0, err
	}
	c.metrics.UpdatePendingOperations(c.queue.pending())
	if n > 0 {
		c.logger.Info("Discarded pending operations",
			zap.String("table", table), zap.Int("count", n))
	}
	return n, nil
}

// SyncErrors returns the persisted record of each operation the last
// push rejected. The record is cleared when the next push starts.
func (c *SyncContext) SyncErrors(ctx context.Context) ([]*model.Record, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	page, err := c.store.GetPage(ctx, query.New(store.SyncErrorsTable))
	if err != nil {
		return nil, localStoreError("read sync errors", err)
	}
	return page.Items, nil
}

func (c *SyncContext) ensureInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return notInitialized()
	}
	return nil
}

func (c *SyncContext) validateTable(table string) error {
	if err := c.ensureInitialized(); err != nil {
		return err
	}
	if !store.IsValidTableName(table) {
		return invalidArgument("invalid table name", nil).WithDetail("table", table)
	}
	return nil
}
