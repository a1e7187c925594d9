package datasync

import (
	"context"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

// SyncTable is a table-scoped view of a SyncContext, for callers that
// work with one table at a time.
type SyncTable struct {
	sc   *SyncContext
	name string
}

// Table returns a handle scoped to one table.
func (c *SyncContext) Table(name string) *SyncTable {
	return &SyncTable{sc: c, name: name}
}

// Name returns the table name.
func (t *SyncTable) Name() string { return t.name }

func (t *SyncTable) Insert(ctx context.Context, item *model.Record) (*model.Record, error) {
	return t.sc.Insert(ctx, t.name, item)
}

func (t *SyncTable) Replace(ctx context.Context, item *model.Record) error {
	return t.sc.Replace(ctx, t.name, item)
}

func (t *SyncTable) Delete(ctx context.Context, id string) error {
	return t.sc.Delete(ctx, t.name, id)
}

func (t *SyncTable) Get(ctx context.Context, id string) (*model.Record, error) {
	return t.sc.Get(ctx, t.name, id)
}

// NewQuery starts an empty query against this table.
func (t *SyncTable) NewQuery() *query.Description {
	return query.New(t.name)
}

func (t *SyncTable) Query(ctx context.Context, q *query.Description) (*model.Page, error) {
	q = q.Clone()
	q.Table = t.name
	return t.sc.Query(ctx, q)
}

func (t *SyncTable) CountItems(ctx context.Context, q *query.Description) (int64, error) {
	q = q.Clone()
	q.Table = t.name
	return t.sc.CountItems(ctx, q)
}

func (t *SyncTable) Pull(ctx context.Context, q *query.Description, opts *PullOptions) error {
	q = q.Clone()
	q.Table = t.name
	return t.sc.Pull(ctx, q, opts)
}

func (t *SyncTable) Purge(ctx context.Context, q *query.Description, opts *PurgeOptions) error {
	q = q.Clone()
	q.Table = t.name
	return t.sc.Purge(ctx, q, opts)
}

func (t *SyncTable) IsDirty() (bool, error) {
	return t.sc.TableIsDirty(t.name)
}
