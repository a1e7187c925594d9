package datasync

import (
	"context"

	"go.uber.org/zap"

	"github.com/offsync/offsync/query"
)

// PurgeOptions tune one purge run.
type PurgeOptions struct {
	// QueryID names the delta token to reset; it must match the id the
	// corresponding pulls used (or remain empty when the pulls derived
	// theirs from the query).
	QueryID string

	// DiscardPendingOperations drops the table's queued operations
	// instead of failing when the table is dirty.
	DiscardPendingOperations bool
}

// Purge removes records matching the query from the local store and
// resets the query's delta token, so the next pull transfers everything
// again. A table with queued operations cannot be purged unless
// DiscardPendingOperations is set; purging would orphan the queue.
func (c *SyncContext) Purge(ctx context.Context, q *query.Description, opts *PurgeOptions) error {
	if err := c.validateTable(q.Table); err != nil {
		return err
	}
	if opts == nil {
		opts = &PurgeOptions{}
	}
	queryID := opts.QueryID
	if queryID == "" {
		queryID = queryIDFor(q)
	}
	// Reject a malformed query id before any records are discarded.
	if err := validateTokenKey(q.Table, queryID); err != nil {
		return err
	}

	_, err := c.syncRunner.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.purge(ctx, q.Clone(), queryID, opts.DiscardPendingOperations)
	})
	return err
}

func (c *SyncContext) purge(ctx context.Context, q *query.Description, queryID string, discard bool) error {
	if c.queue.pendingForTable(q.Table) > 0 {
		if !discard {
			return invalidOperation("cannot purge a table with pending operations").
				WithDetail("table", q.Table)
		}
		if _, err := c.DiscardTableOperations(ctx, q.Table); err != nil {
			return err
		}
	}

	removed, err := c.store.Delete(ctx, q)
	if err != nil {
		return localStoreError("purge local records", err)
	}
	if err := c.tokens.reset(ctx, q.Table, queryID); err != nil {
		return err
	}
	c.logger.Info("Purged table",
		zap.String("table", q.Table),
		zap.String("query_id", queryID),
		zap.Int("removed", removed))
	return nil
}
