package datasync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

// PullOptions tune one pull run.
type PullOptions struct {
	// QueryID names the incremental sync position this pull advances.
	// Pulls with the same id share a delta token. When empty, a stable
	// id is derived from the query itself.
	QueryID string

	// PushOtherTables pushes the whole queue, not just the pulled
	// table, when a push is needed before pulling.
	PushOtherTables bool
}

// queryIDFor derives a stable id for a query, so repeated pulls of the
// same query resume where the last one stopped.
func queryIDFor(q *query.Description) string {
	sum := md5.Sum([]byte("q|" + q.Table + "|" + q.Key()))
	return hex.EncodeToString(sum[:])
}

// Pull fetches records matching the query from the remote table and
// applies them to the local store. Only records changed since the
// query's delta token are transferred; records with queued local
// changes are left untouched.
//
// A dirty table is pushed first. If operations remain queued after that
// push, the pull fails rather than overwrite unpushed changes.
func (c *SyncContext) Pull(ctx context.Context, q *query.Description, opts *PullOptions) error {
	if err := c.validateTable(q.Table); err != nil {
		return err
	}
	if len(q.Selection) > 0 {
		return invalidArgument("pull queries cannot select a subset of fields", nil)
	}
	if opts == nil {
		opts = &PullOptions{}
	}
	queryID := opts.QueryID
	if queryID == "" {
		queryID = queryIDFor(q)
	}
	// Reject a malformed query id before the pre-pull push runs.
	if err := validateTokenKey(q.Table, queryID); err != nil {
		return err
	}

	_, err := c.syncRunner.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.pull(ctx, q.Clone(), queryID, opts.PushOtherTables)
	})
	return err
}

func (c *SyncContext) pull(ctx context.Context, q *query.Description, queryID string, pushOtherTables bool) error {
	start := time.Now()

	if c.queue.pendingForTable(q.Table) > 0 {
		tables := []string{q.Table}
		if pushOtherTables {
			tables = nil
		}
		result, err := c.push(ctx, tables)
		if err != nil {
			return err
		}
		if !result.IsSuccessful() {
			c.metrics.RecordPull("push_failed", time.Since(start).Seconds(), 0, 0)
			return NewSyncError(ErrCodePushAborted, "push before pull did not complete", nil).
				WithDetail("push_status", result.Status.String()).
				WithDetail("push_errors", len(result.Errors))
		}
		if c.queue.pendingForTable(q.Table) > 0 {
			return invalidOperation("table still has pending operations after push").
				WithDetail("table", q.Table)
		}
	}

	token, err := c.tokens.get(ctx, q.Table, queryID)
	if err != nil {
		return err
	}

	applied, pages, err := c.pullPages(ctx, q, queryID, token)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RecordPull(outcome, time.Since(start).Seconds(), applied, pages)
	if err != nil {
		return err
	}
	c.logger.Info("Pull finished",
		zap.String("table", q.Table),
		zap.String("query_id", queryID),
		zap.Int("records", applied),
		zap.Int("pages", pages),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// pullPages walks the remote result set page by page, applying records
// and advancing the delta token.
func (c *SyncContext) pullPages(ctx context.Context, q *query.Description, queryID string, token time.Time) (int, int, error) {
	table := c.provider.Table(q.Table)

	pageQuery := q.Clone()
	pageQuery.IncludeDeleted = true
	pageQuery.IncludeTotalCount = false
	pageQuery.Skip = 0
	if pageQuery.Top <= 0 || pageQuery.Top > c.cfg.Pull.PageSize {
		pageQuery.Top = c.cfg.Pull.PageSize
	}
	pageQuery.Ordering = []query.OrderBy{{Field: model.FieldUpdatedAt}}

	// watermark is the filter position; newest is the latest updatedAt
	// applied so far and becomes the delta token. The filter is
	// inclusive, so records sharing the watermark timestamp are fetched
	// again rather than lost when a run of equal timestamps straddles a
	// page boundary; upserts by id make the repeats harmless.
	watermark := token
	newest := token
	applied, pages := 0, 0
	sinceTokenWrite := 0
	nextLink := ""

	for {
		if err := ctx.Err(); err != nil {
			return applied, pages, err
		}

		var page *model.Page
		var err error
		if nextLink != "" {
			page, err = table.ReadNextLink(ctx, nextLink)
		} else {
			pq := pageQuery.Clone()
			pq.AndFilter(query.Where(model.FieldUpdatedAt, query.OpGreaterOrEqual, model.Time(watermark)))
			page, err = table.Read(ctx, pq)
		}
		if err != nil {
			return applied, pages, fmt.Errorf("read remote page: %w", err)
		}
		pages++

		if len(page.Items) == 0 {
			break
		}

		for _, rec := range page.Items {
			if err := c.applyPulledRecord(ctx, q.Table, rec); err != nil {
				return applied, pages, err
			}
			applied++
			sinceTokenWrite++
			if t, ok := rec.UpdatedAt(); ok && t.After(newest) {
				newest = t
			}
			if sinceTokenWrite >= c.cfg.Pull.WriteDeltaTokenInterval {
				if err := c.tokens.set(ctx, q.Table, queryID, newest); err != nil {
					return applied, pages, err
				}
				sinceTokenWrite = 0
			}
		}

		switch {
		case page.NextLink != "":
			nextLink = page.NextLink
		case len(page.Items) < pageQuery.Top:
			goto done
		case newest.After(watermark):
			// The page advanced; re-query from the new position. Skip
			// resets because the window moved.
			watermark = newest
			nextLink = ""
			pageQuery.Skip = 0
		default:
			// Every record since the watermark shares its timestamp;
			// page past them instead of requerying the same window.
			nextLink = ""
			pageQuery.Skip += len(page.Items)
		}
	}
done:
	if err := c.tokens.set(ctx, q.Table, queryID, newest); err != nil {
		return applied, pages, err
	}
	return applied, pages, nil
}

// applyPulledRecord writes one remote record into the local store. A
// record with a queued local change is skipped so the pending operation
// wins until it pushes.
func (c *SyncContext) applyPulledRecord(ctx context.Context, table string, rec *model.Record) error {
	id := rec.ID()
	if !model.IsValidID(id) {
		return invalidArgument("remote record has an invalid id", nil).
			WithDetail("table", table).
			WithDetail("item_id", id)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	pending, err := c.queue.getByItem(ctx, table, id)
	if err != nil {
		return err
	}
	if pending != nil {
		c.logger.Debug("Skipping pulled record with pending operation",
			zap.String("table", table), zap.String("item_id", id))
		return nil
	}
	if rec.IsDeleted() {
		if err := c.store.DeleteItems(ctx, table, []string{id}); err != nil {
			return localStoreError("remove deleted record", err)
		}
		c.metrics.StoreDeletesTotal.Inc()
		return nil
	}
	if err := c.store.Upsert(ctx, table, []*model.Record{rec}, true); err != nil {
		return localStoreError("apply pulled record", err)
	}
	c.metrics.StoreUpsertsTotal.Inc()
	return nil
}
