package datasync

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/store"
)

// deltaTokenStore persists the incremental sync position of each
// (table, query) pair in the configuration system table. Tokens are
// epoch milliseconds of the newest updatedAt seen; a missing token
// means "pull everything".
type deltaTokenStore struct {
	store store.LocalStore

	mu    sync.Mutex
	cache map[string]time.Time
}

func newDeltaTokenStore(st store.LocalStore) *deltaTokenStore {
	return &deltaTokenStore{
		store: st,
		cache: make(map[string]time.Time),
	}
}

func deltaTokenKey(table, queryID string) string {
	return fmt.Sprintf("dt.%s.%s", table, queryID)
}

// queryIDPattern bounds caller-supplied query ids; derived ids are hex
// digests and always match.
var queryIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

func validateTokenKey(table, queryID string) error {
	if !store.IsValidTableName(table) {
		return invalidArgument("invalid table name", nil).WithDetail("table", table)
	}
	if !queryIDPattern.MatchString(queryID) {
		return invalidArgument("invalid query id", nil).WithDetail("query_id", queryID)
	}
	return nil
}

// get returns the stored token, or the epoch when none exists yet.
func (d *deltaTokenStore) get(ctx context.Context, table, queryID string) (time.Time, error) {
	if err := validateTokenKey(table, queryID); err != nil {
		return time.Time{}, err
	}
	key := deltaTokenKey(table, queryID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.cache[key]; ok {
		return t, nil
	}
	rec, err := d.store.GetItem(ctx, store.ConfigurationTable, key)
	if err != nil {
		return time.Time{}, localStoreError("read delta token", err)
	}
	token := time.UnixMilli(0).UTC()
	if rec != nil {
		if v, ok := rec.Get("value"); ok {
			if ms, isNum := v.AsNumber(); isNum {
				token = time.UnixMilli(int64(ms)).UTC()
			}
		}
	}
	d.cache[key] = token
	return token, nil
}

// set persists a new token. Tokens only move forward; a value at or
// behind the current token is ignored.
func (d *deltaTokenStore) set(ctx context.Context, table, queryID string, token time.Time) error {
	current, err := d.get(ctx, table, queryID)
	if err != nil {
		return err
	}
	if !token.After(current) {
		return nil
	}
	key := deltaTokenKey(table, queryID)
	rec := model.NewRecord()
	rec.SetID(key)
	rec.Set("value", model.Number(float64(token.UnixMilli())))
	if err := d.store.Upsert(ctx, store.ConfigurationTable, []*model.Record{rec}, false); err != nil {
		return localStoreError("persist delta token", err)
	}
	d.mu.Lock()
	d.cache[key] = token.UTC()
	d.mu.Unlock()
	return nil
}

// reset forgets the token so the next pull starts from the epoch.
func (d *deltaTokenStore) reset(ctx context.Context, table, queryID string) error {
	if err := validateTokenKey(table, queryID); err != nil {
		return err
	}
	key := deltaTokenKey(table, queryID)
	if err := d.store.DeleteItems(ctx, store.ConfigurationTable, []string{key}); err != nil {
		return localStoreError("reset delta token", err)
	}
	d.mu.Lock()
	delete(d.cache, key)
	d.mu.Unlock()
	return nil
}
