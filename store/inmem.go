package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

// InMemory is a LocalStore backed by process memory. It is the reference
// implementation used by the engine's own tests and is suitable for
// ephemeral deployments where durability is not required.
type InMemory struct {
	mu      sync.RWMutex
	tables  map[string]map[string]*model.Record
	schemas map[string]model.Schema
	logger  *zap.Logger
	ready   bool
}

// NewInMemory creates an empty in-memory store. A nil logger disables
// logging.
func NewInMemory(logger *zap.Logger) *InMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemory{
		tables:  make(map[string]map[string]*model.Record),
		schemas: make(map[string]model.Schema),
		logger:  logger,
	}
}

// Initialize implements LocalStore.
func (s *InMemory) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{OperationsTable, ConfigurationTable, SyncErrorsTable} {
		if _, ok := s.tables[name]; !ok {
			s.tables[name] = make(map[string]*model.Record)
			s.schemas[name] = model.Schema{model.FieldID: model.ColumnString}
		}
	}
	s.ready = true
	return nil
}

// DefineTable implements LocalStore.
func (s *InMemory) DefineTable(ctx context.Context, name string, schema model.Schema) error {
	if !IsValidTableName(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.schemas[name]; ok {
		s.schemas[name] = existing.Merge(schema)
		return nil
	}
	s.tables[name] = make(map[string]*model.Record)
	s.schemas[name] = model.Schema{model.FieldID: model.ColumnString}.Merge(schema)
	s.logger.Debug("Defined table", zap.String("table", name), zap.Int("columns", len(s.schemas[name])))
	return nil
}

// Upsert implements LocalStore.
func (s *InMemory) Upsert(ctx context.Context, table string, items []*model.Record, fromServer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, schema, err := s.tableLocked(table)
	if err != nil {
		return err
	}
	for _, item := range items {
		id := item.ID()
		if id == "" {
			return fmt.Errorf("record in table %q has no id", table)
		}
		stored := model.NewRecord()
		var badField string
		item.Range(func(name string, v model.Value) bool {
			if _, known := schema[name]; !known && !IsSystemTable(table) {
				if fromServer {
					return true // ignore columns the table does not define
				}
				badField = name
				return false
			}
			stored.Set(name, v)
			return true
		})
		if badField != "" {
			return fmt.Errorf("table %q does not define column %q", table, badField)
		}
		if existing, ok := rows[id]; ok {
			// Partial update: keep columns the new record does not carry.
			merged := existing.Clone()
			stored.Range(func(name string, v model.Value) bool {
				merged.Set(name, v)
				return true
			})
			stored = merged
		}
		rows[id] = stored
	}
	return nil
}

// GetItem implements LocalStore.
func (s *InMemory) GetItem(ctx context.Context, table, id string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, _, err := s.tableLocked(table)
	if err != nil {
		return nil, err
	}
	rec, ok := rows[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// GetPage implements LocalStore.
func (s *InMemory) GetPage(ctx context.Context, q *query.Description) (*model.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched, err := s.matchLocked(q)
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		return query.Less(matched[i], matched[j], q.Ordering)
	})

	page := &model.Page{Count: -1}
	if q.IncludeTotalCount {
		page.Count = int64(len(matched))
	}
	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Skip:]
		}
	}
	if q.Top > 0 && len(matched) > q.Top {
		matched = matched[:q.Top]
	}
	page.Items = make([]*model.Record, 0, len(matched))
	for _, rec := range matched {
		out := rec.Clone()
		if len(q.Selection) > 0 {
			out = project(out, q.Selection)
		}
		page.Items = append(page.Items, out)
	}
	return page, nil
}

// Delete implements LocalStore.
func (s *InMemory) Delete(ctx context.Context, q *query.Description) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched, err := s.matchLocked(q)
	if err != nil {
		return 0, err
	}
	rows := s.tables[q.Table]
	for _, rec := range matched {
		delete(rows, rec.ID())
	}
	return len(matched), nil
}

// DeleteItems implements LocalStore.
func (s *InMemory) DeleteItems(ctx context.Context, table string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, _, err := s.tableLocked(table)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(rows, id)
	}
	return nil
}

func (s *InMemory) tableLocked(table string) (map[string]*model.Record, model.Schema, error) {
	rows, ok := s.tables[table]
	if !ok {
		return nil, nil, fmt.Errorf("table %q is not defined", table)
	}
	return rows, s.schemas[table], nil
}

func (s *InMemory) matchLocked(q *query.Description) ([]*model.Record, error) {
	rows, _, err := s.tableLocked(q.Table)
	if err != nil {
		return nil, err
	}
	matched := make([]*model.Record, 0, len(rows))
	for _, rec := range rows {
		ok, err := query.Eval(q.Filter, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

func project(rec *model.Record, selection []string) *model.Record {
	out := model.NewRecord()
	for _, name := range selection {
		if v, ok := rec.Get(name); ok {
			out.Set(name, v)
		}
	}
	return out
}
