// Package sqlite is the durable LocalStore. Each table holds one row per
// record: the record body as JSON plus indexed id and updatedAt columns.
// Filters run inside SQLite through json_extract, so paging never loads
// a whole table into memory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/store"
)

// schemaTable records the defined schema of every user table so the
// store can enforce columns again after reopening the file.
const schemaTable = "__schema"

// Store is a SQLite-backed LocalStore.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.RWMutex
	schemas map[string]model.Schema
	ready   bool
}

// Config controls how the database file is opened.
type Config struct {
	Path           string
	BusyTimeout    int // milliseconds
	JournalMode    string
	MaxConnections int
}

func (c *Config) setDefaults() {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5000
	}
	if c.JournalMode == "" {
		c.JournalMode = "WAL"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
}

// Open opens (creating if needed) the database at cfg.Path. Use
// ":memory:" for an ephemeral store in tests.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout, cfg.JournalMode)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// A second connection would see a different empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections / 2)
	}
	return &Store{
		db:      db,
		logger:  logger,
		schemas: make(map[string]model.Schema),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Initialize implements store.LocalStore. It creates the reserved system
// tables and reloads previously defined table schemas.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	system := []string{store.OperationsTable, store.ConfigurationTable, store.SyncErrorsTable, schemaTable}
	for _, name := range system {
		if err := s.createTableLocked(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range []string{store.OperationsTable, store.ConfigurationTable, store.SyncErrorsTable} {
		s.schemas[name] = model.Schema{model.FieldID: model.ColumnString}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM %s`, quoteIdent(schemaTable)))
	if err != nil {
		return fmt.Errorf("load table schemas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return fmt.Errorf("scan table schema: %w", err)
		}
		var schema model.Schema
		if err := json.Unmarshal([]byte(data), &schema); err != nil {
			return fmt.Errorf("decode schema for table %q: %w", name, err)
		}
		if err := s.createTableLocked(ctx, name); err != nil {
			return err
		}
		s.schemas[name] = schema
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load table schemas: %w", err)
	}

	s.ready = true
	s.logger.Debug("SQLite store initialized", zap.Int("tables", len(s.schemas)))
	return nil
}

// DefineTable implements store.LocalStore.
func (s *Store) DefineTable(ctx context.Context, name string, schema model.Schema) error {
	if !store.IsValidTableName(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := model.Schema{model.FieldID: model.ColumnString}
	if existing, ok := s.schemas[name]; ok {
		merged = existing
	} else if err := s.createTableLocked(ctx, name); err != nil {
		return err
	}
	merged = merged.Merge(schema)
	s.schemas[name] = merged

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode schema for table %q: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, quoteIdent(schemaTable)),
		name, string(data))
	if err != nil {
		return fmt.Errorf("persist schema for table %q: %w", name, err)
	}
	return nil
}

func (s *Store) createTableLocked(ctx context.Context, name string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT
	)`, quoteIdent(name))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %q: %w", name, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (updated_at)`,
		quoteIdent("idx_"+name+"_updated_at"), quoteIdent(name))
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("index table %q: %w", name, err)
	}
	return nil
}

// Upsert implements store.LocalStore. A record that already exists is
// merged field by field, so callers can write partial updates.
func (s *Store) Upsert(ctx context.Context, table string, items []*model.Record, fromServer bool) error {
	schema, err := s.tableSchema(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	getStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`SELECT data FROM %s WHERE id = ?`, quoteIdent(table)))
	if err != nil {
		return err
	}
	defer getStmt.Close()
	putStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		quoteIdent(table)))
	if err != nil {
		return err
	}
	defer putStmt.Close()

	for _, item := range items {
		id := item.ID()
		if id == "" {
			return fmt.Errorf("record in table %q has no id", table)
		}
		stored := model.NewRecord()
		var badField string
		item.Range(func(name string, v model.Value) bool {
			if _, known := schema[name]; !known && !store.IsSystemTable(table) {
				if fromServer {
					return true
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

		var existing string
		err := getStmt.QueryRowContext(ctx, id).Scan(&existing)
		switch {
		case err == nil:
			prior, perr := model.ParseRecord([]byte(existing))
			if perr != nil {
				return fmt.Errorf("decode stored record %s/%s: %w", table, id, perr)
			}
			stored.Range(func(name string, v model.Value) bool {
				prior.Set(name, v)
				return true
			})
			stored = prior
		case errors.Is(err, sql.ErrNoRows):
			// fresh insert
		default:
			return fmt.Errorf("read record %s/%s: %w", table, id, err)
		}

		data, err := stored.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode record %s/%s: %w", table, id, err)
		}
		if _, err := putStmt.ExecContext(ctx, id, string(data), updatedAtKey(stored)); err != nil {
			return fmt.Errorf("write record %s/%s: %w", table, id, err)
		}
	}
	return tx.Commit()
}

// GetItem implements store.LocalStore.
func (s *Store) GetItem(ctx context.Context, table, id string) (*model.Record, error) {
	if _, err := s.tableSchema(table); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT data FROM %s WHERE id = ?`, quoteIdent(table)), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s/%s: %w", table, id, err)
	}
	rec, err := model.ParseRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// GetPage implements store.LocalStore.
func (s *Store) GetPage(ctx context.Context, q *query.Description) (*model.Page, error) {
	if _, err := s.tableSchema(q.Table); err != nil {
		return nil, err
	}
	where, args, err := whereClause(q.Filter)
	if err != nil {
		return nil, err
	}

	page := &model.Page{Count: -1}
	if q.IncludeTotalCount {
		countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, quoteIdent(q.Table), where)
		if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&page.Count); err != nil {
			return nil, fmt.Errorf("count table %q: %w", q.Table, err)
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT data FROM ")
	sb.WriteString(quoteIdent(q.Table))
	sb.WriteString(where)
	sb.WriteString(orderClause(q.Ordering))
	if q.Top > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Top)
	} else if q.Skip > 0 {
		sb.WriteString(" LIMIT -1")
	}
	if q.Skip > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Skip)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query table %q: %w", q.Table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan table %q: %w", q.Table, err)
		}
		rec, err := model.ParseRecord([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode record in table %q: %w", q.Table, err)
		}
		if len(q.Selection) > 0 {
			out := model.NewRecord()
			for _, name := range q.Selection {
				if v, ok := rec.Get(name); ok {
					out.Set(name, v)
				}
			}
			rec = out
		}
		page.Items = append(page.Items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query table %q: %w", q.Table, err)
	}
	if page.Items == nil {
		page.Items = []*model.Record{}
	}
	return page, nil
}

// Delete implements store.LocalStore. Skip and Top are ignored; the
// engine only deletes by filter.
func (s *Store) Delete(ctx context.Context, q *query.Description) (int, error) {
	if _, err := s.tableSchema(q.Table); err != nil {
		return 0, err
	}
	where, args, err := whereClause(q.Filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s%s`, quoteIdent(q.Table), where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from table %q: %w", q.Table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete from table %q: %w", q.Table, err)
	}
	return int(n), nil
}

// DeleteItems implements store.LocalStore.
func (s *Store) DeleteItems(ctx context.Context, table string, ids []string) error {
	if _, err := s.tableSchema(table); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (%s)`, quoteIdent(table), placeholders), args...)
	if err != nil {
		return fmt.Errorf("delete from table %q: %w", table, err)
	}
	return nil
}

func (s *Store) tableSchema(table string) (model.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[table]
	if !ok {
		return nil, fmt.Errorf("table %q is not defined", table)
	}
	return schema, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
