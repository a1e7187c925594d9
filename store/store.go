// Package store defines the capability interface the sync engine requires
// from durable local storage, together with the reserved system tables the
// engine persists its own state in. The package also ships an in-memory
// implementation; a SQLite-backed implementation lives in store/sqlite.
package store

import (
	"context"
	"regexp"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

// Reserved system table names. They are maintained by the sync engine and
// cannot be defined by application code.
const (
	OperationsTable    = "__operations"
	ConfigurationTable = "__config"
	SyncErrorsTable    = "__errors"
)

// IsSystemTable reports whether name is one of the reserved tables.
func IsSystemTable(name string) bool {
	return name == OperationsTable || name == ConfigurationTable || name == SyncErrorsTable
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// IsValidTableName reports whether name is acceptable as a user table
// name: identifier-shaped and not reserved.
func IsValidTableName(name string) bool {
	return tableNamePattern.MatchString(name) && !IsSystemTable(name)
}

// LocalStore is durable storage for named tables of records keyed by id.
// Implementations hold no sync logic; the engine layers ordering and
// idempotence on top.
//
// All methods must be safe for concurrent use. GetItem returns (nil, nil)
// when the record does not exist; absence is not an error.
type LocalStore interface {
	// Initialize prepares the store for use, creating the reserved
	// system tables. It must be idempotent.
	Initialize(ctx context.Context) error

	// DefineTable creates a user table with the given schema, or extends
	// an existing table with additive columns. The shape of existing
	// columns never changes.
	DefineTable(ctx context.Context, name string, schema model.Schema) error

	// Upsert inserts or replaces records by id. When fromServer is true
	// the records came from the remote service: fields unknown to the
	// table schema are ignored instead of rejected.
	Upsert(ctx context.Context, table string, items []*model.Record, fromServer bool) error

	// GetItem returns the record with the given id, or (nil, nil) when
	// it does not exist.
	GetItem(ctx context.Context, table, id string) (*model.Record, error)

	// GetPage runs a query against a table and returns one page of
	// results, honoring filter, ordering, skip, top and total count.
	GetPage(ctx context.Context, q *query.Description) (*model.Page, error)

	// Delete removes all records matching the query and returns how
	// many were removed.
	Delete(ctx context.Context, q *query.Description) (int, error)

	// DeleteItems removes records by id. Missing ids are not an error.
	DeleteItems(ctx context.Context, table string, ids []string) error
}
