// Package remote talks to the backing service. A Provider hands out one
// Table per remote table; the sync engine drives those tables during push
// and pull and never constructs HTTP requests itself.
package remote

import (
	"context"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

// Table is one table on the remote service.
//
// Insert and Update return the server's copy of the item, which carries
// the authoritative version and updatedAt. Delete succeeds silently when
// the item is already gone server-side.
type Table interface {
	Insert(ctx context.Context, item *model.Record) (*model.Record, error)
	Update(ctx context.Context, item *model.Record) (*model.Record, error)
	Delete(ctx context.Context, item *model.Record) error

	// Read executes a query and returns one page. When the service has
	// more results the page carries a NextLink for ReadNextLink.
	Read(ctx context.Context, q *query.Description) (*model.Page, error)
	ReadNextLink(ctx context.Context, link string) (*model.Page, error)
}

// Provider hands out remote tables by name.
type Provider interface {
	Table(name string) Table
}
