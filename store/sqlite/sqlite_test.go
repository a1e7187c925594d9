package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func movieSchema() model.Schema {
	return model.Schema{
		"title":     model.ColumnString,
		"year":      model.ColumnNumber,
		"rating":    model.ColumnString,
		"deleted":   model.ColumnBool,
		"updatedAt": model.ColumnDateTime,
		"version":   model.ColumnString,
	}
}

func movie(id, title string, year float64) *model.Record {
	rec := model.NewRecord()
	rec.SetID(id)
	rec.Set("title", model.String(title))
	rec.Set("year", model.Number(year))
	return rec
}

func TestInitializeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(context.Background()))
}

func TestUpsertAndGetItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))

	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{movie("m1", "Alien", 1979)}, false))

	got, err := s.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	title, _ := got.Get("title")
	assert.Equal(t, model.String("Alien"), title)

	missing, err := s.GetItem(ctx, "movies", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertMergesPartialUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{movie("m1", "Alien", 1979)}, false))

	patch := model.NewRecord()
	patch.SetID("m1")
	patch.Set("rating", model.String("R"))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{patch}, false))

	got, err := s.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	title, _ := got.Get("title")
	rating, _ := got.Get("rating")
	assert.Equal(t, model.String("Alien"), title)
	assert.Equal(t, model.String("R"), rating)
}

func TestUpsertRejectsUnknownLocalColumn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))

	rec := movie("m1", "Alien", 1979)
	rec.Set("director", model.String("Scott"))

	err := s.Upsert(ctx, "movies", []*model.Record{rec}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "director")

	// The same record from the server drops the unknown column instead.
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{rec}, true))
	got, err := s.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	_, hasDirector := got.Get("director")
	assert.False(t, hasDirector)
}

func TestGetPageFilterOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{
		movie("m1", "Alien", 1979),
		movie("m2", "Aliens", 1986),
		movie("m3", "Heat", 1995),
		movie("m4", "Blade Runner", 1982),
	}, false))

	q := query.New("movies")
	q.AndFilter(query.Where("year", query.OpLessThan, model.Number(1990)))
	q.Ordering = []query.OrderBy{{Field: "year", Descending: true}}
	q.Top = 2
	q.IncludeTotalCount = true

	page, err := s.GetPage(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Count)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "m2", page.Items[0].ID())
	assert.Equal(t, "m4", page.Items[1].ID())

	q.Skip = 2
	q.Top = 0
	page, err = s.GetPage(ctx, q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m1", page.Items[0].ID())
}

func TestGetPageSelection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{movie("m1", "Alien", 1979)}, false))

	q := query.New("movies")
	q.Selection = []string{"id", "title"}
	page, err := s.GetPage(ctx, q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].Len())
}

func TestNotEqualMatchesAbsentField(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{
		movie("m1", "Alien", 1979),
	}, false))

	q := query.New("movies")
	q.AndFilter(query.Where("rating", query.OpNotEqual, model.String("R")))
	page, err := s.GetPage(ctx, q)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestDeleteByQueryAndByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{
		movie("m1", "Alien", 1979),
		movie("m2", "Aliens", 1986),
		movie("m3", "Heat", 1995),
	}, false))

	q := query.New("movies")
	q.AndFilter(query.Where("year", query.OpGreaterThan, model.Number(1990)))
	n, err := s.Delete(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteItems(ctx, "movies", []string{"m1", "missing"}))
	page, err := s.GetPage(ctx, query.New("movies"))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m2", page.Items[0].ID())
}

func TestUpdatedAtFilterUsesColumn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))

	old := movie("m1", "Alien", 1979)
	old.Set(model.FieldUpdatedAt, model.Time(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	recent := movie("m2", "Heat", 1995)
	recent.Set(model.FieldUpdatedAt, model.Time(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{old, recent}, false))

	q := query.New("movies")
	q.AndFilter(query.Where(model.FieldUpdatedAt, query.OpGreaterThan,
		model.Time(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))))
	page, err := s.GetPage(ctx, q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m2", page.Items[0].ID())
}

func TestSchemaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	s, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.DefineTable(ctx, "movies", movieSchema()))
	require.NoError(t, s.Upsert(ctx, "movies", []*model.Record{movie("m1", "Alien", 1979)}, false))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Initialize(ctx))

	got, err := s2.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Unknown columns are still enforced after reopen.
	rec := movie("m2", "Heat", 1995)
	rec.Set("director", model.String("Mann"))
	require.Error(t, s2.Upsert(ctx, "movies", []*model.Record{rec}, false))
}

func TestSystemTablesAcceptAnyColumns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := model.NewRecord()
	rec.SetID("dt.movies.q1")
	rec.Set("value", model.Number(12345))
	require.NoError(t, s.Upsert(ctx, store.ConfigurationTable, []*model.Record{rec}, false))

	got, err := s.GetItem(ctx, store.ConfigurationTable, "dt.movies.q1")
	require.NoError(t, err)
	require.NotNil(t, got)
}
