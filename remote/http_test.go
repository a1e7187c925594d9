package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func TestInsertReturnsServerCopy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tables/movies", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body["version"] = "v1"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	item := model.NewRecord()
	item.SetID("m1")
	item.Set("title", model.String("Alien"))

	got, err := c.Table("movies").Insert(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID())
	assert.Equal(t, "v1", got.Version())
}

func TestUpdateSendsIfMatchAndSurfacesConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/tables/movies/m1", r.URL.Path)
		assert.Equal(t, `"v1"`, r.Header.Get("If-Match"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "m1", "title": "Aliens", "version": "v2",
		})
	})

	item := model.NewRecord()
	item.SetID("m1")
	item.Set("version", model.String("v1"))
	item.Set("title", model.String("Alien"))

	_, err := c.Table("movies").Update(context.Background(), item)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNetworkError(err))

	server := ServerItem(err)
	require.NotNil(t, server)
	assert.Equal(t, "v2", server.Version())
}

func TestDeleteToleratesAlreadyGone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	item := model.NewRecord()
	item.SetID("m1")
	assert.NoError(t, c.Table("movies").Delete(context.Background(), item))
}

func TestReadParsesEnvelopeAndNextLink(t *testing.T) {
	var nextURL string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`[{"id":"m2"}]`))
			return
		}
		assert.Equal(t, "(updatedAt gt 1970-01-01T00:00:00Z)", r.URL.Query().Get("$filter"))
		assert.Equal(t, "updatedAt", r.URL.Query().Get("$orderby"))
		assert.Equal(t, "true", r.URL.Query().Get("__includeDeleted"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value":    []map[string]interface{}{{"id": "m1"}},
			"count":    2,
			"nextLink": nextURL,
		})
	})
	nextURL = c.base.String() + "/tables/movies?page=2"

	q := query.New("movies")
	q.IncludeDeleted = true
	q.Ordering = []query.OrderBy{{Field: "updatedAt"}}
	q.AndFilter(query.Where("updatedAt", query.OpGreaterThan, model.Time(time.Unix(0, 0).UTC())))

	tbl := c.Table("movies")
	page, err := tbl.Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m1", page.Items[0].ID())
	assert.Equal(t, int64(2), page.Count)
	require.NotEmpty(t, page.NextLink)

	page2, err := tbl.ReadNextLink(context.Background(), page.NextLink)
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	assert.Equal(t, "m2", page2.Items[0].ID())
	assert.Empty(t, page2.NextLink)
	assert.Equal(t, int64(-1), page2.Count)
}

func TestAuthAndNetworkErrorClassification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Table("movies").Read(context.Background(), query.New("movies"))
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.False(t, IsConflict(err))

	// A server that no longer exists is a transport failure.
	dead, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = dead.Table("movies").Read(context.Background(), query.New("movies"))
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}
