package datasync

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/remote"
)

// fakeProvider is an in-process remote service for tests.
type fakeProvider struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{tables: make(map[string]*fakeTable)}
}

func (p *fakeProvider) Table(name string) remote.Table {
	return p.table(name)
}

func (p *fakeProvider) table(name string) *fakeTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tables[name]
	if !ok {
		t = &fakeTable{
			name:    name,
			failFor: make(map[string]error),
		}
		p.tables[name] = t
	}
	return t
}

type fakeTable struct {
	mu   sync.Mutex
	name string

	// failWith fails every call; failFor fails calls for one item id.
	failWith error
	failFor  map[string]error

	inserts []*model.Record
	updates []*model.Record
	deletes []*model.Record

	// pages are served one per Read/ReadNextLink call; a page before
	// the last carries a next link.
	pages     [][]*model.Record
	pageIndex int
	reads     []*query.Description
	version   int

	// dataset, when set, replaces the scripted pages: Read evaluates
	// the query's filter, ordering, skip and top against it, the way a
	// real backend would.
	dataset []*model.Record
}

func (t *fakeTable) checkFailure(id string) error {
	if t.failWith != nil {
		return t.failWith
	}
	if err, ok := t.failFor[id]; ok {
		return err
	}
	return nil
}

func (t *fakeTable) Insert(ctx context.Context, item *model.Record) (*model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFailure(item.ID()); err != nil {
		return nil, err
	}
	t.inserts = append(t.inserts, item.Clone())
	return t.stamp(item), nil
}

func (t *fakeTable) Update(ctx context.Context, item *model.Record) (*model.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFailure(item.ID()); err != nil {
		return nil, err
	}
	t.updates = append(t.updates, item.Clone())
	return t.stamp(item), nil
}

func (t *fakeTable) Delete(ctx context.Context, item *model.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFailure(item.ID()); err != nil {
		return err
	}
	t.deletes = append(t.deletes, item.Clone())
	return nil
}

func (t *fakeTable) stamp(item *model.Record) *model.Record {
	t.version++
	out := item.Clone()
	out.Set(model.FieldVersion, model.String("srv-"+strconv.Itoa(t.version)))
	return out
}

func (t *fakeTable) Read(ctx context.Context, q *query.Description) (*model.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return nil, t.failWith
	}
	t.reads = append(t.reads, q.Clone())
	if t.dataset != nil {
		return t.queryDataset(q)
	}
	return t.nextPage(), nil
}

func (t *fakeTable) queryDataset(q *query.Description) (*model.Page, error) {
	var matched []*model.Record
	for _, rec := range t.dataset {
		if q.Filter != nil {
			ok, err := query.Eval(q.Filter, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return query.Less(matched[i], matched[j], q.Ordering)
	})
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
	page := &model.Page{Count: -1}
	for _, rec := range matched {
		page.Items = append(page.Items, rec.Clone())
	}
	return page, nil
}

func (t *fakeTable) ReadNextLink(ctx context.Context, link string) (*model.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !strings.HasPrefix(link, "page:") {
		return nil, &remote.StatusError{StatusCode: 400, Body: "bad link"}
	}
	return t.nextPage(), nil
}

func (t *fakeTable) nextPage() *model.Page {
	page := &model.Page{Count: -1}
	if t.pageIndex >= len(t.pages) {
		return page
	}
	for _, rec := range t.pages[t.pageIndex] {
		page.Items = append(page.Items, rec.Clone())
	}
	t.pageIndex++
	if t.pageIndex < len(t.pages) {
		page.NextLink = "page:" + strconv.Itoa(t.pageIndex)
	}
	return page
}
