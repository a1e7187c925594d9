package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

const defaultRequestTimeout = 30 * time.Second

// Client is the HTTP implementation of Provider. Tables live under
// <base>/tables/<name> and accept the query parameters Read serializes.
type Client struct {
	base    *url.URL
	http    *http.Client
	logger  *zap.Logger
	headers map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHeader attaches a header to every request, e.g. an authorization
// token or an API key.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  zap.NewNop(),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Table returns the remote table with the given name.
func (c *Client) Table(name string) Table {
	return &httpTable{client: c, name: name}
}

type httpTable struct {
	client *Client
	name   string
}

func (t *httpTable) tableURL(itemID string) string {
	u := *t.client.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/tables/" + t.name
	if itemID != "" {
		u.Path += "/" + url.PathEscape(itemID)
	}
	return u.String()
}

func (t *httpTable) Insert(ctx context.Context, item *model.Record) (*model.Record, error) {
	return t.writeItem(ctx, http.MethodPost, t.tableURL(""), item, "")
}

func (t *httpTable) Update(ctx context.Context, item *model.Record) (*model.Record, error) {
	id := item.ID()
	if id == "" {
		return nil, fmt.Errorf("update %s: item has no id", t.name)
	}
	return t.writeItem(ctx, http.MethodPatch, t.tableURL(id), item, item.Version())
}

func (t *httpTable) Delete(ctx context.Context, item *model.Record) error {
	id := item.ID()
	if id == "" {
		return fmt.Errorf("delete %s: item has no id", t.name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.tableURL(id), nil)
	if err != nil {
		return err
	}
	t.setHeaders(req, item.Version())
	resp, err := t.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", t.name, id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// Already deleted server-side; the local intent is satisfied.
		return nil
	}
	if resp.StatusCode >= 300 {
		return t.statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *httpTable) writeItem(ctx context.Context, method, u string, item *model.Record, version string) (*model.Record, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode %s item: %w", t.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req, version)

	start := time.Now()
	resp, err := t.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, t.name, err)
	}
	defer resp.Body.Close()
	t.client.logger.Debug("Remote write",
		zap.String("method", method),
		zap.String("table", t.name),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 300 {
		return nil, t.statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", t.name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return item.Clone(), nil
	}
	rec, err := model.ParseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", t.name, err)
	}
	return rec, nil
}

func (t *httpTable) Read(ctx context.Context, q *query.Description) (*model.Page, error) {
	u := *t.client.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/tables/" + t.name
	u.RawQuery = encodeQuery(q)
	return t.readPage(ctx, u.String())
}

func (t *httpTable) ReadNextLink(ctx context.Context, link string) (*model.Page, error) {
	if link == "" {
		return nil, fmt.Errorf("read %s: empty next link", t.name)
	}
	return t.readPage(ctx, link)
}

// pageEnvelope is the paged response shape; a bare JSON array is also
// accepted.
type pageEnvelope struct {
	Value    []json.RawMessage `json:"value"`
	Count    *int64            `json:"count"`
	NextLink string            `json:"nextLink"`
}

func (t *httpTable) readPage(ctx context.Context, u string) (*model.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	t.setHeaders(req, "")

	start := time.Now()
	resp, err := t.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, t.statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", t.name, err)
	}
	t.client.logger.Debug("Remote read",
		zap.String("table", t.name),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))

	var raw []json.RawMessage
	page := &model.Page{Count: -1}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s page: %w", t.name, err)
		}
	} else {
		var env pageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode %s page: %w", t.name, err)
		}
		raw = env.Value
		page.NextLink = env.NextLink
		if env.Count != nil {
			page.Count = *env.Count
		}
	}
	page.Items = make([]*model.Record, 0, len(raw))
	for _, msg := range raw {
		rec, err := model.ParseRecord(msg)
		if err != nil {
			return nil, fmt.Errorf("decode %s page item: %w", t.name, err)
		}
		page.Items = append(page.Items, rec)
	}
	return page, nil
}

func (t *httpTable) setHeaders(req *http.Request, version string) {
	for k, v := range t.client.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if version != "" {
		req.Header.Set("If-Match", strconv.Quote(version))
	}
}

func (t *httpTable) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	if rec, err := model.ParseRecord(data); err == nil && rec.ID() != "" {
		// Conflict bodies carry the server's copy of the item.
		se.ServerItem = rec
	}
	return se
}

// encodeQuery serializes a query description into the wire parameters.
func encodeQuery(q *query.Description) string {
	v := url.Values{}
	if f := q.FilterText(); f != "" {
		v.Set("$filter", f)
	}
	if len(q.Ordering) > 0 {
		parts := make([]string, 0, len(q.Ordering))
		for _, o := range q.Ordering {
			if o.Descending {
				parts = append(parts, o.Field+" desc")
			} else {
				parts = append(parts, o.Field)
			}
		}
		v.Set("$orderby", strings.Join(parts, ","))
	}
	if q.Top > 0 {
		v.Set("$top", strconv.Itoa(q.Top))
	}
	if q.Skip > 0 {
		v.Set("$skip", strconv.Itoa(q.Skip))
	}
	if len(q.Selection) > 0 {
		v.Set("$select", strings.Join(q.Selection, ","))
	}
	if q.IncludeDeleted {
		v.Set("__includeDeleted", "true")
	}
	if q.IncludeTotalCount {
		v.Set("$count", "true")
	}
	return v.Encode()
}
