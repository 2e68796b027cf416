// Package remote is the HTTP client for the remote collection backend.
//
// The backend exposes one REST collection per entity kind:
//
//	GET    /api/health
//	GET    /api/collections/{name}/records?filter=...&perPage=N&page=P
//	GET    /api/collections/{name}/records/{id}
//	POST   /api/collections/{name}/records
//	PATCH  /api/collections/{name}/records/{id}
//	DELETE /api/collections/{name}/records/{id}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHealthTimeout bounds the health probe.
	DefaultHealthTimeout = 2 * time.Second

	// DefaultPerPage is the page size for pull queries.
	DefaultPerPage = 500

	// FilterTimeLayout is the timestamp format accepted in pull filters.
	FilterTimeLayout = "2006-01-02 15:04:05"
)

var (
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("remote backend not configured")

	// ErrNotFound matches StatusError values with a 404 status.
	ErrNotFound = errors.New("remote record not found")
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Item is one record returned by a pull query.
type Item struct {
	ID      string
	Updated time.Time
	Fields  json.RawMessage // entity fields without id and backend metadata
}

// Options configures a Client.
type Options struct {
	APIKey        string
	DeviceID      string
	HealthTimeout time.Duration
	PerPage       int
	HTTPClient    *http.Client
}

// Client talks to the remote collection backend.
type Client struct {
	baseURL       string
	apiKey        string
	deviceID      string
	healthTimeout time.Duration
	perPage       int
	http          *http.Client
}

// New creates a Client. An empty baseURL yields a client whose every call
// returns ErrNotConfigured.
func New(baseURL string, opts Options) *Client {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.PerPage <= 0 {
		opts.PerPage = DefaultPerPage
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        opts.APIKey,
		deviceID:      opts.DeviceID,
		healthTimeout: opts.HealthTimeout,
		perPage:       opts.PerPage,
		http:          opts.HTTPClient,
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes the backend. It returns nil when any response with a
// status below 500 arrives within the health timeout.
func (c *Client) Health(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	resp, err := c.sendRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Exists reports whether a record with this id exists in the collection.
func (c *Client) Exists(ctx context.Context, collection, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, recordPath(collection, id), nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// Create creates a record with a caller-supplied id.
func (c *Client) Create(ctx context.Context, collection, id string, fields json.RawMessage) error {
	body, err := withID(fields, id)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, collectionPath(collection), body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Update patches the record's fields. The id is carried in the path only.
func (c *Client) Update(ctx context.Context, collection, id string, fields json.RawMessage) error {
	resp, err := c.do(ctx, http.MethodPatch, recordPath(collection, id), fields)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Delete removes a record. A 404 counts as success.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, recordPath(collection, id), nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// listResponse is the paginated list envelope.
type listResponse struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalPages int               `json:"totalPages"`
	TotalItems int               `json:"totalItems"`
	Items      []json.RawMessage `json:"items"`
}

// UpdatedSince returns every record whose remote updated timestamp is
// strictly after since, following pagination.
func (c *Client) UpdatedSince(ctx context.Context, collection string, since time.Time) ([]Item, error) {
	filter := fmt.Sprintf(`(updated > "%s")`, since.UTC().Format(FilterTimeLayout))

	var items []Item
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("filter", filter)
		q.Set("perPage", strconv.Itoa(c.perPage))
		q.Set("page", strconv.Itoa(page))

		resp, err := c.do(ctx, http.MethodGet, collectionPath(collection)+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var list listResponse
		err = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", collection, page, err)
		}

		for _, raw := range list.Items {
			item, err := parseItem(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s item: %w", collection, err)
			}
			items = append(items, item)
		}

		if len(list.Items) == 0 || page >= list.TotalPages {
			return items, nil
		}
	}
}

// backendFields are record keys owned by the backend or by local sync
// bookkeeping; they never become entity fields.
var backendFields = []string{
	"id", "created", "updated", "collectionId", "collectionName", "expand",
	"updatedAt", "synced", "deleted",
}

func parseItem(raw json.RawMessage) (Item, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Item{}, err
	}

	var item Item
	if err := json.Unmarshal(fields["id"], &item.ID); err != nil || item.ID == "" {
		return Item{}, fmt.Errorf("item without id")
	}

	var updated string
	if err := json.Unmarshal(fields["updated"], &updated); err != nil {
		return Item{}, fmt.Errorf("item %s: missing updated", item.ID)
	}
	t, err := ParseTimestamp(updated)
	if err != nil {
		return Item{}, fmt.Errorf("item %s: %w", item.ID, err)
	}
	item.Updated = t

	for _, k := range backendFields {
		delete(fields, k)
	}
	item.Fields, err = json.Marshal(fields)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

// timestampLayouts are the accepted formats of the backend's updated field.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.000Z",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// ParseTimestamp parses a backend timestamp as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTimestamp renders t in the backend's updated format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000Z")
}

// do sends a request and converts non-2xx responses into *StatusError.
// The caller closes the returned body.
func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage) (*http.Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	resp, err := c.sendRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}

// sendRequest sends an authenticated request to the backend
func (c *Client) sendRequest(ctx context.Context, method, path string, body json.RawMessage) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

func collectionPath(collection string) string {
	return "/api/collections/" + url.PathEscape(collection) + "/records"
}

func recordPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

// withID returns fields with "id" set.
func withID(fields json.RawMessage, id string) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &m); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	idJSON, _ := json.Marshal(id)
	m["id"] = idJSON
	return json.Marshal(m)
}
