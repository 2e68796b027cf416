package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, Options{APIKey: "secret", DeviceID: "dev-1", PerPage: 2})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"not found still reachable", http.StatusNotFound, false},
		{"unauthorized still reachable", http.StatusUnauthorized, false},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/health" {
					t.Errorf("path = %s, want /api/health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			})

			err := c.Health(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Health() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHealth_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, Options{HealthTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("health probe took %v, should abort after timeout", elapsed)
	}
}

func TestNotConfigured(t *testing.T) {
	c := New("", Options{})
	ctx := context.Background()

	if c.Configured() {
		t.Error("Configured() = true for empty base URL")
	}
	if err := c.Health(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Health() = %v, want ErrNotConfigured", err)
	}
	if _, err := c.Exists(ctx, "products", "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Exists() = %v, want ErrNotConfigured", err)
	}
}

func TestExists(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/collections/products/records/aaaaaaaaaaaaaaa":
			w.Write([]byte(`{"id":"aaaaaaaaaaaaaaa"}`))
		case "/api/collections/products/records/bbbbbbbbbbbbbbb":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})
	ctx := context.Background()

	if ok, err := c.Exists(ctx, "products", "aaaaaaaaaaaaaaa"); err != nil || !ok {
		t.Errorf("Exists(existing) = %v, %v", ok, err)
	}
	if ok, err := c.Exists(ctx, "products", "bbbbbbbbbbbbbbb"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
	_, err := c.Exists(ctx, "products", "ccccccccccccccc")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusForbidden {
		t.Errorf("Exists(forbidden) err = %v, want StatusError 403", err)
	}
}

func TestCreate_SendsIDAndHeaders(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/collections/customers/records" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Device-ID") != "dev-1" {
			t.Errorf("X-Device-ID = %q", r.Header.Get("X-Device-ID"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	})

	err := c.Create(context.Background(), "customers", "aaaaaaaaaaaaaaa", json.RawMessage(`{"name":"Ann"}`))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got["id"] != "aaaaaaaaaaaaaaa" || got["name"] != "Ann" {
		t.Errorf("body = %v", got)
	}
}

func TestUpdate_OmitsID(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte(`{}`))
	})

	if err := c.Update(context.Background(), "products", "aaaaaaaaaaaaaaa", json.RawMessage(`{"stock":2}`)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if strings.Contains(body, `"id"`) {
		t.Errorf("PATCH body should not carry id: %s", body)
	}
}

func TestUpdate_RejectionIsStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad"}`))
	})

	err := c.Update(context.Background(), "products", "aaaaaaaaaaaaaaa", json.RawMessage(`{}`))
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want StatusError 400", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("400 must not match ErrNotFound")
	}
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	if err := c.Delete(context.Background(), "orders", "aaaaaaaaaaaaaaa"); err != nil {
		t.Errorf("Delete() on 404 = %v, want nil", err)
	}
}

func TestUpdatedSince_FilterAndPagination(t *testing.T) {
	var filters []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		filters = append(filters, r.URL.Query().Get("filter"))
		if r.URL.Query().Get("perPage") != "2" {
			t.Errorf("perPage = %q", r.URL.Query().Get("perPage"))
		}
		page := r.URL.Query().Get("page")
		switch page {
		case "1":
			fmt.Fprint(w, `{"page":1,"perPage":2,"totalPages":2,"items":[
				{"id":"aaaaaaaaaaaaaaa","collectionId":"x","created":"2026-01-01 00:00:00.000Z","updated":"2026-01-02 10:00:00.123Z","name":"A","updatedAt":5},
				{"id":"bbbbbbbbbbbbbbb","updated":"2026-01-02 11:00:00Z","name":"B"}]}`)
		case "2":
			fmt.Fprint(w, `{"page":2,"perPage":2,"totalPages":2,"items":[
				{"id":"ccccccccccccccc","updated":"2026-01-02T12:00:00Z","name":"C"}]}`)
		default:
			t.Errorf("unexpected page %q", page)
		}
	})

	since := time.Date(2026, 1, 1, 8, 30, 15, 0, time.UTC)
	items, err := c.UpdatedSince(context.Background(), "products", since)
	if err != nil {
		t.Fatalf("UpdatedSince() error = %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if filters[0] != `(updated > "2026-01-01 08:30:15")` {
		t.Errorf("filter = %q", filters[0])
	}

	first := items[0]
	wantUpdated := time.Date(2026, 1, 2, 10, 0, 0, 123000000, time.UTC)
	if !first.Updated.Equal(wantUpdated) {
		t.Errorf("updated = %v, want %v", first.Updated, wantUpdated)
	}
	var fields map[string]any
	json.Unmarshal(first.Fields, &fields)
	for _, k := range []string{"id", "collectionId", "created", "updated", "updatedAt"} {
		if _, ok := fields[k]; ok {
			t.Errorf("backend field %q leaked into entity fields", k)
		}
	}
	if fields["name"] != "A" {
		t.Errorf("name = %v, want A", fields["name"])
	}
}

func TestUpdatedSince_MalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"aaaaaaaaaaaaaaa","updated":"yesterday"}]}`))
	})

	if _, err := c.UpdatedSince(context.Background(), "products", time.Time{}); err == nil {
		t.Error("expected error for unparseable updated timestamp")
	}
}

func TestParseTimestamp_RoundTrip(t *testing.T) {
	in := time.Date(2026, 5, 6, 7, 8, 9, 250000000, time.UTC)
	got, err := ParseTimestamp(FormatTimestamp(in))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(in) {
		t.Errorf("got %v, want %v", got, in)
	}
}
