package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/possync/internal/api"
	"github.com/hyperengineering/possync/internal/pos"
	"github.com/hyperengineering/possync/internal/remote"
	"github.com/hyperengineering/possync/internal/store"
	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/hyperengineering/possync/internal/types"
)

const testAPIKey = "e2e-test-api-key"

// --- Shared Clock ---

// clock is a millisecond clock shared by the backend and every device so
// that last-writer-wins ordering is deterministic.
type clock struct {
	ms atomic.Int64
}

func newClock() *clock {
	c := &clock{}
	c.ms.Store(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli())
	return c
}

func (c *clock) now() time.Time { return time.UnixMilli(c.ms.Load()).UTC() }

func (c *clock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

// --- Backend ---

// backend is an in-process reference collection server.
type backend struct {
	srv   *httptest.Server
	store *store.BackendStore

	// down makes every request fail with 503, as a backend behind a dead
	// upstream would.
	down atomic.Bool
}

func startBackend(t *testing.T, clk *clock) *backend {
	t.Helper()

	db, err := store.NewBackendStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewBackendStore() error = %v", err)
	}
	db.SetClock(clk.now)

	collections := make([]string, len(possync.Collections))
	for i, c := range possync.Collections {
		collections[i] = c.Remote
	}
	router := api.NewRouter(api.NewHandler(db, testAPIKey, "e2e", collections))

	b := &backend{store: db}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.down.Load() {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		b.srv.Close()
		db.Close()
	})
	return b
}

// url returns the base URL devices talk to.
func (b *backend) url() string {
	return b.srv.URL
}

// record fetches a record straight from the backend store.
func (b *backend) record(t *testing.T, collection, id string) (map[string]any, bool) {
	t.Helper()
	rec, err := b.store.Get(context.Background(), collection, id)
	if err != nil {
		return nil, false
	}
	fields := map[string]any{}
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		t.Fatalf("decode backend record %s/%s: %v", collection, id, err)
	}
	return fields, true
}

// --- Device ---

// device is one point-of-sale terminal: its own database, engine and
// projections.
type device struct {
	name   string
	store  *store.SQLiteStore
	engine *possync.Engine
	svc    *pos.Service
	bus    *possync.EventBus
}

// newDevice creates a device syncing against baseURL. An empty baseURL
// leaves the device unconfigured.
func newDevice(t *testing.T, name, baseURL string, clk *clock) *device {
	t.Helper()
	return openDevice(t, name, filepath.Join(t.TempDir(), name+".db"), baseURL, clk)
}

func openDevice(t *testing.T, name, dbPath, baseURL string, clk *clock) *device {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("%s: NewSQLiteStore() error = %v", name, err)
	}
	t.Cleanup(func() { st.Close() })
	st.SetClock(clk.now)

	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		t.Fatalf("%s: DeviceID() error = %v", name, err)
	}
	client := remote.New(baseURL, remote.Options{
		APIKey:        testAPIKey,
		DeviceID:      deviceID,
		HealthTimeout: time.Second,
		PerPage:       2, // force pagination on every pull
	})

	bus := possync.NewEventBus()
	engine := possync.NewEngine(st, client, bus)
	engine.SetClock(clk.now)
	if _, err := engine.Prepare(ctx); err != nil {
		t.Fatalf("%s: Prepare() error = %v", name, err)
	}

	svc := pos.NewService(st)
	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("%s: Refresh() error = %v", name, err)
	}
	svc.Subscribe(bus)

	return &device{name: name, store: st, engine: engine, svc: svc, bus: bus}
}

// sync runs one cycle and fails the test on a cycle-level error.
func (d *device) sync(t *testing.T) *possync.Result {
	t.Helper()
	res, err := d.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("%s: Sync() error = %v", d.name, err)
	}
	return res
}

// unsynced returns the total dirty row count.
func (d *device) unsynced(t *testing.T) int {
	t.Helper()
	n, err := d.engine.RefreshCounts(context.Background())
	if err != nil {
		t.Fatalf("%s: RefreshCounts() error = %v", d.name, err)
	}
	return n
}

// row returns the raw local row, deleted or not.
func (d *device) row(t *testing.T, table store.Table, id string) (*types.Record, bool) {
	t.Helper()
	rec, err := d.store.Get(context.Background(), table, id)
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (d *device) product(t *testing.T, id string) (types.Product, bool) {
	t.Helper()
	for _, p := range d.svc.Snapshot().Products {
		if p.ID == id {
			return p, true
		}
	}
	return types.Product{}, false
}

func (d *device) createProduct(t *testing.T, name string, stock float64) *types.Product {
	t.Helper()
	p, err := d.svc.CreateProduct(context.Background(), types.Product{Name: name, Stock: stock})
	if err != nil {
		t.Fatalf("%s: CreateProduct(%q) error = %v", d.name, name, err)
	}
	return p
}

func (d *device) renameProduct(t *testing.T, id, name string) {
	t.Helper()
	p, ok := d.product(t, id)
	if !ok {
		t.Fatalf("%s: product %s not in projection", d.name, id)
	}
	p.Name = name
	if _, err := d.svc.UpdateProduct(context.Background(), p); err != nil {
		t.Fatalf("%s: UpdateProduct(%s) error = %v", d.name, id, err)
	}
}
