package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *fakeRemote, *testClock) {
	t.Helper()
	s, clock := newTestStore(t)
	rem := newFakeRemote()
	e := NewEngine(s, rem, nil)
	e.SetClock(clock.Now)
	if _, err := e.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	return e, s, rem, clock
}

func TestSync_HealthGated(t *testing.T) {
	e, s, rem, _ := newTestEngine(t)
	rem.online = false

	pid := id.MustGenerate()
	mustPut(t, s, store.Products, pid, `{"name":"Tea"}`)

	_, err := e.Sync(context.Background())

	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("Sync() error = %v, want ErrServerUnreachable", err)
	}
	if calls := rem.dataCalls(); len(calls) != 0 {
		t.Errorf("made %d push/pull calls while offline: %v", len(calls), calls)
	}
	st := e.Status()
	if st.IsSyncing || st.IsServerOnline {
		t.Errorf("status = %+v, want not syncing and offline", st)
	}
	if mustGet(t, s, store.Products, pid).Synced {
		t.Error("product must stay dirty")
	}
}

func TestSync_NotConfigured(t *testing.T) {
	e, _, rem, _ := newTestEngine(t)
	rem.configured = false

	if _, err := e.Sync(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Sync() error = %v, want ErrNotConfigured", err)
	}
	if len(rem.calls) != 0 {
		t.Errorf("unconfigured engine made calls: %v", rem.calls)
	}
	if e.CheckHealth(context.Background()) {
		t.Error("unconfigured backend must report offline")
	}
}

func TestSync_MigrationPending(t *testing.T) {
	s, _ := newTestStore(t)
	rem := newFakeRemote()
	e := NewEngine(s, rem, nil)

	if _, err := e.Sync(context.Background()); !errors.Is(err, ErrMigrationPending) {
		t.Errorf("Sync() before Prepare error = %v, want ErrMigrationPending", err)
	}
	if len(rem.calls) != 0 {
		t.Errorf("made calls before migration: %v", rem.calls)
	}
}

func TestSync_InProgressGuard(t *testing.T) {
	e, _, rem, _ := newTestEngine(t)
	e.syncing.Store(true)

	if _, err := e.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Sync() error = %v, want ErrSyncInProgress", err)
	}
	if len(rem.calls) != 0 {
		t.Errorf("guarded sync made calls: %v", rem.calls)
	}
}

// openSecondHandle opens another store on s's database file, the way a
// second process would.
func openSecondHandle(t *testing.T, s *store.SQLiteStore, clock *testClock) *store.SQLiteStore {
	t.Helper()
	other, err := store.NewSQLiteStore(s.Path())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { other.Close() })
	other.SetClock(clock.Now)
	return other
}

func TestSync_LeaseExcludesEngineOnSameDatabase(t *testing.T) {
	a, s, rem, clock := newTestEngine(t)

	// Given: a second engine over its own handle to the same file
	other := openSecondHandle(t, s, clock)
	remB := newFakeRemote()
	b := NewEngine(other, remB, nil)
	b.SetClock(clock.Now)
	if _, err := b.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	pid := id.MustGenerate()
	mustPut(t, s, store.Products, pid, `{"name":"Tea"}`)

	// When: b tries to sync while a is mid-push
	var errDuring error
	tried := false
	rem.onCreate = func(collection, recordID string) {
		if tried {
			return
		}
		tried = true
		_, errDuring = b.Sync(context.Background())
	}
	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatalf("a.Sync() error = %v", err)
	}

	// Then: b was refused without touching its remote
	if !tried {
		t.Fatal("push hook never ran")
	}
	if !errors.Is(errDuring, ErrSyncInProgress) {
		t.Errorf("b.Sync() during a's cycle = %v, want ErrSyncInProgress", errDuring)
	}
	if len(remB.calls) != 0 {
		t.Errorf("refused engine made calls: %v", remB.calls)
	}
	if b.Status().IsSyncing {
		t.Error("refused engine reports syncing")
	}

	// And: once a finishes, b can sync
	if _, err := b.Sync(context.Background()); err != nil {
		t.Errorf("b.Sync() after a finished = %v", err)
	}
}

func TestSync_StopsWhenLeaseTakenOver(t *testing.T) {
	e, s, rem, clock := newTestEngine(t)
	other := openSecondHandle(t, s, clock)
	mustPut(t, s, store.Products, id.MustGenerate(), `{"name":"Tea"}`)

	// Given: the cycle stalls past the lease ttl and another process
	// claims the expired lease
	rem.onCreate = func(collection, recordID string) {
		clock.Advance(LeaseTTL)
		if ok, err := other.AcquireLease(context.Background(), "other-process", LeaseTTL); err != nil || !ok {
			t.Errorf("takeover AcquireLease() = %v, %v", ok, err)
		}
	}

	// When: the cycle moves to the next collection
	_, err := e.Sync(context.Background())

	// Then: it stops instead of syncing alongside the new holder
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("Sync() error = %v, want ErrSyncInProgress", err)
	}
	if e.Status().IsSyncing {
		t.Error("engine still reports syncing")
	}

	// And: the new holder keeps the lease
	if ok, _ := s.AcquireLease(context.Background(), "third", LeaseTTL); ok {
		t.Error("lease released out from under its new holder")
	}
}

func TestPrepare_WaitsForLease(t *testing.T) {
	s, clock := newTestStore(t)
	other := openSecondHandle(t, s, clock)
	e := NewEngine(s, newFakeRemote(), nil)
	e.SetClock(clock.Now)

	// Given: another process is syncing the same database
	if ok, err := other.AcquireLease(context.Background(), "daemon", LeaseTTL); err != nil || !ok {
		t.Fatalf("AcquireLease() = %v, %v", ok, err)
	}

	// Then: the migration pass does not run and Sync stays gated
	if _, err := e.Prepare(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("Prepare() error = %v, want ErrSyncInProgress", err)
	}
	if _, err := e.Sync(context.Background()); !errors.Is(err, ErrMigrationPending) {
		t.Errorf("Sync() error = %v, want ErrMigrationPending", err)
	}

	// When: the lease is released, Prepare succeeds and frees it again
	if err := other.ReleaseLease(context.Background(), "daemon"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if ok, _ := other.AcquireLease(context.Background(), "daemon", LeaseTTL); !ok {
		t.Error("Prepare kept the lease")
	}
}

func TestSync_CollectionOrder(t *testing.T) {
	e, s, rem, _ := newTestEngine(t)

	// Given: one dirty row per table, written children first
	for i := len(Collections) - 1; i >= 0; i-- {
		mustPut(t, s, Collections[i].Table, id.MustGenerate(), `{}`)
	}

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Then: creates follow the dependency order
	var order []string
	for _, c := range rem.dataCalls() {
		if len(c) > 7 && c[:7] == "create " {
			coll := c[7:]
			for i := range coll {
				if coll[i] == '/' {
					coll = coll[:i]
					break
				}
			}
			order = append(order, coll)
		}
	}
	if len(order) != len(Collections) {
		t.Fatalf("creates = %v, want one per collection", order)
	}
	for i, c := range Collections {
		if order[i] != c.Remote {
			t.Errorf("create %d = %s, want %s", i, order[i], c.Remote)
		}
	}
}

func TestSync_UsersMapToProfiles(t *testing.T) {
	e, s, rem, _ := newTestEngine(t)

	uid := id.MustGenerate()
	mustPut(t, s, store.Users, uid, `{"username":"cashier"}`)

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := rem.get("profiles", uid); !ok {
		t.Error("user not pushed to the profiles collection")
	}
}

func TestSync_UnsyncedCount(t *testing.T) {
	e, s, rem, _ := newTestEngine(t)
	ctx := context.Background()

	// Given: rows known remotely, then N creates and M soft-deletes offline
	synced := []string{id.MustGenerate(), id.MustGenerate()}
	for _, sid := range synced {
		mustPut(t, s, store.Customers, sid, `{"name":"c"}`)
	}
	if _, err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	rem.online = false

	const n = 3
	for i := 0; i < n; i++ {
		mustPut(t, s, store.Orders, id.MustGenerate(), `{"total":1}`)
	}
	for _, sid := range synced {
		if err := s.SoftDelete(ctx, store.Customers, sid); err != nil {
			t.Fatal(err)
		}
	}

	e.Sync(ctx)
	total, err := e.RefreshCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if want := n + len(synced); total != want {
		t.Errorf("unsynced total = %d, want %d", total, want)
	}
	st := e.Status()
	if st.Total != total || st.Unsynced[store.Orders] != n || st.Unsynced[store.Customers] != len(synced) {
		t.Errorf("status = %+v", st)
	}
}

func TestSync_PersistsLastSyncAsCycleStart(t *testing.T) {
	e, s, _, clock := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.LastSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(clock.Now()) || !got.Equal(res.StartedAt) {
		t.Errorf("last sync = %v, want %v", got, res.StartedAt)
	}
	if !e.Status().LastSync.Equal(got) {
		t.Errorf("status last sync = %v, want %v", e.Status().LastSync, got)
	}
}

func TestSync_PullUsesLastSync(t *testing.T) {
	e, _, rem, clock := newTestEngine(t)
	ctx := context.Background()

	// Given: a record updated before the previous cycle and one after
	oldID, newID := id.MustGenerate(), id.MustGenerate()
	rem.put("products", oldID, `{"name":"old"}`, baseTime.Add(-time.Hour))
	if _, err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	rem.put("products", newID, `{"name":"new"}`, clock.Now())

	res, err := e.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range res.Collections {
		if c.Collection == "products" && (c.Pulled != 1 || c.Skipped != 0) {
			t.Errorf("products result = %+v, want only the new record", c)
		}
	}
}

func TestSync_Events(t *testing.T) {
	e, _, rem, _ := newTestEngine(t)
	var got []EventType
	e.Bus().Subscribe(func(evt Event) { got = append(got, evt.Type) })

	rem.online = false
	e.Sync(context.Background())
	rem.online = true
	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// The first offline probe does not flip the initial offline state.
	want := []EventType{EventServerStatusChanged, EventSyncStarted, EventSyncCompleted}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Error("finished before started")
	}
}

func TestSync_ClearsSyncingOnCancel(t *testing.T) {
	e, s, _, _ := newTestEngine(t)
	mustPut(t, s, store.Products, id.MustGenerate(), `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	e.Bus().Subscribe(func(Event) { cancel() }, EventSyncStarted)

	if _, err := e.Sync(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Sync() error = %v, want context.Canceled", err)
	}
	if e.Status().IsSyncing {
		t.Error("isSyncing must be cleared after an aborted cycle")
	}
}

// Create P1 offline, sync online, edit locally, then a stale remote write
// must not overwrite the local edit.
func TestSync_OfflineFirstScenario(t *testing.T) {
	e, s, rem, clock := newTestEngine(t)
	ctx := context.Background()

	p1 := id.MustGenerate()
	mustPut(t, s, store.Products, p1, `{"name":"P1","stock":10}`)

	// Offline: nothing happens
	rem.online = false
	if _, err := e.Sync(ctx); !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("offline sync error = %v", err)
	}
	if len(rem.dataCalls()) != 0 || mustGet(t, s, store.Products, p1).Synced {
		t.Fatal("offline sync must not touch anything")
	}

	// Online: probe 404, create with the same id, mark synced
	rem.online = true
	if _, err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if rem.count("exists products/"+p1) != 1 || rem.count("create products/"+p1) != 1 {
		t.Errorf("calls = %v, want probe then create", rem.dataCalls())
	}
	if !mustGet(t, s, store.Products, p1).Synced {
		t.Fatal("P1 should be synced")
	}

	// Local edit at t2
	t2 := clock.Advance(10 * time.Second)
	mustPut(t, s, store.Products, p1, `{"name":"P1","stock":7}`)

	// Remote write at t1 < t2, and the next push lands before t2 too
	t1 := t2.Add(-5 * time.Second)
	rem.put("products", p1, `{"name":"P1","stock":99}`, t1)
	rem.now = func() time.Time { return t1.Add(time.Second) }

	if _, err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, s, store.Products, p1)
	if fieldsOf(t, rec.Data)["stock"] != float64(7) {
		t.Errorf("local stock = %v, want 7", fieldsOf(t, rec.Data)["stock"])
	}
	if rec.UpdatedAt != t2.UnixMilli() || !rec.Synced {
		t.Errorf("row = %+v, want updatedAt t2 and synced", rec)
	}
}
