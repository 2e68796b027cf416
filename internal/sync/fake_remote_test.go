package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/hyperengineering/possync/internal/remote"
)

type fakeRecord struct {
	fields  map[string]json.RawMessage
	updated time.Time
}

// fakeRemote is an in-memory collection backend that records every call.
type fakeRemote struct {
	mu         gosync.Mutex
	configured bool
	online     bool
	now        func() time.Time
	records    map[string]map[string]fakeRecord
	calls      []string

	failCreate map[string]bool // record ids whose create is rejected
	failPull   map[string]bool // collections whose pull fails
	onCreate   func(collection, id string)
}

func newFakeRemote() *fakeRemote {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &fakeRemote{
		configured: true,
		online:     true,
		now:        func() time.Time { return base },
		records:    make(map[string]map[string]fakeRecord),
		failCreate: make(map[string]bool),
		failPull:   make(map[string]bool),
	}
}

func (f *fakeRemote) record(call string) {
	f.calls = append(f.calls, call)
}

// dataCalls returns the calls made besides health probes.
func (f *fakeRemote) dataCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c != "health" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) count(prefix string) int {
	n := 0
	for _, c := range f.dataCalls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeRemote) get(collection, id string) (fakeRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[collection][id]
	return rec, ok
}

// put stores a record as if written by another device.
func (f *fakeRemote) put(collection, id string, fields string, updated time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(fields), &m); err != nil {
		panic(err)
	}
	if f.records[collection] == nil {
		f.records[collection] = make(map[string]fakeRecord)
	}
	f.records[collection][id] = fakeRecord{fields: m, updated: updated}
}

func (f *fakeRemote) Configured() bool {
	return f.configured
}

func (f *fakeRemote) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("health")
	if !f.online {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeRemote) Exists(ctx context.Context, collection, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists " + collection + "/" + id)
	_, ok := f.records[collection][id]
	return ok, nil
}

func (f *fakeRemote) Create(ctx context.Context, collection, id string, fields json.RawMessage) error {
	f.mu.Lock()
	f.record("create " + collection + "/" + id)
	if f.failCreate[id] {
		f.mu.Unlock()
		return &remote.StatusError{Method: "POST", Path: collection, Status: 400, Body: "rejected"}
	}
	if _, ok := f.records[collection][id]; ok {
		f.mu.Unlock()
		return &remote.StatusError{Method: "POST", Path: collection, Status: 400, Body: "duplicate id"}
	}
	m := map[string]json.RawMessage{}
	json.Unmarshal(fields, &m)
	if f.records[collection] == nil {
		f.records[collection] = make(map[string]fakeRecord)
	}
	f.records[collection][id] = fakeRecord{fields: m, updated: f.now()}
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(collection, id)
	}
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, fields json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update " + collection + "/" + id)
	rec, ok := f.records[collection][id]
	if !ok {
		return &remote.StatusError{Method: "PATCH", Path: collection, Status: 404}
	}
	m := map[string]json.RawMessage{}
	json.Unmarshal(fields, &m)
	for k, v := range m {
		rec.fields[k] = v
	}
	rec.updated = f.now()
	f.records[collection][id] = rec
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete " + collection + "/" + id)
	delete(f.records[collection], id)
	return nil
}

func (f *fakeRemote) UpdatedSince(ctx context.Context, collection string, since time.Time) ([]remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull " + collection)
	if f.failPull[collection] {
		return nil, fmt.Errorf("decode %s: unexpected end of JSON input", collection)
	}

	// The real filter has second precision.
	floor := since.UTC().Truncate(time.Second)
	var items []remote.Item
	for id, rec := range f.records[collection] {
		if !rec.updated.After(floor) {
			continue
		}
		fields := make(map[string]json.RawMessage, len(rec.fields))
		for k, v := range rec.fields {
			if k != "updatedAt" && k != "id" {
				fields[k] = v
			}
		}
		raw, _ := json.Marshal(fields)
		items = append(items, remote.Item{ID: id, Updated: rec.updated, Fields: raw})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}
