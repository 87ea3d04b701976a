package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecotrack/ecotrack/internal/gateway"
	"github.com/ecotrack/ecotrack/internal/media"
	"github.com/ecotrack/ecotrack/internal/model"
	"github.com/ecotrack/ecotrack/internal/store"
)

// --- Mock Local Store --------------------------------------------------------

type mockStore struct {
	mu   sync.Mutex
	data map[store.Collection]map[string]json.RawMessage

	// putErr, when set, is consulted before every Put.
	putErr    func(c store.Collection, key string) error
	getAllErr error
}

func newMockStore() *mockStore {
	m := &mockStore{data: make(map[store.Collection]map[string]json.RawMessage)}
	for _, c := range store.DefaultCollections {
		m.data[c] = make(map[string]json.RawMessage)
	}
	return m
}

func (m *mockStore) Put(_ context.Context, c store.Collection, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		if err := m.putErr(c, rec.RecordKey()); err != nil {
			return &store.StorageError{Op: "put", Collection: c, Key: rec.RecordKey(), Err: err}
		}
	}
	coll, ok := m.data[c]
	if !ok {
		return &store.StorageError{Op: "put", Collection: c, Err: store.ErrUnknownCollection}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	coll[rec.RecordKey()] = data
	return nil
}

func (m *mockStore) Get(_ context.Context, c store.Collection, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[c][key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}

func (m *mockStore) GetAll(_ context.Context, c store.Collection) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getAllErr != nil {
		return nil, &store.StorageError{Op: "get_all", Collection: c, Err: m.getAllErr}
	}
	out := make([]json.RawMessage, 0, len(m.data[c]))
	for _, v := range m.data[c] {
		out = append(out, v)
	}
	return out, nil
}

func (m *mockStore) Delete(_ context.Context, c store.Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[c], key)
	return nil
}

func (m *mockStore) count(c store.Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[c])
}

func (m *mockStore) has(c store.Collection, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[c][key]
	return ok
}

// report reads a stored report, failing the test if it is absent.
func (m *mockStore) report(t *testing.T, id string) *model.Report {
	t.Helper()
	var r model.Report
	found, err := m.Get(context.Background(), store.Reports, id, &r)
	if err != nil || !found {
		t.Fatalf("stored report %s: found=%v err=%v", id, found, err)
	}
	return &r
}

// --- Mock Remote API ---------------------------------------------------------

type mockRemote struct {
	mu      sync.Mutex
	reports map[string]*model.Report
	calls   []string

	uploadErr func(b *media.Blob) error
	saveErr   func(r *model.Report) error
	deleteErr func(id string) error
	listErr   error
	statsErr  error
	stats     model.Statistics

	// saveGate, when non-nil, blocks SaveReport until closed. saveEntered
	// receives one value per blocked call.
	saveGate    chan struct{}
	saveEntered chan struct{}
}

func newMockRemote(reports ...*model.Report) *mockRemote {
	m := &mockRemote{reports: make(map[string]*model.Report)}
	for _, r := range reports {
		m.reports[r.ID] = r.Clone()
	}
	return m
}

func (m *mockRemote) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockRemote) ListReports(_ context.Context, f model.Filter) ([]*model.Report, error) {
	m.record("list")
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Report
	for _, r := range m.reports {
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *mockRemote) GetReport(_ context.Context, id string) (*model.Report, error) {
	m.record("get:" + id)
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, errNotFound
	}
	return r.Clone(), nil
}

func (m *mockRemote) SaveReport(_ context.Context, r *model.Report) error {
	m.record("save:" + r.ID)
	if m.saveGate != nil {
		m.saveEntered <- struct{}{}
		<-m.saveGate
	}
	if m.saveErr != nil {
		if err := m.saveErr(r); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r.Clone()
	cp.Status = model.StatusSynced
	cp.LastSyncedAt = nil
	m.reports[r.ID] = cp
	return nil
}

func (m *mockRemote) DeleteReport(_ context.Context, id string) error {
	m.record("delete:" + id)
	if m.deleteErr != nil {
		if err := m.deleteErr(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[id]; !ok {
		return errNotFound
	}
	delete(m.reports, id)
	return nil
}

func (m *mockRemote) UploadPhoto(_ context.Context, b *media.Blob) (string, error) {
	m.record("upload:" + b.ID)
	if m.uploadErr != nil {
		if err := m.uploadErr(b); err != nil {
			return "", err
		}
	}
	return "https://cdn.test/" + b.ID + ".jpg", nil
}

func (m *mockRemote) Statistics(context.Context) (model.Statistics, error) {
	m.record("stats")
	if m.statsErr != nil {
		return model.Statistics{}, m.statsErr
	}
	return m.stats, nil
}

func (m *mockRemote) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// countPrefix counts calls starting with prefix.
func (m *mockRemote) countPrefix(prefix string) int {
	n := 0
	for _, c := range m.callLog() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *mockRemote) remoteIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.reports))
	for id := range m.reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var (
	errUnreachable = &gateway.Error{Kind: gateway.KindNetwork, Err: errors.New("connection refused")}
	errServer      = &gateway.Error{Kind: gateway.KindServer, Status: 503}
	errNotFound    = &gateway.Error{Kind: gateway.KindClient, Status: 404}
)

// --- Mock Connectivity -------------------------------------------------------

type mockConn struct{ online atomic.Bool }

func (c *mockConn) Online() bool { return c.online.Load() }

// --- Fake media preparer -----------------------------------------------------

type fakePreparer struct {
	mu  sync.Mutex
	n   int
	loc *model.Location
}

func (p *fakePreparer) Prepare(data []byte, filename string) (*media.Blob, error) {
	if len(data) == 0 {
		return nil, &model.ValidationError{Field: "photos", Reason: "empty"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return &media.Blob{
		ID:          fmt.Sprintf("m%d", p.n),
		Filename:    filename,
		ContentType: "image/jpeg",
		Data:        data,
		Location:    p.loc,
	}, nil
}

// --- Clock and ids -----------------------------------------------------------

// tickClock advances by one second on every read.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func seqIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("r%d", n.Add(1)) }
}

// --- Harness -----------------------------------------------------------------

type harness struct {
	sync   *Synchronizer
	store  *mockStore
	remote *mockRemote
	conn   *mockConn
	prep   *fakePreparer
}

func newHarness(t *testing.T, online bool, remote ...*model.Report) *harness {
	t.Helper()
	h := &harness{
		store:  newMockStore(),
		remote: newMockRemote(remote...),
		conn:   &mockConn{},
		prep:   &fakePreparer{},
	}
	h.conn.online.Store(online)
	clock := &tickClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	h.sync = New(h.store, h.remote, h.conn, h.prep, Options{
		Logger: discardLogger(),
		Now:    clock.Now,
		NewID:  seqIDs(),
	})
	t.Cleanup(h.sync.Close)
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func photo(name string) PhotoInput {
	return PhotoInput{Filename: name, Data: []byte("img:" + name)}
}

func ids(rs []*model.Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
