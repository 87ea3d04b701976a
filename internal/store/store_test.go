package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type testRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *testRecord) RecordKey() string { return r.ID }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesCollections(t *testing.T) {
	s := openTestStore(t)
	for _, c := range DefaultCollections {
		if _, err := s.GetAll(context.Background(), c); err != nil {
			t.Errorf("GetAll(%s) after open: %v", c, err)
		}
	}
}

func TestOpen_IdempotentKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ecotrack.db")

	s1, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Put(ctx, Reports, &testRecord{ID: "r-1", Name: "kept"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// A repeated Init on a live store must not wipe anything either.
	if err := s1.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()

	var got testRecord
	found, err := s2.Get(ctx, Reports, "r-1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got.Name != "kept" {
		t.Errorf("record lost across re-open: found=%v got=%+v", found, got)
	}
}

func TestPutGet_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, Reports, &testRecord{ID: "r-1", Name: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, Reports, &testRecord{ID: "r-1", Name: "second"}); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	var got testRecord
	found, err := s.Get(ctx, Reports, "r-1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get returned not found, want record")
	}
	if got.Name != "second" {
		t.Errorf("Name = %q, want %q", got.Name, "second")
	}

	all, err := All[testRecord](ctx, s, Reports)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 record after upsert, got %d", len(all))
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	var got testRecord
	found, err := s.Get(context.Background(), Reports, "missing", &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, Reports, &testRecord{ID: "same"}); err != nil {
		t.Fatalf("Put reports: %v", err)
	}
	if err := s.Put(ctx, Media, &testRecord{ID: "same"}); err != nil {
		t.Fatalf("Put media: %v", err)
	}
	if err := s.Clear(ctx, Media); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	var got testRecord
	found, err := s.Get(ctx, Reports, "same", &got)
	if err != nil || !found {
		t.Fatalf("clearing media removed a report: found=%v err=%v", found, err)
	}
}

func TestUnknownCollection(t *testing.T) {
	s := openTestStore(t)
	err := s.Put(context.Background(), Collection("bogus"), &testRecord{ID: "x"})

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
	if !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("expected ErrUnknownCollection in chain, got %v", err)
	}
}

func TestDelete_MissingIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete(context.Background(), Reports, "never-existed"); err != nil {
		t.Fatalf("Delete missing key: %v", err)
	}
}

func TestStats_RefreshedAfterMutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.Put(ctx, Reports, &testRecord{ID: id}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if err := s.Put(ctx, Media, &testRecord{ID: "m"}); err != nil {
		t.Fatalf("Put media: %v", err)
	}

	st := s.LastStats()
	if st.Reports != 2 || st.Media != 1 {
		t.Errorf("LastStats = %+v, want 2 reports, 1 media", st)
	}
	if st.Usage <= 0 {
		t.Errorf("Usage = %d, want > 0", st.Usage)
	}

	if err := s.Delete(ctx, Reports, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.LastStats().Reports; got != 1 {
		t.Errorf("Reports after delete = %d, want 1", got)
	}

	if err := s.Clear(ctx, Reports); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.LastStats().Reports; got != 0 {
		t.Errorf("Reports after clear = %d, want 0", got)
	}
}

func TestStats_QuotaAndAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	s, err := Open(path, Options{Quota: 10 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Quota != 10<<20 {
		t.Errorf("Quota = %d", st.Quota)
	}
	if st.Available != st.Quota-st.Usage {
		t.Errorf("Available = %d, want %d", st.Available, st.Quota-st.Usage)
	}
}

func TestPut_QuotaExceeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.db")
	// Smaller than the freshly created schema, so any write overflows.
	s, err := Open(path, Options{Quota: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	err = s.Put(context.Background(), Reports, &testRecord{ID: "r-1"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestPut_QuotaFreedByClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quota.db")
	fresh, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := fresh.LastStats().Usage
	_ = fresh.Close()

	s, err := Open(path, Options{Quota: base + 256<<10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	blob := strings.Repeat("x", 8<<10)
	full := false
	for i := 0; i < 200 && !full; i++ {
		err := s.Put(ctx, Cache, &CacheEntry{Key: fmt.Sprintf("k-%d", i), Data: []byte(`"` + blob + `"`)})
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			full = true
		case err != nil:
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if !full {
		t.Fatal("quota never reached")
	}
	usedWhenFull := s.LastStats().Usage

	if err := s.Clear(ctx, Cache); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.LastStats().Usage; got >= usedWhenFull {
		t.Errorf("usage after Clear = %d, want below %d", got, usedWhenFull)
	}
	if err := s.Put(ctx, Reports, &testRecord{ID: "r-1", Name: blob}); err != nil {
		t.Fatalf("Put after Clear: %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:", Options{})
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.Put(ctx, Cache, &CacheEntry{Key: "k", Data: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var got CacheEntry
	if found, err := s.Get(ctx, Cache, "k", &got); err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(got.Data) != `{"a":1}` {
		t.Errorf("Data = %s", got.Data)
	}
}

// --- failure injection -------------------------------------------------------

func newMockedStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := newStore(db, Options{})
	for _, c := range DefaultCollections {
		s.known[c] = true
	}
	return s, mock
}

func TestPut_WriteFailureSurfaces(t *testing.T) {
	s, mock := newMockedStore(t)
	diskErr := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO records").WillReturnError(diskErr)

	err := s.Put(context.Background(), Reports, &testRecord{ID: "r-1"})

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
	if se.Op != "put" || se.Key != "r-1" {
		t.Errorf("StorageError = %+v", se)
	}
	if !errors.Is(err, diskErr) {
		t.Errorf("underlying error not in chain: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPut_StatsRefreshFailureKeepsWrite(t *testing.T) {
	s, mock := newMockedStore(t)
	mock.ExpectExec("INSERT INTO records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("PRAGMA page_count").WillReturnError(errors.New("busy"))

	if err := s.Put(context.Background(), Reports, &testRecord{ID: "r-1"}); err != nil {
		t.Fatalf("Put should succeed when only the stats refresh fails: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetAll_ReadFailureSurfaces(t *testing.T) {
	s, mock := newMockedStore(t)
	mock.ExpectQuery("SELECT value FROM records").WillReturnError(errors.New("corrupt"))

	_, err := All[testRecord](context.Background(), s, Reports)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
}
