package store

import (
	"context"
	"fmt"
)

// Stats is a point-in-time snapshot of storage usage. It is derived, never
// persisted.
type Stats struct {
	Usage      int64 `json:"usage"`
	Quota      int64 `json:"quota"`
	Available  int64 `json:"available"`
	Reports    int   `json:"reports"`
	Media      int   `json:"media"`
	Cache      int   `json:"cache"`
	Tombstones int   `json:"tombstones"`
}

// Stats recomputes the storage snapshot. Usage counts pages in use; pages
// SQLite keeps on its freelist after a delete are reusable and not counted.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var pageCount, freePages, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: fmt.Errorf("reading page_count: %w", err)}
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freePages); err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: fmt.Errorf("reading freelist_count: %w", err)}
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: fmt.Errorf("reading page_size: %w", err)}
	}

	st := Stats{Usage: (pageCount - freePages) * pageSize, Quota: s.quota}
	if s.quota > 0 && s.quota > st.Usage {
		st.Available = s.quota - st.Usage
	}

	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM records GROUP BY collection`)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return Stats{}, &StorageError{Op: "stats", Err: err}
		}
		switch Collection(name) {
		case Reports:
			st.Reports = n
		case Media:
			st.Media = n
		case Cache:
			st.Cache = n
		case Tombstones:
			st.Tombstones = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	return st, nil
}

// LastStats returns the snapshot taken after the most recent mutation.
func (s *Store) LastStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// refreshStats runs after every mutation so LastStats is current as soon as
// the write returns. A failed refresh keeps the previous snapshot; the write
// itself already succeeded.
func (s *Store) refreshStats(ctx context.Context) {
	st, err := s.Stats(ctx)
	if err != nil {
		s.log.Warn("refreshing storage stats", "error", err)
		return
	}
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}
