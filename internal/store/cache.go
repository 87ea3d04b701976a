package store

import (
	"encoding/json"
	"time"
)

// CacheEntry is a general-purpose cached response keyed by a request
// fingerprint. Entries never expire; they live until the cache collection is
// cleared.
type CacheEntry struct {
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
}

// RecordKey implements Record.
func (e *CacheEntry) RecordKey() string { return e.Key }
