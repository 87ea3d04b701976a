// Package geocode memoizes geocoding lookups made through the gateway.
//
// Every lookup is keyed by a canonical fingerprint of its arguments. Results
// are held in memory for the life of the process and written through to the
// store's cache collection, so they survive restarts and serve as an offline
// fallback. Concurrent lookups for the same key share one network call.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ecotrack/ecotrack/internal/store"
)

const (
	otelScope     = "ecotrack/geocode"
	metricLookups = "ecotrack.geocode.lookups"

	pathReverse     = "/api/geocoding/reverse"
	pathForward     = "/api/geocoding/forward"
	pathSuggestions = "/api/geocoding/suggestions"
	pathDetails     = "/api/geocoding/details"

	// DefaultSuggestRate is the number of suggestion requests per second
	// allowed to reach the backend.
	DefaultSuggestRate = 5.0
)

// ErrEmptyQuery is returned for a forward lookup or details request with no
// usable input.
var ErrEmptyQuery = errors.New("geocode: empty query")

// Place is a resolved location.
type Place struct {
	PlaceID string  `json:"place_id,omitempty"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Suggestion is an autocomplete candidate.
type Suggestion struct {
	PlaceID     string `json:"place_id"`
	Description string `json:"description"`
}

// Gateway is the subset of [gateway.Client] used for lookups.
type Gateway interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
}

// CacheStore is the subset of [store.Store] backing the persistent tier.
type CacheStore interface {
	Put(ctx context.Context, c store.Collection, rec store.Record) error
	Get(ctx context.Context, c store.Collection, key string, dst any) (bool, error)
	Clear(ctx context.Context, c store.Collection) error
}

// Options tunes a Cache.
type Options struct {
	// Store is the persistent tier. Nil keeps the cache memory-only.
	Store CacheStore

	// SuggestRate paces Suggest network calls, in requests per second.
	// Zero means DefaultSuggestRate; negative disables pacing.
	SuggestRate float64

	Logger *slog.Logger
}

// Cache resolves geocoding lookups with memoization and request coalescing.
type Cache struct {
	gw      Gateway
	store   CacheStore
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group

	// clearMu excludes ClearCache while a result is being memoized.
	clearMu sync.RWMutex

	mu     sync.RWMutex
	memory map[string]json.RawMessage
	gen    uint64 // bumped by ClearCache

	cntLookups metric.Int64Counter
}

// New creates a Cache that fetches through gw.
func New(gw Gateway, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	burst := 1
	switch {
	case opts.SuggestRate == 0:
		limit = rate.Limit(DefaultSuggestRate)
	case opts.SuggestRate > 0:
		limit = rate.Limit(opts.SuggestRate)
	}

	lookups, err := otel.Meter(otelScope).Int64Counter(metricLookups, metric.WithDescription("Geocoding lookups by cache tier"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricLookups, "error", err)
		lookups = noop.Int64Counter{}
	}

	return &Cache{
		gw:         gw,
		store:      opts.Store,
		limiter:    rate.NewLimiter(limit, burst),
		log:        logger,
		now:        time.Now,
		memory:     make(map[string]json.RawMessage),
		cntLookups: lookups,
	}
}

// --- Keys --------------------------------------------------------------------

// ReverseKey is the cache key for a reverse lookup. Coordinates are rounded
// to six decimals (about 10cm).
func ReverseKey(lat, lng float64) string {
	return fmt.Sprintf("reverse:%.6f,%.6f", lat, lng)
}

// ForwardKey is the cache key for an address lookup.
func ForwardKey(address string) string { return "forward:" + normalize(address) }

// SuggestKey is the cache key for an autocomplete query.
func SuggestKey(query string) string { return "suggest:" + normalize(query) }

// DetailsKey is the cache key for a place details lookup.
func DetailsKey(placeID string) string { return "details:" + strings.TrimSpace(placeID) }

// normalize lowercases s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// --- Lookups -----------------------------------------------------------------

// ReverseGeocode resolves coordinates to an address.
func (c *Cache) ReverseGeocode(ctx context.Context, lat, lng float64) (Place, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Place{}, fmt.Errorf("geocode: coordinates %v,%v out of range", lat, lng)
	}
	q := url.Values{
		"lat": {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lng": {strconv.FormatFloat(lng, 'f', 6, 64)},
	}
	var p Place
	if err := c.lookup(ctx, ReverseKey(lat, lng), pathReverse, q, nil, &p); err != nil {
		return Place{}, fmt.Errorf("reverse geocoding %v,%v: %w", lat, lng, err)
	}
	return p, nil
}

// Geocode resolves a free-form address to candidate places.
func (c *Cache) Geocode(ctx context.Context, address string) ([]Place, error) {
	n := normalize(address)
	if n == "" {
		return nil, ErrEmptyQuery
	}
	var places []Place
	if err := c.lookup(ctx, ForwardKey(address), pathForward, url.Values{"address": {n}}, nil, &places); err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", n, err)
	}
	return places, nil
}

// Suggest returns autocomplete candidates for a partial query. An empty query
// yields no suggestions without touching the network. Network calls are paced
// by the suggest rate limiter; cache hits are not.
func (c *Cache) Suggest(ctx context.Context, query string) ([]Suggestion, error) {
	n := normalize(query)
	if n == "" {
		return nil, nil
	}
	var out []Suggestion
	if err := c.lookup(ctx, SuggestKey(query), pathSuggestions, url.Values{"query": {n}}, c.limiter, &out); err != nil {
		return nil, fmt.Errorf("suggesting %q: %w", n, err)
	}
	return out, nil
}

// PlaceDetails resolves a place id from Suggest or Geocode.
func (c *Cache) PlaceDetails(ctx context.Context, placeID string) (Place, error) {
	id := strings.TrimSpace(placeID)
	if id == "" {
		return Place{}, ErrEmptyQuery
	}
	var p Place
	if err := c.lookup(ctx, DetailsKey(id), pathDetails, url.Values{"placeId": {id}}, nil, &p); err != nil {
		return Place{}, fmt.Errorf("place details %q: %w", id, err)
	}
	return p, nil
}

// ClearCache drops every memoized entry, in memory and on disk.
// Lookups in flight during the clear still return their result but do not
// repopulate either tier.
func (c *Cache) ClearCache(ctx context.Context) error {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	c.mu.Lock()
	c.memory = make(map[string]json.RawMessage)
	c.gen++
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx, store.Cache); err != nil {
		return fmt.Errorf("clearing geocoding cache: %w", err)
	}
	return nil
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.memory)
}

// lookup resolves key through memory, the persistent tier, and finally the
// network, then decodes the raw result into out.
func (c *Cache) lookup(ctx context.Context, key, path string, query url.Values, limiter *rate.Limiter, out any) error {
	raw, err := c.resolve(ctx, key, path, query, limiter)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding cached %q: %w", key, err)
	}
	return nil
}

func (c *Cache) resolve(ctx context.Context, key, path string, query url.Values, limiter *rate.Limiter) (json.RawMessage, error) {
	if raw, ok := c.fromMemory(key); ok {
		c.count(ctx, "memory")
		return raw, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		gen := c.generation()

		// A call that finished while we queued may have filled memory.
		if raw, ok := c.fromMemory(key); ok {
			c.count(ctx, "memory")
			return raw, nil
		}
		if raw, ok := c.fromStore(ctx, key); ok {
			c.count(ctx, "store")
			c.keep(ctx, gen, key, raw, false)
			return raw, nil
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		c.count(ctx, "network")
		var raw json.RawMessage
		if err := c.gw.Get(ctx, path, query, &raw); err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		c.keep(ctx, gen, key, raw, true)
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (c *Cache) fromMemory(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.memory[key]
	return raw, ok
}

func (c *Cache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// keep memoizes raw, and writes it through when write is set, unless the
// cache was cleared after the lookup began.
func (c *Cache) keep(ctx context.Context, gen uint64, key string, raw json.RawMessage, write bool) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.log.Debug("dropping geocoding result fetched before a clear", "key", key)
		return
	}
	c.memory[key] = raw
	c.mu.Unlock()

	if write {
		c.persist(ctx, key, raw)
	}
}

func (c *Cache) fromStore(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.store == nil {
		return nil, false
	}
	var entry store.CacheEntry
	found, err := c.store.Get(ctx, store.Cache, key, &entry)
	if err != nil {
		c.log.Warn("reading geocoding cache", "key", key, "error", err)
		return nil, false
	}
	if !found || len(entry.Data) == 0 {
		return nil, false
	}
	return entry.Data, true
}

// persist writes through to the store. Failure only costs a future network
// call, so it is logged rather than returned.
func (c *Cache) persist(ctx context.Context, key string, raw json.RawMessage) {
	if c.store == nil {
		return
	}
	entry := &store.CacheEntry{Key: key, Data: raw, StoredAt: c.now().UTC()}
	if err := c.store.Put(ctx, store.Cache, entry); err != nil {
		c.log.Warn("persisting geocoding result", "key", key, "error", err)
	}
}

func (c *Cache) count(ctx context.Context, tier string) {
	c.cntLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
