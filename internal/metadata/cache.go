// Package metadata resolves cleaned titles against the external movie/TV
// database and memoizes the results.
package metadata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/metadata/tmdb"
	"github.com/tongki078/nasvideo/internal/pathutil"
)

// Record statuses and failure reasons.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"

	ReasonForbidden = "forbidden"
	ReasonMiss      = "miss"
	ReasonTransport = "transport"
)

// EpisodeRecord is the per-episode slice of a TV resolution, keyed by
// "<season>_<episode>".
type EpisodeRecord struct {
	Overview  string `json:"overview,omitempty"`
	AirDate   string `json:"airDate,omitempty"`
	StillPath string `json:"stillPath,omitempty"`
}

// Record is one memoized resolution: either a full enriched record or a
// typed failure marker. Failures are cached too (negative caching).
type Record struct {
	Status      string                   `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
	Kind        tmdb.Kind                `json:"kind,omitempty"`
	TmdbID      int                      `json:"tmdbId,omitempty"`
	Title       string                   `json:"title,omitempty"`
	PosterPath  string                   `json:"posterPath,omitempty"`
	Year        int                      `json:"year,omitempty"`
	Overview    string                   `json:"overview,omitempty"`
	Rating      float64                  `json:"rating,omitempty"`
	SeasonCount int                      `json:"seasonCount,omitempty"`
	GenreIDs    []int                    `json:"genreIds,omitempty"`
	GenreNames  []string                 `json:"genreNames,omitempty"`
	Director    string                   `json:"director,omitempty"`
	Actors      []catalog.Actor          `json:"actors,omitempty"`
	Episodes    map[string]EpisodeRecord `json:"episodes,omitempty"`
}

// Failed reports whether the record is a failure marker.
func (r *Record) Failed() bool {
	return r.Status != StatusOK
}

// EpisodeKey builds the season/episode lookup key.
func EpisodeKey(season, episode int) string {
	return strconv.Itoa(season) + "_" + strconv.Itoa(episode)
}

// CacheKey hashes the lookup key. Category participates so the same title
// resolves differently as movie vs TV when the folder implies a kind.
func CacheKey(cleaned string, year int, category string) string {
	key := pathutil.NFC(cleaned + "_" + strconv.Itoa(year) + "_" + category)
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Cache is the two-tier memoization: an unbounded in-process map over the
// persistent resolver-cache table.
type Cache struct {
	store *catalog.Store

	mu  sync.RWMutex
	mem map[string]*Record
}

// NewCache creates a cache over the catalog store.
func NewCache(store *catalog.Store) *Cache {
	return &Cache{
		store: store,
		mem:   make(map[string]*Record),
	}
}

// Lookup returns the memoized record for a key hash, if any. With
// ignoreCache both tiers are bypassed.
func (c *Cache) Lookup(ctx context.Context, h string, ignoreCache bool) (*Record, bool, error) {
	if ignoreCache {
		return nil, false, nil
	}

	c.mu.RLock()
	rec, ok := c.mem[h]
	c.mu.RUnlock()
	if ok {
		return rec, true, nil
	}

	data, ok, err := c.store.CacheGet(ctx, h)
	if err != nil || !ok {
		return nil, false, err
	}

	rec = &Record{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached record: %w", err)
	}

	c.mu.Lock()
	c.mem[h] = rec
	c.mu.Unlock()
	return rec, true, nil
}

// Store persists a record in both tiers.
func (c *Cache) Store(ctx context.Context, h string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := c.store.CachePut(ctx, h, string(data)); err != nil {
		return err
	}
	c.mu.Lock()
	c.mem[h] = rec
	c.mu.Unlock()
	return nil
}

// Invalidate drops a key from both tiers so the next resolve retries.
func (c *Cache) Invalidate(ctx context.Context, h string) error {
	c.mu.Lock()
	delete(c.mem, h)
	c.mu.Unlock()
	return c.store.CacheDelete(ctx, h)
}
