package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tongki078/nasvideo/internal/logger"
)

// GroupedSeries is one card in the client UI: the enriched fields of a
// representative series plus all folders that collapsed into it. Episodes
// stay empty on cached entries; Detail loads them into a copy.
type GroupedSeries struct {
	*Series
	Key         string     `json:"key"`
	MemberPaths []string   `json:"memberPaths"`
	Episodes    []*Episode `json:"episodes,omitempty"`
}

// Section is one titled shelf of cards.
type Section struct {
	Title string           `json:"title"`
	Items []*GroupedSeries `json:"items"`
}

const (
	todaysPicksSize     = 40
	recentlyReleasedCap = 100
	genreSectionSize    = 60
	genreSectionMin     = 5
	entireListCap       = 800
	homeSampleSize      = 100
	homeAiringCap       = 100
)

// Projection is the in-memory category → ordered GroupedSeries mapping,
// rebuilt from the store. It is a pure function of the store plus the
// random seed; it may lag a write by one rebuild, never diverge.
type Projection struct {
	store *Store
	log   *logger.Logger

	mu       sync.RWMutex
	groups   map[string][]*GroupedSeries
	sections map[string][]*Section
	rng      *rand.Rand
	seed     int64
	seeded   bool
	builtAt  time.Time
}

// NewProjection creates an empty projection over the store.
func NewProjection(store *Store, log *logger.Logger) *Projection {
	return &Projection{
		store:    store,
		log:      log.WithComponent("projection"),
		groups:   make(map[string][]*GroupedSeries),
		sections: make(map[string][]*Section),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSeed fixes the shuffle seed. Each rebuild restarts the sequence so the
// same store state always projects the same sections.
func (p *Projection) SetSeed(seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seed = seed
	p.seeded = true
	p.rng = rand.New(rand.NewSource(seed))
}

// Rebuild reloads every series from the store and regroups per category.
// The section cache is invalidated.
func (p *Projection) Rebuild(ctx context.Context) error {
	all, err := p.store.AllSeries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load series: %w", err)
	}

	groups := make(map[string][]*GroupedSeries)
	index := make(map[string]*GroupedSeries)
	for _, s := range all {
		// Groups are scoped per category; only the home view
		// de-duplicates across categories.
		key := s.Category + "|" + s.GroupKey()
		g, ok := index[key]
		if !ok {
			g = &GroupedSeries{Series: s, Key: s.GroupKey()}
			index[key] = g
			groups[s.Category] = append(groups[s.Category], g)
		}
		g.MemberPaths = append(g.MemberPaths, s.Path)
		// Prefer a resolved member as the card face.
		if !g.Series.Resolved() && s.Resolved() {
			g.Series = s
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = groups
	p.sections = make(map[string][]*Section)
	if p.seeded {
		p.rng = rand.New(rand.NewSource(p.seed))
	}
	p.builtAt = time.Now()

	total := 0
	for _, g := range groups {
		total += len(g)
	}
	p.log.Debug().Int("series", len(all)).Int("groups", total).Msg("projection rebuilt")
	return nil
}

// BuiltAt returns the time of the last rebuild (zero before the first).
func (p *Projection) BuiltAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.builtAt
}

// Category returns the ordered grouped list of a category.
func (p *Projection) Category(category string) []*GroupedSeries {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.groups[category]
}

// Detail returns a copy of the group with the episodes of every member
// folder loaded. The cached entry is shared by concurrent readers and is
// never mutated.
func (p *Projection) Detail(ctx context.Context, g *GroupedSeries) (*GroupedSeries, error) {
	byPath, err := p.store.EpisodesBySeries(ctx, g.MemberPaths)
	if err != nil {
		return nil, err
	}
	var eps []*Episode
	for _, path := range g.MemberPaths {
		eps = append(eps, byPath[path]...)
	}
	return &GroupedSeries{
		Series:      g.Series,
		Key:         g.Key,
		MemberPaths: g.MemberPaths,
		Episodes:    eps,
	}, nil
}

// Sections composes the shelves of a category, optionally filtered by a
// subfolder keyword. Results are cached per (category, keyword) until the
// next rebuild.
func (p *Projection) Sections(category, keyword string) []*Section {
	cacheKey := category + "|" + keyword

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.sections[cacheKey]; ok {
		return cached
	}

	items := p.groups[category]
	if keyword != "" {
		filtered := make([]*GroupedSeries, 0, len(items))
		for _, g := range items {
			if groupMatchesKeyword(g, keyword) {
				filtered = append(filtered, g)
			}
		}
		items = filtered
	}

	var sections []*Section

	if picks := sampleGroups(p.rng, items, todaysPicksSize); len(picks) > 0 {
		sections = append(sections, &Section{Title: "Today's picks", Items: picks})
	}

	if recent := recentlyReleased(items, recentlyReleasedCap); len(recent) > 0 {
		sections = append(sections, &Section{Title: "Recently released", Items: recent})
	}

	for _, genre := range topGenres(items, 3) {
		members := withGenre(items, genre)
		if len(members) < genreSectionMin {
			continue
		}
		sections = append(sections, &Section{
			Title: genre,
			Items: sampleGroups(p.rng, members, genreSectionSize),
		})
	}

	if len(items) > 0 {
		head := items
		if len(head) > entireListCap {
			head = head[:entireListCap]
		}
		sections = append(sections, &Section{Title: "Entire list", Items: head})
	}

	p.sections[cacheKey] = sections
	return sections
}

// Home composes the landing shelves: a random sample of movies and domestic
// TV de-duplicated by grouping key, then currently-airing shows not already
// sampled.
func (p *Projection) Home() []*Section {
	const cacheKey = "|home"

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.sections[cacheKey]; ok {
		return cached
	}

	seen := make(map[string]struct{})
	var pool []*GroupedSeries
	for _, category := range []string{"movies", "domestic-tv"} {
		for _, g := range p.groups[category] {
			if _, dup := seen[g.Key]; dup {
				continue
			}
			seen[g.Key] = struct{}{}
			pool = append(pool, g)
		}
	}

	var sections []*Section
	hottest := sampleGroups(p.rng, pool, homeSampleSize)
	if len(hottest) > 0 {
		sections = append(sections, &Section{Title: "Hottest right now", Items: hottest})
	}

	sampled := make(map[string]struct{}, len(hottest))
	for _, g := range hottest {
		sampled[g.Key] = struct{}{}
	}
	var airing []*GroupedSeries
	for _, g := range p.groups["airing"] {
		if _, dup := sampled[g.Key]; dup {
			continue
		}
		airing = append(airing, g)
		if len(airing) >= homeAiringCap {
			break
		}
	}
	if len(airing) > 0 {
		sections = append(sections, &Section{Title: "Live airing", Items: airing})
	}

	p.sections[cacheKey] = sections
	return sections
}

func groupMatchesKeyword(g *GroupedSeries, keyword string) bool {
	for _, path := range g.MemberPaths {
		if strings.Contains(path, "/"+keyword+"/") || strings.Contains(path, "/"+keyword) {
			return true
		}
	}
	return false
}

// sampleGroups returns up to n items in random order without mutating src.
func sampleGroups(rng *rand.Rand, src []*GroupedSeries, n int) []*GroupedSeries {
	if len(src) == 0 {
		return nil
	}
	shuffled := make([]*GroupedSeries, len(src))
	copy(shuffled, src)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if len(shuffled) > n {
		shuffled = shuffled[:n]
	}
	return shuffled
}

func recentlyReleased(items []*GroupedSeries, limit int) []*GroupedSeries {
	cutoff := time.Now().Year() - 1
	var out []*GroupedSeries
	for _, g := range items {
		if g.Year != nil && *g.Year >= cutoff {
			out = append(out, g)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// topGenres returns the n most populous genre names, most frequent first.
// Ties break alphabetically so the output is stable.
func topGenres(items []*GroupedSeries, n int) []string {
	counts := make(map[string]int)
	for _, g := range items {
		for _, name := range g.GenreNames {
			counts[name]++
		}
	}
	genres := make([]string, 0, len(counts))
	for name := range counts {
		genres = append(genres, name)
	}
	sort.Slice(genres, func(i, j int) bool {
		if counts[genres[i]] != counts[genres[j]] {
			return counts[genres[i]] > counts[genres[j]]
		}
		return genres[i] < genres[j]
	})
	if len(genres) > n {
		genres = genres[:n]
	}
	return genres
}

func withGenre(items []*GroupedSeries, genre string) []*GroupedSeries {
	var out []*GroupedSeries
	for _, g := range items {
		for _, name := range g.GenreNames {
			if name == genre {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
