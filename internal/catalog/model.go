// Package catalog persists the media library and serves its in-memory
// projections. A Series is one logical work (a folder), an Episode is one
// video file inside it.
package catalog

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"time"
)

// Series is one logical work, keyed by its category-prefixed relative path.
type Series struct {
	Path        string    `json:"path"`
	Category    string    `json:"category"`
	Name        string    `json:"name"`
	CleanedName *string   `json:"cleanedName,omitempty"`
	YearVal     *int      `json:"yearVal,omitempty"`
	TmdbID      *string   `json:"tmdbId,omitempty"`
	Failed      bool      `json:"failed"`
	PosterPath  *string   `json:"posterPath,omitempty"`
	Year        *int      `json:"year,omitempty"`
	Overview    *string   `json:"overview,omitempty"`
	Rating      *float64  `json:"rating,omitempty"`
	SeasonCount *int      `json:"seasonCount,omitempty"`
	GenreIDs    []int     `json:"genreIds,omitempty"`
	GenreNames  []string  `json:"genreNames,omitempty"`
	Director    *string   `json:"director,omitempty"`
	Actors      []Actor   `json:"actors,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Actor is one cast entry on an enriched series.
type Actor struct {
	Name    string `json:"name"`
	Profile string `json:"profile,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Episode is one video file on disk, keyed by the MD5 of its real
// absolute path. The id survives renames of parent directories as long
// as the absolute path bytes are unchanged.
type Episode struct {
	ID            string  `json:"id"`
	SeriesPath    string  `json:"seriesPath"`
	Title         string  `json:"title"`
	VideoURL      string  `json:"videoUrl"`
	ThumbnailURL  string  `json:"thumbnailUrl"`
	SeasonNumber  *int    `json:"seasonNumber,omitempty"`
	EpisodeNumber *int    `json:"episodeNumber,omitempty"`
	Overview      *string `json:"overview,omitempty"`
	AirDate       *string `json:"airDate,omitempty"`
}

// Resolved reports whether the series carries an external id.
func (s *Series) Resolved() bool {
	return s.TmdbID != nil && *s.TmdbID != ""
}

// Pending reports whether the series still awaits resolution.
func (s *Series) Pending() bool {
	return !s.Resolved() && !s.Failed
}

// GroupKey collapses multiple folders of the same work into one card:
// "tmdb:<id>" when resolved, otherwise "name:<cleaned>_<year>".
func (s *Series) GroupKey() string {
	if s.Resolved() {
		return "tmdb:" + *s.TmdbID
	}
	name := s.Name
	if s.CleanedName != nil && *s.CleanedName != "" {
		name = *s.CleanedName
	}
	year := 0
	if s.YearVal != nil {
		year = *s.YearVal
	}
	return groupNameKey(name, year)
}

func groupNameKey(name string, year int) string {
	return "name:" + name + "_" + strconv.Itoa(year)
}

// EpisodeID derives the stable episode id from a real absolute path.
func EpisodeID(realPath string) string {
	sum := md5.Sum([]byte(realPath))
	return hex.EncodeToString(sum[:])
}
