// Package tmdb is a thin client for The Movie Database REST API.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tongki078/nasvideo/internal/config"
)

var (
	ErrAPIKeyMissing = errors.New("TMDB API key is not configured")
	ErrNotFound      = errors.New("TMDB record not found")
	ErrAPIError      = errors.New("TMDB API error")
	ErrRateLimited   = errors.New("TMDB API rate limited")
)

// Client is a TMDB API client.
type Client struct {
	httpClient *http.Client
	config     config.TMDBConfig
	logger     zerolog.Logger
}

// NewClient creates a new TMDB client.
func NewClient(cfg config.TMDBConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		config: cfg,
		logger: logger.With().Str("component", "tmdb").Logger(),
	}
}

// IsConfigured returns true if the API key is set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SearchMovies searches movies. year and language are optional.
func (c *Client) SearchMovies(ctx context.Context, query string, year int, language string) ([]SearchResult, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	params := c.baseParams(language)
	params.Set("query", query)
	params.Set("include_adult", "false")
	if year > 0 {
		params.Set("year", strconv.Itoa(year))
	}

	var response searchMoviesResponse
	endpoint := fmt.Sprintf("%s/search/movie", c.config.BaseURL)
	if err := c.doRequest(ctx, endpoint, params, &response); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(response.Results))
	for _, m := range response.Results {
		results = append(results, SearchResult{
			Kind:          KindMovie,
			ID:            m.ID,
			Title:         m.Title,
			OriginalTitle: m.Original,
			Overview:      m.Overview,
			PosterPath:    m.PosterPath,
			ReleaseDate:   m.ReleaseDate,
			GenreIDs:      m.GenreIDs,
			Popularity:    m.Popularity,
			VoteAverage:   m.VoteAverage,
		})
	}
	return results, nil
}

// SearchTV searches TV shows. year filters on first air date when positive.
func (c *Client) SearchTV(ctx context.Context, query string, year int, language string) ([]SearchResult, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	params := c.baseParams(language)
	params.Set("query", query)
	params.Set("include_adult", "false")
	if year > 0 {
		params.Set("first_air_date_year", strconv.Itoa(year))
	}

	var response searchTVResponse
	endpoint := fmt.Sprintf("%s/search/tv", c.config.BaseURL)
	if err := c.doRequest(ctx, endpoint, params, &response); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(response.Results))
	for _, tv := range response.Results {
		results = append(results, SearchResult{
			Kind:          KindTV,
			ID:            tv.ID,
			Title:         tv.Name,
			OriginalTitle: tv.OriginalName,
			Overview:      tv.Overview,
			PosterPath:    tv.PosterPath,
			ReleaseDate:   tv.FirstAirDate,
			GenreIDs:      tv.GenreIDs,
			Popularity:    tv.Popularity,
			VoteAverage:   tv.VoteAverage,
		})
	}
	return results, nil
}

// GetDetails fetches the full record of a movie or TV show with credits
// (and content ratings for TV) appended.
func (c *Client) GetDetails(ctx context.Context, kind Kind, id int) (*Details, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	params := c.baseParams(c.config.Language)
	if kind == KindTV {
		params.Set("append_to_response", "credits,content_ratings")
	} else {
		params.Set("append_to_response", "credits")
	}

	var details Details
	endpoint := fmt.Sprintf("%s/%s/%d", c.config.BaseURL, kind, id)
	if err := c.doRequest(ctx, endpoint, params, &details); err != nil {
		return nil, err
	}
	details.Kind = kind
	return &details, nil
}

// GetSeasonEpisodes fetches the episode list of one season.
func (c *Client) GetSeasonEpisodes(ctx context.Context, seriesID, seasonNumber int) ([]SeasonEpisode, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	var details seasonDetails
	endpoint := fmt.Sprintf("%s/tv/%d/season/%d", c.config.BaseURL, seriesID, seasonNumber)
	if err := c.doRequest(ctx, endpoint, c.baseParams(c.config.Language), &details); err != nil {
		return nil, err
	}
	return details.Episodes, nil
}

// ImageURL builds the external image URL for a poster/still path.
func (c *Client) ImageURL(path, size string) string {
	if path == "" {
		return ""
	}
	if size == "" {
		size = "w500"
	}
	return fmt.Sprintf("%s/%s%s", c.config.ImageBaseURL, size, path)
}

func (c *Client) baseParams(language string) url.Values {
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	if language != "" {
		params.Set("language", language)
	}
	return params
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, result any) error {
	reqURL := endpoint
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", endpoint, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("url", endpoint).Msg("HTTP request failed")
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			c.logger.Debug().
				Int("status", resp.StatusCode).
				Str("message", errResp.StatusMessage).
				Msg("TMDB API error")
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: invalid API key", ErrAPIError)
		case http.StatusTooManyRequests:
			return ErrRateLimited
		default:
			return fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
