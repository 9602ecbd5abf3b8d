package tmdb

// Kind distinguishes the two TMDB media endpoints.
type Kind string

const (
	KindMovie Kind = "movie"
	KindTV    Kind = "tv"
)

// SearchResult is one candidate row from a search endpoint, normalized
// across movie and TV responses.
type SearchResult struct {
	Kind          Kind
	ID            int
	Title         string
	OriginalTitle string
	Overview      string
	PosterPath    string
	ReleaseDate   string // YYYY-MM-DD; first_air_date for TV
	GenreIDs      []int
	Popularity    float64
	VoteAverage   float64
}

// Year returns the four-digit release year, 0 when unknown.
func (r *SearchResult) Year() int {
	if len(r.ReleaseDate) < 4 {
		return 0
	}
	y := 0
	for _, c := range r.ReleaseDate[:4] {
		if c < '0' || c > '9' {
			return 0
		}
		y = y*10 + int(c-'0')
	}
	return y
}

type movieResult struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Original    string  `json:"original_title"`
	Overview    string  `json:"overview"`
	PosterPath  string  `json:"poster_path"`
	ReleaseDate string  `json:"release_date"`
	GenreIDs    []int   `json:"genre_ids"`
	Popularity  float64 `json:"popularity"`
	VoteAverage float64 `json:"vote_average"`
}

type tvResult struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	OriginalName string  `json:"original_name"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	FirstAirDate string  `json:"first_air_date"`
	GenreIDs     []int   `json:"genre_ids"`
	Popularity   float64 `json:"popularity"`
	VoteAverage  float64 `json:"vote_average"`
}

type searchMoviesResponse struct {
	Results []movieResult `json:"results"`
}

type searchTVResponse struct {
	Results []tvResult `json:"results"`
}

// Genre is one genre entry on a detail record.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CastMember is one credited actor.
type CastMember struct {
	Name        string `json:"name"`
	Character   string `json:"character"`
	ProfilePath string `json:"profile_path"`
	Order       int    `json:"order"`
}

// CrewMember is one credited crew entry.
type CrewMember struct {
	Name string `json:"name"`
	Job  string `json:"job"`
}

type credits struct {
	Cast []CastMember `json:"cast"`
	Crew []CrewMember `json:"crew"`
}

// Details is the full record of a movie or TV show, with credits appended.
type Details struct {
	Kind            Kind
	ID              int     `json:"id"`
	Title           string  `json:"title"`
	Name            string  `json:"name"`
	Overview        string  `json:"overview"`
	PosterPath      string  `json:"poster_path"`
	BackdropPath    string  `json:"backdrop_path"`
	ReleaseDate     string  `json:"release_date"`
	FirstAirDate    string  `json:"first_air_date"`
	VoteAverage     float64 `json:"vote_average"`
	Popularity      float64 `json:"popularity"`
	Genres          []Genre `json:"genres"`
	NumberOfSeasons int     `json:"number_of_seasons"`
	Credits         credits `json:"credits"`
	ContentRatings  struct {
		Results []struct {
			ISO31661 string `json:"iso_3166_1"`
			Rating   string `json:"rating"`
		} `json:"results"`
	} `json:"content_ratings"`
}

// DisplayTitle returns the movie title or TV name, whichever is set.
func (d *Details) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

// AirYear returns the release/first-air year, 0 when unknown.
func (d *Details) AirYear() int {
	date := d.ReleaseDate
	if date == "" {
		date = d.FirstAirDate
	}
	r := SearchResult{ReleaseDate: date}
	return r.Year()
}

// Director returns the first credited director, "" when none.
func (d *Details) Director() string {
	for _, crew := range d.Credits.Crew {
		if crew.Job == "Director" {
			return crew.Name
		}
	}
	return ""
}

// SeasonEpisode is one episode row of a season detail response.
type SeasonEpisode struct {
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name"`
	Overview      string `json:"overview"`
	AirDate       string `json:"air_date"`
	StillPath     string `json:"still_path"`
}

type seasonDetails struct {
	Episodes []SeasonEpisode `json:"episodes"`
}

type errorResponse struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
}
