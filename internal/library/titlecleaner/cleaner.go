// Package titlecleaner reduces release-scene file and folder names to
// canonical search titles. Cleaning is pure and deterministic: the same
// input always yields the same title, year and episode numbers.
package titlecleaner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tongki078/nasvideo/internal/pathutil"
)

// Result is the outcome of cleaning a raw name.
type Result struct {
	Title     string // canonical search title; empty when Forbidden
	Year      int    // release year, 0 when absent
	TmdbHint  string // numeric id from a {tmdb NNN} override, "" when absent
	Forbidden bool   // the name is not a work (trailer, extras, notices)
}

var (
	extPattern = regexp.MustCompile(`\.[a-zA-Z0-9]{2,4}$`)

	// Names that are not works at all. Matching short-circuits cleaning.
	forbiddenPattern = regexp.MustCompile(`(?i)(trailer|teaser|behind[\s._-]the[\s._-]scenes?|making[\s._-]?(of|film)|deleted[\s._-]scenes?|sample|proof|예고편?|메이킹|비하인드|삭제\s*장면|시청\s*등급|관람\s*등급|등급\s*고지)`)

	leadingBracketPattern = regexp.MustCompile(`^\[[^\]]*\]\s*`)
	tmdbHintPattern       = regexp.MustCompile(`(?i)\{tmdb[\s:]*(\d+)\}`)

	yearParenPattern = regexp.MustCompile(`\((19|20)\d{2}\)`)
	// Standalone four-digit year delimited by non-digits (RE2 has no
	// lookaround, so the delimiters are captured and preserved).
	yearBarePattern = regexp.MustCompile(`(^|[^\d])((?:19|20)\d{2})([^\d]|$)`)

	// Episode markers, matched leftmost-wins across all alternatives.
	markerSE       = regexp.MustCompile(`(?i)(?:^|[\s._\-\[(])S(\d{1,2})[\s._-]?E(\d{1,3})`)
	markerS        = regexp.MustCompile(`(?i)(?:^|[\s._\-\[(])S(\d{1,2})(?:[\s._\-\])]|$)`)
	markerE        = regexp.MustCompile(`(?i)(?:^|[\s._\-\[(])E(\d{1,3})(?:[\s._\-\])]|$)`)
	markerHanWa    = regexp.MustCompile(`第\s*(\d{1,3})\s*話`)
	markerKoEp     = regexp.MustCompile(`(\d{1,4})\s*([화회])`)
	markerKoSeason = regexp.MustCompile(`(\d{1,2})\s*([기부])`)
	markerSeason   = regexp.MustCompile(`(?i)(?:^|[\s._-])Season[\s._-]*(\d{1,2})`)
	markerPart     = regexp.MustCompile(`(?i)(?:^|[\s._-])Part[\s._-]*(\d{1,2})`)
	markerAirDate  = regexp.MustCompile(`(?:^|[^\d])(\d{6})(?:[^\d]|$)`)

	// The leftmost technical-tag run truncates the name. The set mirrors the
	// tokens the release scene actually uses on Korean NAS trees.
	techTagPattern = regexp.MustCompile(`(?i)(?:^|[\s._\-\[(])(?:` +
		`\d{3,4}p|4k|uhd|fhd|8k|` +
		`web[\s._-]?dl|web[\s._-]?rip|blu[\s._-]?ray|bd[\s._-]?rip|br[\s._-]?rip|bd[\s._-]?remux|remux|hd[\s._-]?rip|dvd[\s._-]?rip|dvdscr|hdtv|sdtv|pdtv|tvrip|hdcam|` +
		`h[\s._]?26[45]|x[\s._]?26[45]|hevc|avc|av1|vp9|xvid|divx|mpeg[\s._-]?2|10bit|8bit|hdr10\+?|hdr|dv|hlg|` +
		`aac|ac3|e[\s._-]?ac[\s._-]?3|ddp|dd\+?|dts[\s._-]?(?:hd|x)?|truehd|atmos|flac|mp3|dual|` +
		`repack|proper|internal|limited|complete|` +
		`mkv|mp4|avi|wmv|` +
		`ova|oad|ona|tv판|극장판|` +
		`더빙|자막|무삭제|속편|완결|파트|1부|2부|상|하|` +
		`nf|amzn|dsnp|atvp|hmax` +
		`)(?:$|[\s._\-\])].*)`)

	junkPattern = regexp.MustCompile(`(?i)(extended|uncut|unrated|remaster(?:ed)?|director'?s[\s._-]?cut|감독판|확장판|무삭제판|더빙판|자막판|합본|완전판)`)

	hangulToLatin = regexp.MustCompile(`([\x{AC00}-\x{D7A3}])([a-zA-Z0-9])`)
	latinToHangul = regexp.MustCompile(`([a-zA-Z0-9])([\x{AC00}-\x{D7A3}])`)
	cjkToLatin    = regexp.MustCompile(`([\p{Han}\p{Hiragana}\p{Katakana}])([a-zA-Z0-9])`)
	latinToCJK    = regexp.MustCompile(`([a-zA-Z0-9])([\p{Han}\p{Hiragana}\p{Katakana}])`)

	bracketPattern      = regexp.MustCompile(`\[[^\[\]]*\]|\([^()]*\)|【[^】]*】|『[^』]*』|「[^」]*」`)
	punctuationPattern  = regexp.MustCompile(`[._!?【】『』「」"'#@*※]`)
	leadingIndexPattern = regexp.MustCompile(`^(?:[a-zA-Z]?\d+[.\s_-]+|\[\d+\]\s*)`)
	spacesPattern       = regexp.MustCompile(`\s+`)
)

// Clean reduces a raw file or folder name to a search title and optional year.
func Clean(raw string) Result {
	s := pathutil.NFC(raw)

	if forbiddenPattern.MatchString(s) {
		return Result{Forbidden: true}
	}

	s = extPattern.ReplaceAllString(s, "")
	original := s

	for leadingBracketPattern.MatchString(s) {
		trimmed := leadingBracketPattern.ReplaceAllString(s, "")
		if trimmed == "" {
			break
		}
		s = trimmed
	}

	res := Result{}

	if m := tmdbHintPattern.FindStringSubmatch(s); m != nil {
		res.TmdbHint = m[1]
		s = tmdbHintPattern.ReplaceAllString(s, " ")
	}

	s, res.Year = extractYear(s)

	// Remember bracketed alternatives before they are stripped; the shortest
	// usable one serves as a last-resort title.
	alternatives := bracketAlternatives(s)

	if cut, after, ok := findEpisodeMarker(s); ok {
		before := strings.Trim(s[:cut], " ._-")
		if len([]rune(before)) >= 2 && !forbiddenPattern.MatchString(before) {
			s = before
		} else if len([]rune(strings.Trim(after, " ._-"))) >= 2 {
			s = strings.Trim(after, " ._-")
		} else {
			s = before
		}
	}

	if loc := techTagPattern.FindStringIndex(s); loc != nil {
		before := strings.Trim(s[:loc[0]], " ._-")
		if len([]rune(before)) >= 2 {
			s = before
		}
	}

	s = insertScriptBoundarySpaces(s)

	for bracketPattern.MatchString(s) {
		s = bracketPattern.ReplaceAllString(s, " ")
	}
	s = junkPattern.ReplaceAllString(s, " ")
	s = punctuationPattern.ReplaceAllString(s, " ")
	s = leadingIndexPattern.ReplaceAllString(s, "")
	s = spacesPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(strings.Trim(s, "-"))
	s = strings.TrimSpace(s)

	if len([]rune(s)) < 1 {
		if alt := pickAlternative(alternatives); alt != "" {
			s = alt
		} else {
			s = strings.TrimSpace(original)
		}
	}

	res.Title = s
	return res
}

// ExtractEpisodeNumbers derives (season, episode) from the same marker the
// cleaner truncates at. Season defaults to 1. A season-level marker combines
// with an episode-count marker to its right ("2기 05화" is season 2,
// episode 5); episode is nil when no count marker is visible.
func ExtractEpisodeNumbers(name string) (int, *int) {
	s := pathutil.NFC(name)
	s = extPattern.ReplaceAllString(s, "")

	type hit struct {
		pos     int
		end     int
		season  int
		episode *int
	}
	var best *hit
	consider := func(pos, end, season int, episode *int) {
		if pos < 0 {
			return
		}
		if best == nil || pos < best.pos {
			best = &hit{pos: pos, end: end, season: season, episode: episode}
		}
	}

	if m := markerSE.FindStringSubmatchIndex(s); m != nil {
		season, _ := strconv.Atoi(s[m[2]:m[3]])
		ep, _ := strconv.Atoi(s[m[4]:m[5]])
		consider(m[0], m[1], season, &ep)
	}
	if m := markerS.FindStringSubmatchIndex(s); m != nil {
		season, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], season, nil)
	}
	if m := markerE.FindStringSubmatchIndex(s); m != nil {
		ep, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], 1, &ep)
	}
	if m := markerHanWa.FindStringSubmatchIndex(s); m != nil {
		ep, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], 1, &ep)
	}
	if m := markerKoEp.FindStringSubmatchIndex(s); m != nil {
		ep, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], 1, &ep)
	}
	if m := markerKoSeason.FindStringSubmatchIndex(s); m != nil {
		season, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], season, nil)
	}
	if m := markerSeason.FindStringSubmatchIndex(s); m != nil {
		season, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], season, nil)
	}
	if m := markerPart.FindStringSubmatchIndex(s); m != nil {
		season, _ := strconv.Atoi(s[m[2]:m[3]])
		consider(m[0], m[1], season, nil)
	}
	if m := markerAirDate.FindStringSubmatchIndex(s); m != nil {
		consider(m[0], m[1], 1, nil)
	}

	if best == nil {
		return 1, nil
	}
	if best.episode == nil {
		best.episode = episodeAfter(s[best.end:])
	}
	if best.season <= 0 {
		best.season = 1
	}
	return best.season, best.episode
}

// episodeAfter harvests the leftmost episode-count marker in the text
// following a season-level marker.
func episodeAfter(s string) *int {
	pos := -1
	var ep int
	for _, p := range []*regexp.Regexp{markerE, markerHanWa, markerKoEp} {
		m := p.FindStringSubmatchIndex(s)
		if m == nil || (pos != -1 && m[0] >= pos) {
			continue
		}
		pos = m[0]
		ep, _ = strconv.Atoi(s[m[2]:m[3]])
	}
	if pos == -1 {
		return nil
	}
	return &ep
}

func extractYear(s string) (string, int) {
	if m := yearParenPattern.FindString(s); m != "" {
		year, _ := strconv.Atoi(strings.Trim(m, "()"))
		return yearParenPattern.ReplaceAllString(s, " "), year
	}
	if m := yearBarePattern.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[2])
		return yearBarePattern.ReplaceAllString(s, "$1 $3"), year
	}
	return s, 0
}

// findEpisodeMarker returns the byte offset of the leftmost episode marker,
// the text following it, and whether any marker matched.
func findEpisodeMarker(s string) (int, string, bool) {
	patterns := []*regexp.Regexp{
		markerSE, markerS, markerE,
		markerHanWa, markerKoEp, markerKoSeason,
		markerSeason, markerPart, markerAirDate,
	}
	cut := -1
	end := -1
	for _, p := range patterns {
		if loc := p.FindStringIndex(s); loc != nil {
			if cut == -1 || loc[0] < cut {
				cut, end = loc[0], loc[1]
			}
		}
	}
	if cut == -1 {
		return 0, "", false
	}
	return cut, s[end:], true
}

func insertScriptBoundarySpaces(s string) string {
	s = hangulToLatin.ReplaceAllString(s, "$1 $2")
	s = latinToHangul.ReplaceAllString(s, "$1 $2")
	s = cjkToLatin.ReplaceAllString(s, "$1 $2")
	s = latinToCJK.ReplaceAllString(s, "$1 $2")
	return s
}

// bracketAlternatives collects bracketed substrings, innermost first.
func bracketAlternatives(s string) []string {
	var alts []string
	for _, m := range bracketPattern.FindAllString(s, -1) {
		inner := strings.Trim(m, "[]()【】『』「」")
		inner = strings.TrimSpace(inner)
		if inner != "" {
			alts = append(alts, inner)
		}
	}
	return alts
}

func pickAlternative(alts []string) string {
	for _, alt := range alts {
		if len([]rune(alt)) < 2 {
			continue
		}
		if forbiddenPattern.MatchString(alt) || techTagPattern.MatchString(alt) {
			continue
		}
		if yearParenPattern.MatchString("(" + alt + ")") {
			continue
		}
		return alt
	}
	return ""
}

// AlternativeTitles returns the bracketed subexpressions of a raw name that
// look like alternate titles (typically the original-language title). The
// resolver searches these when the primary title finds nothing.
func AlternativeTitles(raw string) []string {
	s := pathutil.NFC(raw)
	s = extPattern.ReplaceAllString(s, "")
	var out []string
	for _, alt := range bracketAlternatives(s) {
		if len([]rune(alt)) < 2 {
			continue
		}
		if techTagPattern.MatchString(alt) || forbiddenPattern.MatchString(alt) {
			continue
		}
		if _, err := strconv.Atoi(alt); err == nil {
			continue
		}
		out = append(out, alt)
	}
	return out
}

// HangulSubstring returns the longest run of Hangul (with interior spaces)
// in s, or "" when none.
func HangulSubstring(s string) string {
	return longestRun(s, func(r rune) bool {
		return r >= 0xAC00 && r <= 0xD7A3
	})
}

// CJKSubstring returns the longest Han/Kana run in s, or "" when none.
func CJKSubstring(s string) string {
	return longestRun(s, func(r rune) bool {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF: // Han
			return true
		case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
			return true
		}
		return false
	})
}

func longestRun(s string, match func(rune) bool) string {
	var best, cur []rune
	flush := func() {
		trimmed := strings.TrimSpace(string(cur))
		if len([]rune(trimmed)) > len(best) {
			best = []rune(trimmed)
		}
		cur = cur[:0]
	}
	for _, r := range s {
		if match(r) || (r == ' ' && len(cur) > 0) {
			cur = append(cur, r)
			continue
		}
		flush()
	}
	flush()
	if len(best) < 2 {
		return ""
	}
	return string(best)
}

// SplitSegments splits a cleaned title on subtitle separators for the
// segment-search fallback.
func SplitSegments(title string) []string {
	parts := strings.FieldsFunc(title, func(r rune) bool {
		return r == '-' || r == ':' || r == '～' || r == '~'
	})
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len([]rune(p)) >= 2 {
			out = append(out, p)
		}
	}
	if len(out) <= 1 {
		return nil
	}
	return out
}
