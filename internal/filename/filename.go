// Package filename turns release-style file names into search-ready titles
// and pulls out season/episode and part markers.
package filename

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	seasonEpisodeRe = regexp.MustCompile(`(?i)\bS(\d{1,2})[. _-]?E(\d{1,3})\b`)
	seasonEpAltRe   = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	partRe          = regexp.MustCompile(`(?i)\b(?:part|pt|cd)[. _-]?(\d{1,2})\b`)
	yearRe          = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

	// releaseJunkRe cuts everything from the first quality/source marker on.
	releaseJunkRe = regexp.MustCompile(`(?i)\b(480p|720p|1080p|2160p|4k|uhd|web[- .]?dl|webrip|web|bluray|blu[- .]ray|brrip|bdrip|dvdrip|hdrip|hdtv|camrip|hdcam|x264|x265|h[. ]?264|h[. ]?265|hevc|avc|aac|ac3|eac3|dts|ddp?[0-9.]*|10bit|8bit|hdr10?|dv|remux|proper|repack|extended|unrated|dual[- .]?audio|multi|hindi|esub|msubs?)\b.*$`)

	spacerRe   = regexp.MustCompile(`[._]+`)
	bracketRe  = regexp.MustCompile(`[\[({][^\])}]*[\])}]`)
	multiWSRe  = regexp.MustCompile(`\s{2,}`)
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// SeasonEpisode is a parsed series marker.
type SeasonEpisode struct {
	Season  int
	Episode int
}

// ParseSeasonEpisode returns the S/E marker if the name carries one.
// Accepts "S01E02" and "1x02" forms.
func ParseSeasonEpisode(name string) (SeasonEpisode, bool) {
	if m := seasonEpisodeRe.FindStringSubmatch(name); m != nil {
		s, _ := strconv.Atoi(m[1])
		e, _ := strconv.Atoi(m[2])
		return SeasonEpisode{Season: s, Episode: e}, true
	}
	if m := seasonEpAltRe.FindStringSubmatch(name); m != nil {
		s, _ := strconv.Atoi(m[1])
		e, _ := strconv.Atoi(m[2])
		return SeasonEpisode{Season: s, Episode: e}, true
	}
	return SeasonEpisode{}, false
}

// ParsePart returns the part number for split uploads ("Part 2", "CD1").
func ParsePart(name string) (int, bool) {
	m := partRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	if n == 0 {
		return 0, false
	}
	return n, true
}

// ParseYear returns the release year embedded in the name, if any.
func ParseYear(name string) (int, bool) {
	m := yearRe.FindStringSubmatch(stripExt(name))
	if m == nil {
		return 0, false
	}
	y, _ := strconv.Atoi(m[1])
	return y, true
}

// Clean reduces a release file name to a human title suitable for a metadata
// search: extension, bracketed tags, release markers, S/E and part markers,
// and the year are all removed.
func Clean(name string) string {
	s := stripExt(name)
	s = bracketRe.ReplaceAllString(s, " ")
	s = spacerRe.ReplaceAllString(s, " ")
	s = seasonEpisodeRe.ReplaceAllString(s, " ")
	s = seasonEpAltRe.ReplaceAllString(s, " ")
	s = partRe.ReplaceAllString(s, " ")
	s = releaseJunkRe.ReplaceAllString(s, " ")
	s = yearRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("-", " ", "@", " ").Replace(s)
	s = multiWSRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ShowTitle returns the portion of the name before the S/E marker, cleaned.
// Falls back to Clean of the whole name when no marker exists.
func ShowTitle(name string) string {
	base := stripExt(name)
	loc := seasonEpisodeRe.FindStringIndex(base)
	if loc == nil {
		loc = seasonEpAltRe.FindStringIndex(base)
	}
	if loc != nil {
		base = base[:loc[0]]
	}
	return Clean(base)
}

// ShowKey normalizes a show title into a grouping key: lowercase, alphanumeric
// runs joined by single spaces. Distinct spellings of the same show collapse.
func ShowKey(title string) string {
	s := strings.ToLower(title)
	s = nonAlnumRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizedTitle is ShowKey applied to the cleaned file name. Used for
// part grouping of records without a metadata id.
func NormalizedTitle(name string) string {
	return ShowKey(Clean(name))
}

func stripExt(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if len(ext) >= 2 && len(ext) <= 5 {
		return strings.TrimSuffix(base, ext)
	}
	return base
}
