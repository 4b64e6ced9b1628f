// Package pattern はユーザーが選択した記事URLからURLパスのプレフィックスパターンを推定し、
// include/exclude パターンによるURLの判定を提供する。
package pattern

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const (
	// maxDepth は候補パターンの最大階層。
	maxDepth = 3
	// maxSampleURLs はパターンごとに返すサンプルURLの最大数。
	maxSampleURLs = 3
	// maxSuggestedExcludes は除外パターン候補の最大数。
	maxSuggestedExcludes = 10
)

var (
	yearSegment = regexp.MustCompile(`^\d{4}$`)
	dateSegment = regexp.MustCompile(`^\d{8}$`)
)

// commonExcludes は記事ではないページによく現れるパスの断片。
var commonExcludes = []string{
	"/about", "/contact", "/tag/", "/category/", "/author/",
	"/search", "/login", "/register", "/rss", "/sitemap",
	"/o-nas", "/kontakt", "/tagi/", "/kategoria/", "/autor/",
	"/szukaj", "/logowanie", "/rejestracja",
}

// ExtractedPattern は推定されたパスプレフィックスパターンを表す。
type ExtractedPattern struct {
	Pattern    string   `json:"pattern"`
	MatchCount int      `json:"matchCount"`
	SampleURLs []string `json:"sampleUrls"`
	Depth      int      `json:"depth"`
}

// Result はパターン推定の結果を表す。
type Result struct {
	Patterns          []ExtractedPattern `json:"patterns"`
	SuggestedExcludes []string           `json:"suggestedExcludes"`
}

// IncludePatterns は推定されたパターン文字列のみを返す。
func (r Result) IncludePatterns() []string {
	out := make([]string, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		out = append(out, p.Pattern)
	}
	return out
}

type candidate struct {
	pattern string
	depth   int
	members []int // selectedの添字
}

// Extract は選択されたURLから最小被覆となるプレフィックスパターンを推定する。
// discovered が空でない場合、matchCount は discovered に対する一致数となる。
func Extract(selected, discovered []string) Result {
	paths := make([]string, len(selected))
	byPattern := make(map[string]*candidate)

	for i, raw := range selected {
		p := pathOf(raw)
		paths[i] = p
		for _, c := range candidatesFor(p) {
			cand, ok := byPattern[c.pattern]
			if !ok {
				cand = &candidate{pattern: c.pattern, depth: c.depth}
				byPattern[c.pattern] = cand
			}
			if n := len(cand.members); n == 0 || cand.members[n-1] != i {
				cand.members = append(cand.members, i)
			}
		}
	}

	ordered := make([]*candidate, 0, len(byPattern))
	for _, c := range byPattern {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		if len(a.members) != len(b.members) {
			return len(a.members) > len(b.members)
		}
		return a.pattern < b.pattern
	})

	discoveredPaths := make([]string, 0, len(discovered))
	for _, raw := range discovered {
		discoveredPaths = append(discoveredPaths, pathOf(raw))
	}

	covered := make([]bool, len(selected))
	var accepted []ExtractedPattern
	for _, c := range ordered {
		var newly []int
		for _, idx := range c.members {
			if !covered[idx] {
				newly = append(newly, idx)
			}
		}
		if len(newly) == 0 {
			continue
		}
		for _, idx := range newly {
			covered[idx] = true
		}

		matchCount := len(newly)
		if len(discoveredPaths) > 0 {
			matchCount = 0
			for _, p := range discoveredPaths {
				if hasPrefixPattern(p, c.pattern) {
					matchCount++
				}
			}
		}

		samples := make([]string, 0, maxSampleURLs)
		for _, idx := range newly {
			if len(samples) == maxSampleURLs {
				break
			}
			samples = append(samples, selected[idx])
		}

		accepted = append(accepted, ExtractedPattern{
			Pattern:    c.pattern,
			MatchCount: matchCount,
			SampleURLs: samples,
			Depth:      c.depth,
		})
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].MatchCount > accepted[j].MatchCount
	})
	if accepted == nil {
		accepted = []ExtractedPattern{}
	}

	return Result{
		Patterns:          accepted,
		SuggestedExcludes: SuggestExcludes(discovered),
	}
}

// SuggestExcludes は discovered に現れる一般的な非記事パスを最大10件返す。
func SuggestExcludes(discovered []string) []string {
	out := []string{}
	for _, fragment := range commonExcludes {
		if len(out) == maxSuggestedExcludes {
			break
		}
		for _, raw := range discovered {
			if strings.Contains(pathOf(raw), fragment) {
				out = append(out, fragment)
				break
			}
		}
	}
	return out
}

type rawCandidate struct {
	pattern string
	depth   int
}

// candidatesFor はパスから階層1〜3の候補パターンを生成する。
// 終端セグメントが記事スラッグや年・日付の場合はその階層を飛ばす。
func candidatesFor(path string) []rawCandidate {
	segments := splitSegments(path)
	limit := len(segments)
	if limit > maxDepth {
		limit = maxDepth
	}

	var out []rawCandidate
	for depth := 1; depth <= limit; depth++ {
		terminal := segments[depth-1]
		if looksLikeIdentifier(terminal) {
			continue
		}
		out = append(out, rawCandidate{
			pattern: "/" + strings.Join(segments[:depth], "/") + "/",
			depth:   depth,
		})
	}
	return out
}

func looksLikeIdentifier(segment string) bool {
	return strings.Count(segment, "-") > 2 ||
		yearSegment.MatchString(segment) ||
		dateSegment.MatchString(segment)
}

func splitSegments(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// pathOf はURLまたはパス文字列からパス部分を取り出す。
func pathOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func hasPrefixPattern(path, pattern string) bool {
	return strings.HasPrefix(path, strings.TrimSuffix(pattern, "/"))
}

// Matches はURLが include/exclude パターンに一致するかを判定する。
// exclude は include より優先され、include が空の場合は除外されない全URLが一致する。
func Matches(rawURL string, include, exclude []string) bool {
	path := pathOf(rawURL)

	for _, ex := range exclude {
		if ex != "" && strings.Contains(path, ex) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, in := range include {
		if in != "" && hasPrefixPattern(path, in) {
			return true
		}
	}
	return false
}

// Filter は Matches に一致するURLのみを返す。
func Filter(urls, include, exclude []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if Matches(u, include, exclude) {
			out = append(out, u)
		}
	}
	return out
}
