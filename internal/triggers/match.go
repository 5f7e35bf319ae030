package triggers

import (
	"net/url"
	"strings"
)

// MatchesURL reports whether rawURL satisfies a URL-pattern allow-list. An empty
// list matches everything. Patterns match as case-sensitive substrings of the
// path or the full URL; a pattern starting with '#' also matches the fragment.
func MatchesURL(patterns []string, rawURL string) bool {
	if len(patterns) == 0 {
		return true
	}

	var path, fragment string
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
		fragment = u.Fragment
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "#") {
			if anchor := p[1:]; anchor != "" && fragment != "" && strings.Contains(fragment, anchor) {
				return true
			}
		}
		if strings.Contains(rawURL, p) {
			return true
		}
		if path != "" && strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// FeaturePages counts distinct visited pages that match patterns.
func FeaturePages(visited []string, patterns []string) int {
	seen := map[string]bool{}
	for _, v := range visited {
		if v == "" || seen[v] {
			continue
		}
		if MatchesURL(patterns, v) {
			seen[v] = true
		}
	}
	return len(seen)
}
