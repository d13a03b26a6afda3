package admission

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchesWatchPaths reports whether any changed file is selected by the
// watch-path globs. Patterns prefixed with "!" exclude files matched by
// earlier patterns. An empty pattern list selects everything.
func MatchesWatchPaths(patterns, changed []string) bool {
	include, exclude := splitPatterns(patterns)
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}
	if len(include) == 0 {
		include = []string{"**"}
	}
	for _, file := range changed {
		file = strings.TrimPrefix(strings.TrimSpace(file), "/")
		if file == "" {
			continue
		}
		if matchAny(include, file) && !matchAny(exclude, file) {
			return true
		}
	}
	return false
}

func splitPatterns(patterns []string) (include, exclude []string) {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			exclude = append(exclude, strings.TrimPrefix(rest, "/"))
			continue
		}
		include = append(include, strings.TrimPrefix(p, "/"))
	}
	return include, exclude
}

func matchAny(patterns []string, file string) bool {
	for _, p := range patterns {
		// Invalid patterns never match.
		if ok, err := doublestar.Match(p, file); err == nil && ok {
			return true
		}
	}
	return false
}
