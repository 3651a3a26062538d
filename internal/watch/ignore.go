package watch

import (
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
)

// Ignore matches paths relative to a watch root against .dockerignore style
// patterns. A bare name without a separator (for example "venv" or "*.log")
// matches at any depth, and a path is ignored when any parent is.
type Ignore struct {
	pm *patternmatcher.PatternMatcher
}

// NewIgnore compiles patterns. Empty entries are skipped.
func NewIgnore(patterns []string) (*Ignore, error) {
	expanded := make([]string, 0, 2*len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		neg := strings.HasPrefix(p, "!")
		body := strings.TrimPrefix(p, "!")
		body = strings.TrimPrefix(filepath.ToSlash(body), "./")
		body = strings.TrimSuffix(body, "/")
		if body == "" {
			continue
		}
		prefix := ""
		if neg {
			prefix = "!"
		}
		expanded = append(expanded, prefix+body)
		if !strings.Contains(body, "/") {
			expanded = append(expanded, prefix+"**/"+body)
		}
	}
	if len(expanded) == 0 {
		return &Ignore{}, nil
	}
	pm, err := patternmatcher.New(expanded)
	if err != nil {
		return nil, err
	}
	return &Ignore{pm: pm}, nil
}

// Match reports whether rel, a path relative to a watch root, is ignored.
func (i *Ignore) Match(rel string) bool {
	if i == nil || i.pm == nil || rel == "" || rel == "." {
		return false
	}
	ok, err := i.pm.MatchesOrParentMatches(filepath.Clean(rel)) //nolint:staticcheck // parent matching is the point
	return err == nil && ok
}
