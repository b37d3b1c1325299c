package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters queue events by command tag using glob patterns.
// No patterns means everything matches. Drop entries carry no tag and always
// match.
type GlobFilter struct {
	tagGlobs []glob.Glob
}

func NewGlobFilter(tagPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{tagGlobs: make([]glob.Glob, 0, len(tagPatterns))}
	for _, pattern := range tagPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tag pattern %q: %w", pattern, err)
		}
		filter.tagGlobs = append(filter.tagGlobs, g)
	}
	return filter, nil
}

func (f *GlobFilter) Match(tag string) bool {
	if len(f.tagGlobs) == 0 || tag == "" {
		return true
	}
	for _, g := range f.tagGlobs {
		if g.Match(tag) {
			return true
		}
	}
	return false
}
