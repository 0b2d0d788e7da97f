package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/branchsync/id"
)

// GlobFilter matches "record/inst" ids against glob patterns. No patterns
// matches everything.
type GlobFilter struct {
	globs []glob.Glob
}

func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid inst pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

func (f *GlobFilter) Match(recordName, inst string) bool {
	if len(f.globs) == 0 {
		return true
	}
	instID := id.FormatInstID(recordName, inst)
	for _, g := range f.globs {
		if g.Match(instID) {
			return true
		}
	}
	return false
}
