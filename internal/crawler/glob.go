package crawler

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/archonhq/archon/internal/archerr"
)

const (
	maxPatternLength = 200
	maxPatternCount  = 50
)

// URLFilter applies include/exclude glob patterns to URL paths. Patterns use
// Unix glob semantics where * matches any characters including slashes, and
// exclude beats include.
type URLFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewURLFilter sanitises and compiles the patterns.
func NewURLFilter(include, exclude []string) (*URLFilter, error) {
	inc, err := compilePatterns(include)
	if err != nil {
		return nil, err
	}
	exc, err := compilePatterns(exclude)
	if err != nil {
		return nil, err
	}
	return &URLFilter{include: inc, exclude: exc}, nil
}

// Allow reports whether a URL path passes the filter: no exclude may match,
// and when includes exist at least one must.
func (f *URLFilter) Allow(path string) bool {
	for _, g := range f.exclude {
		if g.Match(path) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	if len(patterns) > maxPatternCount {
		return nil, archerr.New(archerr.KindValidation,
			"too many glob patterns: %d (max %d)", len(patterns), maxPatternCount)
	}
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		if err := SanitizePattern(p); err != nil {
			return nil, err
		}
		// No separator argument: * crosses path segments.
		g, err := glob.Compile(p)
		if err != nil {
			return nil, archerr.Wrap(archerr.KindValidation, err, "invalid glob pattern %q", p)
		}
		out = append(out, g)
	}
	return out, nil
}

// SanitizePattern rejects patterns that could smuggle traversal or shell
// metacharacters through to downstream systems.
func SanitizePattern(p string) error {
	if p == "" {
		return archerr.New(archerr.KindValidation, "empty glob pattern")
	}
	if len(p) > maxPatternLength {
		return archerr.New(archerr.KindValidation, "glob pattern exceeds %d characters", maxPatternLength)
	}
	if strings.Contains(p, "..") {
		return archerr.New(archerr.KindValidation, "glob pattern must not contain '..'")
	}
	for _, c := range p {
		switch {
		case c < 0x20 || c == 0x7f:
			return archerr.New(archerr.KindValidation, "glob pattern contains control characters")
		case c == '`' || c == '$' || c == ';' || c == '|':
			return archerr.New(archerr.KindValidation, "glob pattern contains forbidden character %q", c)
		}
	}
	return nil
}
