package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchAll is the implicit include pattern when none is configured.
const MatchAll = "**"

// Errors returned by Matcher construction.
var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Config configures a Matcher.
type Config struct {
	// Includes are patterns a file must match (at least one).
	// Empty means every file is included.
	Includes []string

	// Excludes are patterns a file must not match.
	Excludes []string

	// SkipHidden drops files with a dot-prefixed path segment.
	SkipHidden bool
}

// Matcher decides which remote output files are downloaded.
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes   []string
	excludes   []string
	skipHidden bool
}

// New compiles cfg.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	if len(includes) == 0 {
		includes = []string{MatchAll}
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes, skipHidden: cfg.SkipHidden}, nil
}

// Validate checks patterns without building a Matcher.
func Validate(patterns []string) error {
	_, err := compile(patterns)
	return err
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		normalized := NormalizePattern(p)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match reports whether the output file name is selected.
func (m *Matcher) Match(name string) bool {
	name = NormalizeName(name)
	if name == "" {
		return false
	}
	if m.skipHidden && IsHidden(name) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, name) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, name) {
			return false
		}
	}
	return true
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// MatchesAll reports whether the matcher accepts every non-hidden name.
func (m *Matcher) MatchesAll() bool {
	return len(m.excludes) == 0 && len(m.includes) == 1 && m.includes[0] == MatchAll
}

func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
