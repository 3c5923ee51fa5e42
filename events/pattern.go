package events

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/govkit/govkit/errors"
)

// PatternKind selects how a type pattern is interpreted.
type PatternKind string

const (
	PatternExact  PatternKind = "exact"
	PatternPrefix PatternKind = "prefix"
	PatternSuffix PatternKind = "suffix"
	PatternGlob   PatternKind = "glob"
	PatternRegex  PatternKind = "regex"
)

// typeSetMatcher matches events whose type is in the set.
type typeSetMatcher map[string]struct{}

func (m typeSetMatcher) match(evt *GovernanceEvent) bool {
	_, ok := m[evt.Type]
	return ok
}

// patternMatcher matches the event type against a compiled pattern.
type patternMatcher struct {
	kind    PatternKind
	pattern string
	re      *regexp.Regexp
}

// newPatternMatcher validates and compiles a pattern.
func newPatternMatcher(kind PatternKind, pattern string) (*patternMatcher, error) {
	if pattern == "" {
		return nil, errors.InvalidInput("empty pattern")
	}
	m := &patternMatcher{kind: kind, pattern: pattern}
	switch kind {
	case PatternExact, PatternPrefix, PatternSuffix:
	case PatternGlob:
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("bad glob %q: %v", pattern, err))
		}
	case PatternRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("bad regex %q: %v", pattern, err))
		}
		m.re = re
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unknown pattern kind %q", kind))
	}
	return m, nil
}

func (m *patternMatcher) match(evt *GovernanceEvent) bool {
	switch m.kind {
	case PatternExact:
		return evt.Type == m.pattern
	case PatternPrefix:
		return strings.HasPrefix(evt.Type, m.pattern)
	case PatternSuffix:
		return strings.HasSuffix(evt.Type, m.pattern)
	case PatternGlob:
		ok, _ := path.Match(m.pattern, evt.Type)
		return ok
	case PatternRegex:
		return m.re.MatchString(evt.Type)
	}
	return false
}
