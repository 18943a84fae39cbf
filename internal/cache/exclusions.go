package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList holds the model names whose completions are never stored.
// Models with nondeterministic output (search-backed, tool-calling) would
// otherwise replay a stale answer on every seed match.
//
// Rules come in two forms: exact model names, checked against the public
// alias, and regex patterns for families ("^gpt-.*-search$"). A nil
// *ExclusionList excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList builds the list from the configured rule strings. Empty
// entries are skipped; a pattern that does not compile is a startup error.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, name := range exact {
		if name != "" {
			el.exact[name] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether the model is opted out of caching. Exact names
// are checked before patterns.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules, exact and pattern combined.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
