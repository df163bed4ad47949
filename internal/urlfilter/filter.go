// Package urlfilter implements the URL allow-list applied to proxied requests.
package urlfilter

import (
	"errors"
	"fmt"
	"regexp"
)

// Filter allows a URL when any pattern matches at its start.
// A nil Filter allows everything.
type Filter struct {
	patterns []*regexp.Regexp
}

// New compiles patterns. Every pattern is anchored at the start of the
// URL but not at the end. All invalid patterns are reported together.
func New(patterns []string) (*Filter, error) {
	f := &Filter{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	var errs []error
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", p, err))
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f, nil
}

// Allowed reports whether url may pass.
func (f *Filter) Allowed(url string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.patterns)
}
