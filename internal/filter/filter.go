// Package filter rewrites job text before it is used as a worker key.
//
// Rules are tried in order and the first rule whose pattern matches anywhere
// in the job wins. The substitute uses regexp expansion syntax ($1, ${name}).
package filter

import (
	"errors"
	"fmt"
	"regexp"
)

// Rule is one compiled pattern/substitute pair.
type Rule struct {
	Pattern    *regexp.Regexp
	Substitute string
}

// Spec is the uncompiled form of a rule as it appears in configuration.
type Spec struct {
	Pattern    string `toml:"pattern" yaml:"pattern" json:"pattern"`
	Substitute string `toml:"substitute" yaml:"substitute" json:"substitute"`
}

// Filter is an immutable ordered rule list. The zero value passes every job
// through unchanged.
type Filter struct {
	rules []Rule
}

// New compiles specs in order. Invalid specs are skipped and reported in the
// returned error slice; the filter is usable regardless.
func New(specs []Spec) (*Filter, []error) {
	f := &Filter{rules: make([]Rule, 0, len(specs))}
	var errs []error
	for i, s := range specs {
		if s.Pattern == "" {
			errs = append(errs, fmt.Errorf("filter[%d]: %w", i, ErrMissingPattern))
			continue
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("filter[%d]: invalid pattern %q: %w", i, s.Pattern, err))
			continue
		}
		f.rules = append(f.rules, Rule{Pattern: re, Substitute: s.Substitute})
	}
	return f, errs
}

var ErrMissingPattern = errors.New("missing pattern")

// Apply returns the job rewritten by the first matching rule, or job itself.
func (f *Filter) Apply(job string) string {
	if f == nil {
		return job
	}
	for _, r := range f.rules {
		if r.Pattern.MatchString(job) {
			return r.Pattern.ReplaceAllString(job, r.Substitute)
		}
	}
	return job
}

// Len returns the number of usable rules.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rules)
}
