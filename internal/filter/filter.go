// Package filter implements the string-matching predicates used to select
// peripherals by adapter, device id, and advertised name.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind enumerates the filter variants a YAML config can declare.
type Kind string

const (
	Contains   Kind = "contains"
	StartsWith Kind = "starts_with"
	EndsWith   Kind = "ends_with"
	Equals     Kind = "equals"
	NotEquals  Kind = "not_equals"
	Regex      Kind = "regex"
)

// Filter is a sum of string predicates. Exactly one of the Kind-tagged
// fields is meaningful, selected by Kind. A zero-value Filter (empty Kind)
// accepts everything.
type Filter struct {
	Kind    Kind   `yaml:"-"`
	Pattern string `yaml:"-"`

	re *regexp.Regexp
}

// New constructs a Filter, compiling the regex eagerly for Kind==Regex so
// that configuration errors surface at load time rather than on first match.
func New(kind Kind, pattern string) (*Filter, error) {
	f := &Filter{Kind: kind, Pattern: pattern}
	if kind == Regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("filter: invalid regex %q: %w", pattern, err)
		}
		f.re = re
	}
	return f, nil
}

// Match reports whether s satisfies the filter. A nil Filter always matches
// (the "no filter configured" case).
func (f *Filter) Match(s string) bool {
	if f == nil || f.Kind == "" {
		return true
	}
	switch f.Kind {
	case Contains:
		return strings.Contains(s, f.Pattern)
	case StartsWith:
		return strings.HasPrefix(s, f.Pattern)
	case EndsWith:
		return strings.HasSuffix(s, f.Pattern)
	case Equals:
		return s == f.Pattern
	case NotEquals:
		return s != f.Pattern
	case Regex:
		if f.re == nil {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return false
			}
			f.re = re
		}
		return f.re.MatchString(s)
	default:
		return false
	}
}

// UnmarshalYAML decodes the tagged-union shape used in the config file:
//
//	adapter_filter:
//	  contains: "hci"
//
// exactly one key among the Kind names must be present.
func (f *Filter) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[Kind]string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("filter: expected exactly one of contains/starts_with/ends_with/equals/not_equals/regex, got %d", len(raw))
	}
	for k, v := range raw {
		built, err := New(k, v)
		if err != nil {
			return err
		}
		*f = *built
	}
	return nil
}

// MarshalYAML encodes the Filter back to its tagged-union shape, making
// load -> flatten -> dump round-trip lossless.
func (f Filter) MarshalYAML() (interface{}, error) {
	if f.Kind == "" {
		return nil, nil
	}
	return map[Kind]string{f.Kind: f.Pattern}, nil
}
