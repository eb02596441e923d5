package trigger

import (
	"regexp"
	"strings"
)

// Filter is the parsed form of a rule's FilterCondition: either no
// restriction at all, or an exact-match allow-set of category names.
type Filter struct {
	// Any is true when the rule imposes no category restriction. This
	// includes the fail-open case for expressions that parse as neither
	// dialect: a malformed filter must never block all communications.
	Any bool

	Categories map[string]struct{}
}

var legacyCategoryRe = regexp.MustCompile(`category\s*=\s*'([^']*)'`)

// ParseFilter parses a category filter expression.
//
// Two dialects are accepted for backward compatibility:
//
//	(CategoryA|CategoryB)                       pipe-delimited, case-sensitive
//	(category='catA' OR category='catB')        legacy, values Title-Cased
//
// An empty expression, or one whose parenthesized body matches neither
// dialect, yields Filter{Any: true} (fail open).
func ParseFilter(expr string) Filter {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{Any: true}
	}

	open := strings.Index(expr, "(")
	end := strings.LastIndex(expr, ")")
	if open < 0 || end <= open {
		return Filter{Any: true}
	}
	body := strings.TrimSpace(expr[open+1 : end])
	if body == "" {
		return Filter{Any: true}
	}

	// Legacy equality-OR dialect.
	if ms := legacyCategoryRe.FindAllStringSubmatch(body, -1); len(ms) > 0 {
		set := make(map[string]struct{}, len(ms))
		for _, m := range ms {
			if v := titleCase(m[1]); v != "" {
				set[v] = struct{}{}
			}
		}
		if len(set) > 0 {
			return Filter{Categories: set}
		}
		return Filter{Any: true}
	}

	// Pipe-delimited dialect. Bodies containing characters outside plain
	// category names are treated as unparseable.
	if !pipeBodyRe.MatchString(body) {
		return Filter{Any: true}
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(body, "|") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	if len(set) == 0 {
		return Filter{Any: true}
	}
	return Filter{Categories: set}
}

// Category names as configured: letters, digits, spaces, a few joiners.
var pipeBodyRe = regexp.MustCompile(`^[\pL\pN _&/-]+(\|[\pL\pN _&/-]+)*$`)

// Matches reports whether a record's category passes the filter.
// A record with no category never matches a non-empty allow-set.
func (f Filter) Matches(category string) bool {
	if f.Any {
		return true
	}
	if category == "" {
		return false
	}
	_, ok := f.Categories[category]
	return ok
}

// titleCase uppercases the first rune and lowercases the rest, matching
// how category names are stored.
func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
