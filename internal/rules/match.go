package rules

import (
	"regexp"
	"strings"
	"sync"
)

var filterCache sync.Map

// matchURLFilter implements the url filter syntax of declarative rules:
// '*' matches anything, a leading '|' anchors at the start, a leading '||'
// anchors at a domain boundary, a trailing '|' anchors at the end, '^'
// matches a separator. Matching is case-insensitive. Without anchors the
// filter matches as a substring.
func matchURLFilter(filter, rawURL string) bool {
	if filter == "" {
		return true
	}

	if cached, ok := filterCache.Load(filter); ok {
		return cached.(*regexp.Regexp).MatchString(rawURL)
	}

	re, err := compileURLFilter(filter)
	if err != nil {
		return false
	}
	filterCache.Store(filter, re)
	return re.MatchString(rawURL)
}

func compileURLFilter(filter string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)")

	switch {
	case strings.HasPrefix(filter, "||"):
		filter = filter[2:]
		b.WriteString(`^[a-z][a-z0-9+.\-]*://([^/?#]*\.)?`)
	case strings.HasPrefix(filter, "|"):
		filter = filter[1:]
		b.WriteString("^")
	}

	anchoredEnd := strings.HasSuffix(filter, "|")
	if anchoredEnd {
		filter = strings.TrimSuffix(filter, "|")
	}

	for i, part := range strings.Split(filter, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		quoted := regexp.QuoteMeta(part)
		b.WriteString(strings.ReplaceAll(quoted, `\^`, `(?:[^a-z0-9_.%\-]|$)`))
	}

	if anchoredEnd {
		b.WriteString("$")
	}

	return regexp.Compile(b.String())
}

func (r Rule) matches(req Request) bool {
	if len(r.Condition.ResourceTypes) > 0 && !containsResourceType(r.Condition.ResourceTypes, req.ResourceType) {
		return false
	}
	if len(r.Condition.TabIDs) > 0 && !containsInt(r.Condition.TabIDs, req.TabID) {
		return false
	}
	return matchURLFilter(r.Condition.URLFilter, req.URL)
}

func containsResourceType(types []ResourceType, t ResourceType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
