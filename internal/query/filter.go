// Package query implements the C5 filter-tree evaluator: comp-filter,
// prop-filter, param-filter and text-match over the shared content model,
// plus the RFC 4791 §9.9 time-range test against the recurrence engine's
// occurrence cache.
package query

import (
	"time"

	"github.com/beevik/etree"
)

// CompFilter mirrors a CALDAV:comp-filter / CARDDAV filter's structure.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	PropFilters  []PropFilter
	Children     []CompFilter
}

// PropFilter mirrors a prop-filter.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	TextMatch    *TextMatch
	ParamFilters []ParamFilter
}

// ParamFilter mirrors a param-filter.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// TextMatch mirrors a text-match element.
type TextMatch struct {
	Collation string
	MatchType string // equals | contains | starts-with | ends-with
	Negate    bool
	Value     string
}

// TimeRange mirrors a time-range element; nil bound means unbounded.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// ParseCompFilter parses the top-level <filter><comp-filter> element of a
// calendar-query or addressbook-query REPORT body.
func ParseCompFilter(filterElem *etree.Element) *CompFilter {
	if filterElem == nil {
		return nil
	}
	comp := firstChildIgnoreNS(filterElem, "comp-filter")
	if comp == nil {
		return nil
	}
	f := parseCompFilterElem(comp)
	return &f
}

func parseCompFilterElem(e *etree.Element) CompFilter {
	f := CompFilter{Name: e.SelectAttrValue("name", "")}
	if firstChildIgnoreNS(e, "is-not-defined") != nil {
		f.IsNotDefined = true
		return f
	}
	if tr := firstChildIgnoreNS(e, "time-range"); tr != nil {
		f.TimeRange = parseTimeRangeElem(tr)
	}
	for _, pf := range childrenIgnoreNS(e, "prop-filter") {
		f.PropFilters = append(f.PropFilters, parsePropFilterElem(pf))
	}
	for _, cf := range childrenIgnoreNS(e, "comp-filter") {
		f.Children = append(f.Children, parseCompFilterElem(cf))
	}
	return f
}

func parsePropFilterElem(e *etree.Element) PropFilter {
	f := PropFilter{Name: e.SelectAttrValue("name", "")}
	if firstChildIgnoreNS(e, "is-not-defined") != nil {
		f.IsNotDefined = true
		return f
	}
	if tr := firstChildIgnoreNS(e, "time-range"); tr != nil {
		f.TimeRange = parseTimeRangeElem(tr)
	}
	if tm := firstChildIgnoreNS(e, "text-match"); tm != nil {
		f.TextMatch = parseTextMatchElem(tm)
	}
	for _, pf := range childrenIgnoreNS(e, "param-filter") {
		f.ParamFilters = append(f.ParamFilters, parseParamFilterElem(pf))
	}
	return f
}

func parseParamFilterElem(e *etree.Element) ParamFilter {
	f := ParamFilter{Name: e.SelectAttrValue("name", "")}
	if firstChildIgnoreNS(e, "is-not-defined") != nil {
		f.IsNotDefined = true
		return f
	}
	if tm := firstChildIgnoreNS(e, "text-match"); tm != nil {
		f.TextMatch = parseTextMatchElem(tm)
	}
	return f
}

func parseTextMatchElem(e *etree.Element) *TextMatch {
	return &TextMatch{
		Collation: e.SelectAttrValue("collation", CollationASCIICasemap),
		MatchType: e.SelectAttrValue("match-type", "contains"),
		Negate:    e.SelectAttrValue("negate-condition", "no") == "yes",
		Value:     e.Text(),
	}
}

func parseTimeRangeElem(e *etree.Element) *TimeRange {
	tr := &TimeRange{}
	if s := e.SelectAttrValue("start", ""); s != "" {
		if t, err := time.Parse("20060102T150405Z", s); err == nil {
			tr.Start = &t
		}
	}
	if s := e.SelectAttrValue("end", ""); s != "" {
		if t, err := time.Parse("20060102T150405Z", s); err == nil {
			tr.End = &t
		}
	}
	return tr
}

func firstChildIgnoreNS(parent *etree.Element, local string) *etree.Element {
	for _, c := range parent.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

func childrenIgnoreNS(parent *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	for _, c := range parent.ChildElements() {
		if c.Tag == local {
			out = append(out, c)
		}
	}
	return out
}
