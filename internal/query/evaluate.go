package query

import (
	"strings"
	"time"

	"github.com/davkit/davkit/internal/content/model"
	"github.com/davkit/davkit/internal/storage"
)

// OccurrenceProvider resolves the cached occurrence rows for a recurring
// component so a time-range test can be answered without re-running RRULE
// expansion. Callers wire this to the internal/recurrence-produced rows for
// the entity under test, keyed however the caller's index addresses them;
// the query package only needs occurrences for the one component passed in.
type OccurrenceProvider func(comp *model.Component) []storage.OccurrenceRow

// Evaluate reports whether root (a VCALENDAR or VCARD top-level component)
// satisfies f. occ may be nil when root carries no recurring components.
func Evaluate(f *CompFilter, root *model.Component, occ OccurrenceProvider) bool {
	if f == nil {
		return true
	}
	if !equalFoldStr(f.Name, root.Name) {
		return false
	}
	return evalComp(f, root, occ)
}

func evalComp(f *CompFilter, comp *model.Component, occ OccurrenceProvider) bool {
	if f.IsNotDefined {
		return false
	}
	if f.TimeRange != nil && !matchTimeRange(f.TimeRange, comp, occ) {
		return false
	}
	for _, pf := range f.PropFilters {
		if !evalProp(&pf, comp) {
			return false
		}
	}
	for _, cf := range f.Children {
		if !anyChildMatches(&cf, comp, occ) {
			return false
		}
	}
	return true
}

// anyChildMatches implements the comp-filter nesting rule (RFC 4791 §9.7.1):
// a nested comp-filter is satisfied if at least one same-named child
// component of comp matches it, UNLESS it's an is-not-defined filter, which
// instead requires that NO such child exists.
func anyChildMatches(f *CompFilter, comp *model.Component, occ OccurrenceProvider) bool {
	children := comp.ChildrenNamed(f.Name)
	if f.IsNotDefined {
		return len(children) == 0
	}
	for _, c := range children {
		if evalComp(f, c, occ) {
			return true
		}
	}
	return false
}

func matchTimeRange(tr *TimeRange, comp *model.Component, occ OccurrenceProvider) bool {
	if occ != nil {
		if rows := occ(comp); rows != nil {
			for _, r := range rows {
				if overlaps(tr, r.StartUTC, r.EndUTC) {
					return true
				}
			}
			return false
		}
	}
	start, end, _ := storage.ComponentTimeRange(comp)
	if start == nil {
		return false
	}
	e := *start
	if end != nil {
		e = *end
	}
	return overlaps(tr, *start, e)
}

// overlaps implements RFC 4791 §9.9: a [start, end) span overlaps the
// time-range [tr.Start, tr.End) unless it ends at or before tr.Start, or
// begins at or after tr.End. A nil bound is unconstrained on that side.
func overlaps(tr *TimeRange, start, end time.Time) bool {
	if tr.Start != nil && !end.After(*tr.Start) {
		return false
	}
	if tr.End != nil && !start.Before(*tr.End) {
		return false
	}
	return true
}

func evalProp(f *PropFilter, comp *model.Component) bool {
	props := comp.Props(f.Name)
	if f.IsNotDefined {
		return len(props) == 0
	}
	if len(props) == 0 {
		return false
	}
	for _, p := range props {
		ok := true
		if f.TimeRange != nil {
			// A prop-filter time-range targets a single DATE/DATE-TIME
			// valued property directly (e.g. COMPLETED), unlike a
			// comp-filter time-range which spans a whole component.
			instant, isInstant := propertyInstant(p)
			if !isInstant || !overlaps(f.TimeRange, instant, instant) {
				ok = false
			}
		}
		if ok && f.TextMatch != nil {
			if !matchText(valueText(p.Value), f.TextMatch) {
				ok = false
			}
		}
		if ok {
			for _, pf := range f.ParamFilters {
				if !evalParam(&pf, p) {
					ok = false
					break
				}
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func evalParam(f *ParamFilter, p *model.Property) bool {
	param, found := p.Param(f.Name)
	if f.IsNotDefined {
		return !found
	}
	if !found {
		return false
	}
	if f.TextMatch == nil {
		return true
	}
	for _, v := range param.Values {
		if matchText(v, f.TextMatch) {
			return true
		}
	}
	return false
}

func propertyInstant(p *model.Property) (time.Time, bool) {
	switch p.Value.Type {
	case model.ValueDate:
		return p.Value.Date, true
	case model.ValueDateTime:
		return p.Value.DateTime, true
	default:
		return time.Time{}, false
	}
}

// valueText renders a property's value as the plain string text-match
// compares against, regardless of which typed Value field is populated.
func valueText(v model.Value) string {
	switch v.Type {
	case model.ValueText, model.ValueJSON:
		return v.Text
	case model.ValueURI:
		return v.URI
	case model.ValueCalAddress:
		return v.CalAddress
	case model.ValueTextList:
		return strings.Join(v.TextList, ",")
	default:
		return v.Text
	}
}

func equalFoldStr(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
