// Package recurrence expands RRULE/RDATE-bearing calendar components into
// the storage.OccurrenceRow cache consumed by the query engine's time-range
// filter, wrapping github.com/teambition/rrule-go for the BY-rule algebra.
package recurrence

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"

	"github.com/davkit/davkit/internal/content/ical"
	"github.com/davkit/davkit/internal/content/model"
	"github.com/davkit/davkit/internal/storage"
)

// Config bounds how far past and future the occurrence cache is kept
// populated. Defaults resolve Open Question #4 (±2 years).
type Config struct {
	HorizonPast   time.Duration
	HorizonFuture time.Duration
}

func DefaultConfig() Config {
	return Config{
		HorizonPast:   2 * 365 * 24 * time.Hour,
		HorizonFuture: 2 * 365 * 24 * time.Hour,
	}
}

type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

var recurringKinds = []string{"VEVENT", "VTODO", "VJOURNAL"}

// Expand builds occurrence rows for every recurring master component in
// root, keyed by the same component_id scheme storage.BuildCalendarIndex
// assigns its row (so a recurrence engine run after a PutInstance can
// address the right calendar_index entry). Components without RRULE or
// RDATE are skipped entirely: their single start/end already lives in
// calendar_index and needs no expansion cache.
func (e *Engine) Expand(entityID string, root *model.Component, now time.Time) []storage.OccurrenceRow {
	horizonStart := now.Add(-e.cfg.HorizonPast)
	horizonEnd := now.Add(e.cfg.HorizonFuture)

	var rows []storage.OccurrenceRow
	for kindIdx, kind := range recurringKinds {
		comps := root.ChildrenNamed(kind)
		for uid, group := range groupByUID(comps) {
			master := group.master
			if master == nil || !isRecurring(master.comp) {
				continue
			}
			occs, err := e.expandMaster(root, master.comp, horizonStart, horizonEnd)
			if err != nil {
				e.logger.Warn().Err(err).Str("entity_id", entityID).Str("uid", uid).
					Msg("recurrence: skipping series that failed to expand")
				continue
			}
			occs = applyOverrides(occs, group.overrides)
			componentID := storage.NextComponentID(kindIdx, master.ordinal)
			for _, o := range occs {
				rows = append(rows, storage.OccurrenceRow{
					EntityID:        entityID,
					ComponentID:     componentID,
					StartUTC:        o.start.UTC(),
					EndUTC:          o.end.UTC(),
					RecurrenceIDUTC: o.recurrenceID,
				})
			}
		}
	}
	return rows
}

type occurrence struct {
	start, end   time.Time
	recurrenceID *time.Time // set only when this row differs from the plain RRULE/RDATE expansion
}

type masterRef struct {
	comp    *model.Component
	ordinal int
}

type seriesGroup struct {
	master    *masterRef
	overrides []*model.Component
}

func groupByUID(comps []*model.Component) map[string]*seriesGroup {
	groups := map[string]*seriesGroup{}
	for ordinal, c := range comps {
		p, ok := c.Prop("UID")
		if !ok {
			continue
		}
		g, ok := groups[p.Value.Text]
		if !ok {
			g = &seriesGroup{}
			groups[p.Value.Text] = g
		}
		if _, isOverride := c.Prop("RECURRENCE-ID"); isOverride {
			g.overrides = append(g.overrides, c)
		} else {
			g.master = &masterRef{comp: c, ordinal: ordinal}
		}
	}
	return groups
}

func isRecurring(c *model.Component) bool {
	if _, ok := c.Prop("RRULE"); ok {
		return true
	}
	return len(c.Props("RDATE")) > 0
}

func (e *Engine) expandMaster(root, master *model.Component, horizonStart, horizonEnd time.Time) ([]occurrence, error) {
	dtstartProp, ok := master.Prop("DTSTART")
	if !ok {
		return nil, nil
	}
	tzid := dtstartProp.Value.TZID
	loc := ResolveLocation(root, tzid)
	isDate := dtstartProp.Value.Type == model.ValueDate
	var dtstart time.Time
	if isDate {
		dtstart = dtstartProp.Value.Date
	} else {
		dtstart = dtstartProp.Value.DateTime
	}
	if dtstart.Location() == time.UTC && loc != time.UTC {
		dtstart = time.Date(dtstart.Year(), dtstart.Month(), dtstart.Day(),
			dtstart.Hour(), dtstart.Minute(), dtstart.Second(), 0, loc)
	}

	_, masterEnd, _ := storage.ComponentTimeRange(master)
	duration := time.Hour
	if masterEnd != nil {
		duration = masterEnd.Sub(dtstart)
	}

	var times []time.Time
	if p, ok := master.Prop("RRULE"); ok && p.Value.Recur != nil {
		rruleStr := "DTSTART:" + dtstart.UTC().Format("20060102T150405Z") + "\nRRULE:" + ical.FormatRecur(p.Value.Recur)
		rule, err := rrule.StrToRRule(rruleStr)
		if err != nil {
			return nil, err
		}
		times = append(times, rule.Between(horizonStart.Add(-duration), horizonEnd, true)...)
	} else {
		times = append(times, dtstart)
	}

	for _, p := range master.Props("RDATE") {
		times = append(times, expandDateList(p)...)
	}
	exdates := map[int64]bool{}
	for _, p := range master.Props("EXDATE") {
		for _, t := range expandDateList(p) {
			exdates[t.UTC().Unix()] = true
		}
	}

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var occs []occurrence
	seen := map[int64]bool{}
	for _, t := range times {
		key := t.UTC().Unix()
		if exdates[key] || seen[key] {
			continue
		}
		seen[key] = true
		end := t.Add(duration)
		if end.Before(horizonStart) || t.After(horizonEnd) {
			continue
		}
		occs = append(occs, occurrence{start: t, end: end})
	}
	return occs, nil
}

func expandDateList(p *model.Property) []time.Time {
	switch p.Value.Type {
	case model.ValueDateTimeList:
		return p.Value.DateTimeList
	case model.ValueDateList:
		return p.Value.DateList
	default:
		return nil
	}
}

// applyOverrides substitutes RECURRENCE-ID-addressed occurrences with
// their per-instance content, drops STATUS:CANCELLED occurrences, and
// shifts every later occurrence by the same delta when RANGE=THISANDFUTURE
// is present on the override's RECURRENCE-ID parameter.
func applyOverrides(occs []occurrence, overrides []*model.Component) []occurrence {
	if len(overrides) == 0 {
		return occs
	}
	sort.Slice(overrides, func(i, j int) bool {
		return recurrenceIDOf(overrides[i]).Before(recurrenceIDOf(overrides[j]))
	})

	for _, ov := range overrides {
		recID := recurrenceIDOf(ov)
		idx := indexOfOccurrence(occs, recID)
		if idx < 0 {
			continue
		}
		if isCancelled(ov) {
			occs = append(occs[:idx], occs[idx+1:]...)
			continue
		}

		newStart, newEnd := overrideStartEnd(ov, occs[idx])
		delta := newStart.Sub(recID)
		origRecID := recID

		thisAndFuture := rangeIsThisAndFuture(ov)
		for i := idx; i < len(occs); i++ {
			if !thisAndFuture && i != idx {
				break
			}
			shiftedStart := occs[i].start.Add(delta)
			shiftedEnd := occs[i].end.Add(newEnd.Sub(newStart) - occs[i].end.Sub(occs[i].start)).Add(delta)
			occs[i].start = shiftedStart
			occs[i].end = shiftedEnd
			if i == idx {
				rid := origRecID
				occs[i].recurrenceID = &rid
			} else {
				rid := occs[i].start.Add(-delta)
				occs[i].recurrenceID = &rid
			}
		}
	}
	return occs
}

func indexOfOccurrence(occs []occurrence, t time.Time) int {
	target := t.UTC().Unix()
	for i, o := range occs {
		if o.start.UTC().Unix() == target {
			return i
		}
	}
	return -1
}

func recurrenceIDOf(c *model.Component) time.Time {
	p, ok := c.Prop("RECURRENCE-ID")
	if !ok {
		return time.Time{}
	}
	if p.Value.Type == model.ValueDate {
		return p.Value.Date
	}
	return p.Value.DateTime
}

func overrideStartEnd(c *model.Component, fallback occurrence) (time.Time, time.Time) {
	dtstart, ok := c.Prop("DTSTART")
	if !ok {
		return fallback.start, fallback.end
	}
	var start time.Time
	if dtstart.Value.Type == model.ValueDate {
		start = dtstart.Value.Date
	} else {
		start = dtstart.Value.DateTime
	}
	_, end, _ := storage.ComponentTimeRange(c)
	if end == nil {
		d := fallback.end.Sub(fallback.start)
		e := start.Add(d)
		return start, e
	}
	return start, *end
}

func isCancelled(c *model.Component) bool {
	p, ok := c.Prop("STATUS")
	return ok && (p.Value.Text == "CANCELLED")
}

func rangeIsThisAndFuture(c *model.Component) bool {
	p, ok := c.Prop("RECURRENCE-ID")
	if !ok {
		return false
	}
	rng, ok := p.Param("RANGE")
	if !ok {
		return false
	}
	for _, v := range rng.Values {
		if v == "THISANDFUTURE" {
			return true
		}
	}
	return false
}
