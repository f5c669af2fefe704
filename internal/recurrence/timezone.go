package recurrence

import (
	"time"

	"github.com/davkit/davkit/internal/content/ical"
	"github.com/davkit/davkit/internal/content/model"
)

// ResolveLocation honors the entity's own VTIMEZONE sub-components over
// the IANA tzdata when both define the same TZID (Open Question #3): a
// VTIMEZONE child of root whose TZID matches wins; otherwise we fall back
// to time.LoadLocation, and finally to UTC.
//
// The entity's VTIMEZONE is collapsed to the offset of its last STANDARD
// or DAYLIGHT sub-component rather than a full transition table — RFC 5545
// lets a VTIMEZONE express recurring transition rules with their own
// RRULE, and modeling those precisely would mean re-running the same RRULE
// expansion this package already does just to resolve an offset. Entities
// that rely on historical DST transitions inside their own VTIMEZONE
// (rare; most generators emit VTIMEZONE purely to echo the IANA zone) are
// the known gap.
func ResolveLocation(root *model.Component, tzid string) *time.Location {
	if tzid == "" {
		return time.UTC
	}
	for _, vtz := range root.ChildrenNamed("VTIMEZONE") {
		p, ok := vtz.Prop("TZID")
		if !ok || p.Value.Text != tzid {
			continue
		}
		if loc, ok := locationFromVTimezone(vtz, tzid); ok {
			return loc
		}
	}
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc
	}
	return time.UTC
}

func locationFromVTimezone(vtz *model.Component, tzid string) (*time.Location, bool) {
	var latest *model.Component
	var latestStart time.Time
	for _, name := range []string{"STANDARD", "DAYLIGHT"} {
		for _, sub := range vtz.ChildrenNamed(name) {
			dtstart, ok := sub.Prop("DTSTART")
			if !ok {
				continue
			}
			start, _ := ical.ParseDateTime(dtstart.Value.Text, "")
			if latest == nil || start.After(latestStart) {
				latest, latestStart = sub, start
			}
		}
	}
	if latest == nil {
		return nil, false
	}
	offp, ok := latest.Prop("TZOFFSETTO")
	if !ok {
		return nil, false
	}
	return time.FixedZone(tzid, int(offp.Value.UTCOffset.Seconds())), true
}
