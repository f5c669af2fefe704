package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/davkit/davkit/internal/content/ical"
	"github.com/davkit/davkit/internal/content/model"
	"github.com/davkit/davkit/internal/content/vcard"
)

// ParseAndValidate runs the C1 codec appropriate to a collection kind,
// returning the parsed structural tree. It is the shared entry point
// backends call from PutInstance before canonicalization.
func ParseAndValidate(kind CollectionKind, raw []byte) (*model.Component, EntityKind, error) {
	switch kind {
	case CollectionCalendar:
		root, err := ical.Parse(raw)
		if err != nil {
			return nil, "", fmt.Errorf("ContentInvalid: %w", err)
		}
		if err := ical.Validate(root); err != nil {
			return nil, "", fmt.Errorf("ContentInvalid: %w", err)
		}
		return root, EntityICalendar, nil
	case CollectionAddressbook:
		root, err := vcard.Parse(raw)
		if err != nil {
			return nil, "", fmt.Errorf("ContentInvalid: %w", err)
		}
		if err := vcard.Normalize(root, ""); err != nil {
			return nil, "", fmt.Errorf("ContentInvalid: %w", err)
		}
		if err := vcard.Validate(root); err != nil {
			return nil, "", fmt.Errorf("ContentInvalid: %w", err)
		}
		return root, EntityVCard, nil
	default:
		return nil, "", fmt.Errorf("ContentInvalid: collection kind %q does not accept instances", kind)
	}
}

// Canonicalize re-serializes root through its codec's canonical form and
// extracts the logical UID, so strong ETags are content-hash derivable.
func Canonicalize(kind EntityKind, root *model.Component) (canonical []byte, uid string, err error) {
	switch kind {
	case EntityICalendar:
		canonical, err = ical.Serialize(root)
		if err != nil {
			return nil, "", err
		}
		for _, child := range root.Children {
			if p, ok := child.Prop("UID"); ok {
				return canonical, p.Value.Text, nil
			}
		}
		return nil, "", fmt.Errorf("ContentInvalid: no UID found in any top-level component")
	case EntityVCard:
		canonical, err = vcard.Serialize(root)
		if err != nil {
			return nil, "", err
		}
		if p, ok := root.Prop("UID"); ok {
			return canonical, p.Value.Text, nil
		}
		return nil, "", fmt.Errorf("ContentInvalid: no UID found")
	default:
		return nil, "", fmt.Errorf("ContentInvalid: unknown entity kind %q", kind)
	}
}

// BuildCalendarIndex derives one CalendarIndexRow per top-level
// VEVENT/VTODO/VJOURNAL/VFREEBUSY component, per spec §3's "derived
// calendar index (per component)" shape. It does not expand recurrences;
// that is the recurrence engine's job, invoked separately by the
// protocol layer after a successful PutInstance.
func BuildCalendarIndex(entityID string, root *model.Component) []CalendarIndexRow {
	var rows []CalendarIndexRow
	for i, kind := range []string{"VEVENT", "VTODO", "VJOURNAL", "VFREEBUSY"} {
		for j, c := range root.ChildrenNamed(kind) {
			row := CalendarIndexRow{
				EntityID:    entityID,
				ComponentID: fmt.Sprintf("%d:%d", i, j),
				Component:   kind,
			}
			if p, ok := c.Prop("UID"); ok {
				row.UID = p.Value.Text
			}
			if p, ok := c.Prop("SEQUENCE"); ok {
				row.Sequence = int(p.Value.Integer)
			}
			if p, ok := c.Prop("RRULE"); ok && p.Value.Recur != nil {
				row.RRuleText = ical.FormatRecur(p.Value.Recur)
			}
			start, end, allDay := ComponentTimeRange(c)
			row.StartUTC, row.EndUTC, row.AllDay = start, end, allDay
			row.MetadataJSON = buildMetadataJSON(c)
			rows = append(rows, row)
		}
	}
	return rows
}

// ComponentTimeRange implements spec §4.5's DTEND/DURATION/DUE/DATE-vs-
// DATE-TIME overlap table, shared by the calendar index build and the
// recurrence engine's per-occurrence duration calculation.
func ComponentTimeRange(c *model.Component) (start, end *time.Time, allDay bool) {
	dtstart, hasStart := c.Prop("DTSTART")
	if !hasStart {
		return nil, nil, false
	}
	isDate := dtstart.Value.Type == model.ValueDate
	var s time.Time
	if isDate {
		s = dtstart.Value.Date
	} else {
		s = dtstart.Value.DateTime
	}

	if dtend, ok := c.Prop("DTEND"); ok {
		e := dtend.Value.DateTime
		if dtend.Value.Type == model.ValueDate {
			e = dtend.Value.Date
		}
		return &s, &e, isDate
	}
	if dur, ok := c.Prop("DURATION"); ok {
		e := s.Add(dur.Value.Duration)
		return &s, &e, isDate
	}
	if due, ok := c.Prop("DUE"); ok {
		d := due.Value.DateTime
		if due.Value.Type == model.ValueDate {
			d = due.Value.Date
		}
		lo, hi := s, d
		if hi.Before(lo) {
			lo, hi = hi, lo
		}
		return &lo, &hi, isDate
	}
	if isDate {
		e := s.AddDate(0, 0, 1)
		return &s, &e, true
	}
	return &s, &s, false
}

func buildMetadataJSON(c *model.Component) string {
	meta := map[string]any{}
	if p, ok := c.Prop("SUMMARY"); ok {
		meta["summary"] = p.Value.Text
	}
	if p, ok := c.Prop("LOCATION"); ok {
		meta["location"] = p.Value.Text
	}
	if p, ok := c.Prop("ORGANIZER"); ok {
		meta["organizer"] = p.Value.CalAddress
	}
	if attendees := c.Props("ATTENDEE"); len(attendees) > 0 {
		var emails []string
		for _, a := range attendees {
			emails = append(emails, a.Value.CalAddress)
		}
		meta["attendees"] = emails
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// BuildCardIndex derives the card_index row for a vCard entity.
func BuildCardIndex(entityID string, root *model.Component) CardIndexRow {
	row := CardIndexRow{EntityID: entityID}
	if p, ok := root.Prop("FN"); ok {
		row.FN = p.Value.Text
	}
	meta := map[string]any{}
	if n, ok := root.Prop("N"); ok {
		meta["n"] = n.Value.Text
	}
	if p, ok := root.Prop("ORG"); ok {
		meta["org"] = p.Value.Text
	}
	var emails, tels []string
	for _, p := range root.Props("EMAIL") {
		emails = append(emails, p.Value.Text)
	}
	for _, p := range root.Props("TEL") {
		tels = append(tels, p.Value.Text)
	}
	meta["emails"] = emails
	meta["phones"] = tels
	b, err := json.Marshal(meta)
	if err == nil {
		row.MetadataJSON = string(b)
	} else {
		row.MetadataJSON = "{}"
	}

	var sb []byte
	sb = append(sb, []byte(row.FN)...)
	for _, e := range emails {
		sb = append(sb, ' ')
		sb = append(sb, []byte(e)...)
	}
	row.SearchVector = string(sb)
	return row
}

// NextComponentID formats the deterministic component_id used by
// BuildCalendarIndex's caller conventions, exported so the recurrence
// engine can address the same rows when it writes occurrences.
func NextComponentID(kindIndex, ordinal int) string {
	return strconv.Itoa(kindIndex) + ":" + strconv.Itoa(ordinal)
}
