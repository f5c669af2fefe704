package ical

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davkit/davkit/internal/content/model"
)

// ParseDateTime parses a DATE or DATE-TIME value per RFC 5545 §3.3.5,
// reporting whether the value was date-only. A trailing "Z" denotes UTC;
// a bare local-time form is interpreted against tzid when provided, or
// treated as floating local time when tzid is empty.
func ParseDateTime(s, tzid string) (time.Time, bool) {
	if len(s) == 8 {
		t, err := time.Parse("20060102", s)
		return t, err == nil
	}
	if strings.HasSuffix(s, "Z") {
		t, _ := time.Parse("20060102T150405Z", s)
		return t, false
	}
	if tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = time.UTC
		}
		t, _ := time.ParseInLocation("20060102T150405", s, loc)
		return t, false
	}
	t, _ := time.Parse("20060102T150405", s)
	return t, false
}

// FormatDateTime is the inverse of ParseDateTime for canonical serialization.
func FormatDateTime(t time.Time, isDate bool, tzid string) string {
	if isDate {
		return t.Format("20060102")
	}
	if tzid == "" && (t.Location() == time.UTC) {
		return t.UTC().Format("20060102T150405Z")
	}
	return t.Format("20060102T150405")
}

// ParseDuration parses an RFC 5545 §3.3.6 DURATION value, e.g. "-P1DT2H3M4S".
func ParseDuration(s string) (time.Duration, error) {
	neg := false
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	if i >= len(s) || s[i] != 'P' {
		return 0, fmt.Errorf("ical: invalid duration %q", s)
	}
	i++
	var d time.Duration
	inTime := false
	num := 0
	haveNum := false
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 'T':
			inTime = true
		case c >= '0' && c <= '9':
			num = num*10 + int(c-'0')
			haveNum = true
		case c == 'W':
			d += time.Duration(num) * 7 * 24 * time.Hour
			num, haveNum = 0, false
		case c == 'D':
			d += time.Duration(num) * 24 * time.Hour
			num, haveNum = 0, false
		case c == 'H':
			d += time.Duration(num) * time.Hour
			num, haveNum = 0, false
		case c == 'M':
			if inTime {
				d += time.Duration(num) * time.Minute
			} else {
				return 0, fmt.Errorf("ical: invalid duration %q", s)
			}
			num, haveNum = 0, false
		case c == 'S':
			d += time.Duration(num) * time.Second
			num, haveNum = 0, false
		default:
			return 0, fmt.Errorf("ical: invalid duration character %q in %q", c, s)
		}
	}
	if haveNum {
		return 0, fmt.Errorf("ical: trailing digits in duration %q", s)
	}
	if neg {
		d = -d
	}
	return d, nil
}

// FormatDuration is the inverse of ParseDuration.
func FormatDuration(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	mins := int64(d / time.Minute)
	d -= time.Duration(mins) * time.Minute
	secs := int64(d / time.Second)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || mins > 0 || secs > 0 {
		b.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if mins > 0 {
			fmt.Fprintf(&b, "%dM", mins)
		}
		if secs > 0 {
			fmt.Fprintf(&b, "%dS", secs)
		}
	}
	if days == 0 && hours == 0 && mins == 0 && secs == 0 {
		b.WriteString("T0S")
	}
	return b.String()
}

// ParseRecur parses an RRULE value string into the closed RecurRule model,
// supporting every list-valued BY* part (resolving the list-semantics
// question by keeping BY* parts as ordered integer/weekday lists applied
// in the RFC 5545 §3.3.10 expansion order, never collapsed to one value).
func ParseRecur(s string) (*model.RecurRule, error) {
	r := &model.RecurRule{Interval: 1, WKST: time.Monday}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("ical: malformed RRULE part %q", part)
		}
		key, val := strings.ToUpper(kv[0]), kv[1]
		switch key {
		case "FREQ":
			f, err := parseFreq(val)
			if err != nil {
				return nil, err
			}
			r.Freq = f
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("ical: invalid INTERVAL %q", val)
			}
			r.Interval = n
		case "UNTIL":
			t, _ := ParseDateTime(val, "")
			r.Until = &t
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("ical: invalid COUNT %q", val)
			}
			r.Count = &n
		case "BYSECOND":
			r.BySecond = parseIntList(val)
		case "BYMINUTE":
			r.ByMinute = parseIntList(val)
		case "BYHOUR":
			r.ByHour = parseIntList(val)
		case "BYMONTHDAY":
			r.ByMonthDay = parseIntList(val)
		case "BYYEARDAY":
			r.ByYearDay = parseIntList(val)
		case "BYWEEKNO":
			r.ByWeekNo = parseIntList(val)
		case "BYMONTH":
			r.ByMonth = parseIntList(val)
		case "BYSETPOS":
			r.BySetPos = parseIntList(val)
		case "BYDAY":
			wds, err := parseWeekdayList(val)
			if err != nil {
				return nil, err
			}
			r.ByDay = wds
		case "WKST":
			r.WKST = parseWeekdayAbbrev(val)
		default:
			// unknown RRULE parts are ignored, per RFC 5545 §3.3.10 forward-compatibility
		}
	}
	return r, nil
}

func parseFreq(s string) (model.Frequency, error) {
	switch s {
	case "SECONDLY":
		return model.Secondly, nil
	case "MINUTELY":
		return model.Minutely, nil
	case "HOURLY":
		return model.Hourly, nil
	case "DAILY":
		return model.Daily, nil
	case "WEEKLY":
		return model.Weekly, nil
	case "MONTHLY":
		return model.Monthly, nil
	case "YEARLY":
		return model.Yearly, nil
	}
	return 0, fmt.Errorf("ical: invalid FREQ %q", s)
}

func formatFreq(f model.Frequency) string {
	switch f {
	case model.Secondly:
		return "SECONDLY"
	case model.Minutely:
		return "MINUTELY"
	case model.Hourly:
		return "HOURLY"
	case model.Daily:
		return "DAILY"
	case model.Weekly:
		return "WEEKLY"
	case model.Monthly:
		return "MONTHLY"
	case model.Yearly:
		return "YEARLY"
	}
	return "DAILY"
}

func parseIntList(s string) []int {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseWeekdayList(s string) ([]model.Weekday, error) {
	parts := strings.Split(s, ",")
	out := make([]model.Weekday, 0, len(parts))
	for _, p := range parts {
		wd, err := parseWeekdayToken(p)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, nil
}

func parseWeekdayToken(tok string) (model.Weekday, error) {
	i := 0
	for i < len(tok) && (tok[i] == '+' || tok[i] == '-' || (tok[i] >= '0' && tok[i] <= '9')) {
		i++
	}
	numPart, dayPart := tok[:i], tok[i:]
	if len(dayPart) != 2 {
		return model.Weekday{}, fmt.Errorf("ical: invalid BYDAY token %q", tok)
	}
	day := parseWeekdayAbbrev(dayPart)
	if numPart == "" {
		return model.Weekday{Day: day}, nil
	}
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return model.Weekday{}, fmt.Errorf("ical: invalid BYDAY ordinal %q", tok)
	}
	return model.Weekday{Day: day, N: n, HasN: true}, nil
}

func parseWeekdayAbbrev(s string) time.Weekday {
	switch strings.ToUpper(s) {
	case "SU":
		return time.Sunday
	case "MO":
		return time.Monday
	case "TU":
		return time.Tuesday
	case "WE":
		return time.Wednesday
	case "TH":
		return time.Thursday
	case "FR":
		return time.Friday
	case "SA":
		return time.Saturday
	}
	return time.Monday
}

func weekdayAbbrev(d time.Weekday) string {
	return [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}[d]
}

// FormatRecur renders a RecurRule back to its RRULE value string, in the
// canonical part order FREQ;INTERVAL;COUNT/UNTIL;BY*;WKST.
func FormatRecur(r *model.RecurRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FREQ=%s", formatFreq(r.Freq))
	if r.Interval > 1 {
		fmt.Fprintf(&b, ";INTERVAL=%d", r.Interval)
	}
	if r.Count != nil {
		fmt.Fprintf(&b, ";COUNT=%d", *r.Count)
	} else if r.Until != nil {
		fmt.Fprintf(&b, ";UNTIL=%s", FormatDateTime(*r.Until, false, ""))
	}
	writeIntList(&b, "BYSECOND", r.BySecond)
	writeIntList(&b, "BYMINUTE", r.ByMinute)
	writeIntList(&b, "BYHOUR", r.ByHour)
	if len(r.ByDay) > 0 {
		b.WriteString(";BYDAY=")
		for i, wd := range r.ByDay {
			if i > 0 {
				b.WriteByte(',')
			}
			if wd.HasN {
				fmt.Fprintf(&b, "%d", wd.N)
			}
			b.WriteString(weekdayAbbrev(wd.Day))
		}
	}
	writeIntList(&b, "BYMONTHDAY", r.ByMonthDay)
	writeIntList(&b, "BYYEARDAY", r.ByYearDay)
	writeIntList(&b, "BYWEEKNO", r.ByWeekNo)
	writeIntList(&b, "BYMONTH", r.ByMonth)
	writeIntList(&b, "BYSETPOS", r.BySetPos)
	if r.WKST != time.Monday {
		fmt.Fprintf(&b, ";WKST=%s", weekdayAbbrev(r.WKST))
	}
	return b.String()
}

func writeIntList(b *strings.Builder, key string, vals []int) {
	if len(vals) == 0 {
		return
	}
	b.WriteByte(';')
	b.WriteString(key)
	b.WriteByte('=')
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%d", v)
	}
}
