// Package ical implements the iCalendar (RFC 5545) half of the content
// codec (spec §4.1), wrapping github.com/emersion/go-ical for line
// unfolding/folding and delegating our own structural model, RRULE
// parsing, and canonicalization on top of it.
package ical

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/hashicorp/go-multierror"

	"github.com/davkit/davkit/internal/content/model"
)

// Parse decodes raw iCalendar bytes into our structural model, applying
// RFC 6868 caret decoding to parameter values and resolving each
// property's value type before unescaping text content.
func Parse(raw []byte) (*model.Component, error) {
	cal, err := goical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("ical: decode: %w", err)
	}
	return fromGoICal(cal.Component), nil
}

func fromGoICal(c *goical.Component) *model.Component {
	out := &model.Component{Name: c.Name}
	names := sortedPropNames(c.Props)
	ord := 0
	for _, name := range names {
		for _, p := range c.Props.Values(name) {
			out.Properties = append(out.Properties, convertProp(name, p, ord))
			ord++
		}
	}
	for i, child := range c.Children {
		cc := fromGoICal(child)
		cc.Ordinal = i
		out.AddChild(cc)
	}
	return out
}

func sortedPropNames(props goical.Props) []string {
	names := make([]string, 0, len(props))
	for n := range props {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func convertProp(name string, p goical.Prop, ord int) model.Property {
	out := model.Property{Name: name, Ordinal: ord}
	for _, pname := range sortedParamNames(p.Params) {
		out.Parameters = append(out.Parameters, model.Parameter{
			Name:   pname,
			Values: caretDecodeAll(p.Params.Values(pname)),
		})
	}
	out.Value = parseValue(name, p, out.Parameters)
	return out
}

func sortedParamNames(params goical.Params) []string {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// caretDecode applies RFC 6868 decoding: ^n -> LF, ^' -> ", ^^ -> ^.
func caretDecode(s string) string {
	if !strings.Contains(s, "^") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '^' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\'':
				b.WriteByte('"')
				i++
				continue
			case '^':
				b.WriteByte('^')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func caretDecodeAll(vs []string) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = caretDecode(v)
	}
	return out
}

// caretEncode is the inverse of caretDecode, used on serialization.
func caretEncode(s string) string {
	if !strings.ContainsAny(s, "^\n\"") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '^':
			b.WriteString("^^")
		case '\n':
			b.WriteString("^n")
		case '"':
			b.WriteString("^'")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n', 'N':
				b.WriteByte('\n')
				i++
				continue
			case ',':
				b.WriteByte(',')
				i++
				continue
			case ';':
				b.WriteByte(';')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString("\\n")
		case ',':
			b.WriteString("\\,")
		case ';':
			b.WriteString("\\;")
		case '\\':
			b.WriteString("\\\\")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// defaultValueType resolves a property's value type absent an explicit
// VALUE= parameter, per the per-property default table spec §4.1 names.
func defaultValueType(name string) model.ValueType {
	switch strings.ToUpper(name) {
	case "DTSTART", "DTEND", "DUE", "RECURRENCE-ID", "EXDATE", "RDATE", "CREATED", "LAST-MODIFIED", "DTSTAMP", "COMPLETED":
		return model.ValueDateTime
	case "DURATION":
		return model.ValueDuration
	case "FREEBUSY":
		return model.ValuePeriod
	case "RRULE", "EXRULE":
		return model.ValueRecur
	case "SEQUENCE", "PRIORITY", "PERCENT-COMPLETE", "REPEAT":
		return model.ValueInteger
	case "GEO":
		return model.ValueFloat
	case "TZOFFSETFROM", "TZOFFSETTO":
		return model.ValueUTCOffset
	case "ATTACH":
		return model.ValueURI
	case "ORGANIZER", "ATTENDEE":
		return model.ValueCalAddress
	default:
		return model.ValueText
	}
}

func valueParamType(p goical.Prop) (model.ValueType, bool) {
	v := p.Params.Get("VALUE")
	if v == "" {
		return "", false
	}
	switch strings.ToUpper(v) {
	case "DATE":
		return model.ValueDate, true
	case "DATE-TIME":
		return model.ValueDateTime, true
	case "DURATION":
		return model.ValueDuration, true
	case "PERIOD":
		return model.ValuePeriod, true
	case "INTEGER":
		return model.ValueInteger, true
	case "FLOAT":
		return model.ValueFloat, true
	case "BOOLEAN":
		return model.ValueBoolean, true
	case "BINARY":
		return model.ValueBinary, true
	case "URI":
		return model.ValueURI, true
	case "CAL-ADDRESS":
		return model.ValueCalAddress, true
	case "TIME":
		return model.ValueTime, true
	case "UTC-OFFSET":
		return model.ValueUTCOffset, true
	case "RECUR":
		return model.ValueRecur, true
	case "TEXT":
		return model.ValueText, true
	}
	return "", false
}

func parseValue(name string, p goical.Prop, params []model.Parameter) model.Value {
	vt, explicit := valueParamType(p)
	if !explicit {
		vt = defaultValueType(name)
	}
	v := model.Value{Type: vt}
	for _, pm := range params {
		if equalFold(pm.Name, "TZID") && len(pm.Values) > 0 {
			v.TZID = pm.Values[0]
		}
	}

	switch vt {
	case model.ValueDate:
		if isDateListProperty(name) {
			v.Type = model.ValueDateList
			v.DateList = parseDateList(p.Value)
		} else if t, err := time.Parse("20060102", p.Value); err == nil {
			v.Date = t
		}
	case model.ValueDateTime:
		if isDateListProperty(name) {
			v.Type = model.ValueDateTimeList
			v.DateTimeList = parseDateTimeList(p.Value, v.TZID)
		} else {
			t, isDate := ParseDateTime(p.Value, v.TZID)
			if isDate {
				v.Type = model.ValueDate
				v.Date = t
			} else {
				v.DateTime = t
			}
		}
	case model.ValueDuration:
		d, err := ParseDuration(p.Value)
		if err == nil {
			v.Duration = d
		}
	case model.ValuePeriod:
		v.Period = parsePeriodList(p.Value)
	case model.ValueRecur:
		rr, err := ParseRecur(p.Value)
		if err == nil {
			v.Recur = rr
		}
	case model.ValueInteger:
		n, _ := strconv.ParseInt(p.Value, 10, 64)
		v.Integer = n
	case model.ValueFloat:
		f, _ := strconv.ParseFloat(strings.SplitN(p.Value, ";", 2)[0], 64)
		v.Float = f
	case model.ValueBoolean:
		v.Boolean = strings.EqualFold(p.Value, "TRUE")
	case model.ValueBinary:
		v.Binary = []byte(p.Value) // already base64 text at this layer
	case model.ValueURI:
		v.URI = p.Value
	case model.ValueCalAddress:
		v.CalAddress = p.Value
	case model.ValueUTCOffset:
		v.UTCOffset = parseUTCOffset(p.Value)
	case model.ValueTime:
		if t, err := time.Parse("150405", strings.TrimSuffix(p.Value, "Z")); err == nil {
			v.Time = t
		}
	default:
		if isListProperty(name) {
			v.Type = model.ValueTextList
			parts := strings.Split(p.Value, ",")
			for i := range parts {
				parts[i] = unescapeText(parts[i])
			}
			v.TextList = parts
		} else {
			v.Text = unescapeText(p.Value)
		}
	}
	return v
}

func isListProperty(name string) bool {
	switch strings.ToUpper(name) {
	case "CATEGORIES", "RESOURCES":
		return true
	}
	return false
}

// isDateListProperty names the properties whose DATE/DATE-TIME value is a
// comma-separated list rather than a single instant (RFC 5545 §3.8.5.1,
// §3.8.5.2): EXDATE and RDATE.
func isDateListProperty(name string) bool {
	switch strings.ToUpper(name) {
	case "EXDATE", "RDATE":
		return true
	}
	return false
}

func parseDateList(s string) []time.Time {
	parts := strings.Split(s, ",")
	out := make([]time.Time, 0, len(parts))
	for _, part := range parts {
		if t, err := time.Parse("20060102", strings.TrimSpace(part)); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func parseDateTimeList(s, tzid string) []time.Time {
	parts := strings.Split(s, ",")
	out := make([]time.Time, 0, len(parts))
	for _, part := range parts {
		t, _ := ParseDateTime(strings.TrimSpace(part), tzid)
		out = append(out, t)
	}
	return out
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

func parseUTCOffset(s string) time.Duration {
	if len(s) < 5 {
		return 0
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	h, _ := strconv.Atoi(s[1:3])
	m, _ := strconv.Atoi(s[3:5])
	sec := 0
	if len(s) >= 7 {
		sec, _ = strconv.Atoi(s[5:7])
	}
	return time.Duration(sign) * (time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second)
}

func parsePeriodList(s string) model.Period {
	parts := strings.SplitN(s, ",", 2)[0] // first value; multi-value PERIOD lists surface in RDATE handling
	se := strings.SplitN(parts, "/", 2)
	if len(se) != 2 {
		return model.Period{}
	}
	start, _ := ParseDateTime(se[0], "")
	if strings.HasPrefix(se[1], "P") || strings.HasPrefix(se[1], "-P") {
		dur, _ := ParseDuration(se[1])
		return model.Period{Start: start, Duration: dur, HasEnd: false}
	}
	end, _ := ParseDateTime(se[1], "")
	return model.Period{Start: start, End: end, HasEnd: true}
}

// Validate checks the structural preconditions spec §4.1 names, aggregating
// every violation found rather than failing on the first, via go-multierror.
func Validate(root *model.Component) error {
	var result *multierror.Error
	if !equalFold(root.Name, "VCALENDAR") {
		result = multierror.Append(result, fmt.Errorf("root component must be VCALENDAR, got %s", root.Name))
		return result.ErrorOrNil()
	}
	if _, ok := root.Prop("VERSION"); !ok {
		result = multierror.Append(result, fmt.Errorf("missing required VERSION property"))
	}
	if _, ok := root.Prop("PRODID"); !ok {
		result = multierror.Append(result, fmt.Errorf("missing required PRODID property"))
	}
	found := false
	for _, kind := range []string{"VEVENT", "VTODO", "VJOURNAL", "VFREEBUSY"} {
		for _, c := range root.ChildrenNamed(kind) {
			found = true
			if err := validateComponent(c); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if !found {
		result = multierror.Append(result, fmt.Errorf("VCALENDAR must contain at least one VEVENT, VTODO, VJOURNAL, or VFREEBUSY"))
	}
	return result.ErrorOrNil()
}

func validateComponent(c *model.Component) error {
	var result *multierror.Error
	if _, ok := c.Prop("UID"); !ok {
		result = multierror.Append(result, fmt.Errorf("%s: missing required UID property", c.Name))
	}
	_, hasDTStart := c.Prop("DTSTART")
	if (equalFold(c.Name, "VEVENT") || equalFold(c.Name, "VTODO")) && !hasDTStart {
		if equalFold(c.Name, "VEVENT") {
			result = multierror.Append(result, fmt.Errorf("VEVENT: missing required DTSTART property"))
		}
	}
	_, hasDTEnd := c.Prop("DTEND")
	_, hasDuration := c.Prop("DURATION")
	if hasDTEnd && hasDuration {
		result = multierror.Append(result, fmt.Errorf("%s: DTEND and DURATION are mutually exclusive", c.Name))
	}
	if rrProp, ok := c.Prop("RRULE"); ok && rrProp.Value.Recur != nil {
		if err := rrProp.Value.Recur.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, alarm := range c.ChildrenNamed("VALARM") {
		if !equalFold(c.Name, "VEVENT") && !equalFold(c.Name, "VTODO") {
			result = multierror.Append(result, fmt.Errorf("VALARM invalid inside %s", c.Name))
		}
		_ = alarm
	}
	return result.ErrorOrNil()
}
