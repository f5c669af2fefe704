package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/davkit/davkit/internal/content/model"
)

// Serialize renders the structural model back to canonical iCalendar bytes:
// a fixed property/parameter order (the order already carried on the
// model from Parse, or insertion order for freshly built components),
// CRLF line endings and folding delegated to go-ical's encoder, and RFC
// 6868 caret-encoding applied to parameter values that need it.
func Serialize(root *model.Component) ([]byte, error) {
	cal := &goical.Calendar{Component: toGoICal(root)}
	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("ical: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func toGoICal(c *model.Component) *goical.Component {
	out := &goical.Component{
		Name:  strings.ToUpper(c.Name),
		Props: goical.Props{},
	}
	for _, p := range c.Properties {
		gp := toGoICalProp(p)
		out.Props.Add(gp)
	}
	for _, child := range c.Children {
		out.Children = append(out.Children, toGoICal(child))
	}
	return out
}

func toGoICalProp(p model.Property) goical.Prop {
	gp := goical.Prop{
		Name:   strings.ToUpper(p.Name),
		Params: goical.Params{},
	}
	for _, pa := range p.Parameters {
		for _, v := range pa.Values {
			gp.Params.Add(strings.ToUpper(pa.Name), caretEncode(v))
		}
	}
	gp.Value = formatValue(p.Value)
	return gp
}

func formatValue(v model.Value) string {
	switch v.Type {
	case model.ValueText:
		return escapeText(v.Text)
	case model.ValueTextList:
		parts := make([]string, len(v.TextList))
		for i, s := range v.TextList {
			parts[i] = escapeText(s)
		}
		return strings.Join(parts, ",")
	case model.ValueInteger:
		return strconv.FormatInt(v.Integer, 10)
	case model.ValueFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case model.ValueBoolean:
		if v.Boolean {
			return "TRUE"
		}
		return "FALSE"
	case model.ValueDate:
		return FormatDateTime(v.Date, true, "")
	case model.ValueDateTime:
		return FormatDateTime(v.DateTime, false, v.TZID)
	case model.ValueDateList:
		parts := make([]string, len(v.DateList))
		for i, t := range v.DateList {
			parts[i] = FormatDateTime(t, true, "")
		}
		return strings.Join(parts, ",")
	case model.ValueDateTimeList:
		parts := make([]string, len(v.DateTimeList))
		for i, t := range v.DateTimeList {
			parts[i] = FormatDateTime(t, false, v.TZID)
		}
		return strings.Join(parts, ",")
	case model.ValueDuration:
		return FormatDuration(v.Duration)
	case model.ValuePeriod:
		return formatPeriod(v.Period)
	case model.ValueBinary:
		return string(v.Binary)
	case model.ValueURI:
		return v.URI
	case model.ValueCalAddress:
		return v.CalAddress
	case model.ValueUTCOffset:
		return formatUTCOffset(v.UTCOffset)
	case model.ValueTime:
		return v.Time.Format("150405")
	case model.ValueRecur:
		if v.Recur == nil {
			return ""
		}
		return FormatRecur(v.Recur)
	default:
		return v.Text
	}
}

func formatPeriod(p model.Period) string {
	start := FormatDateTime(p.Start, false, "")
	if p.HasEnd {
		return start + "/" + FormatDateTime(p.End, false, "")
	}
	return start + "/" + FormatDuration(p.Duration)
}

func formatUTCOffset(d time.Duration) string {
	sign := "+"
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)
	if s != 0 {
		return fmt.Sprintf("%s%02d%02d%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%s%02d%02d", sign, h, m)
}
