package query

import (
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davkit/davkit/internal/content/ical"
)

const calendarQueryFilterXML = `<C:filter xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:comp-filter name="VCALENDAR">
    <C:comp-filter name="VEVENT">
      <C:time-range start="20240102T000000Z" end="20240104T000000Z"/>
      <C:prop-filter name="SUMMARY">
        <C:text-match collation="i;ascii-casemap">standup</C:text-match>
      </C:prop-filter>
    </C:comp-filter>
  </C:comp-filter>
</C:filter>`

const singleEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
BEGIN:VEVENT
UID:single-1@example.com
DTSTAMP:20240101T000000Z
DTSTART:20240103T090000Z
DTEND:20240103T100000Z
SUMMARY:Standup
END:VEVENT
END:VCALENDAR
`

func parseFilter(t *testing.T, xml string) *CompFilter {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xml))
	f := ParseCompFilter(doc.Root())
	require.NotNil(t, f)
	return f
}

func TestEvaluate_CompAndPropFilterMatch(t *testing.T) {
	root, err := ical.Parse([]byte(singleEvent))
	require.NoError(t, err)
	f := parseFilter(t, calendarQueryFilterXML)

	assert.True(t, Evaluate(f, root, nil))
}

func TestEvaluate_TimeRangeExcludesOutOfRange(t *testing.T) {
	root, err := ical.Parse([]byte(singleEvent))
	require.NoError(t, err)
	f := parseFilter(t, calendarQueryFilterXML)
	f.Children[0].TimeRange = &TimeRange{
		Start: timePtr(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		End:   timePtr(time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)),
	}

	assert.False(t, Evaluate(f, root, nil))
}

func TestEvaluate_TextMatchNegate(t *testing.T) {
	root, err := ical.Parse([]byte(singleEvent))
	require.NoError(t, err)
	f := parseFilter(t, calendarQueryFilterXML)
	f.Children[0].PropFilters[0].TextMatch.Value = "retro"
	f.Children[0].PropFilters[0].TextMatch.Negate = true

	assert.True(t, Evaluate(f, root, nil))
}

func TestMatchText_AsciiCasemapLeavesNonASCIIUntouched(t *testing.T) {
	tm := &TextMatch{Collation: "i;ascii-casemap", MatchType: "equals"}
	tm.Value = "STRASSE"
	assert.False(t, matchText("straße", tm))
}

func TestMatchText_UnicodeCasemapFoldsSharpS(t *testing.T) {
	tm := &TextMatch{Collation: "i;unicode-casemap", MatchType: "equals"}
	tm.Value = "strasse"
	assert.True(t, matchText("straße", tm))
}

func timePtr(t time.Time) *time.Time { return &t }
