package webdavxml

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePropfind_AllProp(t *testing.T) {
	req, err := ParsePropfind(nil)
	require.NoError(t, err)
	assert.True(t, req.AllProp)
}

func TestParsePropfind_PropNames(t *testing.T) {
	body := []byte(`<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:displayname/>
    <D:getetag/>
  </D:prop>
</D:propfind>`)
	req, err := ParsePropfind(body)
	require.NoError(t, err)
	require.Len(t, req.Props, 2)
	assert.Equal(t, "displayname", req.Props[0].Local)
	assert.Equal(t, NSDAV, req.Props[0].Space)
}

func TestParsePropfind_Propname(t *testing.T) {
	body := []byte(`<D:propfind xmlns:D="DAV:"><D:propname/></D:propfind>`)
	req, err := ParsePropfind(body)
	require.NoError(t, err)
	assert.True(t, req.PropName)
}

func TestParseProppatch_SetAndRemove(t *testing.T) {
	body := []byte(`<D:propertyupdate xmlns:D="DAV:">
  <D:set><D:prop><D:displayname>My Calendar</D:displayname></D:prop></D:set>
  <D:remove><D:prop><D:calendar-description xmlns:C="urn:ietf:params:xml:ns:caldav"/></D:prop></D:remove>
</D:propertyupdate>`)
	ops, err := ParseProppatch(body)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.False(t, ops[0].Remove)
	assert.Equal(t, "displayname", ops[0].Name.Local)
	assert.True(t, ops[1].Remove)
}

func TestParseReport_SyncCollection(t *testing.T) {
	body := []byte(`<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>seq:4</D:sync-token>
  <D:limit><D:nresults>10</D:nresults></D:limit>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`)
	req, err := ParseReport(body)
	require.NoError(t, err)
	assert.Equal(t, ReportSyncCollection, req.Kind)
	assert.Equal(t, "seq:4", req.SyncToken)
	assert.Equal(t, 10, req.Limit)
}

func TestParseReport_CalendarQueryWithFilter(t *testing.T) {
	body := []byte(`<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20240101T000000Z" end="20240201T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`)
	req, err := ParseReport(body)
	require.NoError(t, err)
	assert.Equal(t, ReportCalendarQuery, req.Kind)
	require.NotNil(t, req.Filter)
	assert.Equal(t, "VCALENDAR", req.Filter.Name)
	require.Len(t, req.Filter.Children, 1)
	assert.Equal(t, "VEVENT", req.Filter.Children[0].Name)
	require.NotNil(t, req.Filter.Children[0].TimeRange)
}

func TestRender_MultistatusProducesWellFormedXML(t *testing.T) {
	el := NewElement("getetag")
	el.SetText(`"abc123"`)
	ms := &Multistatus{
		Responses: []Response{
			{
				Href: "/calendars/alice/home/1.ics",
				Propstats: []Propstat{
					{Status: StatusLine(200, "OK"), Props: []*etree.Element{el}},
				},
			},
		},
	}
	out, err := Render(ms)
	require.NoError(t, err)
	assert.Contains(t, string(out), "multistatus")
	assert.Contains(t, string(out), "/calendars/alice/home/1.ics")
	assert.Contains(t, string(out), "abc123")
}
