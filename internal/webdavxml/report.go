package webdavxml

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/davkit/davkit/internal/query"
)

// ReportKind identifies which REPORT body was parsed.
type ReportKind string

const (
	ReportCalendarQuery       ReportKind = "calendar-query"
	ReportCalendarMultiget    ReportKind = "calendar-multiget"
	ReportAddressbookQuery    ReportKind = "addressbook-query"
	ReportAddressbookMultiget ReportKind = "addressbook-multiget"
	ReportFreeBusyQuery       ReportKind = "free-busy-query"
	ReportSyncCollection      ReportKind = "sync-collection"
	ReportExpandProperty      ReportKind = "expand-property"
)

// ExpandPropertyNode is one level of the expand-property REPORT's
// stack-based nested <property> walk (RFC 3253 §3.8): each node names a
// property and the sub-properties to expand for any hrefs that property
// resolves to.
type ExpandPropertyNode struct {
	Name     QName
	Children []ExpandPropertyNode
}

// ReportRequest is the union of every REPORT body this codebase parses;
// only the fields relevant to Kind are populated.
type ReportRequest struct {
	Kind ReportKind

	Props []QName // calendar-query/addressbook-query/calendar-multiget/addressbook-multiget
	Filter *query.CompFilter // calendar-query/addressbook-query

	Hrefs []string // calendar-multiget/addressbook-multiget

	TimeRange *query.TimeRange // free-busy-query

	SyncToken string // sync-collection
	Limit     int    // sync-collection; 0 = unspecified

	Expand []ExpandPropertyNode // expand-property
}

// expandPropertyMaxDepth bounds the nested <property> walk against a
// pathological or malicious request body nesting thousands of levels.
const expandPropertyMaxDepth = 8

// ParseReport dispatches a REPORT body by its root element name.
func ParseReport(body []byte) (*ReportRequest, error) {
	doc, err := parseDoc(body)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("webdavxml: empty REPORT body")
	}

	switch root.Tag {
	case "calendar-query":
		return parseCalendarOrAddressbookQuery(root, ReportCalendarQuery), nil
	case "addressbook-query":
		return parseCalendarOrAddressbookQuery(root, ReportAddressbookQuery), nil
	case "calendar-multiget":
		return parseMultiget(root, ReportCalendarMultiget), nil
	case "addressbook-multiget":
		return parseMultiget(root, ReportAddressbookMultiget), nil
	case "free-busy-query":
		return parseFreeBusyQuery(root), nil
	case "sync-collection":
		return parseSyncCollection(root), nil
	case "expand-property":
		return parseExpandProperty(root), nil
	default:
		return nil, fmt.Errorf("webdavxml: unsupported REPORT %q", root.Tag)
	}
}

func parseRequestedProps(root *etree.Element) []QName {
	propEl := firstChildIgnoreNS(root, "prop")
	if propEl == nil {
		return nil
	}
	var props []QName
	for _, p := range propEl.ChildElements() {
		props = append(props, qnameOf(p))
	}
	return props
}

func parseCalendarOrAddressbookQuery(root *etree.Element, kind ReportKind) *ReportRequest {
	req := &ReportRequest{Kind: kind, Props: parseRequestedProps(root)}
	if filterEl := firstChildIgnoreNS(root, "filter"); filterEl != nil {
		req.Filter = query.ParseCompFilter(filterEl)
	}
	return req
}

func parseMultiget(root *etree.Element, kind ReportKind) *ReportRequest {
	req := &ReportRequest{Kind: kind, Props: parseRequestedProps(root)}
	for _, h := range childrenIgnoreNS(root, "href") {
		req.Hrefs = append(req.Hrefs, h.Text())
	}
	return req
}

func parseFreeBusyQuery(root *etree.Element) *ReportRequest {
	req := &ReportRequest{Kind: ReportFreeBusyQuery}
	if tr := firstChildIgnoreNS(root, "time-range"); tr != nil {
		req.TimeRange = parseTimeRangeAttr(tr)
	}
	return req
}

// parseTimeRangeAttr reads start/end attrs in the same "20060102T150405Z"
// basic format the calendar-query filter's time-range uses (RFC 4791 §9.9).
func parseTimeRangeAttr(e *etree.Element) *query.TimeRange {
	tr := &query.TimeRange{}
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

func parseSyncCollection(root *etree.Element) *ReportRequest {
	req := &ReportRequest{Kind: ReportSyncCollection, Props: parseRequestedProps(root)}
	if tok := firstChildIgnoreNS(root, "sync-token"); tok != nil {
		req.SyncToken = tok.Text()
	}
	if lim := firstChildIgnoreNS(root, "limit"); lim != nil {
		if n := firstChildIgnoreNS(lim, "nresults"); n != nil {
			if v, err := strconv.Atoi(n.Text()); err == nil {
				req.Limit = v
			}
		}
	}
	return req
}

func parseExpandProperty(root *etree.Element) *ReportRequest {
	req := &ReportRequest{Kind: ReportExpandProperty}
	for _, p := range childrenIgnoreNS(root, "property") {
		req.Expand = append(req.Expand, parsePropertyNode(p, 1))
	}
	return req
}

func parsePropertyNode(e *etree.Element, depth int) ExpandPropertyNode {
	node := ExpandPropertyNode{Name: qnameOf(e)}
	if depth >= expandPropertyMaxDepth {
		return node
	}
	for _, child := range childrenIgnoreNS(e, "property") {
		node.Children = append(node.Children, parsePropertyNode(child, depth+1))
	}
	return node
}
