package webdavxml

import (
	"strconv"

	"github.com/beevik/etree"
)

// Multistatus is the root of a 207 response (RFC 4918 §13).
type Multistatus struct {
	Responses []Response

	// SyncToken, when non-empty, renders a DAV:sync-token element as a
	// direct child of <multistatus> (RFC 6578 §3.2), the new token a
	// sync-collection REPORT client should present on its next request.
	SyncToken string
}

// Response is one <response> entry: either a single top-level Status (a
// whole-resource outcome, e.g. 404 for a sync-collection tombstone) or a
// set of per-property-group Propstats.
type Response struct {
	Href      string
	Status    string // set for a whole-response status line; mutually exclusive with Propstats
	Propstats []Propstat
}

// Propstat groups properties that share a single status line.
type Propstat struct {
	Status string
	Props  []*etree.Element // already-built property elements, e.g. from internal/props
}

// Render assembles ms into a complete 207 Multi-Status XML document,
// declaring the four namespace prefixes every response element in this
// codebase is built against on the <multistatus> root, matching the
// teacher's single-declaration style on common.MultiStatus.
func Render(ms *Multistatus) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	root := doc.CreateElement("multistatus")
	root.Space = "D"
	root.CreateAttr("xmlns:D", NSDAV)
	root.CreateAttr("xmlns:C", NSCalDAV)
	root.CreateAttr("xmlns:CARD", NSCardDAV)
	root.CreateAttr("xmlns:CS", NSCS)

	if ms.SyncToken != "" {
		tokenEl := root.CreateElement("sync-token")
		tokenEl.Space = "D"
		tokenEl.SetText(ms.SyncToken)
	}

	for _, r := range ms.Responses {
		respEl := root.CreateElement("response")
		respEl.Space = "D"
		hrefEl := respEl.CreateElement("href")
		hrefEl.Space = "D"
		hrefEl.SetText(r.Href)

		if r.Status != "" {
			statusEl := respEl.CreateElement("status")
			statusEl.Space = "D"
			statusEl.SetText(r.Status)
			continue
		}
		for _, ps := range r.Propstats {
			psEl := respEl.CreateElement("propstat")
			psEl.Space = "D"
			propEl := psEl.CreateElement("prop")
			propEl.Space = "D"
			for _, p := range ps.Props {
				propEl.AddChild(p)
			}
			statusEl := psEl.CreateElement("status")
			statusEl.Space = "D"
			statusEl.SetText(ps.Status)
		}
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}

// StatusLine formats an HTTP status line the way DAV:status elements
// require it, e.g. "HTTP/1.1 200 OK".
func StatusLine(code int, text string) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + text
}
