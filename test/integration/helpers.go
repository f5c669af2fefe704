// Package integration drives a running davkitd instance over plain
// net/http, the same way a real CalDAV/CardDAV client would: no internal
// package of this module is imported here, only wire-level requests and
// responses.
package integration

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// multiStatus is a minimal RFC 4918 §13 Multi-Status parser, extended with
// RFC 6578's sync-token element.
type multiStatus struct {
	XMLName   xml.Name     `xml:"multistatus"`
	Responses []msResponse `xml:"response"`
	SyncToken string       `xml:"sync-token"`
}

type msResponse struct {
	Href     string     `xml:"href"`
	PropStat []propStat `xml:"propstat"`
	Status   string     `xml:"status"`
}

type propStat struct {
	Status  string `xml:"status"`
	PropRaw anyXML `xml:"prop"`
	PropXML string `xml:"-"` // raw inner XML of <prop>, copied from PropRaw after unmarshal
}

type anyXML struct {
	Inner string `xml:",innerxml"`
}

func parseMultiStatus(b []byte) (*multiStatus, error) {
	var ms multiStatus
	if err := xml.Unmarshal(b, &ms); err != nil {
		return nil, err
	}
	for i := range ms.Responses {
		for j := range ms.Responses[i].PropStat {
			ms.Responses[i].PropStat[j].PropXML = ms.Responses[i].PropStat[j].PropRaw.Inner
		}
	}
	return &ms, nil
}

func statusOK(s string) bool {
	return strings.Contains(s, " 200 ")
}

// icsInfo is a light-weight RFC 5545 structural check: enough to assert a
// component and a handful of its properties exist without pulling this
// module's own iCalendar codec into a black-box test.
type icsInfo struct {
	Valid bool
	lines []string
}

func parseICS(s string) icsInfo {
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	var unfolded []string
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		for i+1 < len(lines) && (strings.HasPrefix(lines[i+1], " ") || strings.HasPrefix(lines[i+1], "\t")) {
			l += strings.TrimLeft(lines[i+1], " \t")
			i++
		}
		unfolded = append(unfolded, strings.TrimRight(l, "\r"))
	}
	info := icsInfo{lines: unfolded}
	info.Valid = hasLine(unfolded, "BEGIN:VCALENDAR") && hasLine(unfolded, "END:VCALENDAR")
	return info
}

func (i icsInfo) Has(comp string) bool {
	return hasLine(i.lines, "BEGIN:"+comp) && hasLine(i.lines, "END:"+comp)
}

func (i icsInfo) HasProp(comp, prop, contains string) bool {
	inComp := false
	for _, l := range i.lines {
		switch l {
		case "BEGIN:" + comp:
			inComp = true
			continue
		case "END:" + comp:
			inComp = false
			continue
		}
		if !inComp {
			continue
		}
		upper := strings.ToUpper(l)
		if strings.HasPrefix(upper, strings.ToUpper(prop)+":") || strings.HasPrefix(upper, strings.ToUpper(prop)+";") {
			if contains == "" || strings.Contains(l, contains) {
				return true
			}
		}
	}
	return false
}

func hasLine(lines []string, exact string) bool {
	for _, l := range lines {
		if l == exact {
			return true
		}
	}
	return false
}

var etagRe = regexp.MustCompile(`^(W/)?"[^"]+"$`)

func validETag(s string) bool {
	return etagRe.MatchString(strings.TrimSpace(s))
}

// innerText extracts the inner text of the first <local>...</local> element
// in a raw XML fragment. Naive on purpose: propstat bodies here are small
// and single-occurrence, so a full XML walk buys nothing.
func innerText(xmlStr, local string) string {
	open := "<" + local
	i := strings.Index(xmlStr, open)
	if i == -1 {
		return ""
	}
	j := strings.Index(xmlStr[i:], ">")
	if j == -1 {
		return ""
	}
	start := i + j + 1
	closeTag := "</" + local + ">"
	k := strings.Index(xmlStr[start:], closeTag)
	if k == -1 {
		return ""
	}
	return xmlStr[start : start+k]
}

func xmlEscape(s string) string {
	repl := strings.NewReplacer(
		`&`, "&amp;",
		`<`, "&lt;",
		`>`, "&gt;",
		`"`, "&quot;",
		`'`, "&apos;",
	)
	return repl.Replace(s)
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// icsEvent renders a minimal VEVENT, sharing one PRODID and DTSTAMP across
// the whole suite's fixtures instead of every subtest inlining its own
// literal. extra carries additional unfolded content lines (RRULE, STATUS,
// RECURRENCE-ID, ...) inserted right before END:VEVENT.
func icsEvent(uid, summary, dtstart, dtend string, extra ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//davkit//integration-test//EN\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	fmt.Fprintf(&b, "UID:%s\r\n", uid)
	b.WriteString("DTSTAMP:20250101T090000Z\r\n")
	fmt.Fprintf(&b, "DTSTART:%s\r\n", dtstart)
	fmt.Fprintf(&b, "DTEND:%s\r\n", dtend)
	fmt.Fprintf(&b, "SUMMARY:%s\r\n", summary)
	for _, line := range extra {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// icsTodo renders a minimal VTODO fixture, the VTODO counterpart to icsEvent.
func icsTodo(uid, summary, due string, extra ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//davkit//integration-test//EN\r\n")
	b.WriteString("BEGIN:VTODO\r\n")
	fmt.Fprintf(&b, "UID:%s\r\n", uid)
	b.WriteString("DTSTAMP:20250101T090000Z\r\n")
	fmt.Fprintf(&b, "DUE:%s\r\n", due)
	fmt.Fprintf(&b, "SUMMARY:%s\r\n", summary)
	for _, line := range extra {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("END:VTODO\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// vcard renders a minimal vCard 3.0 contact, sharing one shape across the
// addressbook suite's fixtures instead of every subtest inlining its own
// literal.
func vcard(uid, fn, n, email string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCARD\r\n")
	b.WriteString("VERSION:3.0\r\n")
	fmt.Fprintf(&b, "FN:%s\r\n", fn)
	fmt.Fprintf(&b, "N:%s\r\n", n)
	fmt.Fprintf(&b, "UID:%s\r\n", uid)
	fmt.Fprintf(&b, "EMAIL:%s\r\n", email)
	b.WriteString("END:VCARD\r\n")
	return b.String()
}

// doRequest builds and sends an HTTP request, failing the test immediately
// on a transport error. A non-empty authz sets the Authorization header;
// headers sets any additional request headers.
func doRequest(t *testing.T, client *http.Client, method, target, authz string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, body)
	require.NoError(t, err)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoErrorf(t, err, "%s %s", method, target)
	return resp
}

// requireStatus fails the test unless resp's status matches one of want. It
// does not close resp.Body, so callers are free to read it afterward.
func requireStatus(t *testing.T, resp *http.Response, want ...int) {
	t.Helper()
	for _, w := range want {
		if resp.StatusCode == w {
			return
		}
	}
	b, _ := io.ReadAll(resp.Body)
	t.Fatalf("unexpected status %d (want %v) at %s, body=%s", resp.StatusCode, want, resp.Request.URL, string(b))
}

func getETag(t *testing.T, client *http.Client, resourceURL, authz string) string {
	t.Helper()
	resp := doRequest(t, client, "HEAD", resourceURL, authz, nil, nil)
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusOK)
	etag := resp.Header.Get("ETag")
	require.NotEmptyf(t, etag, "missing ETag on HEAD for %s", resourceURL)
	return etag
}

func currentSyncToken(t *testing.T, client *http.Client, collectionURL, authz string) string {
	t.Helper()
	body := `<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:"><D:sync-token/></D:sync-collection>`
	resp := doRequest(t, client, "REPORT", collectionURL, authz, bytes.NewBufferString(body), map[string]string{"Content-Type": "application/xml"})
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusMultiStatus)
	rb, _ := io.ReadAll(resp.Body)
	ms, err := parseMultiStatus(rb)
	require.NoError(t, err)
	require.NotEmptyf(t, ms.SyncToken, "missing DAV:sync-token for %s", collectionURL)
	return ms.SyncToken
}

func verifyDeletionReflectedInSync(t *testing.T, client *http.Client, collectionURL, authz, prevToken, deletedHref string) {
	t.Helper()
	body := `<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>` + xmlEscape(prevToken) + `</D:sync-token>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
	resp := doRequest(t, client, "REPORT", collectionURL, authz, bytes.NewBufferString(body), map[string]string{"Content-Type": "application/xml"})
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusMultiStatus)
	rb, _ := io.ReadAll(resp.Body)
	ms, err := parseMultiStatus(rb)
	require.NoErrorf(t, err, "body=%s", string(rb))

	found := false
	for _, r := range ms.Responses {
		if !strings.Contains(r.Href, deletedHref) {
			continue
		}
		if strings.Contains(strings.ToLower(r.Status), "404") {
			found = true
			break
		}
		for _, ps := range r.PropStat {
			if strings.Contains(strings.ToLower(ps.Status), "404") {
				found = true
				break
			}
		}
	}
	if !found {
		found = strings.Contains(string(rb), deletedHref) && strings.Contains(string(rb), "404")
	}
	require.Truef(t, found, "deleted resource not reflected in sync-collection changes for %s\n%s", deletedHref, string(rb))
}

// parentCollectionURL splits a resource URL into its parent collection URL
// (trailing slash kept) and the resource's href path component.
func parentCollectionURL(resourceURL string) (string, string) {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return "", ""
	}
	path := strings.TrimSuffix(u.Path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", ""
	}
	collPath := path[:i+1]
	href := path
	u.Path = collPath
	return u.String(), href
}

func deleteAndValidate(t *testing.T, client *http.Client, resourceURL, authz string) {
	t.Helper()
	collURL, href := parentCollectionURL(resourceURL)
	require.NotEmptyf(t, collURL, "cannot derive collection from %s", resourceURL)

	prevToken := currentSyncToken(t, client, collURL, authz)
	etag := getETag(t, client, resourceURL, authz)

	delResp := doRequest(t, client, "DELETE", resourceURL, authz, nil, map[string]string{"If-Match": etag})
	defer delResp.Body.Close()
	requireStatus(t, delResp, http.StatusNoContent, http.StatusOK)

	getResp := doRequest(t, client, "GET", resourceURL, authz, nil, nil)
	getResp.Body.Close()
	require.Equalf(t, http.StatusNotFound, getResp.StatusCode, "expected 404 after delete of %s", resourceURL)

	verifyDeletionReflectedInSync(t, client, collURL, authz, prevToken, href)
}
