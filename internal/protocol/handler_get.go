package protocol

import (
	"context"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/props"
)

// Get implements GET (and HEAD, via headOnly) on an object resource: raw
// canonical bytes plus ETag/Last-Modified/Content-Type, honoring
// If-None-Match as a 304 short-circuit the way a cache-friendly CalDAV/
// CardDAV client expects.
func (e *Engine) Get(ctx context.Context, req *Request, headOnly bool) (*Response, error) {
	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil || loc.Kind != LocatorObject {
		return nil, newError(StatusBadRequest, "GET requires an object path")
	}
	res, err := e.Resolve(ctx, loc, req.Subject)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if err := e.checkRequired(ctx, req.Subject, res, authz.ActionRead); err != nil {
		return nil, err
	}

	if req.IfNoneMatch != "" && req.IfNoneMatch == res.Instance.ETag {
		return textResponse(StatusNotModified), nil
	}
	if preErr := EvalPreconditions(res.Instance.ETag, req.IfMatch, ""); preErr != nil {
		return nil, preErr
	}

	resp := textResponse(StatusOK)
	withHeader(resp, "ETag", res.Instance.ETag)
	withHeader(resp, "Last-Modified", res.Instance.LastModified.UTC().Format(httpDateFormat))
	withHeader(resp, "Content-Type", res.Instance.ContentType)
	if !headOnly {
		resp.Body = res.Entity.CanonicalRaw
	}
	return resp, nil
}

const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// calendarDataElementName and addressDataElementName are the two
// CalDAV/CardDAV REPORT response properties spec.md's live-property table
// deliberately excludes (they belong to partial retrieval, not §4.8);
// embedObjectData special-cases exactly these two names against a
// resource's canonical bytes rather than teaching internal/props about
// them.
const (
	calendarDataLocal = "calendar-data"
	addressDataLocal  = "address-data"
)

// embedObjectData returns the requested calendar-data/address-data bytes
// for res, or nil if name isn't one of the two data properties. Partial
// retrieval via nested <comp>/<prop> selectors is not implemented: the
// full canonical entity is always returned.
func embedObjectData(res *props.Resource, local, space string) ([]byte, bool) {
	if res.Entity == nil {
		return nil, false
	}
	switch local {
	case calendarDataLocal:
		if space != "" && space != "urn:ietf:params:xml:ns:caldav" {
			return nil, false
		}
		return res.Entity.CanonicalRaw, true
	case addressDataLocal:
		if space != "" && space != "urn:ietf:params:xml:ns:carddav" {
			return nil, false
		}
		return res.Entity.CanonicalRaw, true
	default:
		return nil, false
	}
}
