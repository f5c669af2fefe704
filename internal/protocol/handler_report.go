package protocol

import (
	"context"
	"time"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/content/ical"
	"github.com/davkit/davkit/internal/content/model"
	"github.com/davkit/davkit/internal/content/vcard"
	"github.com/davkit/davkit/internal/props"
	"github.com/davkit/davkit/internal/query"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/syncengine"
	"github.com/davkit/davkit/internal/webdavxml"
)

// Report dispatches a REPORT body (RFC 3253 §3.6) by kind. Every report
// except sync-collection and expand-property targets a collection and
// walks its members; sync-collection instead diffs against a prior token.
func (e *Engine) Report(ctx context.Context, req *Request) (*Response, error) {
	rr, err := webdavxml.ParseReport(req.Body)
	if err != nil {
		return nil, newError(StatusBadRequest, "malformed REPORT body")
	}

	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil {
		return nil, newError(StatusBadRequest, "malformed path")
	}
	res, err := e.Resolve(ctx, loc, req.Subject)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if err := e.checkRequired(ctx, req.Subject, res, authz.ActionRead); err != nil {
		return nil, err
	}

	switch rr.Kind {
	case webdavxml.ReportCalendarQuery, webdavxml.ReportAddressbookQuery:
		return e.reportQuery(ctx, req, loc, res, rr)
	case webdavxml.ReportCalendarMultiget, webdavxml.ReportAddressbookMultiget:
		return e.reportMultiget(ctx, req, loc, rr)
	case webdavxml.ReportFreeBusyQuery:
		return e.reportFreeBusy(ctx, res, rr)
	case webdavxml.ReportSyncCollection:
		return e.reportSyncCollection(ctx, req, loc, res, rr)
	case webdavxml.ReportExpandProperty:
		return e.reportExpandProperty(ctx, req, res, rr)
	default:
		return nil, newError(StatusBadRequest, "unsupported REPORT")
	}
}

func (e *Engine) reportQuery(ctx context.Context, req *Request, loc Locator, res *props.Resource, rr *webdavxml.ReportRequest) (*Response, error) {
	if res.Kind != props.KindCollection {
		return nil, newError(StatusForbidden, "calendar-query/addressbook-query targets a collection")
	}
	members, err := e.store.ListMembers(ctx, res.Collection.ID, storage.DepthOne)
	if err != nil {
		return nil, &Error{Status: 500, Message: "list members", Cause: err}
	}

	ms := &webdavxml.Multistatus{}
	subject, err := e.subjectFor(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	for _, inst := range members {
		entityOpt, err := e.store.GetEntity(ctx, inst.EntityID)
		if err != nil {
			return nil, &Error{Status: 500, Message: "load entity", Cause: err}
		}
		entity, ok := entityOpt.Get()
		if !ok {
			continue
		}
		root, err := parseByKind(res.Collection.Kind, entity.CanonicalRaw)
		if err != nil {
			continue
		}
		if rr.Filter != nil && !query.Evaluate(rr.Filter, root, e.occurrenceProvider(ctx, inst.EntityID)) {
			continue
		}
		childLoc := Locator{Kind: LocatorObject, OwnerSlug: loc.OwnerSlug, HomeKind: loc.HomeKind, CollectionSlug: loc.CollectionSlug, InstanceSlug: inst.Slug}
		childRes := &props.Resource{
			Kind: props.KindObject, BasePath: e.basePath, Href: objectHref(e.basePath, childLoc),
			Principal: res.Principal, Collection: res.Collection, Instance: inst, Entity: entity,
			DeadPropertyResourceID: inst.ID,
		}
		response, err := e.buildDataResponse(ctx, childRes, subject, rr.Props)
		if err != nil {
			return nil, err
		}
		ms.Responses = append(ms.Responses, *response)
	}
	return renderMultistatus(ms)
}

func (e *Engine) reportMultiget(ctx context.Context, req *Request, baseLoc Locator, rr *webdavxml.ReportRequest) (*Response, error) {
	ms := &webdavxml.Multistatus{}
	subject, err := e.subjectFor(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	for _, href := range rr.Hrefs {
		loc, err := ParseLocator(e.basePath, href)
		if err != nil || loc.Kind != LocatorObject {
			ms.Responses = append(ms.Responses, webdavxml.Response{Href: href, Status: webdavxml.StatusLine(int(StatusNotFound), "Not Found")})
			continue
		}
		res, err := e.Resolve(ctx, loc, req.Subject)
		if err != nil {
			ms.Responses = append(ms.Responses, webdavxml.Response{Href: href, Status: webdavxml.StatusLine(int(StatusNotFound), "Not Found")})
			continue
		}
		if err := e.checkRequired(ctx, req.Subject, res, authz.ActionRead); err != nil {
			ms.Responses = append(ms.Responses, webdavxml.Response{Href: href, Status: webdavxml.StatusLine(int(err.Status), "Forbidden")})
			continue
		}
		response, rerr := e.buildDataResponse(ctx, res, subject, rr.Props)
		if rerr != nil {
			return nil, rerr
		}
		ms.Responses = append(ms.Responses, *response)
	}
	return renderMultistatus(ms)
}

// buildDataResponse resolves rr.Props against res the way a normal
// PROPFIND response does, additionally embedding calendar-data/
// address-data inline since those two names are a query-engine concern
// spec.md's live-property table doesn't cover.
func (e *Engine) buildDataResponse(ctx context.Context, res *props.Resource, subject *props.Subject, requested []webdavxml.QName) (*webdavxml.Response, error) {
	var liveNames []webdavxml.QName
	var dataNames []webdavxml.QName
	for _, n := range requested {
		if _, ok := embedObjectData(res, n.Local, n.Space); ok {
			dataNames = append(dataNames, n)
			continue
		}
		liveNames = append(liveNames, n)
	}

	results, err := e.resolver.Resolve(ctx, res, subject, liveNames)
	if err != nil {
		return nil, &Error{Status: 500, Message: "resolve properties", Cause: err}
	}

	ps := webdavxml.Propstat{Status: webdavxml.StatusLine(200, "OK")}
	for _, r := range results {
		if r.Status == 200 {
			ps.Props = append(ps.Props, r.Element)
		}
	}
	for _, n := range dataNames {
		raw, _ := embedObjectData(res, n.Local, n.Space)
		el := webdavxml.NewElement(n.Local)
		el.SetText(string(raw))
		ps.Props = append(ps.Props, el)
	}
	return &webdavxml.Response{Href: res.Href, Propstats: []webdavxml.Propstat{ps}}, nil
}

func (e *Engine) reportFreeBusy(ctx context.Context, res *props.Resource, rr *webdavxml.ReportRequest) (*Response, error) {
	if res.Kind != props.KindCollection || res.Collection.Kind != storage.CollectionCalendar {
		return nil, newError(StatusForbidden, "free-busy-query targets a calendar collection")
	}
	if rr.TimeRange == nil || rr.TimeRange.Start == nil || rr.TimeRange.End == nil {
		return nil, newError(StatusBadRequest, "free-busy-query requires a bounded time-range")
	}
	rows, err := e.store.ListCalendarIndex(ctx, res.Collection.ID)
	if err != nil {
		return nil, &Error{Status: 500, Message: "list calendar index", Cause: err}
	}
	vfb, err := buildFreeBusy(rows, *rr.TimeRange.Start, *rr.TimeRange.End)
	if err != nil {
		return nil, &Error{Status: 500, Message: "serialize free-busy report", Cause: err}
	}
	resp := textResponse(StatusOK)
	withHeader(resp, "Content-Type", "text/calendar; charset=utf-8")
	resp.Body = vfb
	return resp, nil
}

// buildFreeBusy assembles a VCALENDAR/VFREEBUSY document listing one
// FREEBUSY period per VEVENT index row overlapping [start, end), per RFC
// 4791 §7.10's free-busy-query semantics. VTODO/VJOURNAL rows never
// contribute busy time.
func buildFreeBusy(rows []storage.CalendarIndexRow, start, end time.Time) ([]byte, error) {
	vcal := &model.Component{Name: "VCALENDAR"}
	vcal.Properties = append(vcal.Properties,
		model.Property{Name: "VERSION", Value: model.Value{Type: model.ValueText, Text: "2.0"}},
		model.Property{Name: "PRODID", Value: model.Value{Type: model.ValueText, Text: "-//davkit//davkit//EN"}},
	)
	vfb := &model.Component{Name: "VFREEBUSY"}
	vfb.Properties = append(vfb.Properties,
		model.Property{Name: "DTSTART", Value: model.Value{Type: model.ValueDateTime, DateTime: start}},
		model.Property{Name: "DTEND", Value: model.Value{Type: model.ValueDateTime, DateTime: end}},
	)
	for _, row := range rows {
		if row.Component != "VEVENT" || row.StartUTC == nil || row.EndUTC == nil {
			continue
		}
		if !row.StartUTC.Before(end) || !row.EndUTC.After(start) {
			continue
		}
		vfb.Properties = append(vfb.Properties, model.Property{
			Name: "FREEBUSY",
			Value: model.Value{
				Type:   model.ValuePeriod,
				Period: model.Period{Start: *row.StartUTC, End: *row.EndUTC, HasEnd: true},
			},
		})
	}
	vcal.Children = []*model.Component{vfb}
	return ical.Serialize(vcal)
}

func (e *Engine) reportSyncCollection(ctx context.Context, req *Request, loc Locator, res *props.Resource, rr *webdavxml.ReportRequest) (*Response, error) {
	if res.Kind != props.KindCollection {
		return nil, newError(StatusForbidden, "sync-collection targets a collection")
	}
	if _, perr := syncengine.ParseToken(rr.SyncToken); perr != nil {
		return nil, newError(StatusBadRequest, "malformed sync-token")
	}
	result, err := e.sync.Sync(ctx, res.Collection.ID, rr.SyncToken, rr.Limit)
	if err != nil {
		if err == syncengine.ErrInvalidSyncToken {
			return nil, preconditionError(StatusForbidden, "DAV:", PreValidSyncToken, "sync-token outside retention horizon").withCause(err)
		}
		return nil, &Error{Status: 500, Message: "sync-collection diff", Cause: err}
	}

	subject, serr := e.subjectFor(ctx, req.Subject)
	if serr != nil {
		return nil, serr
	}
	ms := &webdavxml.Multistatus{}
	for _, c := range result.Changes {
		switch c.Kind {
		case storage.ChangeDeleted:
			href := objectHref(e.basePath, Locator{Kind: LocatorObject, OwnerSlug: loc.OwnerSlug, HomeKind: loc.HomeKind, CollectionSlug: loc.CollectionSlug, InstanceSlug: c.Tombstone.URISlug})
			ms.Responses = append(ms.Responses, webdavxml.Response{Href: href, Status: webdavxml.StatusLine(404, "Not Found")})
		case storage.ChangeUpdated:
			entityOpt, err := e.store.GetEntity(ctx, c.Instance.EntityID)
			if err != nil {
				return nil, &Error{Status: 500, Message: "load entity", Cause: err}
			}
			entity, ok := entityOpt.Get()
			if !ok {
				continue
			}
			childLoc := Locator{Kind: LocatorObject, OwnerSlug: loc.OwnerSlug, HomeKind: loc.HomeKind, CollectionSlug: loc.CollectionSlug, InstanceSlug: c.Instance.Slug}
			childRes := &props.Resource{
				Kind: props.KindObject, BasePath: e.basePath, Href: objectHref(e.basePath, childLoc),
				Principal: res.Principal, Collection: res.Collection, Instance: c.Instance, Entity: entity,
				DeadPropertyResourceID: c.Instance.ID,
			}
			response, err := e.buildDataResponse(ctx, childRes, subject, rr.Props)
			if err != nil {
				return nil, err
			}
			ms.Responses = append(ms.Responses, *response)
		}
	}
	if result.Truncated {
		ms.Responses = append(ms.Responses, webdavxml.Response{Href: res.Href, Status: webdavxml.StatusLine(507, "Insufficient Storage")})
	}

	ms.SyncToken = result.SyncToken
	return renderMultistatus(ms)
}

func (e *Engine) reportExpandProperty(ctx context.Context, req *Request, res *props.Resource, rr *webdavxml.ReportRequest) (*Response, error) {
	subject, err := e.subjectFor(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	var names []webdavxml.QName
	for _, n := range rr.Expand {
		names = append(names, n.Name)
	}
	results, rerr := e.resolver.Resolve(ctx, res, subject, names)
	if rerr != nil {
		return nil, &Error{Status: 500, Message: "resolve properties", Cause: rerr}
	}
	ps := webdavxml.Propstat{Status: webdavxml.StatusLine(200, "OK")}
	for _, r := range results {
		if r.Status == 200 {
			ps.Props = append(ps.Props, r.Element)
		}
	}
	ms := &webdavxml.Multistatus{Responses: []webdavxml.Response{{Href: res.Href, Propstats: []webdavxml.Propstat{ps}}}}
	return renderMultistatus(ms)
}

func renderMultistatus(ms *webdavxml.Multistatus) (*Response, error) {
	body, err := webdavxml.Render(ms)
	if err != nil {
		return nil, &Error{Status: 500, Message: "render multistatus", Cause: err}
	}
	resp := textResponse(StatusMultiStatus)
	resp.Body = body
	return withHeader(resp, "Content-Type", "application/xml; charset=utf-8"), nil
}

func parseByKind(kind storage.CollectionKind, raw []byte) (*model.Component, error) {
	if kind == storage.CollectionAddressbook {
		return vcard.Parse(raw)
	}
	return ical.Parse(raw)
}

// occurrenceProvider adapts storage's time-ranged occurrence lookup to
// query.OccurrenceProvider's per-component callback shape, fetching the
// full recorded range for the entity since a calendar-query's own filter
// narrows the window rather than the provider.
func (e *Engine) occurrenceProvider(ctx context.Context, entityID string) query.OccurrenceProvider {
	return func(comp *model.Component) []storage.OccurrenceRow {
		rows, err := e.store.ListOccurrences(ctx, entityID, time.Time{}, time.Now().AddDate(10, 0, 0))
		if err != nil {
			return nil
		}
		return rows
	}
}
