package protocol

import (
	"context"

	"github.com/beevik/etree"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/props"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/webdavxml"
)

// Propfind implements PROPFIND (RFC 4918 §9.1). Depth:1 on a collection or
// home set additionally resolves every direct member; Depth:infinity is
// rejected, since every collection in this system is flat (no child
// collections inside a calendar or addressbook, matching the teacher's
// refusal to walk nested calendar paths).
func (e *Engine) Propfind(ctx context.Context, req *Request) (*Response, error) {
	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil {
		return nil, newError(StatusBadRequest, "malformed path")
	}
	if req.Depth == storage.DepthInfinity {
		return nil, newError(StatusForbidden, "Depth: infinity is not supported")
	}
	res, err := e.Resolve(ctx, loc, req.Subject)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if err := e.checkRequired(ctx, req.Subject, res, authz.ActionRead); err != nil {
		return nil, err
	}

	pf, parseErr := webdavxml.ParsePropfind(req.Body)
	if parseErr != nil {
		return nil, newError(StatusBadRequest, "malformed PROPFIND body")
	}

	subject, err := e.subjectFor(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	resources := []*props.Resource{res}
	if req.Depth == storage.DepthOne {
		children, err := e.children(ctx, res, loc)
		if err != nil {
			return nil, err
		}
		resources = append(resources, children...)
	}

	ms := &webdavxml.Multistatus{}
	for _, r := range resources {
		response, err := e.propfindOne(ctx, r, subject, pf)
		if err != nil {
			return nil, err
		}
		ms.Responses = append(ms.Responses, *response)
	}

	body, err := webdavxml.Render(ms)
	if err != nil {
		return nil, &Error{Status: 500, Message: "render multistatus", Cause: err}
	}
	resp := textResponse(StatusMultiStatus)
	resp.Body = body
	return withHeader(resp, "Content-Type", "application/xml; charset=utf-8"), nil
}

// children resolves the direct members of a home set (its collections) or
// a collection (its instances) for Depth:1.
func (e *Engine) children(ctx context.Context, res *props.Resource, loc Locator) ([]*props.Resource, error) {
	switch res.Kind {
	case props.KindHomeSet:
		colls, err := e.store.ListCollectionsByOwner(ctx, res.Principal.ID)
		if err != nil {
			return nil, &Error{Status: 500, Message: "list collections", Cause: err}
		}
		var out []*props.Resource
		for _, c := range colls {
			if c.Kind != loc.HomeKind {
				continue
			}
			childLoc := Locator{Kind: LocatorCollection, OwnerSlug: loc.OwnerSlug, HomeKind: loc.HomeKind, CollectionSlug: c.Slug}
			out = append(out, &props.Resource{
				Kind:                   props.KindCollection,
				BasePath:               e.basePath,
				Href:                   collectionHref(e.basePath, childLoc),
				Principal:              res.Principal,
				Collection:             c,
				DeadPropertyResourceID: c.ID,
			})
		}
		return out, nil

	case props.KindCollection:
		members, err := e.store.ListMembers(ctx, res.Collection.ID, storage.DepthOne)
		if err != nil {
			return nil, &Error{Status: 500, Message: "list members", Cause: err}
		}
		var out []*props.Resource
		for _, inst := range members {
			entityOpt, err := e.store.GetEntity(ctx, inst.EntityID)
			if err != nil {
				return nil, &Error{Status: 500, Message: "load entity", Cause: err}
			}
			entity, ok := entityOpt.Get()
			if !ok {
				continue
			}
			childLoc := Locator{Kind: LocatorObject, OwnerSlug: loc.OwnerSlug, HomeKind: loc.HomeKind, CollectionSlug: loc.CollectionSlug, InstanceSlug: inst.Slug}
			out = append(out, &props.Resource{
				Kind:                   props.KindObject,
				BasePath:               e.basePath,
				Href:                   objectHref(e.basePath, childLoc),
				Principal:              res.Principal,
				Collection:             res.Collection,
				Instance:               inst,
				Entity:                 entity,
				DeadPropertyResourceID: inst.ID,
			})
		}
		return out, nil

	default:
		return nil, nil
	}
}

func (e *Engine) propfindOne(ctx context.Context, res *props.Resource, subject *props.Subject, pf *webdavxml.PropfindRequest) (*webdavxml.Response, error) {
	var names []webdavxml.QName
	switch {
	case pf.PropName:
		names = props.AllPropNames(res)
	case pf.AllProp:
		names = append(props.AllPropNames(res), pf.Include...)
	default:
		names = pf.Props
	}

	results, err := e.resolver.Resolve(ctx, res, subject, names)
	if err != nil {
		return nil, &Error{Status: 500, Message: "resolve properties", Cause: err}
	}

	byStatus := map[int][]webdavxml.QName{}
	elements := map[webdavxml.QName]*etree.Element{}
	for _, r := range results {
		byStatus[r.Status] = append(byStatus[r.Status], r.Name)
		elements[r.Name] = r.Element
	}

	response := &webdavxml.Response{Href: res.Href}
	for status, names := range byStatus {
		ps := webdavxml.Propstat{Status: webdavxml.StatusLine(status, statusText(status))}
		for _, name := range names {
			if pf.PropName {
				ps.Props = append(ps.Props, webdavxml.NewElement(name.Local))
				continue
			}
			if el := elements[name]; el != nil {
				ps.Props = append(ps.Props, el)
			} else {
				ps.Props = append(ps.Props, webdavxml.NewElement(name.Local))
			}
		}
		response.Propstats = append(response.Propstats, ps)
	}
	return response, nil
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	default:
		return ""
	}
}
