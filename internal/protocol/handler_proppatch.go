package protocol

import (
	"context"
	"net/http"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/props"
	"github.com/davkit/davkit/internal/webdavxml"
)

// Proppatch implements PROPPATCH (RFC 4918 §9.2): apply a set/remove batch
// of dead properties against the target resource and report one propstat
// per distinct outcome status, reusing the same ApplyProppatch Mkcol calls
// for its initial property set.
func (e *Engine) Proppatch(ctx context.Context, req *Request) (*Response, error) {
	ops, err := webdavxml.ParseProppatch(req.Body)
	if err != nil {
		return nil, newError(StatusBadRequest, "malformed PROPPATCH body")
	}

	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil || (loc.Kind != LocatorCollection && loc.Kind != LocatorObject) {
		return nil, newError(StatusBadRequest, "PROPPATCH requires a collection or object path")
	}
	res, err := e.Resolve(ctx, loc, req.Subject)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if err := e.checkRequired(ctx, req.Subject, res, authz.ActionWrite); err != nil {
		return nil, err
	}
	if res.DeadPropertyResourceID == "" {
		return nil, newError(StatusForbidden, "resource does not accept dead properties")
	}

	results, err := e.resolver.ApplyProppatch(ctx, res.DeadPropertyResourceID, ops)
	if err != nil {
		return nil, &Error{Status: 500, Message: "apply proppatch", Cause: err}
	}

	ms := &webdavxml.Multistatus{Responses: []webdavxml.Response{buildProppatchResponse(res.Href, results)}}
	return renderMultistatus(ms)
}

// buildProppatchResponse groups PatchResult entries by status into one
// propstat per status, matching RFC 4918 §9.2's "each property given a
// status" response shape without re-parsing anything.
func buildProppatchResponse(href string, results []props.PatchResult) webdavxml.Response {
	byStatus := map[int][]webdavxml.QName{}
	order := []int{}
	for _, r := range results {
		if _, seen := byStatus[r.Status]; !seen {
			order = append(order, r.Status)
		}
		byStatus[r.Status] = append(byStatus[r.Status], r.Name)
	}

	resp := webdavxml.Response{Href: href}
	for _, status := range order {
		ps := webdavxml.Propstat{Status: webdavxml.StatusLine(status, http.StatusText(status))}
		for _, name := range byStatus[status] {
			ps.Props = append(ps.Props, webdavxml.NewElement(name.Local))
		}
		resp.Propstats = append(resp.Propstats, ps)
	}
	return resp
}
