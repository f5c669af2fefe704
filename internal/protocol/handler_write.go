package protocol

import (
	"context"
	"time"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/content/model"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/webdavxml"
)

// Put implements PUT (RFC 4918 §9.7, constrained by CalDAV §5.3.2 /
// CardDAV §6.3.2 "one resource, one component/vCard"): store the body
// under the locator's collection and slug, then rebuild the derived
// indexes storage.PutInstance deliberately leaves for this layer.
func (e *Engine) Put(ctx context.Context, req *Request, contentType string) (*Response, error) {
	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil || loc.Kind != LocatorObject {
		return nil, newError(StatusBadRequest, "PUT requires an object path")
	}
	if int64(len(req.Body)) > e.maxResourceSize {
		return nil, newError(StatusPayloadTooLarge, "resource exceeds max-resource-size")
	}
	_, coll, err := e.loadCollection(ctx, loc.OwnerSlug, loc.CollectionSlug)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if err := e.requireOnCollection(ctx, req.Subject, coll.ID, authz.ActionWrite); err != nil {
		return nil, err
	}

	root, entityKind, err := storage.ParseAndValidate(coll.Kind, req.Body)
	if err != nil {
		el := PreValidCalendarData
		if coll.Kind == storage.CollectionAddressbook {
			el = PreValidAddressData
		}
		return nil, preconditionError(StatusForbidden, namespaceFor(coll.Kind), el, "content failed validation").withCause(err)
	}

	result := e.store.PutInstance(ctx, coll.ID, loc.InstanceSlug, req.Body, contentType, ToPreconditions(req.IfMatch, req.IfNoneMatch))
	if result.IsError() {
		return nil, MapStoreError(result.Error())
	}
	put, _ := result.Get()

	if err := e.reindexTyped(ctx, coll, put.Instance.EntityID, entityKind, root); err != nil {
		return nil, err
	}

	status := StatusNoContent
	if put.Outcome == storage.PutCreated {
		status = StatusCreated
	}
	resp := textResponse(status)
	withHeader(resp, "ETag", put.ETag)
	return resp, nil
}

// reindexTyped rebuilds the calendar/card search index and, for
// calendars, the recurrence occurrence cache — the two derived-data steps
// spec.md §4.3's put_instance contract leaves to this layer.
func (e *Engine) reindexTyped(ctx context.Context, coll *storage.Collection, entityID string, kind storage.EntityKind, root *model.Component) error {
	switch kind {
	case storage.EntityICalendar:
		rows := storage.BuildCalendarIndex(entityID, root)
		if err := e.store.UpsertCalendarIndex(ctx, rows); err != nil {
			return &Error{Status: 500, Message: "upsert calendar index", Cause: err}
		}
		if err := e.store.DeleteOccurrences(ctx, entityID); err != nil {
			return &Error{Status: 500, Message: "clear stale occurrences", Cause: err}
		}
		occs := e.recurrence.Expand(entityID, root, time.Now().UTC())
		if len(occs) > 0 {
			if err := e.store.UpsertOccurrences(ctx, occs); err != nil {
				return &Error{Status: 500, Message: "upsert occurrences", Cause: err}
			}
		}
	case storage.EntityVCard:
		row := storage.BuildCardIndex(entityID, root)
		if err := e.store.UpsertCardIndex(ctx, row); err != nil {
			return &Error{Status: 500, Message: "upsert card index", Cause: err}
		}
	}
	return nil
}

func namespaceFor(kind storage.CollectionKind) string {
	if kind == storage.CollectionAddressbook {
		return "urn:ietf:params:xml:ns:carddav"
	}
	return "urn:ietf:params:xml:ns:caldav"
}

// requireOnCollection is the collection-ID-already-known shortcut of
// checkRequired, used by handlers that load a collection directly instead
// of through Resolve (PUT, DELETE, COPY/MOVE).
func (e *Engine) requireOnCollection(ctx context.Context, subject Subject, collectionID string, action authz.Action) *Error {
	result := e.authorizer.Required(ctx, subject.PrincipalID, collectionID, action)
	if result.IsError() {
		return MapAuthzError(result.Error())
	}
	return nil
}

// Delete implements DELETE on an object resource.
func (e *Engine) Delete(ctx context.Context, req *Request) (*Response, error) {
	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil || loc.Kind != LocatorObject {
		return nil, newError(StatusBadRequest, "DELETE requires an object path")
	}
	_, coll, err := e.loadCollection(ctx, loc.OwnerSlug, loc.CollectionSlug)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if err := e.requireOnCollection(ctx, req.Subject, coll.ID, authz.ActionUnbind); err != nil {
		return nil, err
	}
	result := e.store.DeleteInstance(ctx, coll.ID, loc.InstanceSlug, ToPreconditions(req.IfMatch, ""))
	if result.IsError() {
		return nil, MapStoreError(result.Error())
	}
	return textResponse(StatusNoContent), nil
}

// Mkcol implements MKCOL/MKCALENDAR (RFC 5689 / RFC 4791 §5.3.1): create a
// new calendar or addressbook collection directly under the owner's home
// set, applying any Extended MKCOL initial property set afterward.
func (e *Engine) Mkcol(ctx context.Context, req *Request, kind storage.CollectionKind) (*Response, error) {
	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil || loc.Kind != LocatorCollection {
		return nil, newError(StatusBadRequest, "MKCOL requires a collection path")
	}
	principal, err := e.loadPrincipalBySlug(ctx, loc.OwnerSlug)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if req.Subject.PrincipalID != principal.ID {
		return nil, &Error{Status: StatusForbidden, Message: "only the owner may create a home collection"}
	}
	if existing, _ := e.store.GetCollectionByPath(ctx, loc.OwnerSlug, loc.CollectionSlug); isPresent(existing) {
		return nil, newError(StatusMethodNotAllowed, "collection already exists")
	}

	mk, parseErr := webdavxml.ParseMkcol(req.Body)
	if parseErr != nil {
		return nil, newError(StatusBadRequest, "malformed MKCOL body")
	}

	coll, err := e.store.CreateCollection(ctx, principal.ID, kind, loc.CollectionSlug, storage.Collection{})
	if err != nil {
		return nil, &Error{Status: 500, Message: "create collection", Cause: err}
	}
	if len(mk.SetProps) > 0 {
		if _, err := e.resolver.ApplyProppatch(ctx, coll.ID, mk.SetProps); err != nil {
			return nil, &Error{Status: 500, Message: "apply initial properties", Cause: err}
		}
	}
	return textResponse(StatusCreated), nil
}

// Copy and Move implement COPY/MOVE (RFC 4918 §9.8-9.9): both require the
// destination to name an object path under a collection of the same kind
// as the source, and both refuse a live destination unless Overwrite: T.
func (e *Engine) Copy(ctx context.Context, req *Request) (*Response, error) {
	return e.copyOrMove(ctx, req, false)
}

func (e *Engine) Move(ctx context.Context, req *Request) (*Response, error) {
	return e.copyOrMove(ctx, req, true)
}

func (e *Engine) copyOrMove(ctx context.Context, req *Request, move bool) (*Response, error) {
	srcLoc, err := ParseLocator(e.basePath, req.Path)
	if err != nil || srcLoc.Kind != LocatorObject {
		return nil, newError(StatusBadRequest, "COPY/MOVE requires an object path")
	}
	dstLoc, err := ParseLocator(e.basePath, req.Destination)
	if err != nil || dstLoc.Kind != LocatorObject {
		return nil, newError(StatusForbidden, "Destination must name an object on this server")
	}

	_, srcColl, err := e.loadCollection(ctx, srcLoc.OwnerSlug, srcLoc.CollectionSlug)
	if err != nil {
		return nil, mapResolveError(err)
	}
	_, dstColl, err := e.loadCollection(ctx, dstLoc.OwnerSlug, dstLoc.CollectionSlug)
	if err != nil {
		return nil, mapResolveError(err)
	}
	if srcColl.Kind != dstColl.Kind {
		el := PreCalendarCollectionLocationOK
		if dstColl.Kind == storage.CollectionAddressbook {
			el = PreAddressbookCollectionLocationOK
		}
		return nil, preconditionError(StatusForbidden, namespaceFor(dstColl.Kind), el, "destination collection kind does not match source")
	}

	srcAction := authz.ActionRead
	if move {
		srcAction = authz.ActionUnbind
	}
	if err := e.requireOnCollection(ctx, req.Subject, srcColl.ID, srcAction); err != nil {
		return nil, err
	}
	if err := e.requireOnCollection(ctx, req.Subject, dstColl.ID, authz.ActionBind); err != nil {
		return nil, err
	}

	existing, _ := e.store.GetInstance(ctx, dstColl.ID, dstLoc.InstanceSlug)
	destExisted := isPresent(existing)
	if destExisted && !req.Overwrite {
		return nil, newError(StatusPreconditionFailed, "destination exists and Overwrite is F")
	}

	pre := ToPreconditions(req.IfMatch, req.IfNoneMatch)
	var resultErr error
	if move {
		r := e.store.MoveInstance(ctx, srcColl.ID, srcLoc.InstanceSlug, dstColl.ID, dstLoc.InstanceSlug, req.Overwrite, pre)
		if r.IsError() {
			resultErr = r.Error()
		}
	} else {
		r := e.store.CopyInstance(ctx, srcColl.ID, srcLoc.InstanceSlug, dstColl.ID, dstLoc.InstanceSlug, req.Overwrite, pre)
		if r.IsError() {
			resultErr = r.Error()
		}
	}
	if resultErr != nil {
		return nil, MapStoreError(resultErr)
	}

	if err := e.reindexAfterCopyOrMove(ctx, dstColl, dstLoc.InstanceSlug); err != nil {
		return nil, err
	}

	status := StatusCreated
	if destExisted {
		status = StatusNoContent
	}
	return textResponse(status), nil
}

func (e *Engine) reindexAfterCopyOrMove(ctx context.Context, coll *storage.Collection, slug string) error {
	instOpt, err := e.store.GetInstance(ctx, coll.ID, slug)
	if err != nil {
		return &Error{Status: 500, Message: "load instance after copy/move", Cause: err}
	}
	inst, ok := instOpt.Get()
	if !ok {
		return nil
	}
	entityOpt, err := e.store.GetEntity(ctx, inst.EntityID)
	if err != nil {
		return &Error{Status: 500, Message: "load entity after copy/move", Cause: err}
	}
	entity, ok := entityOpt.Get()
	if !ok {
		return nil
	}
	root, entityKind, err := storage.ParseAndValidate(coll.Kind, entity.CanonicalRaw)
	if err != nil {
		return &Error{Status: 500, Message: "reparse canonical content", Cause: err}
	}
	return e.reindexTyped(ctx, coll, inst.EntityID, entityKind, root)
}
