package protocol

import (
	"context"
	"errors"

	"github.com/samber/mo"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/props"
)

// isPresent reports whether a storage lookup's mo.Option actually holds a
// value, without the caller needing to name the discarded value.
func isPresent[T any](opt mo.Option[T]) bool {
	_, ok := opt.Get()
	return ok
}

// mapResolveError turns a Locator.Resolve failure into the protocol Error
// a handler returns; ErrNotFound becomes 404, anything else is opaque.
func mapResolveError(err error) *Error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFoundResource()
	}
	return &Error{Status: 500, Message: "resolve resource", Cause: err}
}

// subjectFor resolves the request's bare principal ID into the
// props.Subject the resolver needs for current-user-* properties. An
// anonymous subject (empty PrincipalID) resolves to nil, matching
// resolveCurrentUserPrincipal's "unauthenticated" branch.
func (e *Engine) subjectFor(ctx context.Context, s Subject) (*props.Subject, error) {
	if s.PrincipalID == "" {
		return nil, nil
	}
	ref, err := e.authorizer.CurrentPrincipal(ctx, s.PrincipalID)
	if err != nil {
		if errors.Is(err, authz.ErrAnonymous) {
			return nil, nil
		}
		return nil, &Error{Status: 500, Message: "resolve current principal", Cause: err}
	}
	return &props.Subject{PrincipalID: ref.ID, Slug: ref.Slug}, nil
}

// collectionResourceID returns the storage.Collection.ID authz.Authorizer
// checks privileges against for res, or "" if res has no collection (a
// bare principal or home set resource, which carry no authorization
// policy of their own).
func collectionResourceID(res *props.Resource) string {
	if res.Collection != nil {
		return res.Collection.ID
	}
	return ""
}

// checkRequired enforces action against res. A principal or home-set
// resource (no backing collection) is only accessible to its own owner,
// since authorization_policies rows are always scoped to a collection.
func (e *Engine) checkRequired(ctx context.Context, subject Subject, res *props.Resource, action authz.Action) *Error {
	resourceID := collectionResourceID(res)
	if resourceID == "" {
		if res.Principal != nil && subject.PrincipalID == res.Principal.ID {
			return nil
		}
		return &Error{Status: StatusForbidden, Message: "insufficient privilege"}
	}
	result := e.authorizer.Required(ctx, subject.PrincipalID, resourceID, action)
	if result.IsError() {
		return MapAuthzError(result.Error())
	}
	return nil
}
