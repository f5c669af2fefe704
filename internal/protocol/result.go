package protocol

import (
	"errors"
	"fmt"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/storage"
)

// StatusCode is a bare HTTP status, kept independent of net/http so this
// package stays importable without it.
type StatusCode int

const (
	StatusOK                  StatusCode = 200
	StatusCreated             StatusCode = 201
	StatusNoContent           StatusCode = 204
	StatusMultiStatus         StatusCode = 207
	StatusNotModified         StatusCode = 304
	StatusBadRequest          StatusCode = 400
	StatusUnauthorized        StatusCode = 401
	StatusForbidden           StatusCode = 403
	StatusNotFound            StatusCode = 404
	StatusMethodNotAllowed    StatusCode = 405
	StatusConflict            StatusCode = 409
	StatusPreconditionFailed  StatusCode = 412
	StatusPayloadTooLarge     StatusCode = 413
	StatusUnsupportedMedia    StatusCode = 415
	StatusInsufficientStorage StatusCode = 507
)

// PreconditionElement names one of the DAV:/CalDAV:/CardDAV: XML elements a
// 403 or 409 response embeds inside <D:error> to say precisely which
// precondition failed, per spec.md's response-code matrix.
type PreconditionElement string

const (
	PreCalendarCollectionLocationOK    PreconditionElement = "calendar-collection-location-ok"
	PreValidCalendarData               PreconditionElement = "valid-calendar-data"
	PreValidCalendarObjectResource     PreconditionElement = "valid-calendar-object-resource"
	PreNoUIDConflict                   PreconditionElement = "no-uid-conflict"
	PreSupportedCalendarComponent      PreconditionElement = "supported-calendar-component"
	PreSupportedFilter                 PreconditionElement = "supported-filter"
	PreSupportedCollation              PreconditionElement = "supported-collation"
	PreAddressbookCollectionLocationOK PreconditionElement = "addressbook-collection-location-ok"
	PreValidAddressData                PreconditionElement = "valid-address-data"
	PreValidSyncToken                  PreconditionElement = "valid-sync-token"
	PreNumberOfMatchesWithinLimits     PreconditionElement = "number-of-matches-within-limits"
)

// Error is a protocol-level failure carrying the status it should map to
// and, when relevant, the precondition element naming why. Handlers return
// this instead of a bare error so the transport layer never has to inspect
// error strings to pick a status code.
type Error struct {
	Status    StatusCode
	Element   PreconditionElement // "" when the status needs no named element
	Namespace string              // XML namespace Element lives in; "" defaults to DAV:
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Message, e.Cause)
	}
	return "protocol: " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// withCause sets Cause and returns e, for chaining onto a freshly built
// Error in a single return statement.
func (e *Error) withCause(cause error) *Error {
	e.Cause = cause
	return e
}

func newError(status StatusCode, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

func preconditionError(status StatusCode, ns string, el PreconditionElement, msg string) *Error {
	return &Error{Status: status, Namespace: ns, Element: el, Message: msg}
}

// ErrNotFoundResource maps directly to a 404.
func ErrNotFoundResource() *Error { return newError(StatusNotFound, "resource not found") }

// MapStoreError translates a storage-layer sentinel error into a protocol
// Error with the response-code matrix's status, or wraps it opaquely as a
// 500-shaped error if it isn't one of the recognized sentinels (the caller
// decides what to do with an unrecognized cause; protocol itself has no
// 500 StatusCode constant since transport picks the fallback).
func MapStoreError(err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Status: StatusNotFound, Message: "not found", Cause: err}
	case errors.Is(err, storage.ErrPreconditionFailed):
		return &Error{Status: StatusPreconditionFailed, Message: "precondition failed", Cause: err}
	case errors.Is(err, storage.ErrUIDConflict):
		return preconditionError(StatusForbidden, "urn:ietf:params:xml:ns:caldav", PreNoUIDConflict, "uid already in use")
	case errors.Is(err, storage.ErrSlugConflict):
		return &Error{Status: StatusPreconditionFailed, Message: "slug already exists", Cause: err}
	case errors.Is(err, storage.ErrWrongCollectionKind):
		return &Error{Status: StatusUnsupportedMedia, Message: "content kind does not match collection", Cause: err}
	default:
		return &Error{Status: 500, Message: "storage error", Cause: err}
	}
}

// MapAuthzError translates authz.ErrDenied into the 403 Forbidden the
// response-code matrix assigns to an authorization failure; any other
// authz error is passed through opaquely.
func MapAuthzError(err error) *Error {
	if errors.Is(err, authz.ErrDenied) {
		return &Error{Status: StatusForbidden, Message: "insufficient privilege", Cause: err}
	}
	return &Error{Status: 500, Message: "authorization error", Cause: err}
}

// EvalPreconditions checks If-Match / If-None-Match against currentETag
// (empty currentETag means the resource doesn't exist yet) and returns a
// protocol Error for the first violated condition, or nil if both pass.
// currentETag is the ETag a GET of the resource would return right now;
// ifMatch/ifNoneMatch are the raw header values ("" when the header is
// absent).
func EvalPreconditions(currentETag, ifMatch, ifNoneMatch string) *Error {
	exists := currentETag != ""
	if ifNoneMatch != "" {
		if ifNoneMatch == "*" {
			if exists {
				return newError(StatusPreconditionFailed, "resource already exists")
			}
		} else if exists && ifNoneMatch == currentETag {
			return newError(StatusPreconditionFailed, "If-None-Match matched current ETag")
		}
	}
	if ifMatch != "" {
		if !exists {
			return newError(StatusPreconditionFailed, "If-Match set but resource does not exist")
		}
		if ifMatch != "*" && ifMatch != currentETag {
			return newError(StatusPreconditionFailed, "If-Match did not match current ETag")
		}
	}
	return nil
}

// ToPreconditions adapts a pair of raw conditional-request header values
// into the storage.Preconditions PutInstance/DeleteInstance/MoveInstance/
// CopyInstance atomically evaluate. EvalPreconditions above is a
// fast-rejection check a handler can run before even loading an entity for
// GET/PROPFIND; storage re-checks atomically for writes since the two
// checks are not otherwise serialized against a concurrent writer.
func ToPreconditions(ifMatch, ifNoneMatch string) storage.Preconditions {
	return storage.Preconditions{IfMatch: ifMatch, IfNoneMatch: ifNoneMatch}
}
