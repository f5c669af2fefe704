package protocol

import (
	"context"
	"strings"
)

// Options implements OPTIONS (RFC 4918 §9.1): advertise the DAV compliance
// classes and the methods this resource kind accepts. The DAV header is
// constant across the module; Allow narrows by what the target actually
// supports, matching the teacher's router.buildDAVCapabilities but folded
// into the protocol layer since this package owns method dispatch now.
func (e *Engine) Options(ctx context.Context, req *Request) (*Response, error) {
	resp := textResponse(StatusOK)
	withHeader(resp, "DAV", davComplianceClass)

	loc, err := ParseLocator(e.basePath, req.Path)
	if err != nil {
		withHeader(resp, "Allow", strings.Join(baseMethods, ", "))
		return resp, nil
	}
	withHeader(resp, "Allow", strings.Join(allowedMethods(loc), ", "))
	return resp, nil
}

// davComplianceClass lists every compliance class a resource under this
// server might advertise: class 1/3 WebDAV, RFC 3744 access-control, and
// the CalDAV/CardDAV extensions (RFC 4791 §5.1, RFC 6352 §6.1).
const davComplianceClass = "1, 3, access-control, calendar-access, addressbook"

var baseMethods = []string{"OPTIONS", "PROPFIND", "REPORT", "GET", "HEAD"}

// allowedMethods narrows the Allow header by locator kind: a collection
// accepts MKCOL/MKCALENDAR and member-creating PUT but not DELETE on
// itself through this entry point, while an object accepts PUT/DELETE/
// COPY/MOVE but never MKCOL.
func allowedMethods(loc Locator) []string {
	methods := append([]string{}, baseMethods...)
	switch loc.Kind {
	case LocatorPrincipal, LocatorHomeSet:
		methods = append(methods, "PROPPATCH", "ACL")
	case LocatorCollection:
		methods = append(methods, "PUT", "PROPPATCH", "ACL", "DELETE", "MKCOL", "MKCALENDAR")
	case LocatorObject:
		methods = append(methods, "PUT", "DELETE", "COPY", "MOVE")
	}
	return methods
}
