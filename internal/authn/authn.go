// Package authn resolves HTTP credentials (Basic auth, bearer/JWT) to a
// storage.Principal, outside internal/protocol's core: the protocol engine
// only ever sees a bare principal ID string (protocol.Subject), never a
// password, token, or JWKS endpoint. internal/router translates an
// Identity into a protocol.Subject after authentication succeeds.
package authn

import (
	"context"
)

// Identity is what a successful authentication resolves to: enough to look
// up or confirm a storage.Principal row by slug.
type Identity struct {
	PrincipalID string
	Slug        string
	DisplayName string
}

// CredentialVerifier is the pluggable bind-as-user boundary BasicAuth calls
// through. Concrete implementations live outside this package — an LDAP
// bind (internal/directory), a local password store — since spec.md keeps
// the credential store itself out of core; internal/authn only defines the
// seam and the HTTP-facing parsing around it.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (Identity, error)
}
