package authn

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/storage"
)

var (
	errNoAuth       = errors.New("authn: no authorization header")
	errNotBasic     = errors.New("authn: not a basic auth header")
	errMalformed    = errors.New("authn: malformed basic credentials")
	errUnprovisined = errors.New("authn: credential verified but no matching principal")
)

// BasicAuth implements RFC 7617: decode the Authorization header, hand the
// username/password to a CredentialVerifier, then resolve the verified
// slug to a storage.Principal so the caller gets back a real principal ID
// rather than trusting the verifier's own notion of identity.
type BasicAuth struct {
	verifier CredentialVerifier
	store    storage.Store
	logger   zerolog.Logger
}

func NewBasicAuth(verifier CredentialVerifier, store storage.Store, logger zerolog.Logger) *BasicAuth {
	return &BasicAuth{verifier: verifier, store: store, logger: logger}
}

// Authenticate mirrors the teacher's BasicAuth.Authenticate: split the
// "Basic <base64>" header, decode, split on the first colon, verify.
func (b *BasicAuth) Authenticate(ctx context.Context, header string) (Identity, error) {
	if header == "" {
		return Identity{}, errNoAuth
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "basic") {
		return Identity{}, errNotBasic
	}
	dec, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, errMalformed
	}
	creds := strings.SplitN(string(dec), ":", 2)
	if len(creds) != 2 {
		return Identity{}, errMalformed
	}
	username, password := creds[0], creds[1]

	identity, err := b.verifier.Verify(ctx, username, password)
	if err != nil {
		return Identity{}, err
	}

	principalOpt, err := b.store.GetPrincipalBySlug(ctx, storage.PrincipalUser, identity.Slug)
	if err != nil {
		return Identity{}, err
	}
	principal, ok := principalOpt.Get()
	if !ok {
		b.logger.Warn().Str("slug", identity.Slug).Msg("authn: verified credential has no provisioned principal")
		return Identity{}, errUnprovisined
	}

	identity.PrincipalID = principal.ID
	if identity.DisplayName == "" {
		identity.DisplayName = principal.DisplayName
	}
	return identity, nil
}
