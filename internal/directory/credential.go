package directory

import (
	"context"

	"github.com/davkit/davkit/internal/authn"
)

// BindVerifier is a concrete authn.CredentialVerifier backed by an LDAP
// bind-as-user check, the implementation spec.md's "credential store
// outside core" leaves to a deployment to provide.
type BindVerifier struct {
	client *Client
}

func NewBindVerifier(client *Client) *BindVerifier {
	return &BindVerifier{client: client}
}

func (v *BindVerifier) Verify(ctx context.Context, username, password string) (authn.Identity, error) {
	user, err := v.client.BindUser(ctx, username, password)
	if err != nil {
		return authn.Identity{}, err
	}
	return authn.Identity{Slug: user.Slug, DisplayName: user.DisplayName}, nil
}

// TokenSubjectResolver implements authn.SubjectResolver by looking up a
// bearer token's subject claim against Config.TokenSubjectAttr.
type TokenSubjectResolver struct {
	client *Client
}

func NewTokenSubjectResolver(client *Client) *TokenSubjectResolver {
	return &TokenSubjectResolver{client: client}
}

func (r *TokenSubjectResolver) ResolveSubject(ctx context.Context, tokenSubject string) (string, error) {
	attr := r.client.cfg.TokenSubjectAttr
	if attr == "" {
		attr = "uid"
	}
	return r.client.LookupByAttr(ctx, attr, tokenSubject)
}
