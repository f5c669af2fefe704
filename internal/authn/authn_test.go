package authn

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davkit/davkit/internal/storage"
)

type fakeVerifier struct {
	identity Identity
	err      error
}

func (f *fakeVerifier) Verify(ctx context.Context, username, password string) (Identity, error) {
	return f.identity, f.err
}

type fakeStore struct {
	storage.Store
	bySlug map[string]*storage.Principal
}

func newFakeStore() *fakeStore { return &fakeStore{bySlug: map[string]*storage.Principal{}} }

func (f *fakeStore) GetPrincipalBySlug(ctx context.Context, kind storage.PrincipalKind, slug string) (mo.Option[*storage.Principal], error) {
	p, ok := f.bySlug[slug]
	if !ok {
		return mo.None[*storage.Principal](), nil
	}
	return mo.Some(p), nil
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestBasicAuth_Authenticate_ResolvesPrincipal(t *testing.T) {
	store := newFakeStore()
	store.bySlug["alice"] = &storage.Principal{ID: "p-alice", Slug: "alice", DisplayName: "Alice"}
	verifier := &fakeVerifier{identity: Identity{Slug: "alice"}}
	ba := NewBasicAuth(verifier, store, zerolog.Nop())

	id, err := ba.Authenticate(context.Background(), basicHeader("alice", "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, "p-alice", id.PrincipalID)
	assert.Equal(t, "Alice", id.DisplayName)
}

func TestBasicAuth_Authenticate_NoHeader(t *testing.T) {
	ba := NewBasicAuth(&fakeVerifier{}, newFakeStore(), zerolog.Nop())
	_, err := ba.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, errNoAuth)
}

func TestBasicAuth_Authenticate_NotBasicScheme(t *testing.T) {
	ba := NewBasicAuth(&fakeVerifier{}, newFakeStore(), zerolog.Nop())
	_, err := ba.Authenticate(context.Background(), "Bearer sometoken")
	assert.ErrorIs(t, err, errNotBasic)
}

func TestBasicAuth_Authenticate_VerifiedButUnprovisioned(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{identity: Identity{Slug: "ghost"}}
	ba := NewBasicAuth(verifier, store, zerolog.Nop())

	_, err := ba.Authenticate(context.Background(), basicHeader("ghost", "pw"))
	assert.ErrorIs(t, err, errUnprovisined)
}

type fakeResolver struct {
	slug string
	err  error
}

func (f *fakeResolver) ResolveSubject(ctx context.Context, tokenSubject string) (string, error) {
	return f.slug, f.err
}

func TestChain_DisabledSchemesReturnError(t *testing.T) {
	c := NewChain(ChainConfig{}, nil, nil, nil, newFakeStore(), zerolog.Nop())
	assert.False(t, c.BasicEnabled())
	assert.False(t, c.BearerEnabled())

	_, err := c.AuthenticateBasic(context.Background(), basicHeader("a", "b"))
	assert.Error(t, err)
	_, err = c.AuthenticateBearer(context.Background(), "token")
	assert.Error(t, err)
}

func TestChain_BasicEnabledWiresVerifier(t *testing.T) {
	store := newFakeStore()
	store.bySlug["bob"] = &storage.Principal{ID: "p-bob", Slug: "bob"}
	c := NewChain(ChainConfig{EnableBasic: true}, &fakeVerifier{identity: Identity{Slug: "bob"}}, nil, nil, store, zerolog.Nop())
	require.True(t, c.BasicEnabled())

	id, err := c.AuthenticateBasic(context.Background(), basicHeader("bob", "pw"))
	require.NoError(t, err)
	assert.Equal(t, "p-bob", id.PrincipalID)
}

func TestBearerAuth_ResolvePrincipal_UsesSubjectResolver(t *testing.T) {
	store := newFakeStore()
	store.bySlug["carol"] = &storage.Principal{ID: "p-carol", Slug: "carol", DisplayName: "Carol"}
	ba := NewBearerAuth(BearerConfig{}, &fakeResolver{slug: "carol"}, nil, store, zerolog.Nop())

	id, err := ba.resolvePrincipal(context.Background(), "external-idp-subject-123")
	require.NoError(t, err)
	assert.Equal(t, "p-carol", id.PrincipalID)
	assert.Equal(t, "carol", id.Slug)
}

func TestBearerAuth_ResolvePrincipal_NoResolverUsesSubjectAsSlug(t *testing.T) {
	store := newFakeStore()
	store.bySlug["dave"] = &storage.Principal{ID: "p-dave", Slug: "dave"}
	ba := NewBearerAuth(BearerConfig{}, nil, nil, store, zerolog.Nop())

	id, err := ba.resolvePrincipal(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, "p-dave", id.PrincipalID)
}

func TestBearerAuth_Authenticate_NoSchemeConfiguredFails(t *testing.T) {
	ba := NewBearerAuth(BearerConfig{}, nil, nil, newFakeStore(), zerolog.Nop())
	_, err := ba.Authenticate(context.Background(), "sometoken")
	assert.Error(t, err)
}
