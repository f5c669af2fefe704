package authz

import (
	"context"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davkit/davkit/internal/storage"
)

type fakeStore struct {
	storage.Store
	collections map[string]*storage.Collection
	principals  map[string]*storage.Principal
	policies    map[string][]storage.AuthorizationPolicy
}

func (f *fakeStore) GetCollection(ctx context.Context, id string) (mo.Option[*storage.Collection], error) {
	if c, ok := f.collections[id]; ok {
		return mo.Some(c), nil
	}
	return mo.None[*storage.Collection](), nil
}

func (f *fakeStore) GetPrincipal(ctx context.Context, id string) (mo.Option[*storage.Principal], error) {
	if p, ok := f.principals[id]; ok {
		return mo.Some(p), nil
	}
	return mo.None[*storage.Principal](), nil
}

func (f *fakeStore) GetPrincipalBySlug(ctx context.Context, kind storage.PrincipalKind, slug string) (mo.Option[*storage.Principal], error) {
	for _, p := range f.principals {
		if p.Kind == kind && p.Slug == slug {
			return mo.Some(p), nil
		}
	}
	return mo.None[*storage.Principal](), nil
}

func (f *fakeStore) ListAuthorizationPolicies(ctx context.Context, collectionID string) ([]storage.AuthorizationPolicy, error) {
	return f.policies[collectionID], nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: map[string]*storage.Collection{},
		principals:  map[string]*storage.Principal{},
		policies:    map[string][]storage.AuthorizationPolicy{},
	}
}

func TestPrivilegeRank_Ordering(t *testing.T) {
	assert.True(t, PrivOwner.AtLeast(PrivAdmin))
	assert.True(t, PrivEdit.AtLeast(PrivRead))
	assert.False(t, PrivRead.AtLeast(PrivEdit))
	assert.True(t, PrivRead.AtLeast(PrivRead))
}

func TestCanGrant_ShareCeiling(t *testing.T) {
	assert.True(t, CanGrant(PrivEditShare, PrivRead))
	assert.True(t, CanGrant(PrivEditShare, PrivEditShare))
	assert.False(t, CanGrant(PrivReadShare, PrivEdit))
}

func TestPrivileges_OwnerIsImplicit(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	a := NewStatic(store, nil)

	privs, err := a.Privileges(context.Background(), "alice", "col-1")
	require.NoError(t, err)
	require.Contains(t, privs, PrivOwner)
}

func TestPrivileges_GrantedBySubjectPolicy(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	store.policies["col-1"] = []storage.AuthorizationPolicy{
		{ID: "pol-1", CollectionID: "col-1", SubjectPrincipalID: "bob", Privilege: string(PrivRead)},
	}
	a := NewStatic(store, nil)

	privs, err := a.Privileges(context.Background(), "bob", "col-1")
	require.NoError(t, err)
	assert.Contains(t, privs, PrivRead)
	assert.NotContains(t, privs, PrivOwner)
}

func TestPrivileges_GrantedByPublicPolicy(t *testing.T) {
	store := newFakeStore()
	store.principals["pub-1"] = &storage.Principal{ID: "pub-1", Kind: storage.PrincipalPublic, Slug: "public"}
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	store.policies["col-1"] = []storage.AuthorizationPolicy{
		{ID: "pol-1", CollectionID: "col-1", SubjectPrincipalID: "pub-1", Privilege: string(PrivReadFreeBusy)},
	}
	a := NewStatic(store, nil)

	privs, err := a.Privileges(context.Background(), "", "col-1")
	require.NoError(t, err)
	assert.Contains(t, privs, PrivReadFreeBusy)
}

func TestPrivileges_GrantedByGroupExpansion(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	store.policies["col-1"] = []storage.AuthorizationPolicy{
		{ID: "pol-1", CollectionID: "col-1", SubjectPrincipalID: "group-staff", Privilege: string(PrivEdit)},
	}
	groups := groupExpanderFunc(func(ctx context.Context, principalID string) ([]string, error) {
		return []string{"group-staff"}, nil
	})
	a := NewStatic(store, groups)

	privs, err := a.Privileges(context.Background(), "bob", "col-1")
	require.NoError(t, err)
	assert.Contains(t, privs, PrivEdit)
}

type groupExpanderFunc func(ctx context.Context, principalID string) ([]string, error)

func (f groupExpanderFunc) GroupsOf(ctx context.Context, principalID string) ([]string, error) {
	return f(ctx, principalID)
}

func TestRequired_GrantsWhenPrivilegeSufficient(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	a := NewStatic(store, nil)

	result := a.Required(context.Background(), "alice", "col-1", ActionWriteACL)
	assert.True(t, result.IsOk())
}

func TestRequired_DeniesWhenPrivilegeInsufficient(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	store.policies["col-1"] = []storage.AuthorizationPolicy{
		{ID: "pol-1", CollectionID: "col-1", SubjectPrincipalID: "bob", Privilege: string(PrivRead)},
	}
	a := NewStatic(store, nil)

	result := a.Required(context.Background(), "bob", "col-1", ActionWrite)
	require.True(t, result.IsError())
	assert.ErrorIs(t, result.Error(), ErrDenied)
}

func TestCurrentPrincipal_Anonymous(t *testing.T) {
	a := NewStatic(newFakeStore(), nil)
	_, err := a.CurrentPrincipal(context.Background(), "")
	assert.ErrorIs(t, err, ErrAnonymous)
}

func TestCurrentPrincipal_Resolves(t *testing.T) {
	store := newFakeStore()
	store.principals["alice-id"] = &storage.Principal{ID: "alice-id", Slug: "alice"}
	a := NewStatic(store, nil)

	ref, err := a.CurrentPrincipal(context.Background(), "alice-id")
	require.NoError(t, err)
	assert.Equal(t, "alice", ref.Slug)
}

func TestPropsAdapter_ConvertsToStrings(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &storage.Collection{ID: "col-1", OwnerPrincipalID: "alice"}
	adapter := PropsAdapter{Authorizer: NewStatic(store, nil)}

	names, err := adapter.Privileges(context.Background(), "alice", "col-1")
	require.NoError(t, err)
	assert.Contains(t, names, string(PrivOwner))
}
