package authz

import (
	"context"
	"fmt"

	"github.com/samber/mo"

	"github.com/davkit/davkit/internal/storage"
)

// StaticAuthorizer evaluates authorization_policies rows against a
// collection, the way the teacher's LDAPACL evaluates ACEs against an LDAP
// group chain — generalized here from the teacher's five-bit PrivRead/
// PrivWriteProps/PrivWriteContent/PrivBind/PrivUnbind/PrivAll set to the
// full seven-rung ordered chain, plus the share ceiling rule the teacher's
// ACL has no equivalent of.
type StaticAuthorizer struct {
	store  storage.Store
	groups GroupExpander
}

// NewStatic builds a StaticAuthorizer. groups may be nil; every subject is
// then just itself plus the public principal.
func NewStatic(store storage.Store, groups GroupExpander) *StaticAuthorizer {
	return &StaticAuthorizer{store: store, groups: groups}
}

func (a *StaticAuthorizer) Required(ctx context.Context, subject, resourceID string, action Action) mo.Result[Grant] {
	need := Requirement(action)
	if need == "" {
		return mo.Err[Grant](fmt.Errorf("authz: unknown action %q", action))
	}
	privs, err := a.Privileges(ctx, subject, resourceID)
	if err != nil {
		return mo.Err[Grant](err)
	}
	for _, p := range privs {
		if p.AtLeast(need) {
			return mo.Ok(Grant{})
		}
	}
	return mo.Err[Grant](ErrDenied)
}

// Privileges returns every privilege subject holds on resourceID: an
// implicit owner grant if subject owns the collection, plus whatever
// authorization_policies rows name subject, one of its groups, or the
// public principal.
func (a *StaticAuthorizer) Privileges(ctx context.Context, subject, resourceID string) ([]Privilege, error) {
	var out []Privilege

	collOpt, err := a.store.GetCollection(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("authz: load collection: %w", err)
	}
	if coll, ok := collOpt.Get(); ok && subject != "" && coll.OwnerPrincipalID == subject {
		out = append(out, PrivOwner)
	}

	subjects, err := a.expand(ctx, subject)
	if err != nil {
		return nil, err
	}

	policies, err := a.store.ListAuthorizationPolicies(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("authz: list authorization policies: %w", err)
	}
	for _, p := range policies {
		if subjects[p.SubjectPrincipalID] {
			out = append(out, Privilege(p.Privilege))
		}
	}
	return out, nil
}

func (a *StaticAuthorizer) CurrentPrincipal(ctx context.Context, subject string) (PrincipalRef, error) {
	if subject == "" {
		return PrincipalRef{}, ErrAnonymous
	}
	opt, err := a.store.GetPrincipal(ctx, subject)
	if err != nil {
		return PrincipalRef{}, fmt.Errorf("authz: load principal: %w", err)
	}
	p, ok := opt.Get()
	if !ok {
		return PrincipalRef{}, storage.ErrNotFound
	}
	return PrincipalRef{ID: p.ID, Slug: p.Slug}, nil
}

// expand implements the §4.9 subject-expansion rule: {subject} ∪
// groups(subject) ∪ {public}, resolved once here and never inspected by
// any caller.
func (a *StaticAuthorizer) expand(ctx context.Context, subject string) (map[string]bool, error) {
	out := map[string]bool{}
	if subject != "" {
		out[subject] = true
	}
	if a.groups != nil && subject != "" {
		groupIDs, err := a.groups.GroupsOf(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("authz: expand groups: %w", err)
		}
		for _, g := range groupIDs {
			out[g] = true
		}
	}
	publicOpt, err := a.store.GetPrincipalBySlug(ctx, storage.PrincipalPublic, "public")
	if err != nil {
		return nil, fmt.Errorf("authz: load public principal: %w", err)
	}
	if public, ok := publicOpt.Get(); ok {
		out[public.ID] = true
	}
	return out, nil
}

// PropsAdapter adapts an Authorizer to internal/props.PrivilegeProvider,
// converting the Privilege chain to the plain strings the DAV
// current-user-privilege-set property embeds.
type PropsAdapter struct {
	Authorizer Authorizer
}

func (a PropsAdapter) Privileges(ctx context.Context, subjectID, resourceID string) ([]string, error) {
	privs, err := a.Authorizer.Privileges(ctx, subjectID, resourceID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(privs))
	for i, p := range privs {
		out[i] = string(p)
	}
	return out, nil
}
