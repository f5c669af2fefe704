// Package authz implements the C9 authorizer: a privilege partial order and
// the Authorizer contract internal/protocol checks every request against.
// Subject expansion (a principal plus its groups plus the public principal)
// is opaque to callers — they pass a bare principal ID and the Authorizer
// implementation resolves the rest, the way the teacher's internal/acl
// resolves an LDAP group chain behind a flat Provider.Effective call.
package authz

import (
	"context"
	"errors"

	"github.com/samber/mo"
)

// ErrDenied is returned (wrapped in a Result) when the subject lacks the
// privilege Required asked for.
var ErrDenied = errors.New("authz: denied")

// Grant is Required's success value: there is no payload, only the fact of
// being allowed.
type Grant struct{}

// Privilege is one rung of the ordered chain
// read-free-busy <= read <= read-share <= edit <= edit-share <= admin <= owner.
// Holding a privilege implies holding every privilege below it.
type Privilege string

const (
	PrivReadFreeBusy Privilege = "read-free-busy"
	PrivRead         Privilege = "read"
	PrivReadShare    Privilege = "read-share"
	PrivEdit         Privilege = "edit"
	PrivEditShare    Privilege = "edit-share"
	PrivAdmin        Privilege = "admin"
	PrivOwner        Privilege = "owner"
)

var privilegeRank = map[Privilege]int{
	PrivReadFreeBusy: 0,
	PrivRead:         1,
	PrivReadShare:    2,
	PrivEdit:         3,
	PrivEditShare:    4,
	PrivAdmin:        5,
	PrivOwner:        6,
}

// Rank returns p's position in the chain, or -1 if p is not one of the
// seven known privileges.
func (p Privilege) Rank() int {
	if r, ok := privilegeRank[p]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether p implies q (p is q or ranks above it).
func (p Privilege) AtLeast(q Privilege) bool {
	return p.Rank() >= 0 && q.Rank() >= 0 && p.Rank() >= q.Rank()
}

// CanGrant is the share ceiling rule: a subject holding privilege holder may
// only grant privileges at or below its own. A read-share holder can share
// read or read-free-busy but never edit.
func CanGrant(holder, target Privilege) bool {
	return holder.Rank() >= 0 && target.Rank() >= 0 && target.Rank() <= holder.Rank()
}

// Action is a request-shaped operation internal/protocol asks the
// authorizer to permit; each maps to the minimum Privilege it requires.
type Action string

const (
	ActionReadFreeBusy Action = "read-free-busy"
	ActionRead         Action = "read"
	ActionWrite        Action = "write"
	ActionBind         Action = "bind"   // create a child resource
	ActionUnbind       Action = "unbind" // delete a child resource
	ActionReadACL      Action = "read-acl"
	ActionWriteACL     Action = "write-acl"
)

var actionRequirement = map[Action]Privilege{
	ActionReadFreeBusy: PrivReadFreeBusy,
	ActionRead:         PrivRead,
	ActionWrite:        PrivEdit,
	ActionBind:         PrivEdit,
	ActionUnbind:       PrivEdit,
	ActionReadACL:      PrivAdmin,
	ActionWriteACL:     PrivAdmin,
}

// Requirement returns the minimum privilege Action a demands, or "" if a is
// not one of the known actions.
func Requirement(a Action) Privilege {
	return actionRequirement[a]
}

// PrincipalRef is the minimal identity CurrentPrincipal hands back to a
// caller resolving "who am I" (e.g. for the current-user-principal
// property).
type PrincipalRef struct {
	ID   string
	Slug string
}

// ErrAnonymous is returned by CurrentPrincipal when subject is the empty
// string (an unauthenticated request has no principal of its own).
var ErrAnonymous = errors.New("authz: subject is anonymous")

// Authorizer is the §4.9 contract: every protected request goes through
// Required before it is served; Privileges backs current-user-privilege-set;
// CurrentPrincipal backs current-user-principal. subject is a bare principal
// ID, or "" for an unauthenticated caller.
type Authorizer interface {
	Required(ctx context.Context, subject, resourceID string, action Action) mo.Result[Grant]
	Privileges(ctx context.Context, subject, resourceID string) ([]Privilege, error)
	CurrentPrincipal(ctx context.Context, subject string) (PrincipalRef, error)
}

// GroupExpander resolves a principal's group memberships.
// internal/directory's GroupExpander satisfies it; a nil GroupExpander means
// every subject is just itself plus the public principal, no groups.
type GroupExpander interface {
	GroupsOf(ctx context.Context, principalID string) ([]string, error)
}
