// Package directory implements the principal-provisioning importer: an
// LDAP-backed batch job that keeps internal/storage's Principal table in
// sync with an external directory, and the live authz.GroupExpander a
// running server uses to resolve a principal's group memberships. It never
// authenticates a request itself — internal/authn owns that — it only
// keeps identities and their group edges current.
package directory

import (
	"context"
	"time"
)

// Source is what Importer needs from a directory backend: *Client
// satisfies it against a real LDAP server, a test fake against a map.
type Source interface {
	ListUsers(ctx context.Context) ([]User, error)
	ListGroups(ctx context.Context) ([]Group, error)
}

// MembershipSource is what GroupExpander needs: resolving a principal's DN
// and the groups that list it as a member.
type MembershipSource interface {
	LookupDN(ctx context.Context, slug string) (string, error)
	GroupsOfDN(ctx context.Context, dn string) ([]string, error)
}

// Config names the LDAP search parameters the importer and group expander
// both need, kept free of internal/config so this package has no import
// cycle back to the aggregate config loader.
type Config struct {
	URL                string
	BindDN             string
	BindPassword       string
	InsecureSkipVerify bool
	RequireTLS         bool
	Timeout            time.Duration

	UserBaseDN     string
	UserListFilter string // objectClass filter enumerating every importable user
	UserBindFilter string // sprintf filter (username twice) used to locate a DN to bind-verify
	UIDAttr        string // attribute holding the slug a storage.Principal is keyed by
	GroupBaseDN    string
	GroupFilter    string
	MemberAttr     string // group attribute listing member DNs
	CacheTTL       time.Duration

	TokenSubjectAttr string // attribute a bearer token's subject claim is matched against
}

// DefaultConfig fills in the conventional attribute names (inetOrgPerson/
// groupOfNames schema) a deployment overrides through whatever env/file
// loader internal/config wires on top of this struct.
func DefaultConfig() Config {
	return Config{
		UserListFilter: "(objectClass=inetOrgPerson)",
		UserBindFilter: "(|(uid=%s)(mail=%s))",
		UIDAttr:        "uid",
		GroupFilter:    "(objectClass=groupOfNames)",
		MemberAttr:     "member",
		Timeout:        10 * time.Second,
		CacheTTL:       5 * time.Minute,

		TokenSubjectAttr: "uid",
	}
}

// User is one directory entry the importer turns into a storage.Principal
// of kind user.
type User struct {
	Slug        string
	DN          string
	DisplayName string
	Mail        string
}

// Group is one directory entry the importer turns into a storage.Principal
// of kind group; MemberDNs is resolved to storage.Principal IDs by the
// caller, not here, since that resolution needs storage access this
// package's LDAP client doesn't have.
type Group struct {
	Slug        string
	DN          string
	DisplayName string
	MemberDNs   []string
}
