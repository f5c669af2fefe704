// Package props implements the C8 property resolver: it classifies a
// requested {namespace}name into a live (computed) or dead (client-stored)
// property and returns its value as a ready-to-embed XML element, the way
// the teacher's internal/dav/common.Prop/EncodeProp pair does for its
// fixed struct-tag property set, generalized here to the full live-property
// table spec.md §4.8 names plus dead-property passthrough the teacher never
// implemented at all.
package props

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/webdavxml"
)

// ResourceKind distinguishes the four addressable shapes the resolver
// computes live properties against.
type ResourceKind int

const (
	KindPrincipal ResourceKind = iota
	KindHomeSet
	KindCollection
	KindObject
)

// Resource is the resolver's view of one DAV resource. Only the fields
// relevant to Kind need be populated.
type Resource struct {
	Kind     ResourceKind
	Href     string
	BasePath string

	Principal *storage.Principal     // KindPrincipal; or the owner for Home/Collection/Object
	HomeKind  storage.CollectionKind // KindHomeSet: calendar vs addressbook
	Collection *storage.Collection   // KindCollection, KindObject
	Instance   *storage.Instance     // KindObject
	Entity     *storage.Entity       // KindObject, backs getcontentlength

	// DeadPropertyResourceID is the storage.DeadProperty.ResourceID this
	// resource's client-set properties are keyed under. Empty for
	// Principal/HomeSet, which carry no dead properties.
	DeadPropertyResourceID string
}

// Subject is the authenticated caller current-user-* properties are
// resolved relative to. Nil means an unauthenticated request.
type Subject struct {
	PrincipalID string
	Slug        string
}

// PrivilegeProvider backs current-user-privilege-set. internal/authz.
// PropsAdapter satisfies it by wrapping an authz.Authorizer; props never
// imports authz, so the dependency
// runs resolver -> interface rather than resolver -> authz.
type PrivilegeProvider interface {
	Privileges(ctx context.Context, subjectID, resourceID string) ([]string, error)
}

// Result is the outcome of resolving a single requested property (RFC 4918
// §9.1: every property succeeds or fails independently within one PROPFIND).
type Result struct {
	Name    webdavxml.QName
	Status  int
	Element *etree.Element // nil unless Status == http.StatusOK
}

type Resolver struct {
	store      storage.Store
	privileges PrivilegeProvider
}

func New(store storage.Store, privileges PrivilegeProvider) *Resolver {
	return &Resolver{store: store, privileges: privileges}
}

// excludedFromAllProp is RFC 3744 §5.4: current-user-privilege-set is
// expensive to compute (it may call out to the authorizer) and MUST NOT be
// returned by an allprop request.
var excludedFromAllProp = map[webdavxml.QName]bool{
	{Space: webdavxml.NSDAV, Local: "current-user-privilege-set"}: true,
}

// AllPropNames returns the live property names applicable to res, minus
// the expensive set RFC 3744 excludes from allprop.
func AllPropNames(res *Resource) []webdavxml.QName {
	var out []webdavxml.QName
	for name, fn := range liveProps {
		if excludedFromAllProp[name] {
			continue
		}
		if _, ok, _ := fn(nil, context.Background(), res, nil); ok {
			out = append(out, name)
		}
	}
	return out
}

// Resolve looks up each requested name against the live property table,
// falling back to stored dead properties. Unknown or inapplicable
// properties resolve to 404 individually; only a storage error aborts the
// whole call.
func (r *Resolver) Resolve(ctx context.Context, res *Resource, subject *Subject, names []webdavxml.QName) ([]Result, error) {
	var dead map[webdavxml.QName]storage.DeadProperty
	out := make([]Result, 0, len(names))
	for _, name := range names {
		if fn, ok := liveProps[name]; ok {
			el, applies, err := fn(r, ctx, res, subject)
			if err != nil {
				return nil, err
			}
			if applies {
				out = append(out, Result{Name: name, Status: http.StatusOK, Element: el})
				continue
			}
			out = append(out, Result{Name: name, Status: http.StatusNotFound})
			continue
		}

		if dead == nil {
			var err error
			dead, err = r.loadDeadProperties(ctx, res)
			if err != nil {
				return nil, err
			}
		}
		if dp, ok := dead[name]; ok {
			el, err := deadPropertyElement(name, dp)
			if err != nil {
				return nil, err
			}
			out = append(out, Result{Name: name, Status: http.StatusOK, Element: el})
			continue
		}
		out = append(out, Result{Name: name, Status: http.StatusNotFound})
	}
	return out, nil
}

func (r *Resolver) loadDeadProperties(ctx context.Context, res *Resource) (map[webdavxml.QName]storage.DeadProperty, error) {
	out := map[webdavxml.QName]storage.DeadProperty{}
	if res.DeadPropertyResourceID == "" {
		return out, nil
	}
	rows, err := r.store.ListDeadProperties(ctx, res.DeadPropertyResourceID)
	if err != nil {
		return nil, fmt.Errorf("props: list dead properties: %w", err)
	}
	for _, row := range rows {
		out[webdavxml.QName{Space: row.Namespace, Local: row.Name}] = row
	}
	return out, nil
}

func deadPropertyElement(name webdavxml.QName, dp storage.DeadProperty) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(dp.ValueXML); err != nil {
		return nil, fmt.Errorf("props: parse stored dead property %s: %w", name.Local, err)
	}
	return doc.Root(), nil
}

func joinPath(parts ...string) string {
	out := strings.Join(parts, "/")
	out = strings.ReplaceAll(out, "//", "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// PrincipalHref builds a principal's URL, e.g. "/dav/principals/alice".
func PrincipalHref(basePath, slug string) string {
	return joinPath(basePath, "principals", slug)
}

// CalendarHomeHref and AddressbookHomeHref build a principal's home
// collection URL, matching the teacher's CalendarHome/AddressbookHome
// path convention ("/calendars/{owner}/", "/addressbooks/{owner}/").
func CalendarHomeHref(basePath, slug string) string {
	return joinPath(basePath, "calendars", slug) + "/"
}

func AddressbookHomeHref(basePath, slug string) string {
	return joinPath(basePath, "addressbooks", slug) + "/"
}
