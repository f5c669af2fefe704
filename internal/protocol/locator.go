package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/davkit/davkit/internal/props"
	"github.com/davkit/davkit/internal/storage"
)

// LocatorKind mirrors props.ResourceKind but is resolved purely from a URL
// path, before any storage lookup.
type LocatorKind int

const (
	LocatorPrincipal LocatorKind = iota
	LocatorHomeSet
	LocatorCollection
	LocatorObject
	LocatorUnknown
)

// Locator is the parsed shape of a request path, matching the
// /principals/{slug}, /calendars/{owner}/, /calendars/{owner}/{cal}/,
// /calendars/{owner}/{cal}/{instance} convention internal/props builds
// hrefs against (and their /addressbooks/ counterparts).
type Locator struct {
	Kind LocatorKind

	OwnerSlug      string
	HomeKind       storage.CollectionKind // set for HomeSet/Collection/Object
	CollectionSlug string
	InstanceSlug   string
}

// ParseLocator splits basePath-relative request paths into a Locator. It
// never touches storage — ambiguity between "collection" and "owner of a
// not-yet-created home" is resolved by the caller once it has looked the
// pieces up.
func ParseLocator(basePath, urlPath string) (Locator, error) {
	p := strings.TrimPrefix(urlPath, basePath)
	p = strings.Trim(p, "/")
	if p == "" {
		return Locator{Kind: LocatorUnknown}, nil
	}
	parts := strings.Split(p, "/")

	switch parts[0] {
	case "principals":
		if len(parts) < 2 || parts[1] == "" {
			return Locator{Kind: LocatorUnknown}, nil
		}
		return Locator{Kind: LocatorPrincipal, OwnerSlug: parts[1]}, nil

	case "calendars", "addressbooks":
		kind := storage.CollectionCalendar
		if parts[0] == "addressbooks" {
			kind = storage.CollectionAddressbook
		}
		if len(parts) < 2 || parts[1] == "" {
			return Locator{Kind: LocatorUnknown}, nil
		}
		loc := Locator{OwnerSlug: parts[1], HomeKind: kind}
		switch {
		case len(parts) == 2:
			loc.Kind = LocatorHomeSet
		case len(parts) == 3:
			loc.Kind = LocatorCollection
			loc.CollectionSlug = parts[2]
		case len(parts) == 4:
			loc.Kind = LocatorObject
			loc.CollectionSlug = parts[2]
			loc.InstanceSlug = parts[3]
		default:
			return Locator{Kind: LocatorUnknown}, fmt.Errorf("protocol: path too deep: %q", urlPath)
		}
		return loc, nil

	default:
		return Locator{Kind: LocatorUnknown}, nil
	}
}

// ErrNotFound is returned by Resolve when the locator's principal or
// collection or instance doesn't exist.
var ErrNotFound = storage.ErrNotFound

// Resolve loads a Locator into a props.Resource, the common first step of
// every method handler. subject is only used to fill in current-user-*
// properties the resolver computes; it carries no access-control weight
// here, since Required is always checked separately afterward.
func (e *Engine) Resolve(ctx context.Context, loc Locator, subject Subject) (*props.Resource, error) {
	switch loc.Kind {
	case LocatorPrincipal:
		principal, err := e.loadPrincipalBySlug(ctx, loc.OwnerSlug)
		if err != nil {
			return nil, err
		}
		return &props.Resource{
			Kind:      props.KindPrincipal,
			BasePath:  e.basePath,
			Href:      props.PrincipalHref(e.basePath, loc.OwnerSlug),
			Principal: principal,
		}, nil

	case LocatorHomeSet:
		principal, err := e.loadPrincipalBySlug(ctx, loc.OwnerSlug)
		if err != nil {
			return nil, err
		}
		href := props.CalendarHomeHref(e.basePath, loc.OwnerSlug)
		if loc.HomeKind == storage.CollectionAddressbook {
			href = props.AddressbookHomeHref(e.basePath, loc.OwnerSlug)
		}
		return &props.Resource{
			Kind:      props.KindHomeSet,
			BasePath:  e.basePath,
			Href:      href,
			Principal: principal,
			HomeKind:  loc.HomeKind,
		}, nil

	case LocatorCollection:
		principal, coll, err := e.loadCollection(ctx, loc.OwnerSlug, loc.CollectionSlug)
		if err != nil {
			return nil, err
		}
		return &props.Resource{
			Kind:                   props.KindCollection,
			BasePath:               e.basePath,
			Href:                   collectionHref(e.basePath, loc),
			Principal:              principal,
			Collection:             coll,
			DeadPropertyResourceID: coll.ID,
		}, nil

	case LocatorObject:
		principal, coll, err := e.loadCollection(ctx, loc.OwnerSlug, loc.CollectionSlug)
		if err != nil {
			return nil, err
		}
		instOpt, err := e.store.GetInstance(ctx, coll.ID, loc.InstanceSlug)
		if err != nil {
			return nil, fmt.Errorf("protocol: load instance: %w", err)
		}
		inst, ok := instOpt.Get()
		if !ok {
			return nil, ErrNotFound
		}
		entityOpt, err := e.store.GetEntity(ctx, inst.EntityID)
		if err != nil {
			return nil, fmt.Errorf("protocol: load entity: %w", err)
		}
		entity, ok := entityOpt.Get()
		if !ok {
			return nil, ErrNotFound
		}
		return &props.Resource{
			Kind:                   props.KindObject,
			BasePath:               e.basePath,
			Href:                   objectHref(e.basePath, loc),
			Principal:              principal,
			Collection:             coll,
			Instance:               inst,
			Entity:                 entity,
			DeadPropertyResourceID: inst.ID,
		}, nil

	default:
		return nil, ErrNotFound
	}
}

func (e *Engine) loadPrincipalBySlug(ctx context.Context, slug string) (*storage.Principal, error) {
	opt, err := e.store.GetPrincipalBySlug(ctx, storage.PrincipalUser, slug)
	if err != nil {
		return nil, fmt.Errorf("protocol: load principal: %w", err)
	}
	p, ok := opt.Get()
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (e *Engine) loadCollection(ctx context.Context, ownerSlug, collectionSlug string) (*storage.Principal, *storage.Collection, error) {
	principal, err := e.loadPrincipalBySlug(ctx, ownerSlug)
	if err != nil {
		return nil, nil, err
	}
	collOpt, err := e.store.GetCollectionByPath(ctx, ownerSlug, collectionSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: load collection: %w", err)
	}
	coll, ok := collOpt.Get()
	if !ok {
		return nil, nil, ErrNotFound
	}
	return principal, coll, nil
}

func homeSegment(kind storage.CollectionKind) string {
	if kind == storage.CollectionAddressbook {
		return "addressbooks"
	}
	return "calendars"
}

func collectionHref(basePath string, loc Locator) string {
	return joinPath(basePath, homeSegment(loc.HomeKind), loc.OwnerSlug, loc.CollectionSlug) + "/"
}

func objectHref(basePath string, loc Locator) string {
	return joinPath(basePath, homeSegment(loc.HomeKind), loc.OwnerSlug, loc.CollectionSlug, loc.InstanceSlug)
}

func joinPath(parts ...string) string {
	out := strings.Join(parts, "/")
	out = strings.ReplaceAll(out, "//", "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}
