package props

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/davkit/davkit/internal/query"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/syncengine"
	"github.com/davkit/davkit/internal/webdavxml"
)

type liveFunc func(r *Resolver, ctx context.Context, res *Resource, subject *Subject) (*etree.Element, bool, error)

var liveProps = map[webdavxml.QName]liveFunc{
	{Space: webdavxml.NSDAV, Local: "resourcetype"}:                  resolveResourceType,
	{Space: webdavxml.NSDAV, Local: "getetag"}:                       resolveGetETag,
	{Space: webdavxml.NSDAV, Local: "getlastmodified"}:                resolveGetLastModified,
	{Space: webdavxml.NSDAV, Local: "getcontentlength"}:               resolveGetContentLength,
	{Space: webdavxml.NSDAV, Local: "getcontenttype"}:                 resolveGetContentType,
	{Space: webdavxml.NSDAV, Local: "displayname"}:                    resolveDisplayName,
	{Space: webdavxml.NSDAV, Local: "current-user-principal"}:         resolveCurrentUserPrincipal,
	{Space: webdavxml.NSDAV, Local: "current-user-privilege-set"}:     resolveCurrentUserPrivilegeSet,
	{Space: webdavxml.NSDAV, Local: "owner"}:                          resolveOwner,
	{Space: webdavxml.NSDAV, Local: "principal-collection-set"}:       resolvePrincipalCollectionSet,
	{Space: webdavxml.NSDAV, Local: "supported-report-set"}:           resolveSupportedReportSet,
	{Space: webdavxml.NSDAV, Local: "sync-token"}:                     resolveSyncToken,
	{Space: webdavxml.NSCS, Local: "getctag"}:                         resolveGetCTag,
	{Space: webdavxml.NSCalDAV, Local: "calendar-home-set"}:           resolveCalendarHomeSet,
	{Space: webdavxml.NSCardDAV, Local: "addressbook-home-set"}:       resolveAddressbookHomeSet,
	{Space: webdavxml.NSCalDAV, Local: "calendar-user-address-set"}:   resolveCalendarUserAddressSet,
	{Space: webdavxml.NSCalDAV, Local: "calendar-description"}:        resolveCalendarDescription,
	{Space: webdavxml.NSCardDAV, Local: "addressbook-description"}:    resolveAddressbookDescription,
	{Space: webdavxml.NSCalDAV, Local: "supported-calendar-component-set"}: resolveSupportedCalendarComponentSet,
	{Space: webdavxml.NSCalDAV, Local: "supported-calendar-data"}:     resolveSupportedCalendarData,
	{Space: webdavxml.NSCardDAV, Local: "supported-address-data"}:     resolveSupportedAddressData,
	{Space: webdavxml.NSDAV, Local: "supported-collation-set"}:        resolveSupportedCollationSet,
	{Space: webdavxml.NSDAV, Local: "max-resource-size"}:              resolveMaxResourceSize,
}

func href(local, value string) *etree.Element {
	el := webdavxml.NewElement(local)
	h := webdavxml.NewElement("href")
	h.SetText(value)
	el.AddChild(h)
	return el
}

func resolveResourceType(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	el := webdavxml.NewElement("resourcetype")
	switch res.Kind {
	case KindPrincipal:
		el.AddChild(webdavxml.NewElement("principal"))
	case KindHomeSet:
		el.AddChild(webdavxml.NewElement("collection"))
	case KindCollection:
		el.AddChild(webdavxml.NewElement("collection"))
		if res.Collection != nil {
			switch res.Collection.Kind {
			case storage.CollectionCalendar:
				c := webdavxml.NewElement("calendar")
				c.Space = "C"
				el.AddChild(c)
			case storage.CollectionAddressbook:
				c := webdavxml.NewElement("addressbook")
				c.Space = "CARD"
				el.AddChild(c)
			}
		}
	case KindObject:
		// empty resourcetype; objects are not collections.
	}
	return el, true, nil
}

func resolveGetETag(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindObject || res.Instance == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("getetag")
	el.SetText(res.Instance.ETag)
	return el, true, nil
}

func resolveGetLastModified(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindObject || res.Instance == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("getlastmodified")
	el.SetText(res.Instance.LastModified.UTC().Format(http.TimeFormat))
	return el, true, nil
}

func resolveGetContentLength(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindObject || res.Entity == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("getcontentlength")
	el.SetText(strconv.Itoa(len(res.Entity.CanonicalRaw)))
	return el, true, nil
}

func resolveGetContentType(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindObject || res.Instance == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("getcontenttype")
	el.SetText(res.Instance.ContentType)
	return el, true, nil
}

func resolveDisplayName(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	var name string
	switch res.Kind {
	case KindPrincipal:
		if res.Principal == nil {
			return nil, false, nil
		}
		name = res.Principal.DisplayName
	case KindCollection:
		if res.Collection == nil {
			return nil, false, nil
		}
		name = res.Collection.DisplayName
	default:
		return nil, false, nil
	}
	el := webdavxml.NewElement("displayname")
	el.SetText(name)
	return el, true, nil
}

func resolveCurrentUserPrincipal(_ *Resolver, _ context.Context, res *Resource, subject *Subject) (*etree.Element, bool, error) {
	if subject == nil {
		el := webdavxml.NewElement("current-user-principal")
		el.AddChild(webdavxml.NewElement("unauthenticated"))
		return el, true, nil
	}
	return href("current-user-principal", PrincipalHref(res.BasePath, subject.Slug)), true, nil
}

func resourceIDFor(res *Resource) string {
	switch res.Kind {
	case KindObject:
		if res.Instance != nil {
			return res.Instance.ID
		}
	case KindCollection:
		if res.Collection != nil {
			return res.Collection.ID
		}
	case KindPrincipal:
		if res.Principal != nil {
			return res.Principal.ID
		}
	}
	return ""
}

func resolveCurrentUserPrivilegeSet(r *Resolver, ctx context.Context, res *Resource, subject *Subject) (*etree.Element, bool, error) {
	if r == nil || r.privileges == nil || subject == nil {
		return nil, false, nil
	}
	resourceID := resourceIDFor(res)
	if resourceID == "" {
		return nil, false, nil
	}
	privs, err := r.privileges.Privileges(ctx, subject.PrincipalID, resourceID)
	if err != nil {
		return nil, false, fmt.Errorf("props: resolve privileges: %w", err)
	}
	el := webdavxml.NewElement("current-user-privilege-set")
	for _, p := range privs {
		priv := webdavxml.NewElement("privilege")
		name := webdavxml.NewElement(p)
		priv.AddChild(name)
		el.AddChild(priv)
	}
	return el, true, nil
}

func resolveOwner(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Principal == nil {
		return nil, false, nil
	}
	return href("owner", PrincipalHref(res.BasePath, res.Principal.Slug)), true, nil
}

func resolvePrincipalCollectionSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	return href("principal-collection-set", joinPath(res.BasePath, "principals")+"/"), true, nil
}

func resolveSupportedReportSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindHomeSet && res.Kind != KindCollection {
		return nil, false, nil
	}
	reports := []string{"sync-collection", "expand-property"}
	if res.Collection != nil {
		switch res.Collection.Kind {
		case storage.CollectionCalendar:
			reports = append(reports, "C:calendar-query", "C:calendar-multiget", "C:free-busy-query")
		case storage.CollectionAddressbook:
			reports = append(reports, "CARD:addressbook-query", "CARD:addressbook-multiget")
		}
	} else if res.HomeKind == storage.CollectionCalendar {
		reports = append(reports, "C:calendar-query", "C:calendar-multiget", "C:free-busy-query")
	} else if res.HomeKind == storage.CollectionAddressbook {
		reports = append(reports, "CARD:addressbook-query", "CARD:addressbook-multiget")
	}

	el := webdavxml.NewElement("supported-report-set")
	for _, r := range reports {
		space, local := "D", r
		if i := strings.IndexByte(r, ':'); i >= 0 {
			space, local = r[:i], r[i+1:]
		}
		sr := webdavxml.NewElement("supported-report")
		rp := webdavxml.NewElement("report")
		name := webdavxml.NewElement(local)
		name.Space = space
		rp.AddChild(name)
		sr.AddChild(rp)
		el.AddChild(sr)
	}
	return el, true, nil
}

func resolveSyncToken(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("sync-token")
	el.SetText(syncengine.FormatToken(res.Collection.SyncToken))
	return el, true, nil
}

func resolveGetCTag(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("getctag")
	el.Space = "CS"
	el.SetText(strconv.FormatInt(res.Collection.SyncToken, 10))
	return el, true, nil
}

func resolveCalendarHomeSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindPrincipal || res.Principal == nil {
		return nil, false, nil
	}
	el := href("calendar-home-set", CalendarHomeHref(res.BasePath, res.Principal.Slug))
	el.Space = "C"
	return el, true, nil
}

func resolveAddressbookHomeSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindPrincipal || res.Principal == nil {
		return nil, false, nil
	}
	el := href("addressbook-home-set", AddressbookHomeHref(res.BasePath, res.Principal.Slug))
	el.Space = "CARD"
	return el, true, nil
}

func resolveCalendarUserAddressSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindPrincipal || res.Principal == nil {
		return nil, false, nil
	}
	el := webdavxml.NewElement("calendar-user-address-set")
	el.Space = "C"
	hEl := webdavxml.NewElement("href")
	hEl.SetText(PrincipalHref(res.BasePath, res.Principal.Slug))
	el.AddChild(hEl)
	mailto := webdavxml.NewElement("href")
	mailto.SetText("mailto:" + res.Principal.Slug)
	el.AddChild(mailto)
	return el, true, nil
}

func resolveCalendarDescription(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil || res.Collection.Kind != storage.CollectionCalendar {
		return nil, false, nil
	}
	el := webdavxml.NewElement("calendar-description")
	el.Space = "C"
	el.SetText(res.Collection.Description)
	return el, true, nil
}

func resolveAddressbookDescription(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil || res.Collection.Kind != storage.CollectionAddressbook {
		return nil, false, nil
	}
	el := webdavxml.NewElement("addressbook-description")
	el.Space = "CARD"
	el.SetText(res.Collection.Description)
	return el, true, nil
}

func resolveSupportedCalendarComponentSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil || res.Collection.Kind != storage.CollectionCalendar {
		return nil, false, nil
	}
	el := webdavxml.NewElement("supported-calendar-component-set")
	el.Space = "C"
	comps := res.Collection.SupportedComps
	if len(comps) == 0 {
		comps = []string{"VEVENT", "VTODO", "VJOURNAL"}
	}
	for _, c := range comps {
		comp := webdavxml.NewElement("comp")
		comp.Space = "C"
		comp.CreateAttr("name", c)
		el.AddChild(comp)
	}
	return el, true, nil
}

func resolveSupportedCalendarData(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil || res.Collection.Kind != storage.CollectionCalendar {
		return nil, false, nil
	}
	el := webdavxml.NewElement("supported-calendar-data")
	el.Space = "C"
	cd := webdavxml.NewElement("calendar-data")
	cd.Space = "C"
	cd.CreateAttr("content-type", "text/calendar")
	cd.CreateAttr("version", "2.0")
	el.AddChild(cd)
	return el, true, nil
}

func resolveSupportedAddressData(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection || res.Collection == nil || res.Collection.Kind != storage.CollectionAddressbook {
		return nil, false, nil
	}
	el := webdavxml.NewElement("supported-address-data")
	el.Space = "CARD"
	for _, v := range []string{"3.0", "4.0"} {
		ad := webdavxml.NewElement("address-data-type")
		ad.Space = "CARD"
		ad.CreateAttr("content-type", "text/vcard")
		ad.CreateAttr("version", v)
		el.AddChild(ad)
	}
	return el, true, nil
}

func resolveSupportedCollationSet(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection {
		return nil, false, nil
	}
	el := webdavxml.NewElement("supported-collation-set")
	for _, c := range query.SupportedCollations {
		s := webdavxml.NewElement("supported-collation")
		s.SetText(c)
		el.AddChild(s)
	}
	return el, true, nil
}

// maxResourceSize is spec.md's request-body inline threshold ceiling.
const maxResourceSize = 10 << 20

func resolveMaxResourceSize(_ *Resolver, _ context.Context, res *Resource, _ *Subject) (*etree.Element, bool, error) {
	if res.Kind != KindCollection {
		return nil, false, nil
	}
	el := webdavxml.NewElement("max-resource-size")
	el.SetText(strconv.Itoa(maxResourceSize))
	return el, true, nil
}
