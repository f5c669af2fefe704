package props

import (
	"context"
	"fmt"
	"net/http"

	"github.com/beevik/etree"

	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/webdavxml"
)

// PatchResult reports the per-property outcome of an ApplyProppatch call,
// for assembly into a multistatus response (RFC 4918 §9.2's propstat-per-
// outcome requirement: set and remove share one response but can fail
// independently).
type PatchResult struct {
	Name   webdavxml.QName
	Status int
}

// ApplyProppatch stores or removes dead properties against resourceID. Any
// op naming a live property is rejected with 403 Forbidden (RFC 4918
// §9.2.1: attempting to set a protected property never succeeds) rather
// than silently overwritten.
func (r *Resolver) ApplyProppatch(ctx context.Context, resourceID string, ops []webdavxml.ProppatchOp) ([]PatchResult, error) {
	out := make([]PatchResult, 0, len(ops))
	for _, op := range ops {
		if _, protected := liveProps[op.Name]; protected {
			out = append(out, PatchResult{Name: op.Name, Status: http.StatusForbidden})
			continue
		}
		if op.Remove {
			if err := r.store.RemoveDeadProperty(ctx, resourceID, op.Name.Space, op.Name.Local); err != nil {
				return nil, fmt.Errorf("props: remove dead property: %w", err)
			}
			out = append(out, PatchResult{Name: op.Name, Status: http.StatusOK})
			continue
		}
		valueXML, err := serializeDeadProperty(op.Name, op.Value)
		if err != nil {
			return nil, fmt.Errorf("props: serialize dead property %s: %w", op.Name.Local, err)
		}
		err = r.store.SetDeadProperty(ctx, storage.DeadProperty{
			ResourceID: resourceID,
			Namespace:  op.Name.Space,
			Name:       op.Name.Local,
			ValueXML:   valueXML,
		})
		if err != nil {
			return nil, fmt.Errorf("props: set dead property: %w", err)
		}
		out = append(out, PatchResult{Name: op.Name, Status: http.StatusOK})
	}
	return out, nil
}

// serializeDeadProperty stores a client-set property self-contained: the
// original prefix (bound on some ancestor in the request body we don't
// keep) is dropped in favor of an inline xmlns declaration using the
// already-resolved namespace URI, so the stored XML round-trips through
// deadPropertyElement without depending on any other document's bindings.
func serializeDeadProperty(name webdavxml.QName, el *etree.Element) (string, error) {
	clone := el.Copy()
	clone.Space = ""
	clone.CreateAttr("xmlns", name.Space)
	doc := etree.NewDocument()
	doc.AddChild(clone)
	return doc.WriteToString()
}
