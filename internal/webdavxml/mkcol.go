package webdavxml

// MkcolRequest is a parsed Extended MKCOL body (RFC 5689): a resourcetype
// plus an initial property set, structurally identical to PROPPATCH's set
// list but with no remove half.
type MkcolRequest struct {
	ResourceTypes []QName
	SetProps      []ProppatchOp
}

// ParseMkcol parses an Extended MKCOL request body. A plain MKCOL with no
// body (or an unparseable one) is a request for an ordinary collection.
func ParseMkcol(body []byte) (*MkcolRequest, error) {
	req := &MkcolRequest{}
	if len(body) == 0 {
		return req, nil
	}
	doc, err := parseDoc(body)
	if err != nil {
		return req, nil
	}
	root := doc.Root()
	if root == nil {
		return req, nil
	}

	for _, setEl := range childrenIgnoreNS(root, "set") {
		propEl := firstChildIgnoreNS(setEl, "prop")
		if propEl == nil {
			continue
		}
		for _, p := range propEl.ChildElements() {
			if p.Tag == "resourcetype" {
				for _, rt := range p.ChildElements() {
					req.ResourceTypes = append(req.ResourceTypes, qnameOf(rt))
				}
				continue
			}
			req.SetProps = append(req.SetProps, ProppatchOp{Name: qnameOf(p), Value: p})
		}
	}
	return req, nil
}
