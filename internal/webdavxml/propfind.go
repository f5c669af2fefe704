package webdavxml

// PropfindRequest is a parsed PROPFIND body (RFC 4918 §9.1).
type PropfindRequest struct {
	AllProp  bool
	PropName bool
	Include  []QName // DAV:include siblings of DAV:allprop
	Props    []QName // requested property names; empty when AllProp or PropName
}

// ParsePropfind parses a PROPFIND request body. An empty body (some
// clients send none, relying on the RFC 4918 §9.1 "treat as allprop"
// default) returns an AllProp request.
func ParsePropfind(body []byte) (*PropfindRequest, error) {
	if len(body) == 0 {
		return &PropfindRequest{AllProp: true}, nil
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return &PropfindRequest{AllProp: true}, nil
	}

	req := &PropfindRequest{}
	if firstChildIgnoreNS(root, "propname") != nil {
		req.PropName = true
		return req, nil
	}
	if allprop := firstChildIgnoreNS(root, "allprop"); allprop != nil {
		req.AllProp = true
		if inc := firstChildIgnoreNS(root, "include"); inc != nil {
			for _, p := range inc.ChildElements() {
				req.Include = append(req.Include, qnameOf(p))
			}
		}
		return req, nil
	}
	if propEl := firstChildIgnoreNS(root, "prop"); propEl != nil {
		for _, p := range propEl.ChildElements() {
			req.Props = append(req.Props, qnameOf(p))
		}
		return req, nil
	}
	// Malformed or unknown body shape: degrade to allprop rather than
	// erroring, matching RFC 4918's "treat as if allprop" guidance for a
	// PROPFIND whose body doesn't resolve to a recognized element.
	req.AllProp = true
	return req, nil
}
