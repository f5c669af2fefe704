package webdavxml

import "github.com/beevik/etree"

// ProppatchOp is one ordered set-or-remove instruction from a PROPPATCH
// body (RFC 4918 §9.2). Order matters: a later set overrides an earlier
// one for the same property within a single request.
type ProppatchOp struct {
	Remove bool
	Name   QName
	Value  *etree.Element // the property element itself, carrying its own children/text; nil for Remove
}

// ParseProppatch parses a PROPPATCH body into its ordered set/remove list.
func ParseProppatch(body []byte) ([]ProppatchOp, error) {
	doc, err := parseDoc(body)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}

	var ops []ProppatchOp
	for _, child := range root.ChildElements() {
		switch child.Tag {
		case "set":
			propEl := firstChildIgnoreNS(child, "prop")
			if propEl == nil {
				continue
			}
			for _, p := range propEl.ChildElements() {
				ops = append(ops, ProppatchOp{Name: qnameOf(p), Value: p})
			}
		case "remove":
			propEl := firstChildIgnoreNS(child, "prop")
			if propEl == nil {
				continue
			}
			for _, p := range propEl.ChildElements() {
				ops = append(ops, ProppatchOp{Remove: true, Name: qnameOf(p)})
			}
		}
	}
	return ops, nil
}
