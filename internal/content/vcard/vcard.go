// Package vcard implements the vCard (RFC 6350) half of the content codec
// (spec §4.1), wrapping github.com/emersion/go-vcard and converting to/from
// the structural model shared with the iCalendar codec.
package vcard

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	govcard "github.com/emersion/go-vcard"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/davkit/davkit/internal/content/model"
)

// Parse decodes raw vCard bytes (a single VCARD, as addressbook object
// resources always carry exactly one per spec §4.2) into the shared
// structural model.
func Parse(raw []byte) (*model.Component, error) {
	cards, err := parseAll(raw)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("vcard: no VCARD found")
	}
	if len(cards) > 1 {
		return nil, fmt.Errorf("vcard: expected exactly one VCARD, found %d", len(cards))
	}
	return fromGoVCard(cards[0]), nil
}

func parseAll(raw []byte) ([]govcard.Card, error) {
	content := strings.ReplaceAll(string(raw), "\r\n", "\n")
	content = strings.ReplaceAll(content, "\n", "\r\n")

	dec := govcard.NewDecoder(strings.NewReader(content))
	var out []govcard.Card
	for {
		c, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vcard: decode: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func fromGoVCard(c govcard.Card) *model.Component {
	out := &model.Component{Name: "VCARD"}
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)

	ord := 0
	for _, name := range names {
		for _, f := range c[name] {
			out.Properties = append(out.Properties, convertField(name, f, ord))
			ord++
		}
	}
	return out
}

func convertField(name string, f *govcard.Field, ord int) model.Property {
	p := model.Property{Name: name, Ordinal: ord, Value: model.Value{Type: model.ValueText, Text: f.Value}}
	paramNames := make([]string, 0, len(f.Params))
	for n := range f.Params {
		paramNames = append(paramNames, n)
	}
	sort.Strings(paramNames)
	for _, pn := range paramNames {
		p.Parameters = append(p.Parameters, model.Parameter{Name: pn, Values: f.Params[pn]})
	}
	if isListField(name) {
		p.Value.Type = model.ValueTextList
		p.Value.TextList = strings.Split(f.Value, ",")
	}
	return p
}

func isListField(name string) bool {
	switch strings.ToUpper(name) {
	case "CATEGORIES", "NICKNAME":
		return true
	}
	return false
}

// Normalize backfills FN from N when absent and assigns a UID when
// missing, mirroring the teacher's NormalizeVCard, and re-targets the
// VERSION property to the requested vCard revision.
func Normalize(root *model.Component, targetVersion string) error {
	switch targetVersion {
	case "", "3.0", "4.0":
	default:
		return fmt.Errorf("vcard: unsupported target version %q", targetVersion)
	}

	if targetVersion != "" {
		setSingleText(root, "VERSION", targetVersion)
	} else if _, ok := root.Prop("VERSION"); !ok {
		setSingleText(root, "VERSION", "3.0")
	}

	if _, ok := root.Prop("FN"); !ok {
		if n, ok := root.Prop("N"); ok {
			parts := strings.Split(n.Value.Text, ";")
			var nameParts []string
			for _, idx := range []int{1, 2, 0} {
				if idx < len(parts) && parts[idx] != "" {
					nameParts = append(nameParts, parts[idx])
				}
			}
			fn := strings.TrimSpace(strings.Join(nameParts, " "))
			if fn == "" {
				return fmt.Errorf("vcard: missing FN and cannot generate from N")
			}
			setSingleText(root, "FN", fn)
		} else {
			return fmt.Errorf("vcard: missing required FN property")
		}
	}

	if _, ok := root.Prop("UID"); !ok {
		setSingleText(root, "UID", uuid.Must(uuid.NewV7()).String())
	}
	return nil
}

func setSingleText(root *model.Component, name, value string) {
	for i := range root.Properties {
		if strings.EqualFold(root.Properties[i].Name, name) {
			root.Properties[i].Value = model.Value{Type: model.ValueText, Text: value}
			return
		}
	}
	root.Properties = append(root.Properties, model.Property{
		Name:    name,
		Value:   model.Value{Type: model.ValueText, Text: value},
		Ordinal: len(root.Properties),
	})
}

// Validate checks the RFC 6350 structural minimums spec §4.2 names,
// aggregating every violation rather than stopping at the first.
func Validate(root *model.Component) error {
	var result *multierror.Error
	if !strings.EqualFold(root.Name, "VCARD") {
		result = multierror.Append(result, fmt.Errorf("root component must be VCARD, got %s", root.Name))
		return result.ErrorOrNil()
	}
	if _, ok := root.Prop("VERSION"); !ok {
		result = multierror.Append(result, fmt.Errorf("missing required VERSION property"))
	}
	if _, ok := root.Prop("FN"); !ok {
		result = multierror.Append(result, fmt.Errorf("missing required FN property"))
	}
	if _, ok := root.Prop("UID"); !ok {
		result = multierror.Append(result, fmt.Errorf("missing required UID property"))
	}
	return result.ErrorOrNil()
}

// Serialize renders the structural model back to canonical vCard bytes.
func Serialize(root *model.Component) ([]byte, error) {
	card := toGoVCard(root)
	var buf bytes.Buffer
	enc := govcard.NewEncoder(&buf)
	if err := enc.Encode(card); err != nil {
		return nil, fmt.Errorf("vcard: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func toGoVCard(root *model.Component) govcard.Card {
	card := govcard.Card{}
	for _, p := range root.Properties {
		f := &govcard.Field{Value: formatValue(p.Value)}
		if len(p.Parameters) > 0 {
			f.Params = govcard.Params{}
			for _, pa := range p.Parameters {
				f.Params[strings.ToUpper(pa.Name)] = pa.Values
			}
		}
		card[strings.ToUpper(p.Name)] = append(card[strings.ToUpper(p.Name)], f)
	}
	return card
}

func formatValue(v model.Value) string {
	if v.Type == model.ValueTextList {
		return strings.Join(v.TextList, ",")
	}
	return v.Text
}
