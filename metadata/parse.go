package metadata

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/xmlenc"
	dsig "github.com/russellhaering/goxmldsig"
)

// ErrMalformed is returned when a metadata document cannot be decoded.
var ErrMalformed = errors.New("metadata: malformed document")

var roleTags = map[string]bool{
	RoleIDPSSO:             true,
	RoleSPSSO:              true,
	RoleAttributeAuthority: true,
	RoleAuthnAuthority:     true,
	RolePDP:                true,
	RoleGeneric:            true,
}

// isMD reports whether elem is the metadata element with the given local
// name.
func isMD(elem *etree.Element, tag string) bool {
	return elem.Tag == tag && elem.NamespaceURI() == Namespace
}

// Parse decodes a metadata document whose root is an EntityDescriptor or an
// EntitiesDescriptor and returns every entity it contains, in document
// order. Each role descriptor receives a fresh generation.
func Parse(data []byte) ([]*EntityDescriptor, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ParseDocument(doc)
}

// ParseDocument is Parse for an already parsed document.
func ParseDocument(doc *etree.Document) ([]*EntityDescriptor, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if root.NamespaceURI() != Namespace {
		return nil, fmt.Errorf("%w: root element %s is not in the metadata namespace", ErrMalformed, root.Tag)
	}
	switch root.Tag {
	case "EntityDescriptor":
		e, err := parseEntity(root, nil)
		if err != nil {
			return nil, err
		}
		return []*EntityDescriptor{e}, nil
	case "EntitiesDescriptor":
		g, err := parseGroup(root, nil)
		if err != nil {
			return nil, err
		}
		return g.all(nil), nil
	default:
		return nil, fmt.Errorf("%w: unexpected root element %s", ErrMalformed, root.Tag)
	}
}

func (g *EntitiesDescriptor) all(out []*EntityDescriptor) []*EntityDescriptor {
	out = append(out, g.Entities...)
	for _, child := range g.Groups {
		out = child.all(out)
	}
	return out
}

func parseGroup(elem *etree.Element, parent *EntitiesDescriptor) (*EntitiesDescriptor, error) {
	g := &EntitiesDescriptor{
		Name:   elem.SelectAttrValue("Name", ""),
		Parent: parent,
	}
	for _, child := range elem.ChildElements() {
		switch {
		case isMD(child, "EntityDescriptor"):
			e, err := parseEntity(child, g)
			if err != nil {
				return nil, err
			}
			g.Entities = append(g.Entities, e)
		case isMD(child, "EntitiesDescriptor"):
			sub, err := parseGroup(child, g)
			if err != nil {
				return nil, err
			}
			g.Groups = append(g.Groups, sub)
		}
	}
	return g, nil
}

func parseEntity(elem *etree.Element, group *EntitiesDescriptor) (*EntityDescriptor, error) {
	e := &EntityDescriptor{
		EntityID: strings.TrimSpace(elem.SelectAttrValue("entityID", "")),
		Group:    group,
	}
	if e.EntityID == "" {
		return nil, fmt.Errorf("%w: EntityDescriptor without entityID", ErrMalformed)
	}
	for _, child := range elem.ChildElements() {
		if !roleTags[child.Tag] || child.NamespaceURI() != Namespace {
			continue
		}
		r, err := parseRole(child)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.EntityID, err)
		}
		e.AddRole(r)
	}
	return e, nil
}

func parseRole(elem *etree.Element) (*RoleDescriptor, error) {
	protocols := strings.Fields(elem.SelectAttrValue("protocolSupportEnumeration", ""))
	var kds []*KeyDescriptor
	for _, kdElem := range elem.ChildElements() {
		if !isMD(kdElem, "KeyDescriptor") {
			continue
		}
		kd, err := parseKeyDescriptor(kdElem)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", elem.Tag, err)
		}
		kds = append(kds, kd)
	}
	return NewRoleDescriptor(elem.Tag, protocols, kds...), nil
}

func parseKeyDescriptor(elem *etree.Element) (*KeyDescriptor, error) {
	kd := &KeyDescriptor{
		Use: credential.ParseUsage(elem.SelectAttrValue("use", "")),
	}
	if kiElem := elem.FindElement("./" + dsig.KeyInfoTag); kiElem != nil {
		ki, err := xmlenc.ParseKeyInfo(kiElem)
		if err != nil {
			return nil, fmt.Errorf("%w: KeyInfo: %w", ErrMalformed, err)
		}
		kd.KeyInfo = ki
	}
	for _, emElem := range elem.ChildElements() {
		if !isMD(emElem, "EncryptionMethod") {
			continue
		}
		em, err := xmlenc.ParseEncryptionMethod(emElem)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		kd.EncryptionMethods = append(kd.EncryptionMethods, em)
	}
	return kd, nil
}
