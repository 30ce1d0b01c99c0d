// Package metadata models the parts of SAML metadata that encryption
// negotiation needs and resolves credentials from a peer's role descriptor.
package metadata

import (
	"slices"
	"sync/atomic"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/xmlenc"
)

// Namespace is the SAML 2.0 metadata namespace.
const Namespace = "urn:oasis:names:tc:SAML:2.0:metadata"

// ProtocolSAML20 is the SAML 2.0 protocol support enumeration value.
const ProtocolSAML20 = "urn:oasis:names:tc:SAML:2.0:protocol"

// Role descriptor element names.
const (
	RoleIDPSSO             = "IDPSSODescriptor"
	RoleSPSSO              = "SPSSODescriptor"
	RoleAttributeAuthority = "AttributeAuthorityDescriptor"
	RoleAuthnAuthority     = "AuthnAuthorityDescriptor"
	RolePDP                = "PDPDescriptor"
	RoleGeneric            = "RoleDescriptor"
)

// Generation identifies one role descriptor in one metadata snapshot. Two
// descriptors never share a generation, so a reloaded snapshot gets fresh
// cache entries.
type Generation uint64

var generations atomic.Uint64

func nextGeneration() Generation {
	return Generation(generations.Add(1))
}

// EntitiesDescriptor is a named group of entities. Groups nest.
type EntitiesDescriptor struct {
	Name     string
	Parent   *EntitiesDescriptor
	Entities []*EntityDescriptor
	Groups   []*EntitiesDescriptor
}

// EntityDescriptor is one entity and its roles.
type EntityDescriptor struct {
	EntityID string
	Roles    []*RoleDescriptor
	// Group is the innermost EntitiesDescriptor enclosing the entity, if any.
	Group *EntitiesDescriptor
}

// AddRole appends r and points its back-reference at e.
func (e *EntityDescriptor) AddRole(r *RoleDescriptor) {
	r.entity = e
	e.Roles = append(e.Roles, r)
}

// Role returns the first role of the given type that supports protocol. An
// empty protocol matches any role of the type.
func (e *EntityDescriptor) Role(roleType, protocol string) *RoleDescriptor {
	for _, r := range e.Roles {
		if r.Type == roleType && (protocol == "" || r.SupportsProtocol(protocol)) {
			return r
		}
	}
	return nil
}

// RoleDescriptor is one protocol role of an entity.
type RoleDescriptor struct {
	// Type is the local name of the role element, e.g. SPSSODescriptor.
	Type           string
	Protocols      []string
	KeyDescriptors []*KeyDescriptor

	entity *EntityDescriptor
	gen    atomic.Uint64
}

// NewRoleDescriptor returns a role descriptor with a fresh generation.
func NewRoleDescriptor(roleType string, protocols []string, kds ...*KeyDescriptor) *RoleDescriptor {
	r := &RoleDescriptor{
		Type:           roleType,
		Protocols:      protocols,
		KeyDescriptors: kds,
	}
	r.gen.Store(uint64(nextGeneration()))
	return r
}

// Entity returns the owning entity, or nil for a detached descriptor.
func (r *RoleDescriptor) Entity() *EntityDescriptor { return r.entity }

// EntityID returns the owning entity's ID, or "".
func (r *RoleDescriptor) EntityID() string {
	if r.entity == nil {
		return ""
	}
	return r.entity.EntityID
}

// Generation returns the descriptor's snapshot tag. Descriptors built
// without NewRoleDescriptor are assigned one on first use.
func (r *RoleDescriptor) Generation() Generation {
	if g := r.gen.Load(); g != 0 {
		return Generation(g)
	}
	r.gen.CompareAndSwap(0, uint64(nextGeneration()))
	return Generation(r.gen.Load())
}

// SupportsProtocol reports whether protocol is in the support enumeration.
func (r *RoleDescriptor) SupportsProtocol(protocol string) bool {
	return slices.Contains(r.Protocols, protocol)
}

// Groups returns the names of the EntitiesDescriptor groups enclosing the
// owning entity, innermost first. Unnamed groups are skipped.
func (r *RoleDescriptor) Groups() []string {
	if r.entity == nil {
		return nil
	}
	var names []string
	for g := r.entity.Group; g != nil; g = g.Parent {
		if g.Name != "" {
			names = append(names, g.Name)
		}
	}
	return names
}

// KeyDescriptor publishes one key of a role.
type KeyDescriptor struct {
	Use     credential.Usage
	KeyInfo *xmlenc.KeyInfo
	// EncryptionMethods are the peer's algorithm hints in preference order.
	EncryptionMethods []*xmlenc.EncryptionMethod
}
