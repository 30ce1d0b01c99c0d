package metadata

import (
	"context"
	"sync"
)

// RoleDescriptorResolver locates the role descriptor of an entity.
type RoleDescriptorResolver interface {
	// ResolveRole returns the role of the given type for entityID, or nil
	// when the entity or role is unknown. An empty protocol matches any role
	// of the type.
	ResolveRole(ctx context.Context, entityID, role, protocol string) (*RoleDescriptor, error)
}

// StaticRoleResolver serves role descriptors from an in-memory snapshot.
// Load replaces the snapshot atomically.
type StaticRoleResolver struct {
	mu       sync.RWMutex
	entities map[string]*EntityDescriptor
}

// NewStaticRoleResolver returns a resolver serving entities.
func NewStaticRoleResolver(entities ...*EntityDescriptor) *StaticRoleResolver {
	s := &StaticRoleResolver{}
	s.Load(entities)
	return s
}

// Load replaces the snapshot. When an entity ID repeats, the first one wins.
func (s *StaticRoleResolver) Load(entities []*EntityDescriptor) {
	m := make(map[string]*EntityDescriptor, len(entities))
	for _, e := range entities {
		if _, dup := m[e.EntityID]; !dup {
			m[e.EntityID] = e
		}
	}
	s.mu.Lock()
	s.entities = m
	s.mu.Unlock()
}

// LoadXML parses a metadata document and loads it.
func (s *StaticRoleResolver) LoadXML(data []byte) error {
	entities, err := Parse(data)
	if err != nil {
		return err
	}
	s.Load(entities)
	return nil
}

// Entity returns the entity with the given ID from the current snapshot.
func (s *StaticRoleResolver) Entity(entityID string) *EntityDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[entityID]
}

// ResolveRole implements RoleDescriptorResolver.
func (s *StaticRoleResolver) ResolveRole(ctx context.Context, entityID, role, protocol string) (*RoleDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.Entity(entityID)
	if e == nil {
		return nil, nil
	}
	return e.Role(role, protocol), nil
}
