package metadata

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/bluele/gcache"
	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/internal/metrics"
)

// DefaultCacheSize is the number of role descriptors whose credentials are
// kept by default.
const DefaultCacheSize = 1024

var (
	// ErrCriteria is returned when the criteria identify no role descriptor.
	ErrCriteria = errors.New("metadata: insufficient criteria")
	// ErrNotInitialized is returned when no KeyInfo resolver is configured.
	ErrNotInitialized = errors.New("metadata: credential resolver has no KeyInfo resolver")
	// ErrNoRoleResolver is returned, wrapped in ErrCriteria, when a role has
	// to be looked up and no role descriptor resolver is configured.
	ErrNoRoleResolver = errors.New("metadata: no role descriptor resolver")
)

// Criteria select the credentials of a role. Either RoleDescriptor, or both
// EntityID and Role, must be set.
type Criteria struct {
	EntityID string
	Role     string
	Protocol string
	// Usage filters credentials by KeyDescriptor use. UsageUnspecified
	// disables filtering.
	Usage          credential.Usage
	RoleDescriptor *RoleDescriptor
}

// CredentialContext records the metadata a credential was resolved from.
type CredentialContext struct {
	Role          *RoleDescriptor
	KeyDescriptor *KeyDescriptor
	// Groups are the enclosing EntitiesDescriptor names, innermost first.
	Groups []string
}

func (CredentialContext) Source() string { return "metadata" }

// CredentialResolver extracts credentials from role descriptors. Results
// are cached per role descriptor generation, so repeated resolution against
// one snapshot returns the same *credential.Credential values.
type CredentialResolver struct {
	keyInfo credential.KeyInfoResolver
	roles   RoleDescriptorResolver
	logger  *slog.Logger

	cacheSize int
	cache     gcache.Cache
	mu        sync.Mutex
}

// Option configures a CredentialResolver.
type Option func(*CredentialResolver)

// WithKeyInfoResolver sets the resolver that turns KeyInfo into credentials.
func WithKeyInfoResolver(r credential.KeyInfoResolver) Option {
	return func(c *CredentialResolver) { c.keyInfo = r }
}

// WithRoleResolver sets the resolver used for EntityID and Role lookups.
func WithRoleResolver(r RoleDescriptorResolver) Option {
	return func(c *CredentialResolver) { c.roles = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *CredentialResolver) { c.logger = l }
}

// WithCacheSize bounds the number of cached role descriptors.
func WithCacheSize(n int) Option {
	return func(c *CredentialResolver) { c.cacheSize = n }
}

// NewCredentialResolver creates a CredentialResolver.
func NewCredentialResolver(opts ...Option) *CredentialResolver {
	c := &CredentialResolver{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.cacheSize <= 0 {
		c.cacheSize = DefaultCacheSize
	}
	c.cache = gcache.New(c.cacheSize).LRU().Build()
	return c
}

// Resolve returns the credentials of the role selected by crit whose usage
// admits crit.Usage, in KeyDescriptor order. An unknown entity or role
// yields an empty sequence.
func (c *CredentialResolver) Resolve(ctx context.Context, crit *Criteria) (iter.Seq[*credential.Credential], error) {
	if crit == nil {
		return nil, fmt.Errorf("%w: nil criteria", ErrCriteria)
	}
	role := crit.RoleDescriptor
	if role == nil && (crit.EntityID == "" || crit.Role == "") {
		return nil, fmt.Errorf("%w: need a role descriptor or an entity ID and role", ErrCriteria)
	}
	if c.keyInfo == nil {
		return nil, ErrNotInitialized
	}
	if role == nil {
		if c.roles == nil {
			return nil, fmt.Errorf("%w: %w", ErrCriteria, ErrNoRoleResolver)
		}
		var err error
		role, err = c.roles.ResolveRole(ctx, crit.EntityID, crit.Role, crit.Protocol)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role %s of %s: %w", crit.Role, crit.EntityID, err)
		}
		if role == nil {
			c.logger.Debug("no role descriptor", "entity_id", crit.EntityID, "role", crit.Role, "protocol", crit.Protocol)
			return func(func(*credential.Credential) bool) {}, nil
		}
	}

	creds := c.credentials(role)
	usage := crit.Usage
	return func(yield func(*credential.Credential) bool) {
		for _, cred := range creds {
			if !cred.Usage().Admits(usage) {
				continue
			}
			if !yield(cred) {
				return
			}
		}
	}, nil
}

// ResolveAll is Resolve collected into a slice.
func (c *CredentialResolver) ResolveAll(ctx context.Context, crit *Criteria) ([]*credential.Credential, error) {
	seq, err := c.Resolve(ctx, crit)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Purge drops all cached credentials.
func (c *CredentialResolver) Purge() {
	c.cache.Purge()
}

func (c *CredentialResolver) credentials(role *RoleDescriptor) []*credential.Credential {
	key := role.Generation()
	if v, err := c.cache.Get(key); err == nil {
		metrics.RecordCacheLookup(true)
		return v.([]*credential.Credential)
	}
	metrics.RecordCacheLookup(false)

	creds := c.extract(role)

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, err := c.cache.Get(key); err == nil {
		return v.([]*credential.Credential)
	}
	if err := c.cache.Set(key, creds); err != nil {
		c.logger.Warn("failed to cache credentials", "entity_id", role.EntityID(), "error", err)
	}
	return creds
}

func (c *CredentialResolver) extract(role *RoleDescriptor) []*credential.Credential {
	entityID := role.EntityID()
	groups := role.Groups()

	var creds []*credential.Credential
	for i, kd := range role.KeyDescriptors {
		if kd == nil || kd.KeyInfo == nil {
			continue
		}
		resolved, err := c.keyInfo.Resolve(kd.KeyInfo, kd.Use)
		if err != nil {
			c.logger.Warn("skipping key descriptor",
				"entity_id", entityID,
				"role", role.Type,
				"index", i,
				"error", err)
			metrics.RecordSkip(metrics.ReasonKeyInfoResolveFailed)
			continue
		}
		mctx := CredentialContext{Role: role, KeyDescriptor: kd, Groups: groups}
		for _, cred := range resolved {
			creds = append(creds, cred.
				WithUsage(kd.Use).
				WithEntityID(entityID).
				WithContext(mctx))
		}
	}
	c.logger.Debug("resolved metadata credentials",
		"entity_id", entityID,
		"role", role.Type,
		"count", len(creds))
	return creds
}
