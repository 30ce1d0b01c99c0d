// Package credential holds the key material that encryption negotiation works
// with: an immutable Credential value, the KeyFamily sum type used to dispatch
// on its key, provenance contexts, the KeyInfo-to-credential resolver and the
// KeyInfo generators that describe a credential back to a peer.
package credential

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrNoKey is returned when a credential would hold no key at all.
	ErrNoKey = errors.New("credential: no key material")
	// ErrMixedKeys is returned when asymmetric and symmetric keys are combined.
	ErrMixedKeys = errors.New("credential: asymmetric and symmetric keys are mutually exclusive")
	// ErrKeyMismatch is returned when a certificate does not carry the public key.
	ErrKeyMismatch = errors.New("credential: certificate does not match public key")
)

// Usage is the purpose a key is published for.
type Usage int

const (
	UsageUnspecified Usage = iota
	UsageEncryption
	UsageSigning
)

func (u Usage) String() string {
	switch u {
	case UsageEncryption:
		return "encryption"
	case UsageSigning:
		return "signing"
	default:
		return "unspecified"
	}
}

// ParseUsage maps a KeyDescriptor use attribute to a Usage. Absent or
// unknown values are unspecified.
func ParseUsage(s string) Usage {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "encryption":
		return UsageEncryption
	case "signing":
		return UsageSigning
	default:
		return UsageUnspecified
	}
}

// Admits reports whether a key published for u may be used for requested.
// An unspecified usage on either side matches anything.
func (u Usage) Admits(requested Usage) bool {
	return requested == UsageUnspecified || u == UsageUnspecified || u == requested
}

// Credential is an immutable cryptographic identity: a public key with an
// optional private key, or a secret key. Use the With methods to derive
// modified copies.
type Credential struct {
	entityID    string
	usage       Usage
	keyNames    []string
	publicKey   crypto.PublicKey
	privateKey  crypto.PrivateKey
	secretKey   []byte
	certificate *x509.Certificate
	contexts    []Context
}

// Option configures a Credential under construction.
type Option func(*Credential)

// WithEntityID sets the owning entity.
func WithEntityID(id string) Option {
	return func(c *Credential) { c.entityID = id }
}

// WithUsage sets the usage.
func WithUsage(u Usage) Option {
	return func(c *Credential) { c.usage = u }
}

// WithKeyNames adds key names.
func WithKeyNames(names ...string) Option {
	return func(c *Credential) { c.keyNames = append(c.keyNames, names...) }
}

// WithPrivateKey attaches the private half of an asymmetric credential. Keys
// held in hardware are accepted as long as they implement crypto.Signer or
// crypto.Decrypter.
func WithPrivateKey(priv crypto.PrivateKey) Option {
	return func(c *Credential) { c.privateKey = priv }
}

// WithCertificate attaches the entity certificate.
func WithCertificate(cert *x509.Certificate) Option {
	return func(c *Credential) { c.certificate = cert }
}

// WithContexts attaches provenance contexts.
func WithContexts(ctxs ...Context) Option {
	return func(c *Credential) { c.contexts = append(c.contexts, ctxs...) }
}

// NewPublic returns an asymmetric credential for pub.
func NewPublic(pub crypto.PublicKey, opts ...Option) (*Credential, error) {
	if pub == nil {
		return nil, ErrNoKey
	}
	return build(&Credential{publicKey: pub}, opts)
}

// NewX509 returns an asymmetric credential for the key in cert, with cert as
// entity certificate.
func NewX509(cert *x509.Certificate, opts ...Option) (*Credential, error) {
	if cert == nil {
		return nil, ErrNoKey
	}
	return build(&Credential{publicKey: cert.PublicKey, certificate: cert}, opts)
}

// NewSecret returns a symmetric credential. The key is copied.
func NewSecret(key []byte, opts ...Option) (*Credential, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	return build(&Credential{secretKey: bytes.Clone(key)}, opts)
}

func build(c *Credential, opts []Option) (*Credential, error) {
	for _, opt := range opts {
		opt(c)
	}
	if c.secretKey != nil && (c.publicKey != nil || c.privateKey != nil || c.certificate != nil) {
		return nil, ErrMixedKeys
	}
	if c.certificate != nil {
		eq, ok := c.publicKey.(interface{ Equal(crypto.PublicKey) bool })
		if ok && !eq.Equal(c.certificate.PublicKey) {
			return nil, ErrKeyMismatch
		}
	}
	c.keyNames = normalizeNames(c.keyNames)
	return c, nil
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// EntityID returns the owning entity, if known.
func (c *Credential) EntityID() string { return c.entityID }

// Usage returns the usage the key was published for.
func (c *Credential) Usage() Usage { return c.usage }

// KeyNames returns the sorted, de-duplicated key names.
func (c *Credential) KeyNames() []string { return slices.Clone(c.keyNames) }

// PublicKey returns the public key, nil for symmetric credentials.
func (c *Credential) PublicKey() crypto.PublicKey { return c.publicKey }

// PrivateKey returns the private key, if held.
func (c *Credential) PrivateKey() crypto.PrivateKey { return c.privateKey }

// SecretKey returns a copy of the symmetric key, nil for asymmetric credentials.
func (c *Credential) SecretKey() []byte { return bytes.Clone(c.secretKey) }

// Certificate returns the entity certificate, if any.
func (c *Credential) Certificate() *x509.Certificate { return c.certificate }

// Contexts returns the provenance contexts in attachment order.
func (c *Credential) Contexts() []Context { return slices.Clone(c.contexts) }

// IsSymmetric reports whether c holds a secret key.
func (c *Credential) IsSymmetric() bool { return c.secretKey != nil }

func (c *Credential) clone() *Credential {
	cp := *c
	cp.keyNames = slices.Clone(c.keyNames)
	cp.contexts = slices.Clone(c.contexts)
	return &cp
}

// WithUsage returns a copy of c with usage u.
func (c *Credential) WithUsage(u Usage) *Credential {
	cp := c.clone()
	cp.usage = u
	return cp
}

// WithEntityID returns a copy of c owned by entity id.
func (c *Credential) WithEntityID(id string) *Credential {
	cp := c.clone()
	cp.entityID = id
	return cp
}

// WithContext returns a copy of c with ctx appended to its contexts.
func (c *Credential) WithContext(ctx Context) *Credential {
	cp := c.clone()
	cp.contexts = append(cp.contexts, ctx)
	return cp
}

func (c *Credential) String() string {
	return fmt.Sprintf("credential(entity=%q usage=%s family=%s names=%v)",
		c.entityID, c.usage, c.Family().Tag(), c.keyNames)
}
