package credential

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"sync"

	"github.com/leifj/mdenc/xmlenc"
)

// KeyInfoGenerator describes a credential as ds:KeyInfo.
type KeyInfoGenerator interface {
	Generate(c *Credential) (*xmlenc.KeyInfo, error)
}

// GeneratorFactory creates KeyInfo generators for the credentials it handles.
type GeneratorFactory interface {
	Handles(c *Credential) bool
	NewGenerator() KeyInfoGenerator
}

// GeneratorManager selects a generator factory for a credential.
type GeneratorManager interface {
	// Factory returns the factory to use for c under the named profile, or
	// nil when none applies.
	Factory(c *Credential, profile string) GeneratorFactory
}

// GeneratorFunc adapts a function to KeyInfoGenerator.
type GeneratorFunc func(c *Credential) (*xmlenc.KeyInfo, error)

// Generate implements KeyInfoGenerator.
func (f GeneratorFunc) Generate(c *Credential) (*xmlenc.KeyInfo, error) { return f(c) }

// NamedGeneratorManager holds a default set of factories plus named
// profiles. A profile that is unknown, or has no factory for the credential,
// falls back to the default set when UseDefaultManager is true.
type NamedGeneratorManager struct {
	mu                sync.RWMutex
	defaults          []GeneratorFactory
	named             map[string][]GeneratorFactory
	useDefaultManager bool
}

// NewNamedGeneratorManager returns an empty manager with default fallback
// enabled.
func NewNamedGeneratorManager() *NamedGeneratorManager {
	return &NamedGeneratorManager{
		named:             make(map[string][]GeneratorFactory),
		useDefaultManager: true,
	}
}

// Register adds a factory to the named profile, or to the default set when
// profile is empty. Factories are consulted in registration order.
func (m *NamedGeneratorManager) Register(profile string, f GeneratorFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile == "" {
		m.defaults = append(m.defaults, f)
		return
	}
	m.named[profile] = append(m.named[profile], f)
}

// SetUseDefaultManager controls the fallback from named profiles to the
// default set.
func (m *NamedGeneratorManager) SetUseDefaultManager(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.useDefaultManager = v
}

// Factory implements GeneratorManager.
func (m *NamedGeneratorManager) Factory(c *Credential, profile string) GeneratorFactory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if profile != "" {
		if f := firstHandling(m.named[profile], c); f != nil {
			return f
		}
		if !m.useDefaultManager {
			return nil
		}
	}
	return firstHandling(m.defaults, c)
}

func firstHandling(fs []GeneratorFactory, c *Credential) GeneratorFactory {
	for _, f := range fs {
		if f.Handles(c) {
			return f
		}
	}
	return nil
}

// BasicGeneratorFactory emits key names, the public key value and the
// entity certificate of asymmetric credentials, and key names of symmetric
// ones.
type BasicGeneratorFactory struct {
	EmitKeyNames          bool
	EmitEntityIDAsKeyName bool
	EmitPublicKeyValue    bool
	EmitPublicKeyDER      bool
	EmitEntityCertificate bool
}

// Handles implements GeneratorFactory. Derived key agreement credentials are
// left to AgreementGeneratorFactory.
func (f *BasicGeneratorFactory) Handles(c *Credential) bool {
	_, agreed := FindContext[AgreementContext](c)
	return !agreed
}

// NewGenerator implements GeneratorFactory. The generator holds a copy of
// the factory options, so generators from equal factories compare equal.
func (f *BasicGeneratorFactory) NewGenerator() KeyInfoGenerator {
	return &basicGenerator{opts: *f}
}

type basicGenerator struct {
	opts BasicGeneratorFactory
}

// Generate implements KeyInfoGenerator.
func (g *basicGenerator) Generate(c *Credential) (*xmlenc.KeyInfo, error) {
	f := &g.opts
	ki := &xmlenc.KeyInfo{}
	if f.EmitKeyNames {
		ki.KeyNames = c.KeyNames()
	}
	if f.EmitEntityIDAsKeyName && c.EntityID() != "" {
		ki.KeyNames = append(ki.KeyNames, c.EntityID())
	}
	if c.IsSymmetric() {
		return ki, nil
	}
	if f.EmitPublicKeyValue {
		if kv := KeyValueOf(c); kv != nil {
			ki.KeyValues = append(ki.KeyValues, kv)
		}
	}
	if f.EmitPublicKeyDER {
		der, err := x509.MarshalPKIXPublicKey(c.PublicKey())
		if err != nil {
			return nil, err
		}
		ki.DEREncodedKeyValues = append(ki.DEREncodedKeyValues, der)
	}
	if f.EmitEntityCertificate && c.Certificate() != nil {
		ki.X509Data = append(ki.X509Data, &xmlenc.X509Data{Certificates: [][]byte{c.Certificate().Raw}})
	}
	return ki, nil
}

// KeyValueOf returns the ds:KeyValue for the credential's public key, or nil
// when the key cannot be expressed as one.
func KeyValueOf(c *Credential) *xmlenc.KeyValue {
	switch k := c.publicKey.(type) {
	case *rsa.PublicKey:
		return &xmlenc.KeyValue{RSAKeyValue: &xmlenc.RSAKeyValue{
			Modulus:  k.N.Bytes(),
			Exponent: big.NewInt(int64(k.E)).Bytes(),
		}}
	case *ecdh.PublicKey, *ecdsa.PublicKey:
		ec, ok := FamilyOf(k).(ECKey)
		if !ok {
			return nil
		}
		return &xmlenc.KeyValue{ECKeyValue: &xmlenc.ECKeyValue{
			NamedCurve: ec.CurveURI(),
			PublicKey:  ec.Key.Bytes(),
		}}
	default:
		return nil
	}
}

// AgreementGeneratorFactory describes credentials derived by key agreement
// with an xenc:AgreementMethod. The originator's ephemeral key is always
// included; Recipient, when set, describes the peer key as
// RecipientKeyInfo.
type AgreementGeneratorFactory struct {
	Recipient *BasicGeneratorFactory
}

// Handles implements GeneratorFactory.
func (f *AgreementGeneratorFactory) Handles(c *Credential) bool {
	_, ok := FindContext[AgreementContext](c)
	return ok
}

// NewGenerator implements GeneratorFactory.
func (f *AgreementGeneratorFactory) NewGenerator() KeyInfoGenerator {
	g := &agreementGenerator{}
	if f.Recipient != nil {
		g.recipient = &basicGenerator{opts: *f.Recipient}
	}
	return g
}

type agreementGenerator struct {
	recipient *basicGenerator
}

// Generate implements KeyInfoGenerator.
func (g *agreementGenerator) Generate(c *Credential) (*xmlenc.KeyInfo, error) {
	actx, ok := FindContext[AgreementContext](c)
	if !ok || actx.Method == nil {
		return nil, nil
	}
	am := *actx.Method
	if g.recipient != nil && actx.Peer != nil {
		rki, err := g.recipient.Generate(actx.Peer)
		if err != nil {
			return nil, err
		}
		am.RecipientKeyInfo = rki
	}
	return &xmlenc.KeyInfo{AgreementMethod: &am}, nil
}
