package encryption

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/xmlenc"
)

// KeyWrapPolicy decides whether a key derived by key agreement encrypts the
// data directly or wraps a separate content key.
type KeyWrapPolicy int

const (
	// KeyWrapDefault defers to IfNotIndicated when a key agreement
	// configuration applies, otherwise to the resolver's default policy.
	KeyWrapDefault KeyWrapPolicy = iota
	// KeyWrapAlways makes the derived key a key encryption key.
	KeyWrapAlways
	// KeyWrapNever makes the derived key the data encryption key.
	KeyWrapNever
	// KeyWrapIfNotIndicated wraps unless the peer declares a data
	// encryption algorithm.
	KeyWrapIfNotIndicated
)

func (p KeyWrapPolicy) String() string {
	switch p {
	case KeyWrapAlways:
		return "always"
	case KeyWrapNever:
		return "never"
	case KeyWrapIfNotIndicated:
		return "if-not-indicated"
	default:
		return "default"
	}
}

// ParseKeyWrapPolicy parses the String form of a policy. Case and the
// separators "-" and "_" are ignored.
func ParseKeyWrapPolicy(s string) (KeyWrapPolicy, error) {
	norm := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "", "default":
		return KeyWrapDefault, nil
	case "always":
		return KeyWrapAlways, nil
	case "never":
		return KeyWrapNever, nil
	case "ifnotindicated":
		return KeyWrapIfNotIndicated, nil
	default:
		return KeyWrapDefault, fmt.Errorf("unknown key wrap policy %q", s)
	}
}

// RSAOAEPParameters are the digest, mask generation function and label of
// RSA-OAEP key transport. Empty fields select the implementation default.
type RSAOAEPParameters struct {
	DigestMethod           string
	MaskGenerationFunction string
	OAEPParams             []byte
}

// IsEmpty reports whether no field is set.
func (p *RSAOAEPParameters) IsEmpty() bool {
	return p == nil || (p.DigestMethod == "" && p.MaskGenerationFunction == "" && len(p.OAEPParams) == 0)
}

// IsComplete reports whether every field is set.
func (p *RSAOAEPParameters) IsComplete() bool {
	return p != nil && p.DigestMethod != "" && p.MaskGenerationFunction != "" && len(p.OAEPParams) > 0
}

// Clone returns a deep copy.
func (p *RSAOAEPParameters) Clone() *RSAOAEPParameters {
	if p == nil {
		return nil
	}
	c := *p
	c.OAEPParams = bytes.Clone(p.OAEPParams)
	return &c
}

// backfill sets the fields of p that are empty from src.
func (p *RSAOAEPParameters) backfill(src *RSAOAEPParameters) {
	if src == nil {
		return
	}
	if p.DigestMethod == "" {
		p.DigestMethod = src.DigestMethod
	}
	if p.MaskGenerationFunction == "" {
		p.MaskGenerationFunction = src.MaskGenerationFunction
	}
	if len(p.OAEPParams) == 0 {
		p.OAEPParams = bytes.Clone(src.OAEPParams)
	}
}

// KeyAgreementConfiguration configures key agreement for one key family.
// Empty fields inherit from later configurations in the chain.
type KeyAgreementConfiguration struct {
	// Algorithm is the agreement method URI. Empty selects ECDH-ES or
	// X25519 by the peer key's curve.
	Algorithm     string
	KeyDerivation *xmlenc.KeyDerivationMethod
	KANonce       []byte
	KeyWrap       KeyWrapPolicy
}

// SelectionInput is what a KeyTransportAlgorithmPredicate decides on.
type SelectionInput struct {
	DataAlgorithm         string
	KeyTransportAlgorithm string
	Credential            *credential.Credential
}

// KeyTransportAlgorithmPredicate accepts or rejects a key transport
// algorithm for a chosen data algorithm.
type KeyTransportAlgorithmPredicate func(SelectionInput) bool

// Configuration is one layer of encryption settings. Every field is
// optional; a Chain merges layers field by field.
type Configuration struct {
	// DataEncryptionAlgorithms in local preference order.
	DataEncryptionAlgorithms []string
	// KeyTransportEncryptionAlgorithms in local preference order, including
	// the key wrap algorithms used after key agreement.
	KeyTransportEncryptionAlgorithms []string
	// IncludedAlgorithms, when non-empty, is the only set of usable
	// algorithms and ExcludedAlgorithms is ignored.
	IncludedAlgorithms []string
	ExcludedAlgorithms []string

	RSAOAEPParameters *RSAOAEPParameters
	// RSAOAEPParametersMerge controls whether fields the peer leaves unset
	// are filled from RSAOAEPParameters. Nil means true.
	RSAOAEPParametersMerge *bool

	KeyAgreementConfigurations map[credential.FamilyTag]*KeyAgreementConfiguration

	KeyTransportKeyInfoGeneratorManager credential.GeneratorManager
	DataKeyInfoGeneratorManager         credential.GeneratorManager

	KeyTransportAlgorithmPredicate KeyTransportAlgorithmPredicate
}

// DefaultConfiguration returns the settings used as the last element of a
// chain when nothing more specific is configured. It carries no key
// agreement configuration, so EC keys follow the resolver's defaults.
func DefaultConfiguration() *Configuration {
	kiManager := credential.NewNamedGeneratorManager()
	kiManager.Register("", &credential.AgreementGeneratorFactory{
		Recipient: &credential.BasicGeneratorFactory{EmitPublicKeyValue: true},
	})
	kiManager.Register("", &credential.BasicGeneratorFactory{
		EmitKeyNames:          true,
		EmitEntityCertificate: true,
	})

	return &Configuration{
		DataEncryptionAlgorithms: []string{
			xmlenc.AlgorithmAES128GCM,
			xmlenc.AlgorithmAES192GCM,
			xmlenc.AlgorithmAES256GCM,
			xmlenc.AlgorithmAES128CBC,
			xmlenc.AlgorithmAES192CBC,
			xmlenc.AlgorithmAES256CBC,
		},
		KeyTransportEncryptionAlgorithms: []string{
			xmlenc.AlgorithmRSAOAEP11,
			xmlenc.AlgorithmRSAOAEP,
			xmlenc.AlgorithmRSAv15,
			xmlenc.AlgorithmAES128KW,
			xmlenc.AlgorithmAES192KW,
			xmlenc.AlgorithmAES256KW,
		},
		ExcludedAlgorithms: []string{
			xmlenc.AlgorithmRSAv15,
			xmlenc.AlgorithmTripleDES,
			xmlenc.AlgorithmTripleDESKW,
		},
		RSAOAEPParameters: &RSAOAEPParameters{
			DigestMethod:           xmlenc.AlgorithmSHA256,
			MaskGenerationFunction: xmlenc.AlgorithmMGF1SHA256,
		},
		KeyTransportKeyInfoGeneratorManager: kiManager,
		DataKeyInfoGeneratorManager:         kiManager,
	}
}

// Chain is an ordered list of configurations, most specific first.
type Chain []*Configuration

// Effective merges the chain: each field takes the value of the first
// configuration where it is non-empty. Nil entries are skipped and no
// configuration is modified.
func (c Chain) Effective() *EffectiveConfiguration {
	eff := &EffectiveConfiguration{
		DataEncryptionAlgorithms: firstNonEmpty(c, func(cfg *Configuration) []string {
			return cfg.DataEncryptionAlgorithms
		}),
		KeyTransportEncryptionAlgorithms: firstNonEmpty(c, func(cfg *Configuration) []string {
			return cfg.KeyTransportEncryptionAlgorithms
		}),
		IncludedAlgorithms: firstNonEmpty(c, func(cfg *Configuration) []string {
			return cfg.IncludedAlgorithms
		}),
		ExcludedAlgorithms: firstNonEmpty(c, func(cfg *Configuration) []string {
			return cfg.ExcludedAlgorithms
		}),
		RSAOAEPParametersMerge: true,
		KeyTransportKeyInfoGeneratorManager: firstSet(c, func(cfg *Configuration) credential.GeneratorManager {
			return cfg.KeyTransportKeyInfoGeneratorManager
		}),
		DataKeyInfoGeneratorManager: firstSet(c, func(cfg *Configuration) credential.GeneratorManager {
			return cfg.DataKeyInfoGeneratorManager
		}),
		keyAgreement: make(map[credential.FamilyTag]*KeyAgreementConfiguration),
	}

	for _, cfg := range c {
		if cfg != nil && cfg.KeyTransportAlgorithmPredicate != nil {
			eff.KeyTransportAlgorithmPredicate = cfg.KeyTransportAlgorithmPredicate
			break
		}
	}

	if merge := firstSet(c, func(cfg *Configuration) *bool { return cfg.RSAOAEPParametersMerge }); merge != nil {
		eff.RSAOAEPParametersMerge = *merge
	}

	oaep := &RSAOAEPParameters{}
	for _, cfg := range c {
		if cfg != nil {
			oaep.backfill(cfg.RSAOAEPParameters)
		}
	}
	if !oaep.IsEmpty() {
		eff.RSAOAEPParameters = oaep
	}

	for _, cfg := range c {
		if cfg == nil {
			continue
		}
		for tag := range cfg.KeyAgreementConfigurations {
			if _, done := eff.keyAgreement[tag]; !done {
				eff.keyAgreement[tag] = c.keyAgreement(tag)
			}
		}
	}
	return eff
}

// keyAgreement merges the key agreement settings for one family, or returns
// nil when no configuration covers the family.
func (c Chain) keyAgreement(tag credential.FamilyTag) *KeyAgreementConfiguration {
	var merged *KeyAgreementConfiguration
	for _, cfg := range c {
		if cfg == nil || cfg.KeyAgreementConfigurations[tag] == nil {
			continue
		}
		ka := cfg.KeyAgreementConfigurations[tag]
		if merged == nil {
			merged = &KeyAgreementConfiguration{}
		}
		if merged.Algorithm == "" {
			merged.Algorithm = ka.Algorithm
		}
		if merged.KeyDerivation == nil {
			merged.KeyDerivation = ka.KeyDerivation.Clone()
		}
		if len(merged.KANonce) == 0 {
			merged.KANonce = bytes.Clone(ka.KANonce)
		}
		if merged.KeyWrap == KeyWrapDefault {
			merged.KeyWrap = ka.KeyWrap
		}
	}
	return merged
}

func firstNonEmpty[T any](c Chain, get func(*Configuration) []T) []T {
	for _, cfg := range c {
		if cfg == nil {
			continue
		}
		if v := get(cfg); len(v) > 0 {
			return slices.Clone(v)
		}
	}
	return nil
}

func firstSet[T comparable](c Chain, get func(*Configuration) T) T {
	var zero T
	for _, cfg := range c {
		if cfg == nil {
			continue
		}
		if v := get(cfg); v != zero {
			return v
		}
	}
	return zero
}

// EffectiveConfiguration is the merged view of a Chain.
type EffectiveConfiguration struct {
	DataEncryptionAlgorithms         []string
	KeyTransportEncryptionAlgorithms []string
	IncludedAlgorithms               []string
	ExcludedAlgorithms               []string
	// RSAOAEPParameters is merged field by field across the chain.
	RSAOAEPParameters      *RSAOAEPParameters
	RSAOAEPParametersMerge bool

	KeyTransportKeyInfoGeneratorManager credential.GeneratorManager
	DataKeyInfoGeneratorManager         credential.GeneratorManager
	KeyTransportAlgorithmPredicate      KeyTransportAlgorithmPredicate

	keyAgreement map[credential.FamilyTag]*KeyAgreementConfiguration
}

// KeyAgreement returns the merged key agreement configuration for a key
// family, and false when no configuration in the chain covers it.
func (e *EffectiveConfiguration) KeyAgreement(tag credential.FamilyTag) (*KeyAgreementConfiguration, bool) {
	ka, ok := e.keyAgreement[tag]
	return ka, ok && ka != nil
}

// Allowed applies the include and exclude lists to an algorithm URI.
func (e *EffectiveConfiguration) Allowed(uri string) bool {
	if len(e.IncludedAlgorithms) > 0 {
		return slices.Contains(e.IncludedAlgorithms, uri)
	}
	return !slices.Contains(e.ExcludedAlgorithms, uri)
}
