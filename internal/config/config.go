// Package config loads the mdenc configuration file.
//
// Configuration is read from YAML with environment variable expansion
// (${VAR} or $VAR), so PINs and paths can be injected at runtime.
//
// # Example Configuration
//
//	resolver:
//	  autoGenerateDataCredential: true
//	  defaultKeyWrap: never
//	  cacheSize: 2048
//
//	layers:
//	  - name: federation
//	    excludedAlgorithms:
//	      - http://www.w3.org/2001/04/xmlenc#rsa-1_5
//	    rsaOAEP:
//	      digest: http://www.w3.org/2001/04/xmlenc#sha256
//	      mgf: http://www.w3.org/2009/xmlenc11#mgf1sha256
//	    keyAgreement:
//	      EC:
//	        keyWrap: ifNotIndicated
//	        kdf:
//	          algorithm: hkdf
//	          prf: http://www.w3.org/2001/04/xmldsig-more#hmac-sha256
//	          info: 6d64656e63
//
//	profiles:
//	  minimal:
//	    keyNames: true
//
//	credentials:
//	  pem:
//	    - /etc/mdenc/enc.pem
//	  pkcs11:
//	    library: /usr/lib/softhsm/libsofthsm2.so
//	    token_label: mdenc
//	    pin: ${HSM_PIN}
//	    labels: [enc]
//
// Layers form the configuration chain, most specific first. The library
// defaults are appended as the last layer unless useDefaults is false.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/encryption"
	"github.com/leifj/mdenc/metadata"
	"github.com/leifj/mdenc/xmlenc"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for configuration files that fail validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root configuration structure
type Config struct {
	Resolver    ResolverConfig           `yaml:"resolver"`
	Layers      []LayerConfig            `yaml:"layers"`
	UseDefaults *bool                    `yaml:"useDefaults"`
	Profiles    map[string]ProfileConfig `yaml:"profiles"`
	Credentials CredentialsConfig        `yaml:"credentials"`
}

// ResolverConfig holds resolver options
type ResolverConfig struct {
	AutoGenerateDataCredential bool   `yaml:"autoGenerateDataCredential"`
	DefaultKeyWrap             string `yaml:"defaultKeyWrap"`
	// Maximum number of role descriptors with cached credentials
	CacheSize int `yaml:"cacheSize"`
	// Profile names the KeyInfo generation profile used by default
	Profile string `yaml:"profile"`
}

// LayerConfig is one encryption configuration in the chain
type LayerConfig struct {
	Name                             string                        `yaml:"name"`
	DataEncryptionAlgorithms         []string                      `yaml:"dataEncryptionAlgorithms"`
	KeyTransportEncryptionAlgorithms []string                      `yaml:"keyTransportEncryptionAlgorithms"`
	IncludedAlgorithms               []string                      `yaml:"includedAlgorithms"`
	ExcludedAlgorithms               []string                      `yaml:"excludedAlgorithms"`
	RSAOAEP                          *RSAOAEPConfig                `yaml:"rsaOAEP"`
	RSAOAEPMerge                     *bool                         `yaml:"rsaOAEPMerge"`
	KeyAgreement                     map[string]KeyAgreementConfig `yaml:"keyAgreement"`
}

// RSAOAEPConfig holds RSA-OAEP defaults. Params is hex encoded.
type RSAOAEPConfig struct {
	Digest string `yaml:"digest"`
	MGF    string `yaml:"mgf"`
	Params string `yaml:"params"`
}

// KeyAgreementConfig holds the key agreement settings for one key family
// (EC or X25519).
type KeyAgreementConfig struct {
	Algorithm string     `yaml:"algorithm"`
	KeyWrap   string     `yaml:"keyWrap"`
	Nonce     string     `yaml:"nonce"`
	KDF       *KDFConfig `yaml:"kdf"`
}

// KDFConfig describes a key derivation method. Binary values are hex
// encoded and KeyLength is in bits.
type KDFConfig struct {
	// Algorithm is concatkdf, pbkdf2, hkdf or a KDF URI
	Algorithm   string `yaml:"algorithm"`
	Digest      string `yaml:"digest"`
	PRF         string `yaml:"prf"`
	Salt        string `yaml:"salt"`
	Info        string `yaml:"info"`
	Iterations  int    `yaml:"iterations"`
	KeyLength   int    `yaml:"keyLength"`
	AlgorithmID string `yaml:"algorithmId"`
	PartyUInfo  string `yaml:"partyUInfo"`
	PartyVInfo  string `yaml:"partyVInfo"`
}

// ProfileConfig selects what a named KeyInfo generation profile emits
type ProfileConfig struct {
	KeyNames          bool `yaml:"keyNames"`
	EntityIDAsKeyName bool `yaml:"entityIdAsKeyName"`
	PublicKeyValue    bool `yaml:"publicKeyValue"`
	PublicKeyDER      bool `yaml:"publicKeyDER"`
	EntityCertificate bool `yaml:"entityCertificate"`
	// Agreement emits AgreementMethod for derived keys, with the recipient
	// key described by the flags above
	Agreement bool `yaml:"agreement"`
}

// CredentialsConfig lists local decryption credentials
type CredentialsConfig struct {
	PEM    []string      `yaml:"pem"`
	PKCS11 *PKCS11Config `yaml:"pkcs11"`
}

// PKCS11Config selects a token and the key pair labels to use
type PKCS11Config struct {
	credential.PKCS11Config `yaml:",inline"`
	Labels                  []string `yaml:"labels"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Resolver.CacheSize == 0 {
		c.Resolver.CacheSize = metadata.DefaultCacheSize
	}
	if c.UseDefaults == nil {
		t := true
		c.UseDefaults = &t
	}
}

func (c *Config) validate() error {
	if c.Resolver.CacheSize < 0 {
		return fmt.Errorf("%w: negative cacheSize", ErrInvalid)
	}
	if _, err := encryption.ParseKeyWrapPolicy(c.Resolver.DefaultKeyWrap); err != nil {
		return fmt.Errorf("%w: resolver: %v", ErrInvalid, err)
	}
	if p := c.Resolver.Profile; p != "" {
		if _, ok := c.Profiles[p]; !ok {
			return fmt.Errorf("%w: resolver: unknown profile %q", ErrInvalid, p)
		}
	}
	if c.Credentials.PKCS11 != nil && c.Credentials.PKCS11.Library == "" {
		return fmt.Errorf("%w: pkcs11: library is required", ErrInvalid)
	}
	// Building the chain checks every layer.
	if _, err := c.Chain(); err != nil {
		return err
	}
	return nil
}

// Chain builds the configuration chain from the layers.
func (c *Config) Chain() (encryption.Chain, error) {
	manager := c.generatorManager()

	chain := make(encryption.Chain, 0, len(c.Layers)+1)
	for i, l := range c.Layers {
		cfg, err := l.configuration()
		if err != nil {
			name := l.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("%w: layer %s: %v", ErrInvalid, name, err)
		}
		if i == 0 && manager != nil {
			cfg.KeyTransportKeyInfoGeneratorManager = manager
			cfg.DataKeyInfoGeneratorManager = manager
		}
		chain = append(chain, cfg)
	}
	if len(c.Layers) == 0 && manager != nil {
		chain = append(chain, &encryption.Configuration{
			KeyTransportKeyInfoGeneratorManager: manager,
			DataKeyInfoGeneratorManager:         manager,
		})
	}
	if c.UseDefaults == nil || *c.UseDefaults {
		chain = append(chain, encryption.DefaultConfiguration())
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no configuration layers", ErrInvalid)
	}
	return chain, nil
}

// ResolverOptions returns the encryption resolver options.
func (c *Config) ResolverOptions() []encryption.Option {
	opts := []encryption.Option{
		encryption.WithAutoGenerateDataCredential(c.Resolver.AutoGenerateDataCredential),
	}
	if p, err := encryption.ParseKeyWrapPolicy(c.Resolver.DefaultKeyWrap); err == nil && p != encryption.KeyWrapDefault {
		opts = append(opts, encryption.WithDefaultKeyWrapPolicy(p))
	}
	return opts
}

// CredentialResolverOptions returns the metadata credential resolver options.
func (c *Config) CredentialResolverOptions() []metadata.Option {
	return []metadata.Option{metadata.WithCacheSize(c.Resolver.CacheSize)}
}

// generatorManager returns a manager holding the library defaults and the
// named profiles, or nil when no profiles are configured.
func (c *Config) generatorManager() *credential.NamedGeneratorManager {
	if len(c.Profiles) == 0 {
		return nil
	}
	m := credential.NewNamedGeneratorManager()
	m.Register("", &credential.AgreementGeneratorFactory{
		Recipient: &credential.BasicGeneratorFactory{EmitPublicKeyValue: true},
	})
	m.Register("", &credential.BasicGeneratorFactory{EmitKeyNames: true, EmitEntityCertificate: true})

	for name, p := range c.Profiles {
		basic := &credential.BasicGeneratorFactory{
			EmitKeyNames:          p.KeyNames,
			EmitEntityIDAsKeyName: p.EntityIDAsKeyName,
			EmitPublicKeyValue:    p.PublicKeyValue,
			EmitPublicKeyDER:      p.PublicKeyDER,
			EmitEntityCertificate: p.EntityCertificate,
		}
		if p.Agreement {
			m.Register(name, &credential.AgreementGeneratorFactory{Recipient: basic})
		}
		m.Register(name, basic)
	}
	return m
}

func (l LayerConfig) configuration() (*encryption.Configuration, error) {
	for _, list := range [][]string{
		l.DataEncryptionAlgorithms,
		l.KeyTransportEncryptionAlgorithms,
		l.IncludedAlgorithms,
		l.ExcludedAlgorithms,
	} {
		if err := knownAlgorithms(list...); err != nil {
			return nil, err
		}
	}

	cfg := &encryption.Configuration{
		DataEncryptionAlgorithms:         l.DataEncryptionAlgorithms,
		KeyTransportEncryptionAlgorithms: l.KeyTransportEncryptionAlgorithms,
		IncludedAlgorithms:               l.IncludedAlgorithms,
		ExcludedAlgorithms:               l.ExcludedAlgorithms,
		RSAOAEPParametersMerge:           l.RSAOAEPMerge,
	}

	if o := l.RSAOAEP; o != nil {
		if err := knownAlgorithms(o.Digest, o.MGF); err != nil {
			return nil, err
		}
		params, err := decodeHex("rsaOAEP.params", o.Params)
		if err != nil {
			return nil, err
		}
		cfg.RSAOAEPParameters = &encryption.RSAOAEPParameters{
			DigestMethod:           o.Digest,
			MaskGenerationFunction: o.MGF,
			OAEPParams:             params,
		}
	}

	if len(l.KeyAgreement) > 0 {
		cfg.KeyAgreementConfigurations = make(map[credential.FamilyTag]*encryption.KeyAgreementConfiguration)
	}
	for family, ka := range l.KeyAgreement {
		tag, err := familyTag(family)
		if err != nil {
			return nil, err
		}
		kac, err := ka.configuration()
		if err != nil {
			return nil, fmt.Errorf("keyAgreement %s: %w", family, err)
		}
		cfg.KeyAgreementConfigurations[tag] = kac
	}
	return cfg, nil
}

func (k KeyAgreementConfig) configuration() (*encryption.KeyAgreementConfiguration, error) {
	if k.Algorithm != "" && !xmlenc.DefaultRegistry().IsKeyAgreement(k.Algorithm) {
		return nil, fmt.Errorf("%s is not a key agreement algorithm", k.Algorithm)
	}
	policy, err := encryption.ParseKeyWrapPolicy(k.KeyWrap)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeHex("nonce", k.Nonce)
	if err != nil {
		return nil, err
	}
	kdm, err := k.KDF.method()
	if err != nil {
		return nil, err
	}
	return &encryption.KeyAgreementConfiguration{
		Algorithm:     k.Algorithm,
		KeyDerivation: kdm,
		KANonce:       nonce,
		KeyWrap:       policy,
	}, nil
}

func (k *KDFConfig) method() (*xmlenc.KeyDerivationMethod, error) {
	if k == nil {
		return nil, nil
	}
	salt, err := decodeHex("salt", k.Salt)
	if err != nil {
		return nil, err
	}
	if k.KeyLength%8 != 0 || k.KeyLength < 0 {
		return nil, fmt.Errorf("kdf keyLength %d is not a whole number of octets", k.KeyLength)
	}

	switch strings.ToLower(k.Algorithm) {
	case "concatkdf", "concat", strings.ToLower(xmlenc.AlgorithmConcatKDF):
		if k.Digest == "" {
			return xmlenc.DefaultConcatKDF(), nil
		}
		if err := knownAlgorithms(k.Digest); err != nil {
			return nil, err
		}
		p := &xmlenc.ConcatKDFParams{DigestMethod: k.Digest}
		for _, f := range []struct {
			name, value string
			dst         *[]byte
		}{
			{"algorithmId", k.AlgorithmID, &p.AlgorithmID},
			{"partyUInfo", k.PartyUInfo, &p.PartyUInfo},
			{"partyVInfo", k.PartyVInfo, &p.PartyVInfo},
		} {
			if *f.dst, err = decodeHex(f.name, f.value); err != nil {
				return nil, err
			}
		}
		return &xmlenc.KeyDerivationMethod{Algorithm: xmlenc.AlgorithmConcatKDF, ConcatKDFParams: p}, nil

	case "pbkdf2", strings.ToLower(xmlenc.AlgorithmPBKDF2):
		if k.Iterations <= 0 || k.KeyLength == 0 || len(salt) == 0 {
			return nil, fmt.Errorf("pbkdf2 needs salt, iterations and keyLength")
		}
		prf := k.PRF
		if prf == "" {
			prf = xmlenc.AlgorithmHMACSHA256
		}
		if err := knownAlgorithms(prf); err != nil {
			return nil, err
		}
		return &xmlenc.KeyDerivationMethod{
			Algorithm: xmlenc.AlgorithmPBKDF2,
			PBKDF2Params: &xmlenc.PBKDF2Params{
				Salt:           salt,
				IterationCount: k.Iterations,
				KeyLength:      k.KeyLength / 8,
				PRF:            prf,
			},
		}, nil

	case "hkdf", strings.ToLower(xmlenc.AlgorithmHKDF):
		info, err := decodeHex("info", k.Info)
		if err != nil {
			return nil, err
		}
		kdm := xmlenc.DefaultHKDF(info)
		if k.PRF != "" {
			if err := knownAlgorithms(k.PRF); err != nil {
				return nil, err
			}
			kdm.HKDFParams.PRF = k.PRF
		}
		kdm.HKDFParams.Salt = salt
		kdm.HKDFParams.KeyLength = k.KeyLength
		return kdm, nil

	default:
		return nil, fmt.Errorf("unknown kdf %q", k.Algorithm)
	}
}

func familyTag(s string) (credential.FamilyTag, error) {
	switch strings.ToUpper(s) {
	case "EC":
		return credential.FamilyEC, nil
	case "X25519":
		return credential.FamilyX25519, nil
	default:
		return "", fmt.Errorf("key agreement is not available for key family %q", s)
	}
}

func knownAlgorithms(uris ...string) error {
	reg := xmlenc.DefaultRegistry()
	for _, uri := range uris {
		if uri != "" && reg.Class(uri) == xmlenc.ClassUnknown {
			return fmt.Errorf("unknown algorithm %s", uri)
		}
	}
	return nil
}

func decodeHex(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}
