// Package xmlenc implements the parts of XML Encryption Syntax and Processing
// Version 1.1 (https://www.w3.org/TR/xmlenc-core1/) that are needed to turn
// published trust metadata into encryption parameters: the algorithm URI
// registry, the EncryptionMethod/KeyInfo/AgreementMethod structures, key
// agreement with the XML Encryption 1.1 key derivation functions, and the
// symmetric and RSA primitives used to apply a negotiated parameter set.
package xmlenc

import (
	"crypto"
	"sync"
	"sync/atomic"

	dsig "github.com/russellhaering/goxmldsig"
)

// Algorithm URIs for XML Encryption 1.1
const (
	// Namespace URIs
	NamespaceXMLEnc      = "http://www.w3.org/2001/04/xmlenc#"
	NamespaceXMLEnc11    = "http://www.w3.org/2009/xmlenc11#"
	NamespaceXMLDSig     = dsig.Namespace
	NamespaceXMLDSig11   = "http://www.w3.org/2009/xmldsig11#"
	NamespaceXMLDSigMore = "http://www.w3.org/2001/04/xmldsig-more#"
	NamespaceXMLDSig2021 = "http://www.w3.org/2021/04/xmldsig-more#"

	// Block Encryption Algorithms
	AlgorithmAES128CBC = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	AlgorithmAES192CBC = "http://www.w3.org/2001/04/xmlenc#aes192-cbc"
	AlgorithmAES256CBC = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
	AlgorithmAES128GCM = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	AlgorithmAES192GCM = "http://www.w3.org/2009/xmlenc11#aes192-gcm"
	AlgorithmAES256GCM = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
	AlgorithmTripleDES = "http://www.w3.org/2001/04/xmlenc#tripledes-cbc"

	// Key Transport Algorithms
	AlgorithmRSAv15    = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
	AlgorithmRSAOAEP   = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"
	AlgorithmRSAOAEP11 = "http://www.w3.org/2009/xmlenc11#rsa-oaep"

	// Key Wrap Algorithms
	AlgorithmAES128KW    = "http://www.w3.org/2001/04/xmlenc#kw-aes128"
	AlgorithmAES192KW    = "http://www.w3.org/2001/04/xmlenc#kw-aes192"
	AlgorithmAES256KW    = "http://www.w3.org/2001/04/xmlenc#kw-aes256"
	AlgorithmTripleDESKW = "http://www.w3.org/2001/04/xmlenc#kw-tripledes"

	// Key Agreement Algorithms
	AlgorithmDH     = "http://www.w3.org/2001/04/xmlenc#dh"
	AlgorithmDHES   = "http://www.w3.org/2009/xmlenc11#dh-es"
	AlgorithmECDHES = "http://www.w3.org/2009/xmlenc11#ECDH-ES"
	AlgorithmX25519 = "http://www.w3.org/2021/04/xmldsig-more#x25519"

	// Key Derivation Algorithms
	AlgorithmConcatKDF = "http://www.w3.org/2009/xmlenc11#ConcatKDF"
	AlgorithmPBKDF2    = "http://www.w3.org/2009/xmlenc11#pbkdf2"
	AlgorithmHKDF      = "http://www.w3.org/2021/04/xmldsig-more#hkdf"

	// Digest Algorithms
	AlgorithmSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA224 = "http://www.w3.org/2001/04/xmldsig-more#sha224"
	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	AlgorithmSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"

	// MAC algorithms, used as PRF by PBKDF2 and HKDF
	AlgorithmHMACSHA1   = "http://www.w3.org/2000/09/xmldsig#hmac-sha1"
	AlgorithmHMACSHA256 = "http://www.w3.org/2001/04/xmldsig-more#hmac-sha256"
	AlgorithmHMACSHA384 = "http://www.w3.org/2001/04/xmldsig-more#hmac-sha384"
	AlgorithmHMACSHA512 = "http://www.w3.org/2001/04/xmldsig-more#hmac-sha512"

	// MGF Algorithms (for RSA-OAEP)
	AlgorithmMGF1SHA1   = "http://www.w3.org/2009/xmlenc11#mgf1sha1"
	AlgorithmMGF1SHA224 = "http://www.w3.org/2009/xmlenc11#mgf1sha224"
	AlgorithmMGF1SHA256 = "http://www.w3.org/2009/xmlenc11#mgf1sha256"
	AlgorithmMGF1SHA384 = "http://www.w3.org/2009/xmlenc11#mgf1sha384"
	AlgorithmMGF1SHA512 = "http://www.w3.org/2009/xmlenc11#mgf1sha512"

	// Type URIs
	TypeEncryptedKey = "http://www.w3.org/2001/04/xmlenc#EncryptedKey"
	TypeDerivedKey   = "http://www.w3.org/2009/xmlenc11#DerivedKey"
	TypeElement      = "http://www.w3.org/2001/04/xmlenc#Element"
	TypeContent      = "http://www.w3.org/2001/04/xmlenc#Content"
)

// Key algorithm names an AlgorithmDescriptor may require.
const (
	KeyAlgorithmRSA    = "RSA"
	KeyAlgorithmEC     = "EC"
	KeyAlgorithmX25519 = "X25519"
	KeyAlgorithmDSA    = "DSA"
	KeyAlgorithmAES    = "AES"
	KeyAlgorithmDESede = "DESede"
)

// AlgorithmClass is the role an algorithm URI plays in XML Encryption.
type AlgorithmClass int

const (
	ClassUnknown AlgorithmClass = iota
	ClassBlockEncryption
	ClassKeyTransport
	ClassSymmetricKeyWrap
	ClassKeyAgreement
	ClassKeyDerivation
	ClassDigest
	ClassMAC
	ClassMGF
)

func (c AlgorithmClass) String() string {
	switch c {
	case ClassBlockEncryption:
		return "block-encryption"
	case ClassKeyTransport:
		return "key-transport"
	case ClassSymmetricKeyWrap:
		return "key-wrap"
	case ClassKeyAgreement:
		return "key-agreement"
	case ClassKeyDerivation:
		return "key-derivation"
	case ClassDigest:
		return "digest"
	case ClassMAC:
		return "mac"
	case ClassMGF:
		return "mgf"
	default:
		return "unknown"
	}
}

// AlgorithmDescriptor describes one algorithm URI.
type AlgorithmDescriptor struct {
	URI   string
	Class AlgorithmClass
	// KeyAlgorithm is the key type the algorithm operates with, if any.
	KeyAlgorithm string
	// KeyLength is the required key length in bits, 0 when variable.
	KeyLength int
	// Hash is the digest function of digest, MAC and MGF algorithms.
	Hash crypto.Hash
}

// Registry classifies algorithm URIs. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byURI map[string]AlgorithmDescriptor
}

// NewRegistry returns a registry holding the given descriptors.
func NewRegistry(descriptors ...AlgorithmDescriptor) *Registry {
	r := &Registry{byURI: make(map[string]AlgorithmDescriptor, len(descriptors))}
	for _, d := range descriptors {
		r.byURI[d.URI] = d
	}
	return r
}

// NewStandardRegistry returns a registry populated with every algorithm this
// package knows about.
func NewStandardRegistry() *Registry {
	return NewRegistry(standardAlgorithms()...)
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d AlgorithmDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURI[d.URI] = d
}

// Deregister removes an algorithm URI from the registry.
func (r *Registry) Deregister(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byURI, uri)
}

// Get returns the descriptor registered for uri.
func (r *Registry) Get(uri string) (AlgorithmDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byURI[uri]
	return d, ok
}

// Class returns the class of uri, ClassUnknown if it is not registered.
func (r *Registry) Class(uri string) AlgorithmClass {
	d, _ := r.Get(uri)
	return d.Class
}

// KeyAlgorithm returns the key algorithm required by uri.
func (r *Registry) KeyAlgorithm(uri string) string {
	d, _ := r.Get(uri)
	return d.KeyAlgorithm
}

// KeyLength returns the key length in bits required by uri, or 0.
func (r *Registry) KeyLength(uri string) int {
	d, _ := r.Get(uri)
	return d.KeyLength
}

// Hash returns the digest function behind a digest, MAC or MGF URI.
func (r *Registry) Hash(uri string) (crypto.Hash, bool) {
	d, ok := r.Get(uri)
	if !ok || d.Hash == 0 {
		return 0, false
	}
	return d.Hash, true
}

// IsDataEncryption reports whether uri is a block (content) encryption algorithm.
func (r *Registry) IsDataEncryption(uri string) bool {
	return r.Class(uri) == ClassBlockEncryption
}

// IsKeyTransport reports whether uri is an asymmetric key transport algorithm.
func (r *Registry) IsKeyTransport(uri string) bool {
	return r.Class(uri) == ClassKeyTransport
}

// IsKeyWrap reports whether uri is a symmetric key wrap algorithm.
func (r *Registry) IsKeyWrap(uri string) bool {
	return r.Class(uri) == ClassSymmetricKeyWrap
}

// IsKeyAgreement reports whether uri is a key agreement algorithm.
func (r *Registry) IsKeyAgreement(uri string) bool {
	return r.Class(uri) == ClassKeyAgreement
}

// IsKeyEncryption reports whether uri may encrypt a key: key transport or key wrap.
func (r *Registry) IsKeyEncryption(uri string) bool {
	c := r.Class(uri)
	return c == ClassKeyTransport || c == ClassSymmetricKeyWrap
}

var defaultRegistry atomic.Pointer[Registry]

func init() {
	defaultRegistry.Store(NewStandardRegistry())
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry.Load()
}

// SetDefaultRegistry replaces the process-wide registry and returns the
// previous one, so tests can restore it.
func SetDefaultRegistry(r *Registry) *Registry {
	if r == nil {
		r = NewStandardRegistry()
	}
	return defaultRegistry.Swap(r)
}

func standardAlgorithms() []AlgorithmDescriptor {
	return []AlgorithmDescriptor{
		{URI: AlgorithmAES128CBC, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 128},
		{URI: AlgorithmAES192CBC, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 192},
		{URI: AlgorithmAES256CBC, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 256},
		{URI: AlgorithmAES128GCM, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 128},
		{URI: AlgorithmAES192GCM, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 192},
		{URI: AlgorithmAES256GCM, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 256},
		{URI: AlgorithmTripleDES, Class: ClassBlockEncryption, KeyAlgorithm: KeyAlgorithmDESede, KeyLength: 192},

		{URI: AlgorithmRSAv15, Class: ClassKeyTransport, KeyAlgorithm: KeyAlgorithmRSA},
		{URI: AlgorithmRSAOAEP, Class: ClassKeyTransport, KeyAlgorithm: KeyAlgorithmRSA},
		{URI: AlgorithmRSAOAEP11, Class: ClassKeyTransport, KeyAlgorithm: KeyAlgorithmRSA},

		{URI: AlgorithmAES128KW, Class: ClassSymmetricKeyWrap, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 128},
		{URI: AlgorithmAES192KW, Class: ClassSymmetricKeyWrap, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 192},
		{URI: AlgorithmAES256KW, Class: ClassSymmetricKeyWrap, KeyAlgorithm: KeyAlgorithmAES, KeyLength: 256},
		{URI: AlgorithmTripleDESKW, Class: ClassSymmetricKeyWrap, KeyAlgorithm: KeyAlgorithmDESede, KeyLength: 192},

		{URI: AlgorithmDH, Class: ClassKeyAgreement, KeyAlgorithm: "DH"},
		{URI: AlgorithmDHES, Class: ClassKeyAgreement, KeyAlgorithm: "DH"},
		{URI: AlgorithmECDHES, Class: ClassKeyAgreement, KeyAlgorithm: KeyAlgorithmEC},
		{URI: AlgorithmX25519, Class: ClassKeyAgreement, KeyAlgorithm: KeyAlgorithmX25519},

		{URI: AlgorithmConcatKDF, Class: ClassKeyDerivation},
		{URI: AlgorithmPBKDF2, Class: ClassKeyDerivation},
		{URI: AlgorithmHKDF, Class: ClassKeyDerivation},

		{URI: AlgorithmSHA1, Class: ClassDigest, Hash: crypto.SHA1},
		{URI: AlgorithmSHA224, Class: ClassDigest, Hash: crypto.SHA224},
		{URI: AlgorithmSHA256, Class: ClassDigest, Hash: crypto.SHA256},
		{URI: AlgorithmSHA384, Class: ClassDigest, Hash: crypto.SHA384},
		{URI: AlgorithmSHA512, Class: ClassDigest, Hash: crypto.SHA512},

		{URI: AlgorithmHMACSHA1, Class: ClassMAC, Hash: crypto.SHA1},
		{URI: AlgorithmHMACSHA256, Class: ClassMAC, Hash: crypto.SHA256},
		{URI: AlgorithmHMACSHA384, Class: ClassMAC, Hash: crypto.SHA384},
		{URI: AlgorithmHMACSHA512, Class: ClassMAC, Hash: crypto.SHA512},

		{URI: AlgorithmMGF1SHA1, Class: ClassMGF, Hash: crypto.SHA1},
		{URI: AlgorithmMGF1SHA224, Class: ClassMGF, Hash: crypto.SHA224},
		{URI: AlgorithmMGF1SHA256, Class: ClassMGF, Hash: crypto.SHA256},
		{URI: AlgorithmMGF1SHA384, Class: ClassMGF, Hash: crypto.SHA384},
		{URI: AlgorithmMGF1SHA512, Class: ClassMGF, Hash: crypto.SHA512},
	}
}

// KeySize returns the key size in bytes for the given algorithm URI.
// Returns 0 if the algorithm is not recognized or has variable key size.
func KeySize(algorithm string) int {
	return DefaultRegistry().KeyLength(algorithm) / 8
}

// IsGCM returns true if the algorithm is an AES-GCM variant
func IsGCM(algorithm string) bool {
	switch algorithm {
	case AlgorithmAES128GCM, AlgorithmAES192GCM, AlgorithmAES256GCM:
		return true
	default:
		return false
	}
}

// IsRSAOAEP returns true for both RSA-OAEP key transport variants.
func IsRSAOAEP(algorithm string) bool {
	return algorithm == AlgorithmRSAOAEP || algorithm == AlgorithmRSAOAEP11
}

// KeyWrapAlgorithmForKeyLength returns the AES key wrap algorithm whose KEK
// has the given length in bytes.
func KeyWrapAlgorithmForKeyLength(n int) string {
	switch n {
	case 24:
		return AlgorithmAES192KW
	case 32:
		return AlgorithmAES256KW
	default:
		return AlgorithmAES128KW
	}
}
