package credential

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rsa"

	"github.com/leifj/mdenc/xmlenc"
)

// FamilyTag names a key family. Key agreement configurations are keyed by it.
type FamilyTag string

const (
	FamilyRSA    FamilyTag = "RSA"
	FamilyEC     FamilyTag = "EC"
	FamilyX25519 FamilyTag = "X25519"
	FamilySecret FamilyTag = "Secret"
	FamilyOther  FamilyTag = "Other"
)

// KeyFamily classifies the key of a credential. The set of implementations
// is closed: RSAKey, ECKey, SecretKey and OtherKey.
type KeyFamily interface {
	Tag() FamilyTag
	keyFamily()
}

// RSAKey is an RSA public key, usable for key transport.
type RSAKey struct {
	Key *rsa.PublicKey
}

// ECKey is an elliptic curve or X25519 public key, usable for key agreement.
type ECKey struct {
	Key *ecdh.PublicKey
}

// SecretKey is a symmetric key.
type SecretKey struct {
	Key []byte
}

// OtherKey is any key no algorithm family handles, such as DSA.
type OtherKey struct {
	Key crypto.PublicKey
}

func (RSAKey) Tag() FamilyTag    { return FamilyRSA }
func (SecretKey) Tag() FamilyTag { return FamilySecret }
func (OtherKey) Tag() FamilyTag  { return FamilyOther }

func (k ECKey) Tag() FamilyTag {
	if k.Key.Curve() == ecdh.X25519() {
		return FamilyX25519
	}
	return FamilyEC
}

// CurveURI returns the dsig11 NamedCurve URI of the key's curve.
func (k ECKey) CurveURI() string {
	return xmlenc.CurveURI(k.Key.Curve())
}

func (RSAKey) keyFamily()    {}
func (ECKey) keyFamily()     {}
func (SecretKey) keyFamily() {}
func (OtherKey) keyFamily()  {}

// Family classifies the credential's key.
func (c *Credential) Family() KeyFamily {
	if c.secretKey != nil {
		return SecretKey{Key: c.secretKey}
	}
	return FamilyOf(c.publicKey)
}

// FamilyOf classifies a public key. ECDSA keys on curves without an ECDH
// implementation are OtherKey.
func FamilyOf(pub crypto.PublicKey) KeyFamily {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return RSAKey{Key: k}
	case *ecdh.PublicKey:
		if xmlenc.CurveURI(k.Curve()) != "" {
			return ECKey{Key: k}
		}
	case *ecdsa.PublicKey:
		if e, err := k.ECDH(); err == nil {
			return ECKey{Key: e}
		}
	}
	return OtherKey{Key: pub}
}

// SameKey reports whether a and b are the same public key, comparing EC keys
// in their ECDH form.
func SameKey(a, b crypto.PublicKey) bool {
	fa, fb := FamilyOf(a), FamilyOf(b)
	switch ka := fa.(type) {
	case RSAKey:
		kb, ok := fb.(RSAKey)
		return ok && ka.Key.Equal(kb.Key)
	case ECKey:
		kb, ok := fb.(ECKey)
		return ok && ka.Key.Equal(kb.Key)
	}
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
