package credential

import (
	"crypto"
	"crypto/dsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/leifj/mdenc/xmlenc"
)

// ErrKeyInfo is returned when KeyInfo contents cannot be decoded.
var ErrKeyInfo = errors.New("credential: invalid KeyInfo")

// KeyInfoResolver converts ds:KeyInfo key material into credentials.
type KeyInfoResolver interface {
	Resolve(ki *xmlenc.KeyInfo, usage Usage) ([]*Credential, error)
}

// BasicKeyInfoResolver resolves X509Data certificates, KeyValue (RSA, EC,
// DSA) and DEREncodedKeyValue elements. Every credential carries the KeyInfo
// key names. A key that appears more than once yields one credential, the
// first one found, with X509Data examined first so certificates are kept.
type BasicKeyInfoResolver struct{}

// Resolve implements KeyInfoResolver.
func (BasicKeyInfoResolver) Resolve(ki *xmlenc.KeyInfo, usage Usage) ([]*Credential, error) {
	if ki == nil {
		return nil, nil
	}

	var creds []*Credential
	seen := func(pub crypto.PublicKey) bool {
		for _, c := range creds {
			if SameKey(c.publicKey, pub) {
				return true
			}
		}
		return false
	}
	opts := []Option{
		WithUsage(usage),
		WithKeyNames(ki.KeyNames...),
		WithContexts(KeyInfoContext{KeyInfo: ki}),
	}

	for _, xd := range ki.X509Data {
		if len(xd.Certificates) == 0 {
			continue
		}
		// The entity certificate comes first; the rest is chain material.
		cert, err := x509.ParseCertificate(xd.Certificates[0])
		if err != nil {
			return nil, fmt.Errorf("%w: X509Certificate: %v", ErrKeyInfo, err)
		}
		if seen(cert.PublicKey) {
			continue
		}
		c, err := NewX509(cert, opts...)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}

	var keys []crypto.PublicKey
	for _, kv := range ki.KeyValues {
		pub, err := publicKeyFromKeyValue(kv)
		if err != nil {
			return nil, err
		}
		if pub != nil {
			keys = append(keys, pub)
		}
	}
	for _, der := range ki.DEREncodedKeyValues {
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: DEREncodedKeyValue: %v", ErrKeyInfo, err)
		}
		keys = append(keys, pub)
	}

	for _, pub := range keys {
		if seen(pub) {
			continue
		}
		c, err := NewPublic(pub, opts...)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

func publicKeyFromKeyValue(kv *xmlenc.KeyValue) (crypto.PublicKey, error) {
	switch {
	case kv.RSAKeyValue != nil:
		e := new(big.Int).SetBytes(kv.RSAKeyValue.Exponent)
		if len(kv.RSAKeyValue.Modulus) == 0 || !e.IsInt64() || e.Int64() > 1<<31-1 || e.Sign() <= 0 {
			return nil, fmt.Errorf("%w: RSAKeyValue", ErrKeyInfo)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(kv.RSAKeyValue.Modulus),
			E: int(e.Int64()),
		}, nil
	case kv.ECKeyValue != nil:
		pub, err := xmlenc.PublicKeyFromECKeyValue(kv.ECKeyValue)
		if err != nil {
			return nil, fmt.Errorf("%w: ECKeyValue: %v", ErrKeyInfo, err)
		}
		return pub, nil
	case kv.DSAKeyValue != nil:
		d := kv.DSAKeyValue
		return &dsa.PublicKey{
			Parameters: dsa.Parameters{
				P: new(big.Int).SetBytes(d.P),
				Q: new(big.Int).SetBytes(d.Q),
				G: new(big.Int).SetBytes(d.G),
			},
			Y: new(big.Int).SetBytes(d.Y),
		}, nil
	default:
		return nil, nil
	}
}
