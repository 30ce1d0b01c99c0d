package xmlenc

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	_ "crypto/sha1" // registers crypto.SHA1
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Named curve URIs used in dsig11:NamedCurve.
const (
	CurveP256   = "urn:oid:1.2.840.10045.3.1.7"
	CurveP384   = "urn:oid:1.3.132.0.34"
	CurveP521   = "urn:oid:1.3.132.0.35"
	CurveX25519 = "urn:ietf:params:xml:ns:keyprov:curve:x25519"
)

var (
	// ErrUnsupportedCurve is returned for curves without an ECDH implementation.
	ErrUnsupportedCurve = errors.New("xmlenc: unsupported curve")
	// ErrUnsupportedKDF is returned for unknown key derivation methods.
	ErrUnsupportedKDF = errors.New("xmlenc: unsupported key derivation method")
)

// CurveURI returns the NamedCurve URI of c.
func CurveURI(c ecdh.Curve) string {
	switch c {
	case ecdh.P256():
		return CurveP256
	case ecdh.P384():
		return CurveP384
	case ecdh.P521():
		return CurveP521
	case ecdh.X25519():
		return CurveX25519
	default:
		return ""
	}
}

// CurveForURI returns the curve named by a NamedCurve URI.
func CurveForURI(uri string) (ecdh.Curve, error) {
	switch uri {
	case CurveP256:
		return ecdh.P256(), nil
	case CurveP384:
		return ecdh.P384(), nil
	case CurveP521:
		return ecdh.P521(), nil
	case CurveX25519:
		return ecdh.X25519(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurve, uri)
	}
}

// ECDHPublicKey converts an EC or X25519 public key to its ECDH form.
func ECDHPublicKey(pub crypto.PublicKey) (*ecdh.PublicKey, error) {
	switch k := pub.(type) {
	case *ecdh.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		return k.ECDH()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCurve, pub)
	}
}

// ECDHPrivateKey converts an EC or X25519 private key to its ECDH form.
func ECDHPrivateKey(priv crypto.PrivateKey) (*ecdh.PrivateKey, error) {
	switch k := priv.(type) {
	case *ecdh.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k.ECDH()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCurve, priv)
	}
}

// PublicKeyFromECKeyValue decodes a dsig11:ECKeyValue.
func PublicKeyFromECKeyValue(kv *ECKeyValue) (*ecdh.PublicKey, error) {
	curve, err := CurveForURI(kv.NamedCurve)
	if err != nil {
		return nil, err
	}
	return curve.NewPublicKey(kv.PublicKey)
}

// AgreementAlgorithmForCurve returns the key agreement algorithm for keys on c.
func AgreementAlgorithmForCurve(c ecdh.Curve) string {
	if c == ecdh.X25519() {
		return AlgorithmX25519
	}
	return AlgorithmECDHES
}

// KeyAgreement performs ephemeral-static ECDH (ECDH-ES on the NIST curves,
// X25519 on Curve25519) and derives keying material from the shared secret.
type KeyAgreement struct {
	// Algorithm is the AgreementMethod URI.
	Algorithm string
	// KeyDerivationMethod turns the shared secret into key material.
	KeyDerivationMethod *KeyDerivationMethod

	ephemeral     *ecdh.PrivateKey
	originator    *ecdh.PublicKey
	recipient     *ecdh.PublicKey
	recipientPriv *ecdh.PrivateKey
}

// NewKeyAgreement creates a key agreement for encryption to recipient.
// A fresh ephemeral key pair is generated on the recipient's curve.
func NewKeyAgreement(recipient *ecdh.PublicKey, kdm *KeyDerivationMethod) (*KeyAgreement, error) {
	if recipient == nil {
		return nil, fmt.Errorf("%w: nil recipient key", ErrUnsupportedCurve)
	}
	if CurveURI(recipient.Curve()) == "" {
		return nil, ErrUnsupportedCurve
	}
	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return &KeyAgreement{
		Algorithm:           AgreementAlgorithmForCurve(recipient.Curve()),
		KeyDerivationMethod: kdm,
		ephemeral:           ephemeral,
		originator:          ephemeral.PublicKey(),
		recipient:           recipient,
	}, nil
}

// NewKeyAgreementForDecrypt rebuilds the recipient side of a key agreement
// from a received AgreementMethod.
func NewKeyAgreementForDecrypt(recipient *ecdh.PrivateKey, am *AgreementMethod) (*KeyAgreement, error) {
	if am == nil || am.OriginatorKeyInfo == nil {
		return nil, fmt.Errorf("%w: AgreementMethod without OriginatorKeyInfo", ErrMalformedElement)
	}
	var originator *ecdh.PublicKey
	for _, kv := range am.OriginatorKeyInfo.KeyValues {
		if kv.ECKeyValue == nil {
			continue
		}
		pub, err := PublicKeyFromECKeyValue(kv.ECKeyValue)
		if err != nil {
			return nil, fmt.Errorf("failed to decode originator key: %w", err)
		}
		originator = pub
		break
	}
	if originator == nil {
		return nil, fmt.Errorf("%w: no originator ECKeyValue", ErrMalformedElement)
	}
	if originator.Curve() != recipient.Curve() {
		return nil, fmt.Errorf("%w: originator and recipient curves differ", ErrUnsupportedCurve)
	}
	return &KeyAgreement{
		Algorithm:           am.Algorithm,
		KeyDerivationMethod: am.KeyDerivationMethod,
		originator:          originator,
		recipient:           recipient.PublicKey(),
		recipientPriv:       recipient,
	}, nil
}

// OriginatorPublicKey returns the ephemeral public key of the sender.
func (ka *KeyAgreement) OriginatorPublicKey() *ecdh.PublicKey {
	return ka.originator
}

// AgreementMethod returns the xenc:AgreementMethod describing this agreement,
// carrying the originator's ephemeral public key.
func (ka *KeyAgreement) AgreementMethod() *AgreementMethod {
	return &AgreementMethod{
		Algorithm:           ka.Algorithm,
		KeyDerivationMethod: ka.KeyDerivationMethod.Clone(),
		OriginatorKeyInfo: &KeyInfo{
			KeyValues: []*KeyValue{{
				ECKeyValue: &ECKeyValue{
					NamedCurve: CurveURI(ka.originator.Curve()),
					PublicKey:  ka.originator.Bytes(),
				},
			}},
		},
	}
}

// SharedSecret computes the raw ECDH output.
func (ka *KeyAgreement) SharedSecret() ([]byte, error) {
	var (
		z   []byte
		err error
	)
	switch {
	case ka.ephemeral != nil:
		// Sender side: ephemeral private key with recipient public key
		z, err = ka.ephemeral.ECDH(ka.recipient)
	case ka.recipientPriv != nil:
		// Recipient side: static private key with originator public key
		z, err = ka.recipientPriv.ECDH(ka.originator)
	default:
		return nil, fmt.Errorf("no private key available for ECDH")
	}
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	return z, nil
}

// DeriveKey derives key material for keyAlgorithm, whose key length is looked
// up in the default registry.
func (ka *KeyAgreement) DeriveKey(keyAlgorithm string) ([]byte, error) {
	n := KeySize(keyAlgorithm)
	if n == 0 {
		return nil, fmt.Errorf("unsupported key algorithm: %s", keyAlgorithm)
	}
	z, err := ka.SharedSecret()
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(z, ka.KeyDerivationMethod, n)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// WrapKey wraps a content encryption key with a key encryption key derived
// for the key wrap algorithm named by method.
func (ka *KeyAgreement) WrapKey(cek []byte, method *EncryptionMethod) (*EncryptedKey, error) {
	kek, err := ka.DeriveKey(method.Algorithm)
	if err != nil {
		return nil, err
	}
	wrapped, err := AESKeyWrap(kek, cek)
	if err != nil {
		return nil, fmt.Errorf("key wrap failed: %w", err)
	}
	return &EncryptedKey{
		EncryptedType: EncryptedType{
			EncryptionMethod: &EncryptionMethod{Algorithm: method.Algorithm},
			KeyInfo:          &KeyInfo{AgreementMethod: ka.AgreementMethod()},
			CipherData:       &CipherData{CipherValue: wrapped},
		},
	}, nil
}

// UnwrapKey unwraps a content encryption key from an EncryptedKey produced
// by WrapKey.
func (ka *KeyAgreement) UnwrapKey(ek *EncryptedKey) ([]byte, error) {
	if ek.CipherData == nil || ek.CipherData.CipherValue == nil {
		return nil, fmt.Errorf("no cipher value in EncryptedKey")
	}
	if ek.EncryptionMethod == nil {
		return nil, fmt.Errorf("no EncryptionMethod in EncryptedKey")
	}
	kek, err := ka.DeriveKey(ek.EncryptionMethod.Algorithm)
	if err != nil {
		return nil, err
	}
	cek, err := AESKeyUnwrap(kek, ek.CipherData.CipherValue)
	if err != nil {
		return nil, fmt.Errorf("key unwrap failed: %w", err)
	}
	return cek, nil
}

// DeriveKey derives keyLen bytes from the shared secret z with the given
// key derivation method. A nil method defaults to ConcatKDF with SHA-256.
func DeriveKey(z []byte, kdm *KeyDerivationMethod, keyLen int) ([]byte, error) {
	if kdm == nil {
		kdm = DefaultConcatKDF()
	}
	switch kdm.Algorithm {
	case AlgorithmConcatKDF:
		p := kdm.ConcatKDFParams
		if p == nil {
			p = &ConcatKDFParams{DigestMethod: AlgorithmSHA256}
		}
		h, err := hashFor(p.DigestMethod, AlgorithmSHA256)
		if err != nil {
			return nil, err
		}
		return concatKDF(h, z, keyLen, p.AlgorithmID, p.PartyUInfo, p.PartyVInfo, p.SuppPubInfo, p.SuppPrivInfo), nil

	case AlgorithmPBKDF2:
		p := kdm.PBKDF2Params
		if p == nil || p.IterationCount <= 0 {
			return nil, fmt.Errorf("%w: PBKDF2 without iteration count", ErrUnsupportedKDF)
		}
		h, err := hashFor(p.PRF, AlgorithmHMACSHA256)
		if err != nil {
			return nil, err
		}
		if p.KeyLength > 0 {
			keyLen = p.KeyLength
		}
		return pbkdf2.Key(z, p.Salt, p.IterationCount, keyLen, h.New), nil

	case AlgorithmHKDF:
		p := kdm.HKDFParams
		if p == nil {
			p = &HKDFParams{}
		}
		h, err := hashFor(p.PRF, AlgorithmHMACSHA256)
		if err != nil {
			return nil, err
		}
		if p.KeyLength > 0 {
			keyLen = p.KeyLength / 8
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(hkdf.New(h.New, z, p.Salt, p.Info), key); err != nil {
			return nil, fmt.Errorf("HKDF failed: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKDF, kdm.Algorithm)
	}
}

func hashFor(uri, fallback string) (crypto.Hash, error) {
	if uri == "" {
		uri = fallback
	}
	h, ok := DefaultRegistry().Hash(uri)
	if !ok || !h.Available() {
		return 0, fmt.Errorf("%w: digest %s", ErrUnsupportedKDF, uri)
	}
	return h, nil
}

// concatKDF implements the single-step KDF of NIST SP 800-56A section 5.8.1:
// K(i) = H(counter || Z || OtherInfo).
func concatKDF(h crypto.Hash, z []byte, keyLen int, otherInfo ...[]byte) []byte {
	var (
		out     = make([]byte, 0, keyLen+h.Size())
		counter [4]byte
		d       hash.Hash
	)
	for i := uint32(1); len(out) < keyLen; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		d = h.New()
		d.Write(counter[:])
		d.Write(z)
		for _, oi := range otherInfo {
			d.Write(oi)
		}
		out = d.Sum(out)
	}
	return out[:keyLen]
}

// GenerateX25519KeyPair generates a new X25519 key pair
func GenerateX25519KeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// DefaultConcatKDF returns a ConcatKDF method with SHA-256 and empty
// OtherInfo.
func DefaultConcatKDF() *KeyDerivationMethod {
	return &KeyDerivationMethod{
		Algorithm:       AlgorithmConcatKDF,
		ConcatKDFParams: &ConcatKDFParams{DigestMethod: AlgorithmSHA256},
	}
}

// DefaultHKDF returns an HKDF method with HMAC-SHA256, an empty salt and the
// given info.
func DefaultHKDF(info []byte) *KeyDerivationMethod {
	return &KeyDerivationMethod{
		Algorithm:  AlgorithmHKDF,
		HKDFParams: &HKDFParams{PRF: AlgorithmHMACSHA256, Info: info},
	}
}
