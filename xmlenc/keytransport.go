package xmlenc

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// OAEPHashes returns the digest and mask generation hashes selected by an
// RSA-OAEP EncryptionMethod. Absent values default to SHA-1.
func OAEPHashes(em *EncryptionMethod) (digest, mgf crypto.Hash, err error) {
	reg := DefaultRegistry()
	digest, mgf = crypto.SHA1, crypto.SHA1

	if em.DigestMethod != "" {
		h, ok := reg.Hash(em.DigestMethod)
		if !ok || reg.Class(em.DigestMethod) != ClassDigest {
			return 0, 0, fmt.Errorf("%w: digest %s", ErrUnsupportedAlgorithm, em.DigestMethod)
		}
		digest = h
	}
	// rsa-oaep-mgf1p fixes the mask generation function to MGF1 with SHA-1.
	if em.Algorithm == AlgorithmRSAOAEP11 && em.MGFAlgorithm != "" {
		h, ok := reg.Hash(em.MGFAlgorithm)
		if !ok || reg.Class(em.MGFAlgorithm) != ClassMGF {
			return 0, 0, fmt.Errorf("%w: mgf %s", ErrUnsupportedAlgorithm, em.MGFAlgorithm)
		}
		mgf = h
	}
	return digest, mgf, nil
}

// EncryptKeyRSA encrypts a symmetric key to pub with the key transport
// algorithm named by em.
func EncryptKeyRSA(pub *rsa.PublicKey, em *EncryptionMethod, key []byte) ([]byte, error) {
	switch {
	case em.Algorithm == AlgorithmRSAv15:
		return rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	case IsRSAOAEP(em.Algorithm):
		digest, mgf, err := OAEPHashes(em)
		if err != nil {
			return nil, err
		}
		if digest != mgf {
			return nil, fmt.Errorf("%w: OAEP encryption with distinct digest and MGF hashes", ErrUnsupportedAlgorithm)
		}
		return rsa.EncryptOAEP(digest.New(), rand.Reader, pub, key, em.OAEPParams)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, em.Algorithm)
	}
}

// DecryptKeyRSA decrypts a transported key. priv may be an in-memory RSA key
// or any crypto.Decrypter, such as a key held in a PKCS#11 token.
func DecryptKeyRSA(priv crypto.Decrypter, em *EncryptionMethod, encrypted []byte) ([]byte, error) {
	if _, ok := priv.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: key transport needs an RSA key, got %T", ErrUnsupportedAlgorithm, priv.Public())
	}
	switch {
	case em.Algorithm == AlgorithmRSAv15:
		return priv.Decrypt(rand.Reader, encrypted, &rsa.PKCS1v15DecryptOptions{})
	case IsRSAOAEP(em.Algorithm):
		digest, mgf, err := OAEPHashes(em)
		if err != nil {
			return nil, err
		}
		return priv.Decrypt(rand.Reader, encrypted, &rsa.OAEPOptions{
			Hash:    digest,
			MGFHash: mgf,
			Label:   em.OAEPParams,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, em.Algorithm)
	}
}
