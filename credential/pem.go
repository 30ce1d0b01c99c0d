package credential

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParsePEM builds a local credential from PEM data holding a private key
// (PKCS#8, PKCS#1 or SEC 1) and optionally the matching certificate.
func ParsePEM(data []byte, opts ...Option) (*Credential, error) {
	var (
		priv crypto.PrivateKey
		cert *x509.Certificate
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		var err error
		switch block.Type {
		case "CERTIFICATE":
			if cert == nil {
				cert, err = x509.ParseCertificate(block.Bytes)
			}
		case "PRIVATE KEY":
			priv, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			priv, err = x509.ParseECPrivateKey(block.Bytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
		}
	}
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key in PEM data", ErrNoKey)
	}
	signer, ok := priv.(interface{ Public() crypto.PublicKey })
	if !ok {
		return nil, fmt.Errorf("%w: unsupported private key %T", ErrNoKey, priv)
	}

	opts = append([]Option{WithPrivateKey(priv)}, opts...)
	if cert != nil {
		opts = append(opts, WithCertificate(cert))
	}
	return NewPublic(signer.Public(), opts...)
}
