package credential

import (
	"errors"
	"fmt"

	"github.com/ThalesGroup/crypto11"
)

var (
	// ErrKeyNotFound is returned when a token holds no key pair under a label.
	ErrKeyNotFound = errors.New("credential: key not found")
	// ErrSourceClosed is returned by a PKCS11Source that is closed or was
	// never opened.
	ErrSourceClosed = errors.New("credential: PKCS#11 source closed")
)

// PKCS11Config selects a PKCS#11 module and token.
type PKCS11Config struct {
	Library    string `yaml:"library"`
	TokenLabel string `yaml:"token_label"`
	Pin        string `yaml:"pin"`
}

// PKCS11Source loads local decryption credentials whose private keys stay
// inside a PKCS#11 token.
type PKCS11Source struct {
	ctx *crypto11.Context
}

// OpenPKCS11 logs in to the configured token.
func OpenPKCS11(cfg PKCS11Config) (*PKCS11Source, error) {
	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.Library,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.Pin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure PKCS#11 context: %w", err)
	}
	return &PKCS11Source{ctx: ctx}, nil
}

// Credential returns the key pair stored under label, with its certificate
// when the token holds one under the same label. The private key implements
// crypto.Signer, and crypto.Decrypter for RSA keys.
func (s *PKCS11Source) Credential(label string) (*Credential, error) {
	if s == nil || s.ctx == nil {
		return nil, ErrSourceClosed
	}
	signer, err := s.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("failed to find key: %w", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}

	opts := []Option{WithPrivateKey(signer), WithKeyNames(label)}
	cert, err := s.ctx.FindCertificate(nil, []byte(label), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to find certificate: %w", err)
	}
	if cert != nil {
		opts = append(opts, WithCertificate(cert))
	}
	return NewPublic(signer.Public(), opts...)
}

// Close releases the PKCS#11 session. It is safe to call on a nil or
// already closed source.
func (s *PKCS11Source) Close() error {
	if s == nil || s.ctx == nil {
		return nil
	}
	err := s.ctx.Close()
	s.ctx = nil
	return err
}
