package config

import (
	"fmt"
	"os"

	"github.com/leifj/mdenc/credential"
)

// LocalCredentials loads the configured decryption credentials, PEM files
// first. The returned function releases the PKCS#11 session, if one was
// opened, and must be called once the credentials are no longer used.
func (c *Config) LocalCredentials() ([]*credential.Credential, func() error, error) {
	noop := func() error { return nil }

	var creds []*credential.Credential
	for _, path := range c.Credentials.PEM {
		cred, err := LoadPEM(path)
		if err != nil {
			return nil, noop, err
		}
		creds = append(creds, cred)
	}

	p := c.Credentials.PKCS11
	if p == nil {
		return creds, noop, nil
	}
	src, err := credential.OpenPKCS11(p.PKCS11Config)
	if err != nil {
		return nil, noop, err
	}
	for _, label := range p.Labels {
		cred, err := src.Credential(label)
		if err != nil {
			src.Close()
			return nil, noop, fmt.Errorf("pkcs11 key %s: %w", label, err)
		}
		creds = append(creds, cred)
	}
	return creds, src.Close, nil
}

// LoadPEM reads a private key, and optionally its certificate, from a PEM
// file.
func LoadPEM(path string) (*credential.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	cred, err := credential.ParsePEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cred, nil
}
