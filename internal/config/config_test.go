package config

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/encryption"
	"github.com/leifj/mdenc/metadata"
	"github.com/leifj/mdenc/xmlenc"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
resolver:
  autoGenerateDataCredential: true
  defaultKeyWrap: always
  cacheSize: 16

layers:
  - name: local
    excludedAlgorithms:
      - http://www.w3.org/2001/04/xmlenc#rsa-1_5
      - http://www.w3.org/2001/04/xmlenc#aes128-cbc
    rsaOAEP:
      digest: http://www.w3.org/2001/04/xmlenc#sha512
      params: ${MDENC_TEST_LABEL}
    rsaOAEPMerge: false
    keyAgreement:
      EC:
        keyWrap: if-not-indicated
        nonce: "0102"
        kdf:
          algorithm: hkdf
          info: 6d64656e63
          keyLength: 256
      x25519:
        kdf:
          algorithm: pbkdf2
          salt: "00112233"
          iterations: 1000
          keyLength: 128
  - name: federation
    dataEncryptionAlgorithms:
      - http://www.w3.org/2009/xmlenc11#aes256-gcm

profiles:
  minimal:
    keyNames: true
`

func TestParse(t *testing.T) {
	t.Setenv("MDENC_TEST_LABEL", "cafe")

	cfg, err := Parse([]byte(testConfig))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Resolver.CacheSize)
	assert.True(t, *cfg.UseDefaults)

	chain, err := cfg.Chain()
	require.NoError(t, err)
	require.Len(t, chain, 3)

	local := chain[0]
	assert.Equal(t, []string{xmlenc.AlgorithmRSAv15, xmlenc.AlgorithmAES128CBC}, local.ExcludedAlgorithms)
	assert.Equal(t, &encryption.RSAOAEPParameters{
		DigestMethod: xmlenc.AlgorithmSHA512,
		OAEPParams:   []byte{0xca, 0xfe},
	}, local.RSAOAEPParameters)
	require.NotNil(t, local.RSAOAEPParametersMerge)
	assert.False(t, *local.RSAOAEPParametersMerge)
	assert.NotNil(t, local.KeyTransportKeyInfoGeneratorManager)

	ec := local.KeyAgreementConfigurations[credential.FamilyEC]
	require.NotNil(t, ec)
	assert.Equal(t, encryption.KeyWrapIfNotIndicated, ec.KeyWrap)
	assert.Equal(t, []byte{1, 2}, ec.KANonce)
	require.NotNil(t, ec.KeyDerivation)
	assert.Equal(t, xmlenc.AlgorithmHKDF, ec.KeyDerivation.Algorithm)
	assert.Equal(t, []byte("mdenc"), ec.KeyDerivation.HKDFParams.Info)
	assert.Equal(t, 256, ec.KeyDerivation.HKDFParams.KeyLength)

	x := local.KeyAgreementConfigurations[credential.FamilyX25519]
	require.NotNil(t, x)
	assert.Equal(t, encryption.KeyWrapDefault, x.KeyWrap)
	require.NotNil(t, x.KeyDerivation.PBKDF2Params)
	assert.Equal(t, 16, x.KeyDerivation.PBKDF2Params.KeyLength)
	assert.Equal(t, xmlenc.AlgorithmHMACSHA256, x.KeyDerivation.PBKDF2Params.PRF)

	assert.Equal(t, []string{xmlenc.AlgorithmAES256GCM}, chain[1].DataEncryptionAlgorithms)

	eff := chain.Effective()
	assert.Equal(t, []string{xmlenc.AlgorithmAES256GCM}, eff.DataEncryptionAlgorithms)
	assert.False(t, eff.Allowed(xmlenc.AlgorithmRSAv15))
	assert.True(t, eff.Allowed(xmlenc.AlgorithmTripleDES))
}

func TestParseWithoutDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
useDefaults: false
layers:
  - keyTransportEncryptionAlgorithms: [http://www.w3.org/2009/xmlenc11#rsa-oaep]
`))
	require.NoError(t, err)
	assert.Equal(t, metadata.DefaultCacheSize, cfg.Resolver.CacheSize)

	chain, err := cfg.Chain()
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Nil(t, chain[0].KeyTransportKeyInfoGeneratorManager)

	_, err = Parse([]byte("useDefaults: false\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"yaml":           "layers: [",
		"algorithm":      "layers:\n  - excludedAlgorithms: [urn:example:nope]\n",
		"family":         "layers:\n  - keyAgreement:\n      RSA: {}\n",
		"key wrap":       "layers:\n  - keyAgreement:\n      EC: {keyWrap: sometimes}\n",
		"agreement":      "layers:\n  - keyAgreement:\n      EC: {algorithm: 'http://www.w3.org/2001/04/xmlenc#sha256'}\n",
		"kdf":            "layers:\n  - keyAgreement:\n      EC: {kdf: {algorithm: scrypt}}\n",
		"pbkdf2":         "layers:\n  - keyAgreement:\n      EC: {kdf: {algorithm: pbkdf2}}\n",
		"key length":     "layers:\n  - keyAgreement:\n      EC: {kdf: {algorithm: hkdf, keyLength: 100}}\n",
		"hex":            "layers:\n  - rsaOAEP: {params: xyz}\n",
		"resolver":       "resolver: {defaultKeyWrap: sometimes}\n",
		"profile":        "resolver: {profile: missing}\n",
		"cache size":     "resolver: {cacheSize: -1}\n",
		"pkcs11 library": "credentials:\n  pkcs11: {token_label: t}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdenc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver:\n  cacheSize: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Resolver.CacheSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolverOptions(t *testing.T) {
	t.Setenv("MDENC_TEST_LABEL", "")
	cfg, err := Parse([]byte(testConfig))
	require.NoError(t, err)

	priv, der, err := dsig.RandomKeyStoreForTest().GetKeyPair()
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	entity := &metadata.EntityDescriptor{EntityID: "https://sp.example.org"}
	role := metadata.NewRoleDescriptor(metadata.RoleSPSSO, []string{metadata.ProtocolSAML20}, &metadata.KeyDescriptor{
		Use: credential.UsageEncryption,
		KeyInfo: &xmlenc.KeyInfo{
			KeyNames: []string{"sp-enc"},
			X509Data: []*xmlenc.X509Data{{Certificates: [][]byte{der}}},
		},
	})
	entity.AddRole(role)

	chain, err := cfg.Chain()
	require.NoError(t, err)
	creds := metadata.NewCredentialResolver(append(cfg.CredentialResolverOptions(),
		metadata.WithKeyInfoResolver(credential.BasicKeyInfoResolver{}))...)
	r := encryption.NewResolver(append(cfg.ResolverOptions(), encryption.WithCredentialSource(creds))...)

	p, err := r.ResolveSingle(context.Background(), &encryption.Criteria{
		Criteria:                 metadata.Criteria{RoleDescriptor: role},
		Configurations:           chain,
		KeyInfoGenerationProfile: "minimal",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, xmlenc.AlgorithmAES256GCM, p.DataAlgorithm)
	assert.NotNil(t, p.DataCredential)
	// Without a peer hint the chain's defaults fill the remaining fields.
	assert.Equal(t, xmlenc.AlgorithmSHA512, p.RSAOAEPParameters.DigestMethod)
	assert.Equal(t, xmlenc.AlgorithmMGF1SHA256, p.RSAOAEPParameters.MaskGenerationFunction)

	ki, err := p.KeyTransportKeyInfoGenerator.Generate(p.KeyTransportCredential)
	require.NoError(t, err)
	assert.Equal(t, []string{"sp-enc"}, ki.KeyNames)
	assert.Empty(t, ki.X509Data)

	assert.True(t, credential.SameKey(p.KeyTransportCredential.PublicKey(), &priv.PublicKey))
	assert.Equal(t, cert.Raw, p.KeyTransportCredential.Certificate().Raw)
}

func TestLocalCredentials(t *testing.T) {
	dir := t.TempDir()

	priv, der, err := dsig.RandomKeyStoreForTest().GetKeyPair()
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	rsaPath := filepath.Join(dir, "rsa.pem")
	require.NoError(t, os.WriteFile(rsaPath, append(
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...), 0o600))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	ecPath := filepath.Join(dir, "ec.pem")
	require.NoError(t, os.WriteFile(ecPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}), 0o600))

	cfg := &Config{Credentials: CredentialsConfig{PEM: []string{rsaPath, ecPath}}}
	creds, closeFn, err := cfg.LocalCredentials()
	require.NoError(t, err)
	defer closeFn()

	require.Len(t, creds, 2)
	assert.IsType(t, credential.RSAKey{}, creds[0].Family())
	require.NotNil(t, creds[0].Certificate())
	assert.Equal(t, der, creds[0].Certificate().Raw)
	assert.Equal(t, credential.FamilyEC, creds[1].Family().Tag())
	assert.NotNil(t, creds[1].PrivateKey())

	cfg.Credentials.PEM = append(cfg.Credentials.PEM, filepath.Join(dir, "missing.pem"))
	_, _, err = cfg.LocalCredentials()
	assert.Error(t, err)
}

func TestProfilesWithoutLayers(t *testing.T) {
	cfg, err := Parse([]byte("profiles:\n  der:\n    publicKeyDER: true\n"))
	require.NoError(t, err)

	chain, err := cfg.Chain()
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.NotNil(t, chain[0].DataKeyInfoGeneratorManager)

	secret, err := credential.NewSecret(make([]byte, 16))
	require.NoError(t, err)
	f, ok := chain[0].DataKeyInfoGeneratorManager.Factory(secret, "der").(*credential.BasicGeneratorFactory)
	require.True(t, ok)
	assert.True(t, f.EmitPublicKeyDER)
	assert.False(t, f.EmitKeyNames)
}
