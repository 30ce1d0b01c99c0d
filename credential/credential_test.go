package credential

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCertificate(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	priv, der, err := dsig.RandomKeyStoreForTest().GetKeyPair()
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return priv, cert
}

func TestUsage(t *testing.T) {
	assert.Equal(t, UsageEncryption, ParseUsage("encryption"))
	assert.Equal(t, UsageSigning, ParseUsage(" signing "))
	assert.Equal(t, UsageUnspecified, ParseUsage(""))
	assert.Equal(t, UsageUnspecified, ParseUsage("bogus"))

	assert.True(t, UsageUnspecified.Admits(UsageEncryption))
	assert.True(t, UsageEncryption.Admits(UsageEncryption))
	assert.True(t, UsageSigning.Admits(UsageUnspecified))
	assert.False(t, UsageSigning.Admits(UsageEncryption))
	assert.False(t, UsageEncryption.Admits(UsageSigning))
}

func TestNewCredentialInvariants(t *testing.T) {
	priv, cert := testCertificate(t)

	_, err := NewSecret(make([]byte, 16), WithPrivateKey(priv))
	assert.ErrorIs(t, err, ErrMixedKeys)

	_, err = NewSecret(nil)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewPublic(nil)
	assert.ErrorIs(t, err, ErrNoKey)

	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	_, err = NewPublic(&other.PublicKey, WithCertificate(cert))
	assert.ErrorIs(t, err, ErrKeyMismatch)

	c, err := NewX509(cert, WithKeyNames("b", "a", "b", " "), WithEntityID("https://sp.example.org"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.KeyNames())
	assert.Equal(t, FamilyRSA, c.Family().Tag())
	assert.Same(t, cert, c.Certificate())
}

func TestCredentialCopies(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := NewSecret(key, WithUsage(UsageEncryption))
	require.NoError(t, err)

	key[0] = 'X'
	assert.Equal(t, byte('0'), c.SecretKey()[0], "constructor must copy the key")

	c.SecretKey()[1] = 'Y'
	assert.Equal(t, byte('1'), c.SecretKey()[1], "getter must return a copy")

	d := c.WithUsage(UsageSigning).WithEntityID("e").WithContext(KeyInfoContext{})
	assert.Equal(t, UsageEncryption, c.Usage())
	assert.Empty(t, c.EntityID())
	assert.Empty(t, c.Contexts())
	assert.Equal(t, UsageSigning, d.Usage())
	assert.Equal(t, "e", d.EntityID())
	assert.Len(t, d.Contexts(), 1)
	assert.True(t, d.IsSymmetric())
	assert.Equal(t, FamilySecret, d.Family().Tag())
}

func TestFamilyOf(t *testing.T) {
	rsaKey, _ := testCertificate(t)
	ecKey, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	p224, _ := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	xKey, _ := ecdh.X25519().GenerateKey(rand.Reader)

	assert.IsType(t, RSAKey{}, FamilyOf(&rsaKey.PublicKey))

	ec, ok := FamilyOf(&ecKey.PublicKey).(ECKey)
	require.True(t, ok)
	assert.Equal(t, FamilyEC, ec.Tag())
	assert.Equal(t, "urn:oid:1.3.132.0.34", ec.CurveURI())

	x, ok := FamilyOf(xKey.PublicKey()).(ECKey)
	require.True(t, ok)
	assert.Equal(t, FamilyX25519, x.Tag())

	assert.IsType(t, OtherKey{}, FamilyOf(&p224.PublicKey))

	ecdhForm, _ := ecKey.PublicKey.ECDH()
	assert.True(t, SameKey(&ecKey.PublicKey, ecdhForm))
	assert.False(t, SameKey(&ecKey.PublicKey, &rsaKey.PublicKey))
}

func TestFindContext(t *testing.T) {
	c, err := NewSecret([]byte("k"), WithContexts(KeyInfoContext{}, AgreementContext{}))
	require.NoError(t, err)

	_, ok := FindContext[AgreementContext](c)
	assert.True(t, ok)

	plain, _ := NewSecret([]byte("k"))
	_, ok = FindContext[AgreementContext](plain)
	assert.False(t, ok)
}

func TestParsePEM(t *testing.T) {
	priv, cert := testCertificate(t)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})...)

	c, err := ParsePEM(data, WithKeyNames("local"))
	require.NoError(t, err)
	assert.NotNil(t, c.PrivateKey())
	assert.NotNil(t, c.Certificate())
	assert.Equal(t, []string{"local"}, c.KeyNames())

	_, err = ParsePEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
	assert.ErrorIs(t, err, ErrNoKey)
}
