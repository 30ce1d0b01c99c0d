package credential

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leifj/mdenc/xmlenc"
)

func TestNamedGeneratorManager(t *testing.T) {
	_, cert := testCertificate(t)
	c, err := NewX509(cert, WithKeyNames("k1"))
	require.NoError(t, err)

	def := &BasicGeneratorFactory{EmitKeyNames: true}
	certOnly := &BasicGeneratorFactory{EmitEntityCertificate: true}

	m := NewNamedGeneratorManager()
	m.Register("", def)
	m.Register("certs", certOnly)

	assert.Same(t, def, m.Factory(c, ""))
	assert.Same(t, certOnly, m.Factory(c, "certs"))
	assert.Same(t, def, m.Factory(c, "unknown"), "unknown profile falls back to defaults")

	m.SetUseDefaultManager(false)
	assert.Nil(t, m.Factory(c, "unknown"))
	assert.Same(t, def, m.Factory(c, ""))
}

func TestBasicGenerator(t *testing.T) {
	_, cert := testCertificate(t)
	c, err := NewX509(cert, WithKeyNames("k1"), WithEntityID("https://idp.example.org"))
	require.NoError(t, err)

	gen := (&BasicGeneratorFactory{
		EmitKeyNames:          true,
		EmitEntityIDAsKeyName: true,
		EmitPublicKeyValue:    true,
		EmitEntityCertificate: true,
	}).NewGenerator()
	ki, err := gen.Generate(c)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "https://idp.example.org"}, ki.KeyNames)
	require.Len(t, ki.KeyValues, 1)
	assert.NotNil(t, ki.KeyValues[0].RSAKeyValue)
	require.Len(t, ki.X509Data, 1)
	assert.Equal(t, cert.Raw, ki.X509Data[0].Certificates[0])

	// The generated KeyInfo resolves back to the same key.
	creds, err := BasicKeyInfoResolver{}.Resolve(ki, UsageEncryption)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.True(t, SameKey(cert.PublicKey, creds[0].PublicKey()))
}

func TestAgreementGenerator(t *testing.T) {
	peerKey, _ := ecdh.P256().GenerateKey(rand.Reader)
	peer, err := NewPublic(peerKey.PublicKey(), WithKeyNames("peer"))
	require.NoError(t, err)

	ka, err := xmlenc.NewKeyAgreement(peerKey.PublicKey(), xmlenc.DefaultConcatKDF())
	require.NoError(t, err)
	key, err := ka.DeriveKey(xmlenc.AlgorithmAES128GCM)
	require.NoError(t, err)

	derived, err := NewSecret(key, WithContexts(AgreementContext{Method: ka.AgreementMethod(), Peer: peer}))
	require.NoError(t, err)

	basic := &BasicGeneratorFactory{EmitKeyNames: true}
	f := &AgreementGeneratorFactory{Recipient: basic}
	assert.True(t, f.Handles(derived))
	assert.False(t, basic.Handles(derived))
	assert.False(t, f.Handles(peer))

	ki, err := f.NewGenerator().Generate(derived)
	require.NoError(t, err)
	require.NotNil(t, ki.AgreementMethod)
	assert.Equal(t, xmlenc.AlgorithmECDHES, ki.AgreementMethod.Algorithm)
	assert.Equal(t, []string{"peer"}, ki.AgreementMethod.RecipientKeyInfo.KeyNames)
	assert.NotEmpty(t, ki.AgreementMethod.OriginatorKeyInfo.KeyValues)
}

func TestGeneratorsFromEqualOptionsAreEqual(t *testing.T) {
	opts := BasicGeneratorFactory{EmitKeyNames: true, EmitEntityCertificate: true}
	a, b := opts, opts
	assert.Equal(t, a.NewGenerator(), b.NewGenerator())

	other := BasicGeneratorFactory{EmitPublicKeyValue: true}
	assert.NotEqual(t, a.NewGenerator(), other.NewGenerator())

	agreement := func() KeyInfoGenerator {
		return (&AgreementGeneratorFactory{Recipient: &BasicGeneratorFactory{EmitPublicKeyValue: true}}).NewGenerator()
	}
	assert.Equal(t, agreement(), agreement())
}
