package metadata

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/internal/metrics"
	"github.com/leifj/mdenc/xmlenc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	spEntityID  = "https://sp.example.org/shibboleth"
	idpEntityID = "https://idp.example.org/idp"
)

func testCertificateB64(t *testing.T) string {
	t.Helper()
	_, der, err := dsig.RandomKeyStoreForTest().GetKeyPair()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func testECKeyB64(t *testing.T) string {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes())
}

func testMetadata(t *testing.T) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<md:EntitiesDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
    xmlns:ds="http://www.w3.org/2000/09/xmldsig#"
    xmlns:dsig11="http://www.w3.org/2009/xmldsig11#"
    Name="urn:example:federation">
  <md:EntitiesDescriptor Name="urn:example:federation:sps">
    <md:EntityDescriptor entityID="%s">
      <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol urn:oasis:names:tc:SAML:1.1:protocol">
        <md:KeyDescriptor use="signing">
          <ds:KeyInfo><ds:KeyName>signing</ds:KeyName><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>
        </md:KeyDescriptor>
        <md:KeyDescriptor use="encryption">
          <ds:KeyInfo><ds:KeyName>enc</ds:KeyName><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>
          <md:EncryptionMethod Algorithm="http://www.w3.org/2009/xmlenc11#rsa-oaep">
            <ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>
          </md:EncryptionMethod>
          <md:EncryptionMethod Algorithm="http://www.w3.org/2009/xmlenc11#aes256-gcm"/>
        </md:KeyDescriptor>
        <md:KeyDescriptor>
          <ds:KeyInfo>
            <ds:KeyValue>
              <dsig11:ECKeyValue>
                <dsig11:NamedCurve URI="%s"/>
                <dsig11:PublicKey>%s</dsig11:PublicKey>
              </dsig11:ECKeyValue>
            </ds:KeyValue>
          </ds:KeyInfo>
        </md:KeyDescriptor>
      </md:SPSSODescriptor>
    </md:EntityDescriptor>
  </md:EntitiesDescriptor>
  <md:EntityDescriptor entityID="%s">
    <md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
      <md:KeyDescriptor>
        <ds:KeyInfo><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>
      </md:KeyDescriptor>
    </md:IDPSSODescriptor>
    <md:AttributeAuthorityDescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/>
  </md:EntityDescriptor>
</md:EntitiesDescriptor>`,
		spEntityID, testCertificateB64(t), testCertificateB64(t),
		xmlenc.CurveP256, testECKeyB64(t),
		idpEntityID, testCertificateB64(t)))
}

func newTestResolver(t *testing.T) (*CredentialResolver, *StaticRoleResolver) {
	t.Helper()
	roles := NewStaticRoleResolver()
	require.NoError(t, roles.LoadXML(testMetadata(t)))
	r := NewCredentialResolver(
		WithKeyInfoResolver(credential.BasicKeyInfoResolver{}),
		WithRoleResolver(roles),
	)
	return r, roles
}

func TestParse(t *testing.T) {
	entities, err := Parse(testMetadata(t))
	require.NoError(t, err)
	require.Len(t, entities, 2)

	// Direct members of a group come before those of nested groups.
	idp, sp := entities[0], entities[1]
	assert.Equal(t, idpEntityID, idp.EntityID)
	assert.Equal(t, spEntityID, sp.EntityID)
	require.Len(t, sp.Roles, 1)

	role := sp.Role(RoleSPSSO, ProtocolSAML20)
	require.NotNil(t, role)
	assert.Same(t, sp, role.Entity())
	assert.Equal(t, spEntityID, role.EntityID())
	assert.Equal(t, []string{"urn:example:federation:sps", "urn:example:federation"}, role.Groups())
	assert.True(t, role.SupportsProtocol("urn:oasis:names:tc:SAML:1.1:protocol"))
	assert.Nil(t, sp.Role(RoleSPSSO, "urn:example:unknown"))

	require.Len(t, role.KeyDescriptors, 3)
	assert.Equal(t, credential.UsageSigning, role.KeyDescriptors[0].Use)
	assert.Equal(t, credential.UsageEncryption, role.KeyDescriptors[1].Use)
	assert.Equal(t, credential.UsageUnspecified, role.KeyDescriptors[2].Use)

	ems := role.KeyDescriptors[1].EncryptionMethods
	require.Len(t, ems, 2)
	assert.Equal(t, xmlenc.AlgorithmRSAOAEP11, ems[0].Algorithm)
	assert.Equal(t, xmlenc.AlgorithmSHA256, ems[0].DigestMethod)
	assert.Equal(t, xmlenc.AlgorithmAES256GCM, ems[1].Algorithm)

	require.Len(t, role.KeyDescriptors[2].KeyInfo.KeyValues, 1)
	assert.Equal(t, xmlenc.CurveP256, role.KeyDescriptors[2].KeyInfo.KeyValues[0].ECKeyValue.NamedCurve)

	require.Len(t, idp.Roles, 2)
	assert.Equal(t, []string{"urn:example:federation"}, idp.Roles[0].Groups())
	assert.NotEqual(t, idp.Roles[0].Generation(), idp.Roles[1].Generation())
	assert.NotEqual(t, role.Generation(), idp.Roles[0].Generation())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`<not-xml`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(`<Foo/>`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata"/>`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="x">
  <SPSSODescriptor><KeyDescriptor><EncryptionMethod Algorithm="a"><KeySize>big</KeySize></EncryptionMethod></KeyDescriptor></SPSSODescriptor>
</EntityDescriptor>`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseNamespace(t *testing.T) {
	_, err := Parse([]byte(`<EntityDescriptor entityID="x"/>`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(`<EntityDescriptor xmlns="urn:example:other" entityID="x"/>`))
	assert.ErrorIs(t, err, ErrMalformed)

	entities, err := Parse([]byte(fmt.Sprintf(`<md:EntitiesDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
    xmlns:x="urn:example:other" xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
  <x:EntityDescriptor entityID="https://foreign.example.org"/>
  <md:EntityDescriptor entityID="%s">
    <x:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/>
    <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
      <x:KeyDescriptor use="encryption">
        <ds:KeyInfo><ds:KeyName>foreign</ds:KeyName></ds:KeyInfo>
      </x:KeyDescriptor>
      <md:KeyDescriptor use="encryption">
        <ds:KeyInfo><ds:KeyName>enc</ds:KeyName></ds:KeyInfo>
        <x:EncryptionMethod Algorithm="http://www.w3.org/2001/04/xmlenc#rsa-1_5"/>
        <md:EncryptionMethod Algorithm="http://www.w3.org/2009/xmlenc11#rsa-oaep"/>
      </md:KeyDescriptor>
    </md:SPSSODescriptor>
  </md:EntityDescriptor>
</md:EntitiesDescriptor>`, spEntityID)))
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, spEntityID, entities[0].EntityID)

	require.Len(t, entities[0].Roles, 1)
	role := entities[0].Roles[0]
	assert.Equal(t, RoleSPSSO, role.Type)
	require.Len(t, role.KeyDescriptors, 1)
	kd := role.KeyDescriptors[0]
	assert.Equal(t, []string{"enc"}, kd.KeyInfo.KeyNames)
	require.Len(t, kd.EncryptionMethods, 1)
	assert.Equal(t, xmlenc.AlgorithmRSAOAEP11, kd.EncryptionMethods[0].Algorithm)
}

func TestGenerationOfLiteralDescriptor(t *testing.T) {
	a := &RoleDescriptor{Type: RoleSPSSO}
	b := &RoleDescriptor{Type: RoleSPSSO}
	assert.NotZero(t, a.Generation())
	assert.Equal(t, a.Generation(), a.Generation())
	assert.NotEqual(t, a.Generation(), b.Generation())
}

func TestResolveUsageFiltering(t *testing.T) {
	r, roles := newTestResolver(t)
	role := roles.Entity(spEntityID).Role(RoleSPSSO, "")

	creds, err := r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role, Usage: credential.UsageEncryption})
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, credential.UsageEncryption, creds[0].Usage())
	assert.Equal(t, []string{"enc"}, creds[0].KeyNames())
	assert.Equal(t, credential.UsageUnspecified, creds[1].Usage())
	assert.Equal(t, credential.FamilyEC, creds[1].Family().Tag())

	creds, err = r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role, Usage: credential.UsageSigning})
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, credential.UsageSigning, creds[0].Usage())

	creds, err = r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role})
	require.NoError(t, err)
	assert.Len(t, creds, 3)
	for _, c := range creds {
		assert.Equal(t, spEntityID, c.EntityID())
	}
}

func TestResolveProvenance(t *testing.T) {
	r, roles := newTestResolver(t)
	role := roles.Entity(spEntityID).Role(RoleSPSSO, "")

	creds, err := r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role, Usage: credential.UsageEncryption})
	require.NoError(t, err)
	require.NotEmpty(t, creds)

	mctx, ok := credential.FindContext[CredentialContext](creds[0])
	require.True(t, ok)
	assert.Same(t, role, mctx.Role)
	assert.Same(t, role.KeyDescriptors[1], mctx.KeyDescriptor)
	assert.Equal(t, []string{"urn:example:federation:sps", "urn:example:federation"}, mctx.Groups)

	_, ok = credential.FindContext[credential.KeyInfoContext](creds[0])
	assert.True(t, ok)
}

func TestResolveCriteriaErrors(t *testing.T) {
	ctx := context.Background()
	role := NewRoleDescriptor(RoleSPSSO, nil)

	r := NewCredentialResolver(WithKeyInfoResolver(credential.BasicKeyInfoResolver{}))

	_, err := r.Resolve(ctx, nil)
	assert.ErrorIs(t, err, ErrCriteria)

	_, err = r.Resolve(ctx, &Criteria{EntityID: spEntityID})
	assert.ErrorIs(t, err, ErrCriteria)

	_, err = r.Resolve(ctx, &Criteria{EntityID: spEntityID, Role: RoleSPSSO})
	assert.ErrorIs(t, err, ErrCriteria)
	assert.ErrorIs(t, err, ErrNoRoleResolver)

	_, err = NewCredentialResolver().Resolve(ctx, &Criteria{RoleDescriptor: role})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestResolveByEntityID(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	creds, err := r.ResolveAll(ctx, &Criteria{EntityID: idpEntityID, Role: RoleIDPSSO, Protocol: ProtocolSAML20})
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, idpEntityID, creds[0].EntityID())

	creds, err = r.ResolveAll(ctx, &Criteria{EntityID: "https://unknown.example.org", Role: RoleIDPSSO})
	require.NoError(t, err)
	assert.Empty(t, creds)

	creds, err = r.ResolveAll(ctx, &Criteria{EntityID: idpEntityID, Role: RolePDP})
	require.NoError(t, err)
	assert.Empty(t, creds)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Resolve(cancelled, &Criteria{EntityID: idpEntityID, Role: RoleIDPSSO})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveCache(t *testing.T) {
	metrics.Enable()
	r, roles := newTestResolver(t)
	ctx := context.Background()
	role := roles.Entity(spEntityID).Role(RoleSPSSO, "")

	hits := testutil.ToFloat64(metrics.CredentialCacheTotal.WithLabelValues(metrics.ResultHit))

	first, err := r.ResolveAll(ctx, &Criteria{RoleDescriptor: role})
	require.NoError(t, err)
	second, err := r.ResolveAll(ctx, &Criteria{RoleDescriptor: role})
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Same(t, first[i], second[i])
	}
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.CredentialCacheTotal.WithLabelValues(metrics.ResultHit)))

	// A reloaded snapshot describes the same keys with new descriptors.
	require.NoError(t, roles.LoadXML(testMetadata(t)))
	reloaded := roles.Entity(spEntityID).Role(RoleSPSSO, "")
	require.NotEqual(t, role.Generation(), reloaded.Generation())

	third, err := r.ResolveAll(ctx, &Criteria{RoleDescriptor: reloaded})
	require.NoError(t, err)
	require.Len(t, third, len(first))
	assert.NotSame(t, first[0], third[0])

	r.Purge()
	fourth, err := r.ResolveAll(ctx, &Criteria{RoleDescriptor: reloaded})
	require.NoError(t, err)
	assert.NotSame(t, third[0], fourth[0])
}

func TestResolveConcurrent(t *testing.T) {
	r, roles := newTestResolver(t)
	role := roles.Entity(spEntityID).Role(RoleSPSSO, "")

	const n = 16
	results := make([][]*credential.Credential, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role})
			assert.NoError(t, err)
			results[i] = creds
		}()
	}
	wg.Wait()

	again, err := r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role})
	require.NoError(t, err)
	for _, creds := range results {
		require.Len(t, creds, len(again))
		for i := range again {
			assert.Same(t, again[i], creds[i])
		}
	}
}

func TestResolveSkipsBadKeyDescriptor(t *testing.T) {
	_, der, err := dsig.RandomKeyStoreForTest().GetKeyPair()
	require.NoError(t, err)

	role := NewRoleDescriptor(RoleSPSSO, []string{ProtocolSAML20},
		&KeyDescriptor{KeyInfo: &xmlenc.KeyInfo{X509Data: []*xmlenc.X509Data{{Certificates: [][]byte{[]byte("garbage")}}}}},
		&KeyDescriptor{Use: credential.UsageEncryption},
		&KeyDescriptor{Use: credential.UsageEncryption, KeyInfo: &xmlenc.KeyInfo{X509Data: []*xmlenc.X509Data{{Certificates: [][]byte{der}}}}},
	)
	r := NewCredentialResolver(WithKeyInfoResolver(credential.BasicKeyInfoResolver{}))
	skipped := metrics.CandidatesSkippedTotal.WithLabelValues(metrics.ReasonKeyInfoResolveFailed)
	before := testutil.ToFloat64(skipped)

	creds, err := r.ResolveAll(context.Background(), &Criteria{RoleDescriptor: role, Usage: credential.UsageEncryption})
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(skipped))
	assert.Equal(t, credential.UsageEncryption, creds[0].Usage())
	assert.Empty(t, creds[0].EntityID())
}

func TestResolveEarlyStop(t *testing.T) {
	r, roles := newTestResolver(t)
	role := roles.Entity(spEntityID).Role(RoleSPSSO, "")

	seq, err := r.Resolve(context.Background(), &Criteria{RoleDescriptor: role})
	require.NoError(t, err)
	var n int
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}
