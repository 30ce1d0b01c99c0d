package encryption

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"testing"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/metadata"
	"github.com/leifj/mdenc/xmlenc"
	dsig "github.com/russellhaering/goxmldsig"
)

const peerEntityID = "https://sp.example.org/shibboleth"

func em(alg string) *xmlenc.EncryptionMethod {
	return &xmlenc.EncryptionMethod{Algorithm: alg}
}

type rsaPeer struct {
	priv *rsa.PrivateKey
	cert *x509.Certificate
	kd   *metadata.KeyDescriptor
}

func newRSAPeer(t testing.TB, use credential.Usage, hints ...*xmlenc.EncryptionMethod) *rsaPeer {
	t.Helper()
	priv, der, err := dsig.RandomKeyStoreForTest().GetKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return &rsaPeer{
		priv: priv,
		cert: cert,
		kd: &metadata.KeyDescriptor{
			Use: use,
			KeyInfo: &xmlenc.KeyInfo{
				KeyNames: []string{"rsa-enc"},
				X509Data: []*xmlenc.X509Data{{Certificates: [][]byte{der}}},
			},
			EncryptionMethods: hints,
		},
	}
}

func (p *rsaPeer) credential(t testing.TB) *credential.Credential {
	t.Helper()
	c, err := credential.NewX509(p.cert, credential.WithPrivateKey(p.priv))
	if err != nil {
		t.Fatalf("failed to build credential: %v", err)
	}
	return c
}

type ecPeer struct {
	priv *ecdh.PrivateKey
	kd   *metadata.KeyDescriptor
}

func newECPeer(t testing.TB, curve ecdh.Curve, use credential.Usage, hints ...*xmlenc.EncryptionMethod) *ecPeer {
	t.Helper()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return &ecPeer{
		priv: priv,
		kd: &metadata.KeyDescriptor{
			Use: use,
			KeyInfo: &xmlenc.KeyInfo{
				KeyValues: []*xmlenc.KeyValue{{ECKeyValue: &xmlenc.ECKeyValue{
					NamedCurve: xmlenc.CurveURI(curve),
					PublicKey:  priv.PublicKey().Bytes(),
				}}},
			},
			EncryptionMethods: hints,
		},
	}
}

func (p *ecPeer) credential(t testing.TB) *credential.Credential {
	t.Helper()
	c, err := credential.NewPublic(p.priv.PublicKey(), credential.WithPrivateKey(p.priv))
	if err != nil {
		t.Fatalf("failed to build credential: %v", err)
	}
	return c
}

func dsaKeyDescriptor(use credential.Usage) *metadata.KeyDescriptor {
	return &metadata.KeyDescriptor{
		Use: use,
		KeyInfo: &xmlenc.KeyInfo{
			KeyValues: []*xmlenc.KeyValue{{DSAKeyValue: &xmlenc.DSAKeyValue{
				P: big.NewInt(23).Bytes(),
				Q: big.NewInt(11).Bytes(),
				G: big.NewInt(4).Bytes(),
				Y: big.NewInt(8).Bytes(),
			}}},
		},
	}
}

func newRole(kds ...*metadata.KeyDescriptor) *metadata.RoleDescriptor {
	entity := &metadata.EntityDescriptor{EntityID: peerEntityID}
	role := metadata.NewRoleDescriptor(metadata.RoleSPSSO, []string{metadata.ProtocolSAML20}, kds...)
	entity.AddRole(role)
	return role
}

func criteria(role *metadata.RoleDescriptor, chain ...*Configuration) *Criteria {
	return &Criteria{
		Criteria:       metadata.Criteria{RoleDescriptor: role},
		Configurations: chain,
	}
}

func boolPtr(v bool) *bool { return &v }
