package xmlenc

import (
	"bytes"
	"testing"

	"github.com/beevik/etree"
)

const metadataKeyDescriptor = `<md:KeyDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
    xmlns:ds="http://www.w3.org/2000/09/xmldsig#"
    xmlns:dsig11="http://www.w3.org/2009/xmldsig11#"
    xmlns:xenc="http://www.w3.org/2001/04/xmlenc#"
    xmlns:xenc11="http://www.w3.org/2009/xmlenc11#" use="encryption">
  <ds:KeyInfo>
    <ds:KeyName>sp-enc</ds:KeyName>
    <ds:KeyName>  </ds:KeyName>
    <ds:KeyValue>
      <ds:RSAKeyValue>
        <ds:Modulus>AQAB
          AQAB</ds:Modulus>
        <ds:Exponent>AQAB</ds:Exponent>
      </ds:RSAKeyValue>
    </ds:KeyValue>
    <ds:KeyValue>
      <dsig11:ECKeyValue>
        <dsig11:NamedCurve URI="urn:oid:1.2.840.10045.3.1.7"/>
        <dsig11:PublicKey>BAEC</dsig11:PublicKey>
      </dsig11:ECKeyValue>
    </ds:KeyValue>
  </ds:KeyInfo>
  <md:EncryptionMethod Algorithm="http://www.w3.org/2009/xmlenc11#rsa-oaep">
    <ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>
    <xenc11:MGF Algorithm="http://www.w3.org/2009/xmlenc11#mgf1sha256"/>
    <xenc:OAEPparams>9lWu3Q==</xenc:OAEPparams>
    <xenc:KeySize>2048</xenc:KeySize>
  </md:EncryptionMethod>
</md:KeyDescriptor>`

func TestParseMetadataKeyDescriptor(t *testing.T) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(metadataKeyDescriptor); err != nil {
		t.Fatal(err)
	}
	root := doc.Root()

	ki, err := ParseKeyInfo(root.FindElement("./KeyInfo"))
	if err != nil {
		t.Fatalf("ParseKeyInfo: %v", err)
	}
	if len(ki.KeyNames) != 1 || ki.KeyNames[0] != "sp-enc" {
		t.Errorf("KeyNames = %q", ki.KeyNames)
	}
	if len(ki.KeyValues) != 2 {
		t.Fatalf("got %d key values", len(ki.KeyValues))
	}
	if !bytes.Equal(ki.KeyValues[0].RSAKeyValue.Modulus, []byte{1, 0, 1, 1, 0, 1}) {
		t.Errorf("Modulus = %x", ki.KeyValues[0].RSAKeyValue.Modulus)
	}
	if ki.KeyValues[1].ECKeyValue.NamedCurve != CurveP256 {
		t.Errorf("NamedCurve = %q", ki.KeyValues[1].ECKeyValue.NamedCurve)
	}

	em, err := ParseEncryptionMethod(root.FindElement("./EncryptionMethod"))
	if err != nil {
		t.Fatalf("ParseEncryptionMethod: %v", err)
	}
	want := EncryptionMethod{
		Algorithm:    AlgorithmRSAOAEP11,
		KeySize:      2048,
		OAEPParams:   []byte{0xf6, 0x55, 0xae, 0xdd},
		DigestMethod: AlgorithmSHA256,
		MGFAlgorithm: AlgorithmMGF1SHA256,
	}
	if em.Algorithm != want.Algorithm || em.KeySize != want.KeySize ||
		!bytes.Equal(em.OAEPParams, want.OAEPParams) ||
		em.DigestMethod != want.DigestMethod || em.MGFAlgorithm != want.MGFAlgorithm {
		t.Errorf("EncryptionMethod = %+v", em)
	}
}

func TestParseEncryptionMethodErrors(t *testing.T) {
	for _, src := range []string{
		`<EncryptionMethod/>`,
		`<EncryptionMethod Algorithm="x"><KeySize>big</KeySize></EncryptionMethod>`,
		`<EncryptionMethod Algorithm="x"><OAEPparams>!!</OAEPparams></EncryptionMethod>`,
	} {
		doc := etree.NewDocument()
		if err := doc.ReadFromString(src); err != nil {
			t.Fatal(err)
		}
		if _, err := ParseEncryptionMethod(doc.Root()); err == nil {
			t.Errorf("expected error for %s", src)
		}
	}
}

func TestEncryptedKeyXMLRoundTrip(t *testing.T) {
	recipient, _ := GenerateX25519KeyPair()
	kdm := &KeyDerivationMethod{
		Algorithm: AlgorithmConcatKDF,
		ConcatKDFParams: &ConcatKDFParams{
			DigestMethod: AlgorithmSHA384,
			AlgorithmID:  []byte{},
			PartyUInfo:   []byte("initiator"),
			PartyVInfo:   []byte("responder"),
		},
	}
	ka, err := NewKeyAgreement(recipient.PublicKey(), kdm)
	if err != nil {
		t.Fatal(err)
	}
	ek, err := ka.WrapKey(make([]byte, 16), &EncryptionMethod{Algorithm: AlgorithmAES128KW})
	if err != nil {
		t.Fatal(err)
	}
	ek.ID = "EK-1"
	ek.Recipient = "https://sp.example.org"
	ek.CarriedKeyName = "session"
	ek.ReferenceList = []DataReference{{URI: "#ED-1"}}

	doc := etree.NewDocument()
	doc.SetRoot(ek.ToElement())
	s, err := doc.WriteToString()
	if err != nil {
		t.Fatal(err)
	}

	reread := etree.NewDocument()
	if err := reread.ReadFromString(s); err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseEncryptedKey(reread.Root())
	if err != nil {
		t.Fatalf("ParseEncryptedKey: %v", err)
	}

	if parsed.ID != "EK-1" || parsed.Recipient != ek.Recipient || parsed.CarriedKeyName != "session" {
		t.Errorf("attributes lost: %+v", parsed)
	}
	if len(parsed.ReferenceList) != 1 || parsed.ReferenceList[0].URI != "#ED-1" {
		t.Errorf("ReferenceList = %+v", parsed.ReferenceList)
	}
	if !bytes.Equal(parsed.CipherData.CipherValue, ek.CipherData.CipherValue) {
		t.Error("CipherValue mismatch")
	}
	p := parsed.KeyInfo.AgreementMethod.KeyDerivationMethod.ConcatKDFParams
	if p.DigestMethod != AlgorithmSHA384 || string(p.PartyUInfo) != "initiator" ||
		string(p.PartyVInfo) != "responder" || p.AlgorithmID == nil || len(p.AlgorithmID) != 0 {
		t.Errorf("ConcatKDFParams = %+v", p)
	}

	// The parsed structure must still unwrap.
	rk := &RecipientKey{Key: recipient}
	if _, err := rk.UnwrapKey(parsed); err != nil {
		t.Errorf("UnwrapKey after round trip: %v", err)
	}
}

func TestKeyDerivationMethodXMLRoundTrip(t *testing.T) {
	hkdfMethod := DefaultHKDF([]byte("info"))
	hkdfMethod.HKDFParams.Salt = []byte("pepper")
	hkdfMethod.HKDFParams.KeyLength = 256

	for _, kdm := range []*KeyDerivationMethod{
		hkdfMethod,
		{
			Algorithm: AlgorithmPBKDF2,
			PBKDF2Params: &PBKDF2Params{
				Salt: []byte("salt"), IterationCount: 2000, KeyLength: 16, PRF: AlgorithmHMACSHA512,
			},
		},
	} {
		am := &AgreementMethod{Algorithm: AlgorithmX25519, KeyDerivationMethod: kdm}
		doc := etree.NewDocument()
		doc.SetRoot((&KeyInfo{AgreementMethod: am}).ToElement())
		s, err := doc.WriteToString()
		if err != nil {
			t.Fatal(err)
		}

		reread := etree.NewDocument()
		if err := reread.ReadFromString(s); err != nil {
			t.Fatal(err)
		}
		ki, err := ParseKeyInfo(reread.Root())
		if err != nil {
			t.Fatal(err)
		}
		got := ki.AgreementMethod.KeyDerivationMethod
		if got.Algorithm != kdm.Algorithm {
			t.Errorf("Algorithm = %s", got.Algorithm)
		}
		if want := kdm.HKDFParams; want != nil {
			g := got.HKDFParams
			if g == nil || g.PRF != want.PRF || string(g.Salt) != "pepper" || string(g.Info) != "info" || g.KeyLength != 256 {
				t.Errorf("HKDFParams = %+v", g)
			}
		}
		if want := kdm.PBKDF2Params; want != nil {
			g := got.PBKDF2Params
			if g == nil || string(g.Salt) != "salt" || g.IterationCount != 2000 || g.KeyLength != 16 || g.PRF != want.PRF {
				t.Errorf("PBKDF2Params = %+v", g)
			}
		}
	}
}
