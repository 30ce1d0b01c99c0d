package xmlenc

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// EncryptedType is the abstract base type for EncryptedData and EncryptedKey
// as defined in the XML Encryption specification.
type EncryptedType struct {
	ID               string
	Type             string // TypeElement, TypeContent, or custom URI
	MimeType         string
	Encoding         string
	EncryptionMethod *EncryptionMethod
	KeyInfo          *KeyInfo
	CipherData       *CipherData
}

// EncryptedData represents the xenc:EncryptedData element.
type EncryptedData struct {
	EncryptedType
}

// EncryptedKey represents the xenc:EncryptedKey element
// which contains an encrypted key wrapped for a specific recipient.
type EncryptedKey struct {
	EncryptedType
	Recipient      string
	CarriedKeyName string
	ReferenceList  []DataReference
}

// EncryptionMethod names an algorithm and its parameters. The same structure
// describes xenc:EncryptionMethod in encrypted content and md:EncryptionMethod
// in SAML metadata, where it is a hint of what the peer supports.
type EncryptionMethod struct {
	Algorithm    string
	KeySize      int    // explicit key size in bits
	OAEPParams   []byte // RSA-OAEP label
	DigestMethod string // RSA-OAEP digest
	MGFAlgorithm string // RSA-OAEP 1.1 mask generation function
}

// Clone returns a deep copy of em.
func (em *EncryptionMethod) Clone() *EncryptionMethod {
	if em == nil {
		return nil
	}
	c := *em
	c.OAEPParams = cloneBytes(em.OAEPParams)
	return &c
}

// CipherData contains either CipherValue (inline) or CipherReference (external)
type CipherData struct {
	CipherValue     []byte
	CipherReference *CipherReference
}

// CipherReference points to external encrypted data
type CipherReference struct {
	URI string
}

// DataReference points to an EncryptedData element
type DataReference struct {
	URI string
}

// KeyInfo is ds:KeyInfo restricted to the children that carry or identify key
// material. In metadata it describes the peer's key; in encrypted content it
// tells the recipient which key to use.
type KeyInfo struct {
	ID                  string
	KeyNames            []string
	KeyValues           []*KeyValue
	DEREncodedKeyValues [][]byte // dsig11:DEREncodedKeyValue, SubjectPublicKeyInfo DER
	X509Data            []*X509Data
	EncryptedKeys       []*EncryptedKey
	AgreementMethod     *AgreementMethod
	RetrievalMethod     *RetrievalMethod
}

// IsEmpty reports whether ki carries nothing.
func (ki *KeyInfo) IsEmpty() bool {
	return ki == nil || (len(ki.KeyNames) == 0 && len(ki.KeyValues) == 0 &&
		len(ki.DEREncodedKeyValues) == 0 && len(ki.X509Data) == 0 &&
		len(ki.EncryptedKeys) == 0 && ki.AgreementMethod == nil && ki.RetrievalMethod == nil)
}

// KeyValue contains a single public key value
type KeyValue struct {
	RSAKeyValue *RSAKeyValue
	ECKeyValue  *ECKeyValue
	DSAKeyValue *DSAKeyValue
}

// RSAKeyValue contains RSA public key parameters (big-endian)
type RSAKeyValue struct {
	Modulus  []byte
	Exponent []byte
}

// ECKeyValue contains EC public key parameters
type ECKeyValue struct {
	NamedCurve string // curve URI, see CurveURI
	PublicKey  []byte // uncompressed point, or raw X25519 key
}

// DSAKeyValue contains DSA public key parameters (big-endian)
type DSAKeyValue struct {
	P, Q, G, Y []byte
}

// X509Data holds X.509 certificates, entity certificate first.
type X509Data struct {
	Certificates [][]byte // DER
}

// RetrievalMethod indicates where to retrieve key info
type RetrievalMethod struct {
	URI  string
	Type string
}

// AgreementMethod represents xenc:AgreementMethod
type AgreementMethod struct {
	Algorithm           string
	KeyDerivationMethod *KeyDerivationMethod
	OriginatorKeyInfo   *KeyInfo
	RecipientKeyInfo    *KeyInfo
	KANonce             []byte
}

// KeyDerivationMethod specifies how keying material is derived from the
// agreed secret. Exactly one of the parameter structs matches Algorithm.
type KeyDerivationMethod struct {
	Algorithm       string
	ConcatKDFParams *ConcatKDFParams
	PBKDF2Params    *PBKDF2Params
	HKDFParams      *HKDFParams
}

// Clone returns a deep copy of kdm.
func (kdm *KeyDerivationMethod) Clone() *KeyDerivationMethod {
	if kdm == nil {
		return nil
	}
	c := &KeyDerivationMethod{Algorithm: kdm.Algorithm}
	if p := kdm.ConcatKDFParams; p != nil {
		c.ConcatKDFParams = &ConcatKDFParams{
			DigestMethod: p.DigestMethod,
			AlgorithmID:  cloneBytes(p.AlgorithmID),
			PartyUInfo:   cloneBytes(p.PartyUInfo),
			PartyVInfo:   cloneBytes(p.PartyVInfo),
			SuppPubInfo:  cloneBytes(p.SuppPubInfo),
			SuppPrivInfo: cloneBytes(p.SuppPrivInfo),
		}
	}
	if p := kdm.PBKDF2Params; p != nil {
		pp := *p
		pp.Salt = cloneBytes(p.Salt)
		c.PBKDF2Params = &pp
	}
	if p := kdm.HKDFParams; p != nil {
		hp := *p
		hp.Salt = cloneBytes(p.Salt)
		hp.Info = cloneBytes(p.Info)
		c.HKDFParams = &hp
	}
	return c
}

// ConcatKDFParams contains parameters for the NIST SP 800-56A Concat KDF.
// The byte fields are the raw OtherInfo components; on the wire they are
// hexBinary with a leading padding-count octet.
type ConcatKDFParams struct {
	DigestMethod string
	AlgorithmID  []byte
	PartyUInfo   []byte
	PartyVInfo   []byte
	SuppPubInfo  []byte
	SuppPrivInfo []byte
}

// PBKDF2Params contains parameters for PBKDF2
type PBKDF2Params struct {
	Salt           []byte
	IterationCount int
	KeyLength      int // bytes
	PRF            string
}

// HKDFParams contains parameters for HKDF (RFC 5869)
type HKDFParams struct {
	PRF       string
	Salt      []byte
	Info      []byte
	KeyLength int // bits
}

func qname(prefix, local string) string {
	return prefix + ":" + local
}

// ToElement converts EncryptedData to an etree.Element
func (ed *EncryptedData) ToElement() *etree.Element {
	elem := etree.NewElement("xenc:EncryptedData")
	elem.CreateAttr("xmlns:xenc", NamespaceXMLEnc)
	ed.EncryptedType.appendTo(elem)
	return elem
}

// ToElement converts EncryptedKey to an etree.Element
func (ek *EncryptedKey) ToElement() *etree.Element {
	elem := etree.NewElement("xenc:EncryptedKey")
	elem.CreateAttr("xmlns:xenc", NamespaceXMLEnc)
	if ek.Recipient != "" {
		elem.CreateAttr("Recipient", ek.Recipient)
	}
	ek.EncryptedType.appendTo(elem)

	if len(ek.ReferenceList) > 0 {
		rl := elem.CreateElement("xenc:ReferenceList")
		for _, ref := range ek.ReferenceList {
			rl.CreateElement("xenc:DataReference").CreateAttr("URI", ref.URI)
		}
	}
	if ek.CarriedKeyName != "" {
		elem.CreateElement("xenc:CarriedKeyName").SetText(ek.CarriedKeyName)
	}
	return elem
}

func (et *EncryptedType) appendTo(elem *etree.Element) {
	if et.ID != "" {
		elem.CreateAttr("Id", et.ID)
	}
	if et.Type != "" {
		elem.CreateAttr("Type", et.Type)
	}
	if et.MimeType != "" {
		elem.CreateAttr("MimeType", et.MimeType)
	}
	if et.Encoding != "" {
		elem.CreateAttr("Encoding", et.Encoding)
	}
	if et.EncryptionMethod != nil {
		et.EncryptionMethod.AppendTo(elem, "xenc")
	}
	if !et.KeyInfo.IsEmpty() {
		elem.AddChild(et.KeyInfo.ToElement())
	}
	if et.CipherData != nil {
		cd := elem.CreateElement("xenc:CipherData")
		switch {
		case et.CipherData.CipherValue != nil:
			cd.CreateElement("xenc:CipherValue").SetText(base64.StdEncoding.EncodeToString(et.CipherData.CipherValue))
		case et.CipherData.CipherReference != nil:
			cd.CreateElement("xenc:CipherReference").CreateAttr("URI", et.CipherData.CipherReference.URI)
		}
	}
}

// AppendTo adds an EncryptionMethod element with the given prefix ("xenc" in
// encrypted content, "md" in metadata) to parent.
func (em *EncryptionMethod) AppendTo(parent *etree.Element, prefix string) *etree.Element {
	elem := parent.CreateElement(qname(prefix, "EncryptionMethod"))
	elem.CreateAttr(dsig.AlgorithmAttr, em.Algorithm)

	if em.KeySize > 0 {
		ks := elem.CreateElement("xenc:KeySize")
		ks.CreateAttr("xmlns:xenc", NamespaceXMLEnc)
		ks.SetText(strconv.Itoa(em.KeySize))
	}
	if len(em.OAEPParams) > 0 {
		op := elem.CreateElement("xenc:OAEPparams")
		op.CreateAttr("xmlns:xenc", NamespaceXMLEnc)
		op.SetText(base64.StdEncoding.EncodeToString(em.OAEPParams))
	}
	if em.DigestMethod != "" {
		dm := elem.CreateElement(qname(dsig.DefaultPrefix, dsig.DigestMethodTag))
		dm.CreateAttr("xmlns:"+dsig.DefaultPrefix, NamespaceXMLDSig)
		dm.CreateAttr(dsig.AlgorithmAttr, em.DigestMethod)
	}
	if em.MGFAlgorithm != "" {
		mgf := elem.CreateElement("xenc11:MGF")
		mgf.CreateAttr("xmlns:xenc11", NamespaceXMLEnc11)
		mgf.CreateAttr(dsig.AlgorithmAttr, em.MGFAlgorithm)
	}
	return elem
}

// ToElement converts KeyInfo to a ds:KeyInfo element.
func (ki *KeyInfo) ToElement() *etree.Element {
	elem := etree.NewElement(qname(dsig.DefaultPrefix, dsig.KeyInfoTag))
	elem.CreateAttr("xmlns:"+dsig.DefaultPrefix, NamespaceXMLDSig)
	ki.fill(elem)
	return elem
}

func (ki *KeyInfo) fill(elem *etree.Element) {
	ds := func(local string) string { return qname(dsig.DefaultPrefix, local) }

	if ki.ID != "" {
		elem.CreateAttr("Id", ki.ID)
	}
	for _, name := range ki.KeyNames {
		elem.CreateElement(ds("KeyName")).SetText(name)
	}
	for _, kv := range ki.KeyValues {
		kv.appendTo(elem.CreateElement(ds("KeyValue")))
	}
	for _, der := range ki.DEREncodedKeyValues {
		e := elem.CreateElement("dsig11:DEREncodedKeyValue")
		e.CreateAttr("xmlns:dsig11", NamespaceXMLDSig11)
		e.SetText(base64.StdEncoding.EncodeToString(der))
	}
	if ki.RetrievalMethod != nil {
		rm := elem.CreateElement(ds("RetrievalMethod"))
		rm.CreateAttr(dsig.URIAttr, ki.RetrievalMethod.URI)
		if ki.RetrievalMethod.Type != "" {
			rm.CreateAttr("Type", ki.RetrievalMethod.Type)
		}
	}
	for _, xd := range ki.X509Data {
		x := elem.CreateElement(ds(dsig.X509DataTag))
		for _, cert := range xd.Certificates {
			x.CreateElement(ds(dsig.X509CertificateTag)).SetText(base64.StdEncoding.EncodeToString(cert))
		}
	}
	if ki.AgreementMethod != nil {
		ki.AgreementMethod.appendTo(elem)
	}
	for _, ek := range ki.EncryptedKeys {
		elem.AddChild(ek.ToElement())
	}
}

func (kv *KeyValue) appendTo(elem *etree.Element) {
	ds := func(local string) string { return qname(dsig.DefaultPrefix, local) }
	b64 := base64.StdEncoding.EncodeToString

	switch {
	case kv.RSAKeyValue != nil:
		rsa := elem.CreateElement(ds("RSAKeyValue"))
		rsa.CreateElement(ds("Modulus")).SetText(b64(kv.RSAKeyValue.Modulus))
		rsa.CreateElement(ds("Exponent")).SetText(b64(kv.RSAKeyValue.Exponent))
	case kv.ECKeyValue != nil:
		ec := elem.CreateElement("dsig11:ECKeyValue")
		ec.CreateAttr("xmlns:dsig11", NamespaceXMLDSig11)
		if kv.ECKeyValue.NamedCurve != "" {
			ec.CreateElement("dsig11:NamedCurve").CreateAttr(dsig.URIAttr, kv.ECKeyValue.NamedCurve)
		}
		ec.CreateElement("dsig11:PublicKey").SetText(b64(kv.ECKeyValue.PublicKey))
	case kv.DSAKeyValue != nil:
		dsa := elem.CreateElement(ds("DSAKeyValue"))
		dsa.CreateElement(ds("P")).SetText(b64(kv.DSAKeyValue.P))
		dsa.CreateElement(ds("Q")).SetText(b64(kv.DSAKeyValue.Q))
		dsa.CreateElement(ds("G")).SetText(b64(kv.DSAKeyValue.G))
		dsa.CreateElement(ds("Y")).SetText(b64(kv.DSAKeyValue.Y))
	}
}

func (am *AgreementMethod) appendTo(parent *etree.Element) {
	elem := parent.CreateElement("xenc:AgreementMethod")
	elem.CreateAttr("xmlns:xenc", NamespaceXMLEnc)
	elem.CreateAttr(dsig.AlgorithmAttr, am.Algorithm)

	if len(am.KANonce) > 0 {
		elem.CreateElement("xenc:KA-Nonce").SetText(base64.StdEncoding.EncodeToString(am.KANonce))
	}
	if am.KeyDerivationMethod != nil {
		am.KeyDerivationMethod.appendTo(elem)
	}
	if !am.OriginatorKeyInfo.IsEmpty() {
		am.OriginatorKeyInfo.fill(elem.CreateElement("xenc:OriginatorKeyInfo"))
	}
	if !am.RecipientKeyInfo.IsEmpty() {
		am.RecipientKeyInfo.fill(elem.CreateElement("xenc:RecipientKeyInfo"))
	}
}

func (kdm *KeyDerivationMethod) appendTo(parent *etree.Element) {
	elem := parent.CreateElement("xenc11:KeyDerivationMethod")
	elem.CreateAttr("xmlns:xenc11", NamespaceXMLEnc11)
	elem.CreateAttr(dsig.AlgorithmAttr, kdm.Algorithm)

	if p := kdm.ConcatKDFParams; p != nil {
		params := elem.CreateElement("xenc11:ConcatKDFParams")
		for _, a := range []struct {
			name  string
			value []byte
		}{
			{"AlgorithmID", p.AlgorithmID},
			{"PartyUInfo", p.PartyUInfo},
			{"PartyVInfo", p.PartyVInfo},
			{"SuppPubInfo", p.SuppPubInfo},
			{"SuppPrivInfo", p.SuppPrivInfo},
		} {
			if a.value != nil {
				params.CreateAttr(a.name, "00"+hex.EncodeToString(a.value))
			}
		}
		if p.DigestMethod != "" {
			dm := params.CreateElement(qname(dsig.DefaultPrefix, dsig.DigestMethodTag))
			dm.CreateAttr("xmlns:"+dsig.DefaultPrefix, NamespaceXMLDSig)
			dm.CreateAttr(dsig.AlgorithmAttr, p.DigestMethod)
		}
	}

	if p := kdm.PBKDF2Params; p != nil {
		params := elem.CreateElement("xenc11:PBKDF2-params")
		salt := params.CreateElement("xenc11:Salt")
		salt.CreateElement("xenc11:Specified").SetText(base64.StdEncoding.EncodeToString(p.Salt))
		params.CreateElement("xenc11:IterationCount").SetText(strconv.Itoa(p.IterationCount))
		params.CreateElement("xenc11:KeyLength").SetText(strconv.Itoa(p.KeyLength))
		if p.PRF != "" {
			params.CreateElement("xenc11:PRF").CreateAttr(dsig.AlgorithmAttr, p.PRF)
		}
	}

	if p := kdm.HKDFParams; p != nil {
		params := elem.CreateElement("dsig-more:HKDFParams")
		params.CreateAttr("xmlns:dsig-more", NamespaceXMLDSig2021)
		if p.PRF != "" {
			params.CreateElement("dsig-more:PRF").CreateAttr(dsig.AlgorithmAttr, p.PRF)
		}
		if len(p.Salt) > 0 {
			salt := params.CreateElement("dsig-more:Salt")
			salt.CreateElement("dsig-more:Specified").SetText(base64.StdEncoding.EncodeToString(p.Salt))
		}
		if len(p.Info) > 0 {
			params.CreateElement("dsig-more:Info").SetText(base64.StdEncoding.EncodeToString(p.Info))
		}
		if p.KeyLength > 0 {
			params.CreateElement("dsig-more:KeyLength").SetText(strconv.Itoa(p.KeyLength))
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
