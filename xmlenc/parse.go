package xmlenc

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// ErrMalformedElement is returned when an element cannot be decoded.
var ErrMalformedElement = errors.New("xmlenc: malformed element")

// ParseEncryptedData parses an xenc:EncryptedData element from an etree.Element
func ParseEncryptedData(elem *etree.Element) (*EncryptedData, error) {
	if elem == nil {
		return nil, fmt.Errorf("%w: nil element", ErrMalformedElement)
	}
	ed := &EncryptedData{}
	if err := ed.EncryptedType.parse(elem); err != nil {
		return nil, err
	}
	return ed, nil
}

// ParseEncryptedKey parses an xenc:EncryptedKey element
func ParseEncryptedKey(elem *etree.Element) (*EncryptedKey, error) {
	if elem == nil {
		return nil, fmt.Errorf("%w: nil element", ErrMalformedElement)
	}
	ek := &EncryptedKey{
		Recipient: elem.SelectAttrValue("Recipient", ""),
	}
	if err := ek.EncryptedType.parse(elem); err != nil {
		return nil, err
	}
	for _, ref := range elem.FindElements("./ReferenceList/DataReference") {
		ek.ReferenceList = append(ek.ReferenceList, DataReference{URI: ref.SelectAttrValue(dsig.URIAttr, "")})
	}
	if ckn := elem.FindElement("./CarriedKeyName"); ckn != nil {
		ek.CarriedKeyName = strings.TrimSpace(ckn.Text())
	}
	return ek, nil
}

func (et *EncryptedType) parse(elem *etree.Element) error {
	et.ID = elem.SelectAttrValue("Id", "")
	et.Type = elem.SelectAttrValue("Type", "")
	et.MimeType = elem.SelectAttrValue("MimeType", "")
	et.Encoding = elem.SelectAttrValue("Encoding", "")

	if emElem := elem.FindElement("./EncryptionMethod"); emElem != nil {
		em, err := ParseEncryptionMethod(emElem)
		if err != nil {
			return err
		}
		et.EncryptionMethod = em
	}

	if kiElem := elem.FindElement("./" + dsig.KeyInfoTag); kiElem != nil {
		ki, err := ParseKeyInfo(kiElem)
		if err != nil {
			return fmt.Errorf("failed to parse KeyInfo: %w", err)
		}
		et.KeyInfo = ki
	}

	if cdElem := elem.FindElement("./CipherData"); cdElem != nil {
		cd := &CipherData{}
		if cv := cdElem.FindElement("./CipherValue"); cv != nil {
			v, err := decodeBase64(cv.Text())
			if err != nil {
				return fmt.Errorf("failed to decode CipherValue: %w", err)
			}
			cd.CipherValue = v
		} else if cr := cdElem.FindElement("./CipherReference"); cr != nil {
			cd.CipherReference = &CipherReference{URI: cr.SelectAttrValue(dsig.URIAttr, "")}
		}
		et.CipherData = cd
	}
	return nil
}

// ParseEncryptionMethod parses an xenc:EncryptionMethod or md:EncryptionMethod
// element.
func ParseEncryptionMethod(elem *etree.Element) (*EncryptionMethod, error) {
	em := &EncryptionMethod{
		Algorithm: strings.TrimSpace(elem.SelectAttrValue(dsig.AlgorithmAttr, "")),
	}
	if em.Algorithm == "" {
		return nil, fmt.Errorf("%w: EncryptionMethod without Algorithm", ErrMalformedElement)
	}

	if ks := elem.FindElement("./KeySize"); ks != nil {
		n, err := strconv.Atoi(strings.TrimSpace(ks.Text()))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: KeySize %q", ErrMalformedElement, ks.Text())
		}
		em.KeySize = n
	}
	if op := elem.FindElement("./OAEPparams"); op != nil {
		v, err := decodeBase64(op.Text())
		if err != nil {
			return nil, fmt.Errorf("failed to decode OAEPparams: %w", err)
		}
		em.OAEPParams = v
	}
	if dm := elem.FindElement("./" + dsig.DigestMethodTag); dm != nil {
		em.DigestMethod = dm.SelectAttrValue(dsig.AlgorithmAttr, "")
	}
	if mgf := elem.FindElement("./MGF"); mgf != nil {
		em.MGFAlgorithm = mgf.SelectAttrValue(dsig.AlgorithmAttr, "")
	}
	return em, nil
}

// ParseKeyInfo parses a ds:KeyInfo element. It also accepts the
// xenc:OriginatorKeyInfo and xenc:RecipientKeyInfo elements, which share the
// KeyInfo content model.
func ParseKeyInfo(elem *etree.Element) (*KeyInfo, error) {
	ki := &KeyInfo{
		ID: elem.SelectAttrValue("Id", ""),
	}

	for _, kn := range elem.FindElements("./KeyName") {
		if name := strings.TrimSpace(kn.Text()); name != "" {
			ki.KeyNames = append(ki.KeyNames, name)
		}
	}

	for _, kvElem := range elem.FindElements("./KeyValue") {
		kv, err := parseKeyValue(kvElem)
		if err != nil {
			return nil, err
		}
		if kv != nil {
			ki.KeyValues = append(ki.KeyValues, kv)
		}
	}

	for _, der := range elem.FindElements("./DEREncodedKeyValue") {
		v, err := decodeBase64(der.Text())
		if err != nil {
			return nil, fmt.Errorf("failed to decode DEREncodedKeyValue: %w", err)
		}
		ki.DEREncodedKeyValues = append(ki.DEREncodedKeyValues, v)
	}

	for _, xdElem := range elem.FindElements("./" + dsig.X509DataTag) {
		xd := &X509Data{}
		for _, certElem := range xdElem.FindElements("./" + dsig.X509CertificateTag) {
			cert, err := decodeBase64(certElem.Text())
			if err != nil {
				return nil, fmt.Errorf("failed to decode X509Certificate: %w", err)
			}
			xd.Certificates = append(xd.Certificates, cert)
		}
		ki.X509Data = append(ki.X509Data, xd)
	}

	if rm := elem.FindElement("./RetrievalMethod"); rm != nil {
		ki.RetrievalMethod = &RetrievalMethod{
			URI:  rm.SelectAttrValue(dsig.URIAttr, ""),
			Type: rm.SelectAttrValue("Type", ""),
		}
	}

	for _, ekElem := range elem.FindElements("./EncryptedKey") {
		ek, err := ParseEncryptedKey(ekElem)
		if err != nil {
			return nil, err
		}
		ki.EncryptedKeys = append(ki.EncryptedKeys, ek)
	}

	if amElem := elem.FindElement("./AgreementMethod"); amElem != nil {
		am, err := parseAgreementMethod(amElem)
		if err != nil {
			return nil, err
		}
		ki.AgreementMethod = am
	}

	return ki, nil
}

func parseKeyValue(elem *etree.Element) (*KeyValue, error) {
	if rsa := elem.FindElement("./RSAKeyValue"); rsa != nil {
		m, err := decodeChild(rsa, "Modulus")
		if err != nil {
			return nil, err
		}
		e, err := decodeChild(rsa, "Exponent")
		if err != nil {
			return nil, err
		}
		return &KeyValue{RSAKeyValue: &RSAKeyValue{Modulus: m, Exponent: e}}, nil
	}

	if ec := elem.FindElement("./ECKeyValue"); ec != nil {
		pk, err := decodeChild(ec, "PublicKey")
		if err != nil {
			return nil, err
		}
		kv := &ECKeyValue{PublicKey: pk}
		if nc := ec.FindElement("./NamedCurve"); nc != nil {
			kv.NamedCurve = nc.SelectAttrValue(dsig.URIAttr, "")
		}
		return &KeyValue{ECKeyValue: kv}, nil
	}

	if d := elem.FindElement("./DSAKeyValue"); d != nil {
		dsa := &DSAKeyValue{}
		for _, f := range []struct {
			name string
			dst  *[]byte
		}{{"P", &dsa.P}, {"Q", &dsa.Q}, {"G", &dsa.G}, {"Y", &dsa.Y}} {
			v, err := decodeChild(d, f.name)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		return &KeyValue{DSAKeyValue: dsa}, nil
	}

	// Unknown key value types are skipped.
	return nil, nil
}

func parseAgreementMethod(elem *etree.Element) (*AgreementMethod, error) {
	am := &AgreementMethod{
		Algorithm: elem.SelectAttrValue(dsig.AlgorithmAttr, ""),
	}

	if kan := elem.FindElement("./KA-Nonce"); kan != nil {
		v, err := decodeBase64(kan.Text())
		if err != nil {
			return nil, fmt.Errorf("failed to decode KA-Nonce: %w", err)
		}
		am.KANonce = v
	}

	if kdmElem := elem.FindElement("./KeyDerivationMethod"); kdmElem != nil {
		kdm, err := parseKeyDerivationMethod(kdmElem)
		if err != nil {
			return nil, err
		}
		am.KeyDerivationMethod = kdm
	}

	if oki := elem.FindElement("./OriginatorKeyInfo"); oki != nil {
		ki, err := ParseKeyInfo(oki)
		if err != nil {
			return nil, fmt.Errorf("failed to parse OriginatorKeyInfo: %w", err)
		}
		am.OriginatorKeyInfo = ki
	}
	if rki := elem.FindElement("./RecipientKeyInfo"); rki != nil {
		ki, err := ParseKeyInfo(rki)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RecipientKeyInfo: %w", err)
		}
		am.RecipientKeyInfo = ki
	}
	return am, nil
}

func parseKeyDerivationMethod(elem *etree.Element) (*KeyDerivationMethod, error) {
	kdm := &KeyDerivationMethod{
		Algorithm: elem.SelectAttrValue(dsig.AlgorithmAttr, ""),
	}

	if params := elem.FindElement("./ConcatKDFParams"); params != nil {
		p := &ConcatKDFParams{}
		for _, a := range []struct {
			name string
			dst  *[]byte
		}{
			{"AlgorithmID", &p.AlgorithmID},
			{"PartyUInfo", &p.PartyUInfo},
			{"PartyVInfo", &p.PartyVInfo},
			{"SuppPubInfo", &p.SuppPubInfo},
			{"SuppPrivInfo", &p.SuppPrivInfo},
		} {
			attr := params.SelectAttr(a.name)
			if attr == nil {
				continue
			}
			v, err := decodePaddedHex(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: ConcatKDFParams %s: %v", ErrMalformedElement, a.name, err)
			}
			*a.dst = v
		}
		if dm := params.FindElement("./" + dsig.DigestMethodTag); dm != nil {
			p.DigestMethod = dm.SelectAttrValue(dsig.AlgorithmAttr, "")
		}
		kdm.ConcatKDFParams = p
	}

	if params := elem.FindElement("./PBKDF2-params"); params != nil {
		p := &PBKDF2Params{}
		if salt := params.FindElement("./Salt/Specified"); salt != nil {
			v, err := decodeBase64(salt.Text())
			if err != nil {
				return nil, fmt.Errorf("failed to decode PBKDF2 salt: %w", err)
			}
			p.Salt = v
		}
		var err error
		if p.IterationCount, err = childInt(params, "IterationCount"); err != nil {
			return nil, err
		}
		if p.KeyLength, err = childInt(params, "KeyLength"); err != nil {
			return nil, err
		}
		if prf := params.FindElement("./PRF"); prf != nil {
			p.PRF = prf.SelectAttrValue(dsig.AlgorithmAttr, "")
		}
		kdm.PBKDF2Params = p
	}

	if params := elem.FindElement("./HKDFParams"); params != nil {
		p := &HKDFParams{}
		if prf := params.FindElement("./PRF"); prf != nil {
			p.PRF = prf.SelectAttrValue(dsig.AlgorithmAttr, "")
		}
		if salt := params.FindElement("./Salt/Specified"); salt != nil {
			v, err := decodeBase64(salt.Text())
			if err != nil {
				return nil, fmt.Errorf("failed to decode HKDF salt: %w", err)
			}
			p.Salt = v
		}
		if info := params.FindElement("./Info"); info != nil {
			v, err := decodeBase64(info.Text())
			if err != nil {
				return nil, fmt.Errorf("failed to decode HKDF info: %w", err)
			}
			p.Info = v
		}
		var err error
		if p.KeyLength, err = childInt(params, "KeyLength"); err != nil {
			return nil, err
		}
		kdm.HKDFParams = p
	}

	return kdm, nil
}

func decodeChild(parent *etree.Element, tag string) ([]byte, error) {
	child := parent.FindElement("./" + tag)
	if child == nil {
		return nil, fmt.Errorf("%w: %s missing %s", ErrMalformedElement, parent.Tag, tag)
	}
	v, err := decodeBase64(child.Text())
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", tag, err)
	}
	return v, nil
}

func childInt(parent *etree.Element, tag string) (int, error) {
	child := parent.FindElement("./" + tag)
	if child == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(child.Text()))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedElement, tag, child.Text())
	}
	return n, nil
}

// decodeBase64 decodes base64 text that may be wrapped across lines, as it
// usually is in published metadata.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// decodePaddedHex decodes a ConcatKDF hexBinary attribute. The first octet
// counts the padding bits of the bit string and must be zero.
func decodePaddedHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return []byte{}, nil
	}
	if b[0] != 0 {
		return nil, fmt.Errorf("unsupported padding %d", b[0])
	}
	return b[1:], nil
}
