package encryption

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/xmlenc"
)

// Parameters is one negotiated way to encrypt for a peer. The key transport
// half is absent when the data key is agreed directly with the peer.
type Parameters struct {
	KeyTransportCredential       *credential.Credential
	KeyTransportAlgorithm        string
	KeyTransportKeyInfoGenerator credential.KeyInfoGenerator
	// RSAOAEPParameters is nil unless KeyTransportAlgorithm is RSA-OAEP.
	RSAOAEPParameters *RSAOAEPParameters

	DataCredential       *credential.Credential
	DataAlgorithm        string
	DataKeyInfoGenerator credential.KeyInfoGenerator
}

// KeyEncryptionMethod returns the xenc:EncryptionMethod for the key
// transport or key wrap step, or nil when there is none.
func (p *Parameters) KeyEncryptionMethod() *xmlenc.EncryptionMethod {
	if p.KeyTransportAlgorithm == "" {
		return nil
	}
	em := &xmlenc.EncryptionMethod{Algorithm: p.KeyTransportAlgorithm}
	if o := p.RSAOAEPParameters; o != nil {
		em.DigestMethod = o.DigestMethod
		if p.KeyTransportAlgorithm == xmlenc.AlgorithmRSAOAEP11 {
			em.MGFAlgorithm = o.MaskGenerationFunction
		}
		em.OAEPParams = bytes.Clone(o.OAEPParams)
	}
	return em
}

// IsKeyAgreement reports whether the parameters use a key derived by key
// agreement, wrapped or not.
func (p *Parameters) IsKeyAgreement() bool {
	for _, c := range []*credential.Credential{p.KeyTransportCredential, p.DataCredential} {
		if c == nil {
			continue
		}
		if _, ok := credential.FindContext[credential.AgreementContext](c); ok {
			return true
		}
	}
	return false
}

func (p *Parameters) String() string {
	var b strings.Builder
	if p.KeyTransportAlgorithm != "" {
		fmt.Fprintf(&b, "key-transport=%s", p.KeyTransportAlgorithm)
		if p.KeyTransportCredential != nil {
			fmt.Fprintf(&b, " key-transport-credential=%s", p.KeyTransportCredential)
		}
		if o := p.RSAOAEPParameters; o != nil {
			fmt.Fprintf(&b, " oaep-digest=%q oaep-mgf=%q oaep-params=%d", o.DigestMethod, o.MaskGenerationFunction, len(o.OAEPParams))
		}
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "data=%s", p.DataAlgorithm)
	if p.DataCredential != nil {
		fmt.Fprintf(&b, " data-credential=%s", p.DataCredential)
	}
	return b.String()
}
