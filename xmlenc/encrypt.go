package xmlenc

import (
	"crypto"
	"crypto/rsa"
	"fmt"

	"github.com/beevik/etree"
)

// KeyWrapper encrypts a content encryption key for a recipient.
type KeyWrapper interface {
	// WrapKey encrypts cek with the key encryption algorithm named by method.
	WrapKey(cek []byte, method *EncryptionMethod) (*EncryptedKey, error)
}

// KeyUnwrapper recovers a content encryption key from an EncryptedKey.
type KeyUnwrapper interface {
	UnwrapKey(ek *EncryptedKey) ([]byte, error)
}

// KeyAgreementRecipient derives a content key directly from an
// AgreementMethod carried in EncryptedData, without an EncryptedKey.
type KeyAgreementRecipient interface {
	AgreeKey(am *AgreementMethod, keyAlgorithm string) ([]byte, error)
}

// RSAKeyTransport wraps keys with RSA key transport.
type RSAKeyTransport struct {
	PublicKey *rsa.PublicKey
	// KeyInfo identifies the recipient key in the emitted EncryptedKey.
	KeyInfo *KeyInfo
}

// WrapKey implements KeyWrapper.
func (t *RSAKeyTransport) WrapKey(cek []byte, method *EncryptionMethod) (*EncryptedKey, error) {
	ct, err := EncryptKeyRSA(t.PublicKey, method, cek)
	if err != nil {
		return nil, fmt.Errorf("key transport failed: %w", err)
	}
	return &EncryptedKey{
		EncryptedType: EncryptedType{
			EncryptionMethod: method.Clone(),
			KeyInfo:          t.KeyInfo,
			CipherData:       &CipherData{CipherValue: ct},
		},
	}, nil
}

// RecipientKey unwraps keys addressed to a private key: RSA key transport
// for RSA keys, key agreement for EC and X25519 keys.
type RecipientKey struct {
	Key crypto.PrivateKey
}

// UnwrapKey implements KeyUnwrapper.
func (r *RecipientKey) UnwrapKey(ek *EncryptedKey) ([]byte, error) {
	if ek.CipherData == nil || ek.CipherData.CipherValue == nil {
		return nil, fmt.Errorf("no cipher value in EncryptedKey")
	}
	if ek.EncryptionMethod == nil {
		return nil, fmt.Errorf("no EncryptionMethod in EncryptedKey")
	}
	if ek.KeyInfo != nil && ek.KeyInfo.AgreementMethod != nil {
		ka, err := r.keyAgreement(ek.KeyInfo.AgreementMethod)
		if err != nil {
			return nil, err
		}
		return ka.UnwrapKey(ek)
	}
	dec, ok := r.Key.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot decrypt", ErrUnsupportedAlgorithm, r.Key)
	}
	return DecryptKeyRSA(dec, ek.EncryptionMethod, ek.CipherData.CipherValue)
}

// AgreeKey implements KeyAgreementRecipient.
func (r *RecipientKey) AgreeKey(am *AgreementMethod, keyAlgorithm string) ([]byte, error) {
	ka, err := r.keyAgreement(am)
	if err != nil {
		return nil, err
	}
	return ka.DeriveKey(keyAlgorithm)
}

func (r *RecipientKey) keyAgreement(am *AgreementMethod) (*KeyAgreement, error) {
	priv, err := ECDHPrivateKey(r.Key)
	if err != nil {
		return nil, err
	}
	return NewKeyAgreementForDecrypt(priv, am)
}

// Encryptor provides XML Encryption operations
type Encryptor struct {
	// Algorithm is the content encryption algorithm (e.g., AlgorithmAES128GCM)
	Algorithm string
	// Key is the content encryption key. A random key is generated when nil.
	Key []byte
	// KeyInfo is emitted on EncryptedData when no KeyWrapper is set.
	KeyInfo *KeyInfo
	// KeyWrapper encrypts the content key into an EncryptedKey.
	KeyWrapper KeyWrapper
	// KeyEncryptionMethod selects the key wrap or transport algorithm. It
	// defaults to the AES key wrap matching the content key length.
	KeyEncryptionMethod *EncryptionMethod
	// ID is set as the EncryptedData Id attribute.
	ID string
}

// NewEncryptor creates a new Encryptor with the specified algorithm and key wrapper
func NewEncryptor(algorithm string, keyWrapper KeyWrapper) *Encryptor {
	return &Encryptor{
		Algorithm:  algorithm,
		KeyWrapper: keyWrapper,
	}
}

// EncryptElement encrypts an XML element
func (e *Encryptor) EncryptElement(elem *etree.Element) (*EncryptedData, error) {
	doc := etree.NewDocument()
	doc.SetRoot(elem.Copy())
	plaintext, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize element: %w", err)
	}
	return e.Encrypt(plaintext, TypeElement)
}

// EncryptContent encrypts the child elements of an XML element
func (e *Encryptor) EncryptContent(elem *etree.Element) (*EncryptedData, error) {
	doc := etree.NewDocument()
	for _, child := range elem.ChildElements() {
		doc.AddChild(child.Copy())
	}
	plaintext, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize content: %w", err)
	}
	return e.Encrypt(plaintext, TypeContent)
}

// Encrypt encrypts arbitrary octets. encType is the EncryptedData Type, or
// empty for opaque data.
func (e *Encryptor) Encrypt(plaintext []byte, encType string) (*EncryptedData, error) {
	cek := e.Key
	if cek == nil {
		var err error
		if cek, err = GenerateKey(e.Algorithm); err != nil {
			return nil, err
		}
	}

	ciphertext, err := EncryptData(e.Algorithm, cek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	keyInfo := e.KeyInfo
	if e.KeyWrapper != nil {
		method := e.KeyEncryptionMethod
		if method == nil {
			method = &EncryptionMethod{Algorithm: KeyWrapAlgorithmForKeyLength(len(cek))}
		}
		ek, err := e.KeyWrapper.WrapKey(cek, method)
		if err != nil {
			return nil, fmt.Errorf("key wrapping failed: %w", err)
		}
		keyInfo = &KeyInfo{EncryptedKeys: []*EncryptedKey{ek}}
	}

	return &EncryptedData{
		EncryptedType: EncryptedType{
			ID:               e.ID,
			Type:             encType,
			EncryptionMethod: &EncryptionMethod{Algorithm: e.Algorithm},
			KeyInfo:          keyInfo,
			CipherData:       &CipherData{CipherValue: ciphertext},
		},
	}, nil
}

// Decryptor provides XML Decryption operations
type Decryptor struct {
	// KeyUnwrapper handles key decryption
	KeyUnwrapper KeyUnwrapper
	// Key is used when EncryptedData carries no key information.
	Key []byte
}

// NewDecryptor creates a new Decryptor with the specified key unwrapper
func NewDecryptor(keyUnwrapper KeyUnwrapper) *Decryptor {
	return &Decryptor{KeyUnwrapper: keyUnwrapper}
}

// DecryptEncryptedData decrypts an EncryptedData structure and returns the plaintext
func (d *Decryptor) DecryptEncryptedData(ed *EncryptedData) ([]byte, error) {
	if ed.CipherData == nil || ed.CipherData.CipherValue == nil {
		return nil, fmt.Errorf("no cipher data")
	}
	if ed.EncryptionMethod == nil {
		return nil, fmt.Errorf("no EncryptionMethod in EncryptedData")
	}
	algorithm := ed.EncryptionMethod.Algorithm

	cek, err := d.contentKey(ed, algorithm)
	if err != nil {
		return nil, err
	}

	plaintext, err := DecryptData(algorithm, cek, ed.CipherData.CipherValue)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func (d *Decryptor) contentKey(ed *EncryptedData, algorithm string) ([]byte, error) {
	ki := ed.KeyInfo
	switch {
	case ki != nil && len(ki.EncryptedKeys) > 0:
		if d.KeyUnwrapper == nil {
			return nil, fmt.Errorf("no key unwrapper for EncryptedKey")
		}
		var lastErr error
		for _, ek := range ki.EncryptedKeys {
			cek, err := d.KeyUnwrapper.UnwrapKey(ek)
			if err == nil {
				return cek, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("key unwrapping failed: %w", lastErr)
	case ki != nil && ki.AgreementMethod != nil:
		rcpt, ok := d.KeyUnwrapper.(KeyAgreementRecipient)
		if !ok {
			return nil, fmt.Errorf("no key agreement recipient for AgreementMethod")
		}
		cek, err := rcpt.AgreeKey(ki.AgreementMethod, algorithm)
		if err != nil {
			return nil, fmt.Errorf("key agreement failed: %w", err)
		}
		return cek, nil
	case d.Key != nil:
		return d.Key, nil
	default:
		return nil, fmt.Errorf("no key information available")
	}
}

// DecryptElement decrypts an EncryptedData structure and returns the XML element
func (d *Decryptor) DecryptElement(ed *EncryptedData) (*etree.Element, error) {
	plaintext, err := d.DecryptEncryptedData(ed)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(plaintext); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted XML: %w", err)
	}
	return doc.Root(), nil
}

// NewEncryptedDataDocument creates an etree.Document containing an EncryptedData element
func NewEncryptedDataDocument(ed *EncryptedData) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.SetRoot(ed.ToElement())
	return doc
}

// EncryptElementInPlace encrypts an element and replaces it in the document
func EncryptElementInPlace(elem *etree.Element, encryptor *Encryptor) error {
	parent := elem.Parent()
	if parent == nil {
		return fmt.Errorf("element has no parent")
	}
	ed, err := encryptor.EncryptElement(elem)
	if err != nil {
		return err
	}
	i := elem.Index()
	parent.RemoveChildAt(i)
	parent.InsertChildAt(i, ed.ToElement())
	return nil
}

// DecryptElementInPlace decrypts an EncryptedData element and replaces it in the document
func DecryptElementInPlace(edElem *etree.Element, decryptor *Decryptor) error {
	parent := edElem.Parent()
	if parent == nil {
		return fmt.Errorf("EncryptedData element has no parent")
	}
	ed, err := ParseEncryptedData(edElem)
	if err != nil {
		return err
	}
	decrypted, err := decryptor.DecryptElement(ed)
	if err != nil {
		return err
	}
	i := edElem.Index()
	parent.RemoveChildAt(i)
	parent.InsertChildAt(i, decrypted)
	return nil
}
