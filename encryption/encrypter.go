package encryption

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/xmlenc"
)

var (
	// ErrInvalidParameters is returned when parameters cannot drive an
	// encryption.
	ErrInvalidParameters = errors.New("encryption: unusable parameters")
	// ErrNoDecryptionKey is returned when no local credential opens the data.
	ErrNoDecryptionKey = errors.New("encryption: no usable decryption key")
)

// NewID returns a fresh XML Id value.
func NewID() string {
	return "_" + uuid.NewString()
}

// Encrypter encrypts XML toward a peer with negotiated Parameters.
type Encrypter struct {
	logger *slog.Logger
}

// NewEncrypter creates an Encrypter. A nil logger uses slog.Default.
func NewEncrypter(logger *slog.Logger) *Encrypter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encrypter{logger: logger}
}

// Encrypt encrypts arbitrary octets. encType is the EncryptedData Type, or
// empty for opaque data.
func (e *Encrypter) Encrypt(plaintext []byte, encType string, p *Parameters) (*xmlenc.EncryptedData, error) {
	enc, err := e.encryptor(p)
	if err != nil {
		return nil, err
	}
	ed, err := enc.Encrypt(plaintext, encType)
	if err != nil {
		return nil, err
	}
	e.finish(ed)
	return ed, nil
}

// EncryptElement encrypts elem and its content.
func (e *Encrypter) EncryptElement(elem *etree.Element, p *Parameters) (*xmlenc.EncryptedData, error) {
	enc, err := e.encryptor(p)
	if err != nil {
		return nil, err
	}
	ed, err := enc.EncryptElement(elem)
	if err != nil {
		return nil, err
	}
	e.finish(ed)
	return ed, nil
}

// EncryptElementInPlace replaces elem in its document with the
// EncryptedData that encrypts it.
func (e *Encrypter) EncryptElementInPlace(elem *etree.Element, p *Parameters) error {
	parent := elem.Parent()
	if parent == nil {
		return fmt.Errorf("element has no parent")
	}
	ed, err := e.EncryptElement(elem, p)
	if err != nil {
		return err
	}
	i := elem.Index()
	parent.RemoveChildAt(i)
	parent.InsertChildAt(i, ed.ToElement())
	return nil
}

// finish gives every EncryptedKey an Id and a reference back to the data.
func (e *Encrypter) finish(ed *xmlenc.EncryptedData) {
	if ed.KeyInfo == nil {
		return
	}
	for _, ek := range ed.KeyInfo.EncryptedKeys {
		if ek.ID == "" {
			ek.ID = NewID()
		}
		ek.ReferenceList = []xmlenc.DataReference{{URI: "#" + ed.ID}}
	}
	e.logger.Debug("encrypted data",
		"id", ed.ID,
		"algorithm", ed.EncryptionMethod.Algorithm,
		"encrypted_keys", len(ed.KeyInfo.EncryptedKeys))
}

func (e *Encrypter) encryptor(p *Parameters) (*xmlenc.Encryptor, error) {
	if p == nil || p.DataAlgorithm == "" {
		return nil, fmt.Errorf("%w: no data encryption algorithm", ErrInvalidParameters)
	}
	enc := &xmlenc.Encryptor{
		Algorithm: p.DataAlgorithm,
		ID:        NewID(),
	}

	if dc := p.DataCredential; dc != nil {
		if !dc.IsSymmetric() {
			return nil, fmt.Errorf("%w: data credential is not a secret key", ErrInvalidParameters)
		}
		enc.Key = dc.SecretKey()
		ki, err := keyInfo(p.DataKeyInfoGenerator, dc)
		if err != nil {
			return nil, err
		}
		enc.KeyInfo = ki
	}

	kc := p.KeyTransportCredential
	if kc == nil {
		if enc.Key == nil {
			return nil, fmt.Errorf("%w: neither a data key nor a key transport credential", ErrInvalidParameters)
		}
		return enc, nil
	}
	ki, err := keyInfo(p.KeyTransportKeyInfoGenerator, kc)
	if err != nil {
		return nil, err
	}
	switch fam := kc.Family().(type) {
	case credential.RSAKey:
		enc.KeyWrapper = &xmlenc.RSAKeyTransport{PublicKey: fam.Key, KeyInfo: ki}
	case credential.SecretKey:
		enc.KeyWrapper = &secretKeyWrapper{kek: fam.Key, keyInfo: ki}
	case credential.ECKey, credential.OtherKey:
		return nil, fmt.Errorf("%w: cannot transport a key to a %s key", ErrInvalidParameters, fam.Tag())
	}
	enc.KeyEncryptionMethod = p.KeyEncryptionMethod()
	return enc, nil
}

// keyInfo describes c with gen. Keys derived by agreement always carry
// their AgreementMethod, since the recipient cannot derive them otherwise.
func keyInfo(gen credential.KeyInfoGenerator, c *credential.Credential) (*xmlenc.KeyInfo, error) {
	var ki *xmlenc.KeyInfo
	if gen != nil {
		var err error
		if ki, err = gen.Generate(c); err != nil {
			return nil, fmt.Errorf("failed to generate KeyInfo: %w", err)
		}
	}
	if actx, ok := credential.FindContext[credential.AgreementContext](c); ok && (ki == nil || ki.AgreementMethod == nil) {
		if ki == nil {
			ki = &xmlenc.KeyInfo{}
		}
		ki.AgreementMethod = actx.Method
	}
	if ki != nil && ki.IsEmpty() {
		return nil, nil
	}
	return ki, nil
}

// secretKeyWrapper wraps content keys with AES key wrap under a secret key,
// usually one derived by key agreement.
type secretKeyWrapper struct {
	kek     []byte
	keyInfo *xmlenc.KeyInfo
}

func (w *secretKeyWrapper) WrapKey(cek []byte, method *xmlenc.EncryptionMethod) (*xmlenc.EncryptedKey, error) {
	if method == nil || !xmlenc.DefaultRegistry().IsKeyWrap(method.Algorithm) {
		return nil, fmt.Errorf("%w: secret keys need a key wrap algorithm", ErrInvalidParameters)
	}
	if len(w.kek) != xmlenc.KeySize(method.Algorithm) {
		return nil, fmt.Errorf("%w: %d byte key for %s", xmlenc.ErrInvalidKeySize, len(w.kek), method.Algorithm)
	}
	wrapped, err := xmlenc.AESKeyWrap(w.kek, cek)
	if err != nil {
		return nil, fmt.Errorf("key wrap failed: %w", err)
	}
	return &xmlenc.EncryptedKey{
		EncryptedType: xmlenc.EncryptedType{
			EncryptionMethod: &xmlenc.EncryptionMethod{Algorithm: method.Algorithm},
			KeyInfo:          w.keyInfo,
			CipherData:       &xmlenc.CipherData{CipherValue: wrapped},
		},
	}, nil
}

// Decrypter decrypts EncryptedData with local credentials: private keys for
// RSA key transport and key agreement, secret keys for key wrap or direct
// use. Credentials are tried in order.
type Decrypter struct {
	credentials []*credential.Credential
}

// NewDecrypter creates a Decrypter.
func NewDecrypter(creds ...*credential.Credential) *Decrypter {
	return &Decrypter{credentials: creds}
}

// Decrypt returns the plaintext of ed.
func (d *Decrypter) Decrypt(ed *xmlenc.EncryptedData) ([]byte, error) {
	return d.decryptor().DecryptEncryptedData(ed)
}

// DecryptElement returns the element encrypted in ed.
func (d *Decrypter) DecryptElement(ed *xmlenc.EncryptedData) (*etree.Element, error) {
	return d.decryptor().DecryptElement(ed)
}

// DecryptElementInPlace replaces an EncryptedData element with the element
// it encrypts.
func (d *Decrypter) DecryptElementInPlace(edElem *etree.Element) error {
	return xmlenc.DecryptElementInPlace(edElem, d.decryptor())
}

func (d *Decrypter) decryptor() *xmlenc.Decryptor {
	dec := xmlenc.NewDecryptor(localKeys(d.credentials))
	for _, c := range d.credentials {
		if c.IsSymmetric() {
			dec.Key = c.SecretKey()
			break
		}
	}
	return dec
}

type localKeys []*credential.Credential

// UnwrapKey implements xmlenc.KeyUnwrapper.
func (ks localKeys) UnwrapKey(ek *xmlenc.EncryptedKey) ([]byte, error) {
	errs := []error{ErrNoDecryptionKey}
	for _, c := range ks {
		var (
			cek []byte
			err error
		)
		switch {
		case c.PrivateKey() != nil:
			cek, err = (&xmlenc.RecipientKey{Key: c.PrivateKey()}).UnwrapKey(ek)
		case c.IsSymmetric() && ek.EncryptionMethod != nil && ek.CipherData != nil:
			cek, err = xmlenc.AESKeyUnwrap(c.SecretKey(), ek.CipherData.CipherValue)
		default:
			continue
		}
		if err == nil {
			return cek, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// AgreeKey implements xmlenc.KeyAgreementRecipient.
func (ks localKeys) AgreeKey(am *xmlenc.AgreementMethod, keyAlgorithm string) ([]byte, error) {
	errs := []error{ErrNoDecryptionKey}
	for _, c := range ks {
		if c.PrivateKey() == nil {
			continue
		}
		key, err := (&xmlenc.RecipientKey{Key: c.PrivateKey()}).AgreeKey(am, keyAlgorithm)
		if err == nil {
			return key, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
