package credential

import "github.com/leifj/mdenc/xmlenc"

// Context records where a credential came from.
type Context interface {
	// Source names the component that produced the credential.
	Source() string
}

// KeyInfoContext records the KeyInfo a credential was resolved from.
type KeyInfoContext struct {
	KeyInfo *xmlenc.KeyInfo
}

func (KeyInfoContext) Source() string { return "keyinfo" }

// AgreementContext is attached to credentials derived by key agreement.
type AgreementContext struct {
	// Method describes the agreement, including the originator's ephemeral key.
	Method *xmlenc.AgreementMethod
	// Peer is the recipient credential the agreement was made with.
	Peer *Credential
}

func (AgreementContext) Source() string { return "key-agreement" }

// FindContext returns the first context of type T attached to c.
func FindContext[T Context](c *Credential) (T, bool) {
	for _, ctx := range c.contexts {
		if t, ok := ctx.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}
