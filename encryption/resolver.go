// Package encryption negotiates XML Encryption parameters for a peer from a
// chain of local configurations and the keys and algorithm hints the peer
// publishes in its metadata.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/internal/metrics"
	"github.com/leifj/mdenc/metadata"
	"github.com/leifj/mdenc/xmlenc"
)

// ErrInvalidCriteria is returned when criteria lack the configuration chain
// or the role descriptor.
var ErrInvalidCriteria = errors.New("encryption: invalid criteria")

// Criteria select the peer and the local configuration of a negotiation.
type Criteria struct {
	metadata.Criteria
	// Configurations is the configuration chain, most specific first.
	Configurations Chain
	// KeyInfoGenerationProfile names the KeyInfo generator profile.
	KeyInfoGenerationProfile string
}

// CredentialSource supplies candidate credentials of a role.
type CredentialSource interface {
	Resolve(ctx context.Context, crit *metadata.Criteria) (iter.Seq[*credential.Credential], error)
}

// Resolver negotiates encryption parameters. It is safe for concurrent use.
type Resolver struct {
	credentials    CredentialSource
	registry       *xmlenc.Registry
	logger         *slog.Logger
	autoGenerate   bool
	defaultKeyWrap KeyWrapPolicy
	defaultKDF     *xmlenc.KeyDerivationMethod
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCredentialSource sets where candidate credentials come from. The
// default is a metadata.CredentialResolver with the basic KeyInfo resolver.
func WithCredentialSource(s CredentialSource) Option {
	return func(r *Resolver) { r.credentials = s }
}

// WithRegistry sets the algorithm registry. The default is
// xmlenc.DefaultRegistry at the time of each negotiation.
func WithRegistry(reg *xmlenc.Registry) Option {
	return func(r *Resolver) { r.registry = reg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithAutoGenerateDataCredential attaches a fresh random data key to
// parameters that use RSA key transport.
func WithAutoGenerateDataCredential(v bool) Option {
	return func(r *Resolver) { r.autoGenerate = v }
}

// WithDefaultKeyWrapPolicy sets the policy used for key families without a
// key agreement configuration. The default is KeyWrapNever.
func WithDefaultKeyWrapPolicy(p KeyWrapPolicy) Option {
	return func(r *Resolver) { r.defaultKeyWrap = p }
}

// WithDefaultKeyDerivation sets the key derivation method used when no key
// agreement configuration names one. The default is ConcatKDF with SHA-256.
func WithDefaultKeyDerivation(kdm *xmlenc.KeyDerivationMethod) Option {
	return func(r *Resolver) { r.defaultKDF = kdm }
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{defaultKeyWrap: KeyWrapNever}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.credentials == nil {
		r.credentials = metadata.NewCredentialResolver(
			metadata.WithKeyInfoResolver(credential.BasicKeyInfoResolver{}),
			metadata.WithLogger(r.logger),
		)
	}
	if r.defaultKDF == nil {
		r.defaultKDF = xmlenc.DefaultConcatKDF()
	}
	return r
}

// Resolve returns the parameters negotiated for each usable encryption key
// of the peer, in metadata order. The sequence can be ranged over once; a
// second range yields nothing. No usable key yields an empty sequence, not
// an error.
func (r *Resolver) Resolve(ctx context.Context, crit *Criteria) (iter.Seq[*Parameters], error) {
	switch {
	case crit == nil:
		return nil, fmt.Errorf("%w: nil criteria", ErrInvalidCriteria)
	case len(crit.Configurations) == 0:
		return nil, fmt.Errorf("%w: no configuration chain", ErrInvalidCriteria)
	case crit.RoleDescriptor == nil:
		return nil, fmt.Errorf("%w: no role descriptor", ErrInvalidCriteria)
	}

	mc := crit.Criteria
	mc.Usage = credential.UsageEncryption
	candidates, err := r.credentials.Resolve(ctx, &mc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer credentials: %w", err)
	}

	n := &negotiation{
		Resolver: r,
		eff:      crit.Configurations.Effective(),
		reg:      r.registry,
		profile:  crit.KeyInfoGenerationProfile,
		entityID: crit.RoleDescriptor.EntityID(),
	}
	if n.reg == nil {
		n.reg = xmlenc.DefaultRegistry()
	}

	var used atomic.Bool
	return func(yield func(*Parameters) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		produced := false
		defer func() {
			if produced {
				metrics.RecordNegotiation(metrics.OutcomeResolved)
			} else {
				metrics.RecordNegotiation(metrics.OutcomeNoResult)
				r.logger.Debug("no encryption parameters", "entity_id", n.entityID)
			}
		}()
		for cred := range candidates {
			p := n.candidate(cred)
			if p == nil {
				continue
			}
			produced = true
			if !yield(p) {
				return
			}
		}
	}, nil
}

// ResolveSingle returns the first negotiated parameters, or nil when the
// peer has no usable key.
func (r *Resolver) ResolveSingle(ctx context.Context, crit *Criteria) (*Parameters, error) {
	seq, err := r.Resolve(ctx, crit)
	if err != nil {
		return nil, err
	}
	for p := range seq {
		return p, nil
	}
	return nil, nil
}

// negotiation is the state of one Resolve call.
type negotiation struct {
	*Resolver
	eff      *EffectiveConfiguration
	reg      *xmlenc.Registry
	profile  string
	entityID string
}

// choice is a candidate algorithm and the peer hint it came from, if any.
type choice struct {
	uri  string
	hint *xmlenc.EncryptionMethod
}

func (n *negotiation) candidate(cred *credential.Credential) *Parameters {
	var hints []*xmlenc.EncryptionMethod
	if mctx, ok := credential.FindContext[metadata.CredentialContext](cred); ok && mctx.KeyDescriptor != nil {
		hints = mctx.KeyDescriptor.EncryptionMethods
	}

	switch fam := cred.Family().(type) {
	case credential.RSAKey:
		return n.keyTransport(cred, hints)
	case credential.ECKey:
		return n.keyAgreement(cred, fam, hints)
	case credential.SecretKey, credential.OtherKey:
	}
	n.skip(cred, metrics.ReasonUnsupportedKey)
	return nil
}

func (n *negotiation) skip(cred *credential.Credential, reason string) {
	metrics.RecordSkip(reason)
	n.logger.Debug("skipping candidate credential",
		"entity_id", n.entityID,
		"family", cred.Family().Tag(),
		"reason", reason)
}

// choices returns the usable algorithms of one class. When the peer
// declares hints of the class, they are intersected with prefs in the
// peer's order; otherwise prefs is used in local order. The include and
// exclude lists and accept are applied to both.
func (n *negotiation) choices(hints []*xmlenc.EncryptionMethod, prefs []string, class func(string) bool, accept func(*xmlenc.EncryptionMethod) bool) []choice {
	var out []choice
	hinted := false
	for _, h := range hints {
		if h == nil || !class(h.Algorithm) {
			continue
		}
		hinted = true
		if slices.Contains(prefs, h.Algorithm) && n.eff.Allowed(h.Algorithm) && accept(h) {
			out = append(out, choice{uri: h.Algorithm, hint: h})
		}
	}
	if hinted {
		return out
	}
	for _, uri := range prefs {
		if class(uri) && n.eff.Allowed(uri) && accept(&xmlenc.EncryptionMethod{Algorithm: uri}) {
			out = append(out, choice{uri: uri})
		}
	}
	return out
}

func hasHints(hints []*xmlenc.EncryptionMethod, class func(string) bool) bool {
	return slices.ContainsFunc(hints, func(h *xmlenc.EncryptionMethod) bool {
		return h != nil && class(h.Algorithm)
	})
}

// keySizeMatches rejects hints whose KeySize contradicts the algorithm.
func (n *negotiation) keySizeMatches(h *xmlenc.EncryptionMethod) bool {
	return h.KeySize == 0 || h.KeySize == n.reg.KeyLength(h.Algorithm)
}

func (n *negotiation) dataAlgorithm(hints []*xmlenc.EncryptionMethod) (choice, bool) {
	cs := n.choices(hints, n.eff.DataEncryptionAlgorithms, n.reg.IsDataEncryption, func(h *xmlenc.EncryptionMethod) bool {
		return n.reg.KeyLength(h.Algorithm) > 0 && n.keySizeMatches(h)
	})
	if len(cs) == 0 {
		return choice{}, false
	}
	return cs[0], true
}

func (n *negotiation) keyTransport(cred *credential.Credential, hints []*xmlenc.EncryptionMethod) *Parameters {
	kts := n.choices(hints, n.eff.KeyTransportEncryptionAlgorithms, n.reg.IsKeyTransport, func(h *xmlenc.EncryptionMethod) bool {
		return n.reg.KeyAlgorithm(h.Algorithm) == xmlenc.KeyAlgorithmRSA
	})
	if len(kts) == 0 {
		n.skip(cred, metrics.ReasonNoKeyTransport)
		return nil
	}
	data, ok := n.dataAlgorithm(hints)
	if !ok {
		n.skip(cred, metrics.ReasonNoDataAlgorithm)
		return nil
	}
	if pred := n.eff.KeyTransportAlgorithmPredicate; pred != nil {
		kts = slices.DeleteFunc(kts, func(c choice) bool {
			return !pred(SelectionInput{DataAlgorithm: data.uri, KeyTransportAlgorithm: c.uri, Credential: cred})
		})
		if len(kts) == 0 {
			n.skip(cred, metrics.ReasonNoKeyTransport)
			return nil
		}
	}

	kt := kts[0]
	p := &Parameters{
		KeyTransportCredential: cred,
		KeyTransportAlgorithm:  kt.uri,
		RSAOAEPParameters:      n.rsaOAEP(kt),
		DataAlgorithm:          data.uri,
	}
	if n.autoGenerate {
		key, err := xmlenc.GenerateKey(data.uri)
		if err == nil {
			p.DataCredential, err = credential.NewSecret(key, credential.WithUsage(credential.UsageEncryption))
		}
		if err != nil {
			n.logger.Warn("failed to generate data encryption key", "algorithm", data.uri, "error", err)
			n.skip(cred, metrics.ReasonKeyGenerationFailed)
			return nil
		}
	}
	n.attachGenerators(p)
	return p
}

// rsaOAEP assembles the RSA-OAEP parameters for a key transport choice. The
// peer's hint wins field by field; unset fields are filled from the
// configuration when merging is enabled or when the peer gave no hint.
func (n *negotiation) rsaOAEP(kt choice) *RSAOAEPParameters {
	switch kt.uri {
	case xmlenc.AlgorithmRSAOAEP:
		return &RSAOAEPParameters{}
	case xmlenc.AlgorithmRSAOAEP11:
	default:
		return nil
	}

	p := &RSAOAEPParameters{}
	if h := kt.hint; h != nil {
		if h.DigestMethod != "" && n.eff.Allowed(h.DigestMethod) {
			p.DigestMethod = h.DigestMethod
		}
		if h.MGFAlgorithm != "" && n.eff.Allowed(h.MGFAlgorithm) {
			p.MaskGenerationFunction = h.MGFAlgorithm
		}
		p.OAEPParams = slices.Clone(h.OAEPParams)
		// A hint that contributes nothing is treated like no hint.
		if p.IsComplete() || (!p.IsEmpty() && !n.eff.RSAOAEPParametersMerge) {
			return p
		}
	}
	p.backfill(n.eff.RSAOAEPParameters)
	return p
}

func (n *negotiation) keyWrapPolicy(configured bool, policy KeyWrapPolicy, hints []*xmlenc.EncryptionMethod) KeyWrapPolicy {
	if policy == KeyWrapDefault {
		if configured {
			policy = KeyWrapIfNotIndicated
		} else {
			policy = n.defaultKeyWrap
		}
	}
	if policy == KeyWrapDefault || policy == KeyWrapIfNotIndicated {
		if hasHints(hints, n.reg.IsDataEncryption) {
			return KeyWrapNever
		}
		return KeyWrapAlways
	}
	return policy
}

func (n *negotiation) keyAgreement(cred *credential.Credential, fam credential.ECKey, hints []*xmlenc.EncryptionMethod) *Parameters {
	tag := fam.Tag()
	cfg, configured := n.eff.KeyAgreement(tag)

	algorithm := xmlenc.AgreementAlgorithmForCurve(fam.Key.Curve())
	kdm := n.defaultKDF
	var nonce []byte
	policy := KeyWrapDefault
	if configured {
		if cfg.Algorithm != "" {
			algorithm = cfg.Algorithm
		}
		if cfg.KeyDerivation != nil {
			kdm = cfg.KeyDerivation
		}
		nonce = cfg.KANonce
		policy = cfg.KeyWrap
	}
	policy = n.keyWrapPolicy(configured, policy, hints)

	wantKey := xmlenc.KeyAlgorithmEC
	if tag == credential.FamilyX25519 {
		wantKey = xmlenc.KeyAlgorithmX25519
	}
	if !n.reg.IsKeyAgreement(algorithm) || n.reg.KeyAlgorithm(algorithm) != wantKey {
		n.logger.Debug("key agreement algorithm does not fit key",
			"entity_id", n.entityID, "algorithm", algorithm, "family", tag)
		n.skip(cred, metrics.ReasonKeyAgreementFailed)
		return nil
	}

	data, ok := n.dataAlgorithm(hints)
	if !ok {
		n.skip(cred, metrics.ReasonNoDataAlgorithm)
		return nil
	}

	keyAlgorithm := data.uri
	if policy == KeyWrapAlways {
		wraps := n.choices(hints, n.eff.KeyTransportEncryptionAlgorithms, n.reg.IsKeyWrap, func(h *xmlenc.EncryptionMethod) bool {
			return n.reg.KeyAlgorithm(h.Algorithm) == xmlenc.KeyAlgorithmAES && n.keySizeMatches(h)
		})
		if len(wraps) == 0 {
			n.skip(cred, metrics.ReasonNoKeyWrap)
			return nil
		}
		keyAlgorithm = wraps[0].uri
	}

	ka, err := xmlenc.NewKeyAgreement(fam.Key, kdm)
	if err != nil {
		n.logger.Warn("failed to start key agreement", "entity_id", n.entityID, "error", err)
		n.skip(cred, metrics.ReasonKeyGenerationFailed)
		return nil
	}
	ka.Algorithm = algorithm
	key, err := ka.DeriveKey(keyAlgorithm)
	if err == nil && len(key) != xmlenc.KeySize(keyAlgorithm) {
		err = fmt.Errorf("%w: derived %d bytes for %s", xmlenc.ErrInvalidKeySize, len(key), keyAlgorithm)
	}
	if err != nil {
		n.logger.Warn("key derivation failed", "entity_id", n.entityID, "algorithm", keyAlgorithm, "error", err)
		n.skip(cred, metrics.ReasonKeyAgreementFailed)
		return nil
	}
	am := ka.AgreementMethod()
	am.KANonce = slices.Clone(nonce)

	derived, err := credential.NewSecret(key,
		credential.WithUsage(credential.UsageEncryption),
		credential.WithEntityID(cred.EntityID()),
		credential.WithContexts(credential.AgreementContext{Method: am, Peer: cred}),
	)
	if err != nil {
		n.skip(cred, metrics.ReasonKeyAgreementFailed)
		return nil
	}

	p := &Parameters{DataAlgorithm: data.uri}
	if policy == KeyWrapAlways {
		p.KeyTransportCredential = derived
		p.KeyTransportAlgorithm = keyAlgorithm
	} else {
		p.DataCredential = derived
	}
	n.attachGenerators(p)
	return p
}

func (n *negotiation) attachGenerators(p *Parameters) {
	p.KeyTransportKeyInfoGenerator = n.generator(n.eff.KeyTransportKeyInfoGeneratorManager, p.KeyTransportCredential)
	p.DataKeyInfoGenerator = n.generator(n.eff.DataKeyInfoGeneratorManager, p.DataCredential)
}

func (n *negotiation) generator(m credential.GeneratorManager, c *credential.Credential) credential.KeyInfoGenerator {
	if m == nil || c == nil {
		return nil
	}
	f := m.Factory(c, n.profile)
	if f == nil {
		return nil
	}
	return f.NewGenerator()
}
