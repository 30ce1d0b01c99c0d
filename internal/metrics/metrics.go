// Package metrics provides Prometheus instrumentation for metadata credential
// resolution and encryption parameter negotiation. The counters register with
// the default registry; exposing them is up to the embedding application.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all mdenc metrics
	Namespace = "mdenc"

	// Label names
	LabelResult  = "result"
	LabelOutcome = "outcome"
	LabelReason  = "reason"

	// Cache results
	ResultHit  = "hit"
	ResultMiss = "miss"

	// Negotiation outcomes
	OutcomeResolved = "resolved"
	OutcomeNoResult = "no_result"

	// Candidate skip reasons
	ReasonUnsupportedKey       = "unsupported_key"
	ReasonNoKeyTransport       = "no_key_transport_algorithm"
	ReasonNoDataAlgorithm      = "no_data_algorithm"
	ReasonNoKeyWrap            = "no_key_wrap_algorithm"
	ReasonKeyAgreementFailed   = "key_agreement_failed"
	ReasonKeyGenerationFailed  = "key_generation_failed"
	ReasonKeyInfoResolveFailed = "keyinfo_resolve_failed"
)

var (
	// CredentialCacheTotal counts metadata credential cache lookups by result.
	CredentialCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "credential_cache_total",
			Help:      "Metadata credential cache lookups by result",
		},
		[]string{LabelResult},
	)

	// NegotiationsTotal counts encryption parameter negotiations by outcome.
	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "negotiations_total",
			Help:      "Encryption parameter negotiations by outcome",
		},
		[]string{LabelOutcome},
	)

	// CandidatesSkippedTotal counts candidate credentials that produced no
	// parameters, by reason.
	CandidatesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "candidates_skipped_total",
			Help:      "Candidate credentials skipped during negotiation by reason",
		},
		[]string{LabelReason},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordCacheLookup records a credential cache hit or miss.
func RecordCacheLookup(hit bool) {
	if !enabled.Load() {
		return
	}
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	CredentialCacheTotal.WithLabelValues(result).Inc()
}

// RecordNegotiation records the outcome of one negotiation.
func RecordNegotiation(outcome string) {
	if !enabled.Load() {
		return
	}
	NegotiationsTotal.WithLabelValues(outcome).Inc()
}

// RecordSkip records a skipped candidate.
func RecordSkip(reason string) {
	if !enabled.Load() {
		return
	}
	CandidatesSkippedTotal.WithLabelValues(reason).Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
