// Package attestation holds the caller-supplied
// attestation record and the five-gate verifier that
// must pass before any ciphertext is decrypted.
package attestation

import (
	"crypto/ed25519"
	"errors"
	"math"
)

// Field sizes of the fixed attestation layout.
const (
	PublicKeySize     = ed25519.PublicKeySize
	DomainSize        = 32
	SignatureSize     = ed25519.SignatureSize
	EntropySize       = 64
	CorrelationIDSize = 48
	NonceSize         = 16
	PrevHashSize      = 32
)

// Attestation is a signed record asserting who requests
// a decryption and in which context. It is immutable once
// constructed; all accessors return copies.
type Attestation struct { // A
	requesterPubKey      []byte
	domain               [DomainSize]byte
	signature            [SignatureSize]byte
	frozen               bool
	entropy              [EntropySize]byte
	creationConfidence   float64
	correlationID        [CorrelationIDSize]byte
	nonce                [NonceSize]byte
	prevOperationHash    [PrevHashSize]byte
	sequence             uint64
	secondaryCorrelation float64
}

// Params holds every field of an Attestation. The
// requester key is kept as a byte slice so that a
// malformed key reaches the key-format gate instead of
// being silently truncated.
type Params struct { // A
	RequesterPubKey      []byte
	Domain               [DomainSize]byte
	Signature            [SignatureSize]byte
	Frozen               bool
	Entropy              [EntropySize]byte
	CreationConfidence   float64
	CorrelationID        [CorrelationIDSize]byte
	Nonce                [NonceSize]byte
	PrevOperationHash    [PrevHashSize]byte
	Sequence             uint64
	SecondaryCorrelation float64
}

// New builds an Attestation from params. Trust checks are
// the verifier's job; New only rejects values that cannot
// be serialized canonically.
func New(params Params) (*Attestation, error) { // A
	if math.IsNaN(params.CreationConfidence) ||
		math.IsInf(params.CreationConfidence, 0) {
		return nil, errors.New(
			"creation confidence must be finite",
		)
	}
	if math.IsNaN(params.SecondaryCorrelation) ||
		math.IsInf(params.SecondaryCorrelation, 0) {
		return nil, errors.New(
			"secondary correlation must be finite",
		)
	}
	key := make([]byte, len(params.RequesterPubKey))
	copy(key, params.RequesterPubKey)
	return &Attestation{
		requesterPubKey:      key,
		domain:               params.Domain,
		signature:            params.Signature,
		frozen:               params.Frozen,
		entropy:              params.Entropy,
		creationConfidence:   params.CreationConfidence,
		correlationID:        params.CorrelationID,
		nonce:                params.Nonce,
		prevOperationHash:    params.PrevOperationHash,
		sequence:             params.Sequence,
		secondaryCorrelation: params.SecondaryCorrelation,
	}, nil
}

// Params returns a copy of the fields, useful for
// deriving a modified record in tests or re-signing.
func (a *Attestation) Params() Params { // A
	return Params{
		RequesterPubKey:      a.RequesterPubKey(),
		Domain:               a.domain,
		Signature:            a.signature,
		Frozen:               a.frozen,
		Entropy:              a.entropy,
		CreationConfidence:   a.creationConfidence,
		CorrelationID:        a.correlationID,
		Nonce:                a.nonce,
		PrevOperationHash:    a.prevOperationHash,
		Sequence:             a.sequence,
		SecondaryCorrelation: a.secondaryCorrelation,
	}
}

// RequesterPubKey returns a copy of the requester key.
func (a *Attestation) RequesterPubKey() []byte { // A
	out := make([]byte, len(a.requesterPubKey))
	copy(out, a.requesterPubKey)
	return out
}

// Domain returns the domain separator.
func (a *Attestation) Domain() [DomainSize]byte { // A
	return a.domain
}

// Signature returns the requester signature.
func (a *Attestation) Signature() [SignatureSize]byte { // A
	return a.signature
}

// Frozen reports whether the requester asked for a hard
// freeze.
func (a *Attestation) Frozen() bool { // A
	return a.frozen
}

// Entropy returns the entropy sample.
func (a *Attestation) Entropy() [EntropySize]byte { // A
	return a.entropy
}

// CreationConfidence returns the freshness/quality score
// recorded when the attestation was created.
func (a *Attestation) CreationConfidence() float64 { // A
	return a.creationConfidence
}

// CorrelationID returns the correlation identifier.
func (a *Attestation) CorrelationID() [CorrelationIDSize]byte { // A
	return a.correlationID
}

// Nonce returns the per-record nonce.
func (a *Attestation) Nonce() [NonceSize]byte { // A
	return a.nonce
}

// PrevOperationHash returns the hash linking this record
// to the requester's previous operation.
func (a *Attestation) PrevOperationHash() [PrevHashSize]byte { // A
	return a.prevOperationHash
}

// Sequence returns the operation sequence number.
func (a *Attestation) Sequence() uint64 { // A
	return a.sequence
}

// SecondaryCorrelation returns the secondary correlation
// metric carried through to the decrypt result.
func (a *Attestation) SecondaryCorrelation() float64 { // A
	return a.secondaryCorrelation
}
