package attestation

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// Gate thresholds.
const (
	MinBaseline           = 0.80
	MinEntropyCorrelation = 0.95
	GateCount             = 5
)

// SignatureVerifier is the external signature primitive.
type SignatureVerifier interface {
	Verify(pubKey, message, signature []byte) bool
}

// Ed25519Verifier verifies standard Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify reports whether signature is a valid Ed25519
// signature of message by pubKey.
func (Ed25519Verifier) Verify(pubKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, signature)
}

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// GateResult is the outcome of one gate.
type GateResult struct { // A
	Gate   int
	Passed bool
	Reason string
}

// GatesResult is produced only when all five gates pass
// and is required input to the decrypt pipeline. On
// failure Verify still returns the gates evaluated so far
// in Trace.
type GatesResult struct { // A
	AllPassed            bool
	Passed               [GateCount]bool
	Baseline             float64
	EntropyCorrelation   float64
	SecondaryCorrelation float64
	VerifiedAt           time.Time
	Trace                []GateResult
}

// VerifierConfig configures a Verifier. Zero values
// select the defaults.
type VerifierConfig struct { // A
	Domain     [DomainSize]byte
	Signatures SignatureVerifier
	Entropy    EntropyProfile
	Clock      Clock
}

// Verifier runs the five attestation gates in order.
// It holds no mutable state and is safe for concurrent
// use.
type Verifier struct { // A
	domain     [DomainSize]byte
	signatures SignatureVerifier
	entropy    EntropyProfile
	clock      Clock
}

// NewVerifier creates a Verifier. A zero Domain selects
// DefaultDomain().
func NewVerifier(cfg VerifierConfig) *Verifier { // A
	v := &Verifier{
		domain:     cfg.Domain,
		signatures: cfg.Signatures,
		entropy:    cfg.Entropy,
		clock:      cfg.Clock,
	}
	if v.domain == [DomainSize]byte{} {
		v.domain = DefaultDomain()
	}
	if v.signatures == nil {
		v.signatures = Ed25519Verifier{}
	}
	if v.entropy == nil {
		v.entropy = ShannonProfile{ExpectedBits: DefaultExpectedEntropyBits}
	}
	if v.clock == nil {
		v.clock = realClock{}
	}
	return v
}

// Domain returns the domain separator this verifier
// expects.
func (v *Verifier) Domain() [DomainSize]byte { // A
	return v.domain
}

// Verify evaluates the five gates strictly in order and
// stops at the first failure. The returned error is a
// *fault.Error whose kind names the failing gate.
func (v *Verifier) Verify( // AP
	att *Attestation,
	baseline float64,
) (GatesResult, error) {
	res := GatesResult{
		Baseline:             baseline,
		SecondaryCorrelation: 0,
		Trace:                make([]GateResult, 0, GateCount),
	}
	if att == nil {
		return res, fault.New(
			fault.KindGate1KeyFormat, "attestation must not be nil",
		)
	}
	res.SecondaryCorrelation = att.SecondaryCorrelation()

	pass := func(gate int) {
		res.Passed[gate-1] = true
		res.Trace = append(res.Trace, GateResult{Gate: gate, Passed: true})
	}
	fail := func(gate int, err *fault.Error) (GatesResult, error) {
		reason := err.Reason
		if reason == "" {
			reason = err.Error()
		}
		res.Trace = append(res.Trace, GateResult{
			Gate: gate, Passed: false, Reason: reason,
		})
		return res, err
	}

	if err := checkKeyFormat(att.requesterPubKey); err != nil {
		return fail(1, err)
	}
	pass(1)

	if subtle.ConstantTimeCompare(att.domain[:], v.domain[:]) != 1 {
		return fail(2, fault.New(
			fault.KindGate2Domain, "domain separator mismatch",
		))
	}
	pass(2)

	msg, err := att.SigningMessage()
	if err != nil {
		return fail(3, fault.Wrap(
			fault.KindGate3Signature, "build signing message", err,
		))
	}
	if !v.signatures.Verify(att.requesterPubKey, msg, att.signature[:]) {
		return fail(3, fault.New(
			fault.KindGate3Signature, "signature does not verify",
		))
	}
	pass(3)

	if att.frozen {
		return fail(4, fault.New(
			fault.KindGate4HardFreeze, "attestation is hard frozen",
		))
	}
	if baseline < MinBaseline {
		return fail(4, fault.Newf(
			fault.KindGate4HardFreeze,
			"baseline %.4f below %.2f", baseline, MinBaseline,
		))
	}
	pass(4)

	corr := v.entropy.Correlate(att.entropy)
	res.EntropyCorrelation = corr
	if corr < MinEntropyCorrelation {
		return fail(5, fault.WithScore(fault.KindGate5LowCorrelation, corr))
	}
	pass(5)

	res.AllPassed = true
	res.VerifiedAt = v.clock.Now()
	return res, nil
}

// checkKeyFormat enforces the fixed-length Ed25519 key
// encoding. An all-zero key is never a real identity.
func checkKeyFormat(key []byte) *fault.Error { // A
	if len(key) != PublicKeySize {
		return fault.Newf(
			fault.KindGate1KeyFormat,
			"public key must be %d bytes, got %d",
			PublicKeySize, len(key),
		)
	}
	var acc byte
	for _, b := range key {
		acc |= b
	}
	if acc == 0 {
		return fault.New(
			fault.KindGate1KeyFormat, "public key is all zero",
		)
	}
	return nil
}

// String renders the gate outcome for logs.
func (g GateResult) String() string { // A
	if g.Passed {
		return fmt.Sprintf("gate%d:pass", g.Gate)
	}
	return fmt.Sprintf("gate%d:fail(%s)", g.Gate, g.Reason)
}
