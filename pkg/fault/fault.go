// Package fault defines the closed set of failure kinds
// the decryption engine can report. Every error returned
// by the engine is either a *Error or wraps one, so
// callers can switch exhaustively on Kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies one failure case. The set is closed:
// no value outside the declared constants is ever
// produced by this module.
type Kind uint8 // A

const ( // A
	KindUnknown Kind = iota
	KindGate1KeyFormat
	KindGate2Domain
	KindGate3Signature
	KindGate4HardFreeze
	KindGate5LowCorrelation
	KindReplay
	KindPhiBelowThreshold
	KindPasswordTooLong
	KindInvalidKeyLength
	KindMissingKeyInput
	KindCiphertextTooLarge
	KindMalformedEnvelope
	KindInvalidIV
	KindInvalidTag
	KindTMRCompleteFailure
	KindConfidenceBelowThreshold
	KindAuditFailure
	KindSyncError
	kindCount
)

var kindNames = [kindCount]string{ // A
	KindUnknown:                  "Unknown",
	KindGate1KeyFormat:           "Gate1Failure",
	KindGate2Domain:              "Gate2Failure",
	KindGate3Signature:           "Gate3Failure",
	KindGate4HardFreeze:          "Gate4HardFreeze",
	KindGate5LowCorrelation:      "Gate5LowCorrelation",
	KindReplay:                   "Replay",
	KindPhiBelowThreshold:        "PhiBelowThreshold",
	KindPasswordTooLong:          "PasswordTooLong",
	KindInvalidKeyLength:         "InvalidKeyLength",
	KindMissingKeyInput:          "MissingKeyInput",
	KindCiphertextTooLarge:       "CiphertextTooLarge",
	KindMalformedEnvelope:        "MalformedEnvelope",
	KindInvalidIV:                "InvalidIV",
	KindInvalidTag:               "InvalidTag",
	KindTMRCompleteFailure:       "TMRCompleteFailure",
	KindConfidenceBelowThreshold: "QuantumValidationFailed",
	KindAuditFailure:             "AuditFailure",
	KindSyncError:                "SyncError",
}

// String returns the stable label of the kind.
func (k Kind) String() string { // A
	if k >= kindCount {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Kinds returns every declared kind except KindUnknown,
// in declaration order.
func Kinds() []Kind { // A
	out := make([]Kind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// IsGate reports whether the kind is one of the five
// attestation gate failures.
func (k Kind) IsGate() bool { // A
	return k >= KindGate1KeyFormat && k <= KindGate5LowCorrelation
}

// Gate returns the 1-based gate number for gate kinds
// and 0 otherwise.
func (k Kind) Gate() int { // A
	if !k.IsGate() {
		return 0
	}
	return int(k-KindGate1KeyFormat) + 1
}

// Error is the single concrete error type of the engine.
// Reason and Score carry diagnostic context; neither ever
// contains plaintext or key bytes.
type Error struct { // A
	Kind   Kind
	Reason string
	Score  float64
	Err    error
}

// New returns an error of the given kind.
func New(kind Kind, reason string) *Error { // A
	return &Error{Kind: kind, Reason: reason}
}

// Newf returns an error of the given kind with a
// formatted reason.
func Newf(kind Kind, format string, args ...any) *Error { // A
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WithScore returns an error that carries a numeric
// score, used by the correlation and confidence gates.
func WithScore(kind Kind, score float64) *Error { // A
	return &Error{Kind: kind, Score: score}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, reason string, err error) *Error { // A
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string { // A
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Kind == KindGate5LowCorrelation ||
		e.Kind == KindConfidenceBelowThreshold ||
		e.Kind == KindPhiBelowThreshold:
		return fmt.Sprintf("%s(%.4f)", e.Kind, e.Score)
	default:
		return e.Kind.String()
	}
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { // A
	return e.Err
}

// Is matches any *Error with the same Kind, so
// errors.Is(err, fault.Is(fault.KindInvalidTag)) works
// regardless of reason or score.
func (e *Error) Is(target error) bool { // A
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Is returns a sentinel usable with errors.Is.
func Is(kind Kind) error { // A
	return &Error{Kind: kind}
}

// KindOf extracts the kind of err. It returns
// KindUnknown and false when err is not a fault.
func KindOf(err error) (Kind, bool) { // A
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return KindUnknown, false
}
