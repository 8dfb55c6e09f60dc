// Package confidence scores a decrypted plaintext before
// it is released. The score is a pure function of the
// plaintext, the attestation and the rolling baseline.
package confidence

import (
	"math"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// Threshold is the minimum score a plaintext must reach.
const Threshold = 0.95

// Weights of the default score terms.
const (
	WeightBaseline  = 0.4
	WeightCoherence = 0.3
	WeightCreation  = 0.3
)

// BaselineSaturation is the baseline from which the
// baseline term of DefaultScorer is at its maximum.
const BaselineSaturation = 0.90

// UniformRunLength is the plaintext length from which a
// single repeated byte is treated as incoherent output.
const UniformRunLength = 64

// Result is the validator's verdict.
type Result struct {
	Score       float64
	SampleCount int
	Coherence   float64
	Baseline    float64
	ComputedAt  time.Time
}

// Passed reports whether the score meets the threshold.
func (r Result) Passed() bool {
	return r.Score >= Threshold
}

// Scorer computes a score in [0,1] and the plaintext
// coherence term. Implementations must be deterministic.
type Scorer interface {
	Score(plaintext []byte, att *attestation.Attestation, baseline float64) (score, coherence float64)
}

// DefaultScorer weights the baseline margin above the
// freeze floor (saturating at BaselineSaturation),
// plaintext coherence and the attestation's creation
// confidence.
type DefaultScorer struct{}

func (DefaultScorer) Score(
	plaintext []byte,
	att *attestation.Attestation,
	baseline float64,
) (float64, float64) {
	b := clamp01((baseline - attestation.MinBaseline) / (BaselineSaturation - attestation.MinBaseline))
	p := Coherence(plaintext)
	var c float64
	if att != nil {
		c = clamp01(att.CreationConfidence())
	}
	return clamp01(WeightBaseline*b + WeightCoherence*p + WeightCreation*c), p
}

// Coherence is 0 for a plaintext of at least
// UniformRunLength bytes that repeats one byte value,
// and 1 otherwise.
func Coherence(plaintext []byte) float64 {
	if len(plaintext) < UniformRunLength {
		return 1
	}
	first := plaintext[0]
	for _, b := range plaintext[1:] {
		if b != first {
			return 1
		}
	}
	return 0
}

// Validator applies a Scorer and the threshold.
type Validator struct {
	scorer Scorer
	clock  attestation.Clock
}

// NewValidator returns a validator. Nil arguments select
// DefaultScorer and the wall clock.
func NewValidator(scorer Scorer, clock attestation.Clock) *Validator {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Validator{scorer: scorer, clock: clock}
}

// Validate scores plaintext. A score below Threshold
// yields KindConfidenceBelowThreshold together with the
// computed Result.
func (v *Validator) Validate(
	plaintext []byte,
	att *attestation.Attestation,
	baseline float64,
) (Result, error) {
	score, coherence := v.scorer.Score(plaintext, att, baseline)
	if math.IsNaN(score) {
		score = 0
	}
	res := Result{
		Score:       score,
		SampleCount: len(plaintext),
		Coherence:   coherence,
		Baseline:    baseline,
		ComputedAt:  v.clock.Now(),
	}
	if !res.Passed() {
		return res, fault.WithScore(fault.KindConfidenceBelowThreshold, score)
	}
	return res, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
