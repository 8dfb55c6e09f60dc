package keymaterial

import (
	"crypto/sha256"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// Config configures a Deriver. Zero values select the
// defaults.
type Config struct {
	KDF        KDF
	Iterations int
	Now        func() time.Time
}

// Deriver turns a password-like input into a Handle,
// salting with the attestation's entropy sample.
type Deriver struct {
	kdf        KDF
	iterations int
	now        func() time.Time
}

// NewDeriver creates a Deriver.
func NewDeriver(cfg Config) *Deriver {
	d := &Deriver{kdf: cfg.KDF, iterations: cfg.Iterations, now: cfg.Now}
	if d.kdf == nil {
		d.kdf = PBKDF2{}
	}
	if d.iterations <= 0 {
		d.iterations = DefaultIterations
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Iterations returns the configured iteration count.
func (d *Deriver) Iterations() int {
	return d.iterations
}

// Derive stretches input into a 32-byte key. It refuses
// to run when the confidence baseline is below the freeze
// threshold.
func (d *Deriver) Derive(
	input []byte,
	att *attestation.Attestation,
	baseline float64,
) (*Handle, error) {
	if baseline < attestation.MinBaseline {
		return nil, fault.WithScore(fault.KindPhiBelowThreshold, baseline)
	}
	if att == nil {
		return nil, fault.New(
			fault.KindMissingKeyInput, "attestation required for salt",
		)
	}
	if len(input) > MaxInputSize {
		return nil, fault.Newf(
			fault.KindPasswordTooLong,
			"input of %d bytes exceeds %d", len(input), MaxInputSize,
		)
	}

	entropy := att.Entropy()
	salt := entropy[:SaltSize]
	out, err := d.kdf.Key(input, salt, d.iterations, KeySize)
	if err != nil {
		zero(out)
		return nil, fault.Wrap(fault.KindInvalidKeyLength, "derive", err)
	}
	if len(out) != KeySize {
		n := len(out)
		zero(out)
		return nil, fault.Newf(
			fault.KindInvalidKeyLength,
			"kdf returned %d bytes, want %d", n, KeySize,
		)
	}

	return &Handle{
		key: out,
		meta: Metadata{
			Source:     SourceDerived,
			Iterations: d.iterations,
			SaltDigest: sha256.Sum256(salt),
			Baseline:   baseline,
			CreatedAt:  d.now(),
		},
	}, nil
}
