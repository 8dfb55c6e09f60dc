package attestation

import "math"

// EntropyProfile scores how well an entropy sample
// matches the expected entropy source. Implementations
// must be deterministic and return a value in [0,1].
type EntropyProfile interface {
	Correlate(sample [EntropySize]byte) float64
}

// DefaultExpectedEntropyBits is the Shannon entropy a
// 64-byte draw from a uniform byte source reaches in
// practice; the theoretical maximum is 6 bits.
const DefaultExpectedEntropyBits = 5.6

// ShannonProfile compares the empirical Shannon entropy
// of the sample against the entropy expected from the
// source.
type ShannonProfile struct {
	ExpectedBits float64
}

// Correlate returns H(sample)/ExpectedBits clamped to
// [0,1].
func (p ShannonProfile) Correlate(sample [EntropySize]byte) float64 {
	expected := p.ExpectedBits
	if expected <= 0 {
		expected = DefaultExpectedEntropyBits
	}
	return clamp01(shannonBits(sample[:]) / expected)
}

// shannonBits returns the empirical Shannon entropy of b
// in bits per symbol.
func shannonBits(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, v := range b {
		counts[v]++
	}
	n := float64(len(b))
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
