package attestation

import (
	"crypto/ed25519"
	"testing"
	"time"
)

// testKey returns a deterministic Ed25519 key pair.
func testKey(t *testing.T, seed byte) ed25519.PrivateKey { // A
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed + byte(i)
	}
	return ed25519.NewKeyFromSeed(s)
}

// highEntropy returns a sample with 64 distinct bytes,
// which scores the maximum correlation.
func highEntropy() [EntropySize]byte { // A
	var e [EntropySize]byte
	for i := range e {
		e[i] = byte(i*7 + 3)
	}
	return e
}

// validParams returns params that pass every gate under
// the default verifier.
func validParams() Params { // A
	p := Params{
		Domain:               DefaultDomain(),
		Entropy:              highEntropy(),
		CreationConfidence:   1.0,
		Sequence:             1,
		SecondaryCorrelation: 0.91,
	}
	for i := range p.CorrelationID {
		p.CorrelationID[i] = byte(i)
	}
	p.Nonce[0] = 0x42
	return p
}

// signed signs params with a deterministic test key.
func signed(t *testing.T, p Params) *Attestation { // A
	t.Helper()
	att, err := Sign(p, testKey(t, 1))
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	return att
}

// fakeClock is a test clock with a controllable Now().
type fakeClock struct { // A
	now time.Time
}

func (c *fakeClock) Now() time.Time { // A
	return c.now
}
