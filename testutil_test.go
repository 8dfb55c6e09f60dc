package sentinel

import (
	"crypto/ed25519"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/aead"
	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/keymaterial"
	"github.com/stretchr/testify/require"
)

const testIterations = 2

var (
	testPassword = []byte("correct horse battery staple")
	testIV       = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	testNow      = time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testSigner(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(0x40 + i)
	}
	return ed25519.NewKeyFromSeed(seed)
}

// highEntropy has 64 distinct bytes and so passes gate 5.
func highEntropy() [attestation.EntropySize]byte {
	var e [attestation.EntropySize]byte
	for i := range e {
		e[i] = byte(i*7 + 3)
	}
	return e
}

func newAttestation(t *testing.T, seq uint64, mutate func(*attestation.Params)) *attestation.Attestation {
	t.Helper()
	p := attestation.Params{
		Domain:               attestation.DefaultDomain(),
		Entropy:              highEntropy(),
		CreationConfidence:   1.0,
		Sequence:             seq,
		SecondaryCorrelation: 0.93,
	}
	p.Nonce[0] = byte(seq)
	if mutate != nil {
		mutate(&p)
	}
	att, err := attestation.Sign(p, testSigner(t))
	require.NoError(t, err)
	return att
}

// deriveKey reproduces the engine's derivation for the
// producer side of a test.
func deriveKey(t *testing.T, password []byte, att *attestation.Attestation) []byte {
	t.Helper()
	entropy := att.Entropy()
	key, err := keymaterial.PBKDF2{}.Key(password, entropy[:keymaterial.SaltSize], testIterations, keymaterial.KeySize)
	require.NoError(t, err)
	return key
}

func sealFor(t *testing.T, att *attestation.Attestation, plaintext, aad []byte) []byte {
	t.Helper()
	raw, err := aead.Seal(deriveKey(t, testPassword, att), testIV, plaintext, aad)
	require.NoError(t, err)
	return raw
}

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Logger:        quietLogger(),
		Clock:         fixedClock{testNow},
		KDFIterations: testIterations,
		Sequential:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// recordingKDF wraps PBKDF2 and keeps every buffer it
// hands out so tests can check they were zeroed.
type recordingKDF struct {
	mu   sync.Mutex
	bufs [][]byte
}

func (k *recordingKDF) Key(password, salt []byte, iterations, keyLen int) ([]byte, error) {
	out, err := keymaterial.PBKDF2{}.Key(password, salt, iterations, keyLen)
	k.mu.Lock()
	k.bufs = append(k.bufs, out)
	k.mu.Unlock()
	return out, err
}

func (k *recordingKDF) allZero() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, b := range k.bufs {
		for _, v := range b {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// flakyPrimitive fails the listed call numbers (1-based)
// and delegates the rest to AES-GCM.
type flakyPrimitive struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
	flip  map[int]bool
}

func (p *flakyPrimitive) Open(key, iv, ct, tag, aad []byte) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if p.fail[n] {
		return nil, errFlaky
	}
	out, err := aead.AESGCM{}.Open(key, iv, ct, tag, aad)
	if err == nil && p.flip[n] && len(out) > 0 {
		out[0] ^= 0xff
	}
	return out, err
}

func (p *flakyPrimitive) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
