// Package keymaterial owns derived key buffers. A Handle
// is the only holder of key bytes inside the engine and
// zeroes them in place on Destroy.
package keymaterial

import (
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/aead"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
	"golang.org/x/crypto/pbkdf2"
)

// Derivation parameters.
const (
	DefaultIterations = 600_000
	SaltSize          = 32
	KeySize           = aead.KeySize
	MaxInputSize      = aead.MaxCiphertextSize / 2
)

// ErrDestroyed is returned when a destroyed handle is
// used.
var ErrDestroyed = errors.New("keymaterial: handle destroyed")

// KDF is the external key-derivation primitive.
type KDF interface {
	Key(password, salt []byte, iterations, keyLen int) ([]byte, error)
}

// PBKDF2 derives keys with PBKDF2-HMAC-SHA256.
type PBKDF2 struct{}

// Key runs PBKDF2-HMAC-SHA256.
func (PBKDF2) Key(password, salt []byte, iterations, keyLen int) ([]byte, error) {
	if iterations < 1 {
		return nil, errors.New("pbkdf2: iterations must be positive")
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
}

// Source tells how a handle's bytes were obtained.
type Source uint8

const (
	SourceDerived Source = iota + 1
	SourceSupplied
)

// Metadata describes the derivation that produced a key.
// It never contains secret material.
type Metadata struct {
	Source     Source
	Iterations int
	SaltDigest [32]byte
	Baseline   float64
	CreatedAt  time.Time
}

// Handle wraps a fixed-length secret. Access goes through
// Use so the buffer never escapes the handle's lifetime.
type Handle struct {
	mu        sync.RWMutex
	key       []byte
	destroyed bool
	meta      Metadata
}

// FromBytes wraps a caller-supplied key. The handle takes
// ownership of key and zeroes it on Destroy.
func FromBytes(key []byte) (*Handle, error) {
	if len(key) != KeySize {
		zero(key)
		return nil, fault.Newf(
			fault.KindInvalidKeyLength,
			"key must be %d bytes, got %d", KeySize, len(key),
		)
	}
	return &Handle{
		key:  key,
		meta: Metadata{Source: SourceSupplied, CreatedAt: time.Now()},
	}, nil
}

// Use calls fn with the key bytes. fn must not retain
// the slice. Concurrent Use calls are allowed.
func (h *Handle) Use(fn func(key []byte) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.destroyed {
		return ErrDestroyed
	}
	return fn(h.key)
}

// Metadata returns the derivation metadata.
func (h *Handle) Metadata() Metadata {
	return h.meta
}

// Destroy zeroes the key buffer in place. It is safe to
// call more than once.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	zero(h.key)
	h.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (h *Handle) Destroyed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.destroyed
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
