package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// Envelope is the wire layout of a ciphertext accepted
// by the engine: IV(12) || body || tag(16).
type Envelope struct {
	IV   []byte
	Body []byte
	Tag  []byte
}

// ParseEnvelope splits raw into its parts. The returned
// slices alias raw.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if len(raw) > MaxCiphertextSize {
		return Envelope{}, fault.Newf(
			fault.KindCiphertextTooLarge,
			"ciphertext of %d bytes exceeds %d", len(raw), MaxCiphertextSize,
		)
	}
	if len(raw) < IVSize+TagSize {
		return Envelope{}, fault.Newf(
			fault.KindMalformedEnvelope,
			"envelope of %d bytes shorter than IV and tag", len(raw),
		)
	}
	return Envelope{
		IV:   raw[:IVSize],
		Body: raw[IVSize : len(raw)-TagSize],
		Tag:  raw[len(raw)-TagSize:],
	}, nil
}

// Bytes serializes the envelope.
func (e Envelope) Bytes() []byte {
	out := make([]byte, 0, len(e.IV)+len(e.Body)+len(e.Tag))
	out = append(out, e.IV...)
	out = append(out, e.Body...)
	out = append(out, e.Tag...)
	return out
}

// Seal encrypts plaintext with AES-256-GCM and returns
// the envelope bytes. It is the producer-side counterpart
// of the engine and is used by tools and tests.
func Seal(key, iv, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("IV must be %d bytes", IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	body := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return Envelope{IV: iv, Body: body, Tag: tag}.Bytes(), nil
}
