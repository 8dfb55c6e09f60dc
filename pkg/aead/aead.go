// Package aead wraps the external AES-GCM primitive with
// the IV and tag checks the engine performs locally
// before delegating.
package aead

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// MinIVUniqueness is the lowest accepted share of
// distinct bytes in an IV.
const MinIVUniqueness = 0.5

// ErrAuthentication is returned by AESGCM when the tag
// does not authenticate the ciphertext under the key.
// Primitives should wrap it for the same condition so that
// callers can tell a rejected key from a faulty primitive.
var ErrAuthentication = errors.New("aead: message authentication failed")

// Primitive is the external AEAD open operation. It must
// return an error when authentication fails.
type Primitive interface {
	Open(key, iv, ciphertext, tag, aad []byte) ([]byte, error)
}

// AESGCM opens AES-256-GCM ciphertexts with a detached
// 16-byte tag.
type AESGCM struct{}

// Open authenticates and decrypts ciphertext.
func (AESGCM) Open(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return plaintext, nil
}

// Input is everything one decryption attempt needs.
type Input struct {
	Ciphertext     []byte
	Key            []byte
	IV             []byte
	Tag            []byte
	AssociatedData []byte
	Attestation    *attestation.Attestation
}

// IVValidation reports the local IV checks.
type IVValidation struct {
	Valid           bool
	Reason          string
	UniquenessScore float64
	EntropyOverlap  bool
}

// TagValidation reports the tag checks.
type TagValidation struct {
	Valid  bool
	Reason string
}

// Output is a successful decryption with its validation
// metadata. AADHash is zero when no associated data was
// supplied.
type Output struct {
	Plaintext []byte
	IV        IVValidation
	Tag       TagValidation
	AADHash   [32]byte
	HasAAD    bool
}

// Adapter validates IV and tag format and then delegates
// to the Primitive. It is stateless and safe for
// concurrent use.
type Adapter struct {
	primitive Primitive
}

// NewAdapter creates an Adapter; a nil primitive selects
// AESGCM.
func NewAdapter(p Primitive) *Adapter {
	if p == nil {
		p = AESGCM{}
	}
	return &Adapter{primitive: p}
}

// Decrypt runs one decryption attempt.
func (a *Adapter) Decrypt(in Input) (Output, error) {
	var entropy [attestation.EntropySize]byte
	if in.Attestation != nil {
		entropy = in.Attestation.Entropy()
	}
	ivv := ValidateIV(in.IV, entropy)
	if !ivv.Valid {
		return Output{IV: ivv}, fault.New(fault.KindInvalidIV, ivv.Reason)
	}
	if len(in.Tag) != TagSize {
		reason := fmt.Sprintf("tag must be %d bytes, got %d", TagSize, len(in.Tag))
		return Output{IV: ivv, Tag: TagValidation{Reason: reason}},
			fault.New(fault.KindInvalidTag, reason)
	}
	if len(in.Key) != KeySize {
		return Output{IV: ivv}, fault.Newf(
			fault.KindInvalidKeyLength,
			"key must be %d bytes, got %d", KeySize, len(in.Key),
		)
	}

	plaintext, err := a.primitive.Open(in.Key, in.IV, in.Ciphertext, in.Tag, in.AssociatedData)
	if err != nil {
		tv := TagValidation{Reason: "authentication failed"}
		return Output{IV: ivv, Tag: tv},
			fault.Wrap(fault.KindInvalidTag, tv.Reason, err)
	}

	out := Output{
		Plaintext: plaintext,
		IV:        ivv,
		Tag:       TagValidation{Valid: true},
	}
	if in.AssociatedData != nil {
		out.AADHash = sha256.Sum256(in.AssociatedData)
		out.HasAAD = true
	}
	return out, nil
}

// ValidateIV checks length, byte diversity and that the
// IV was not lifted from the attestation entropy sample.
func ValidateIV(iv []byte, entropy [attestation.EntropySize]byte) IVValidation {
	if len(iv) != IVSize {
		return IVValidation{
			Reason: fmt.Sprintf("IV must be %d bytes, got %d", IVSize, len(iv)),
		}
	}
	for i := 0; i+IVSize <= len(entropy); i++ {
		if bytes.Equal(iv, entropy[i:i+IVSize]) {
			return IVValidation{
				Reason:         "IV reuses attestation entropy",
				EntropyOverlap: true,
			}
		}
	}
	var seen [256]bool
	distinct := 0
	for _, b := range iv {
		if !seen[b] {
			seen[b] = true
			distinct++
		}
	}
	score := float64(distinct) / IVSize
	if score < MinIVUniqueness {
		return IVValidation{
			Reason:          fmt.Sprintf("IV uniqueness %.3f below %.2f", score, MinIVUniqueness),
			UniquenessScore: score,
		}
	}
	return IVValidation{Valid: true, UniquenessScore: score}
}
