package attestation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	ctxAttestedDecryptV1 = "CTX_ATTESTED_DECRYPT_V1"
	ctxAttestationRefV1  = "CTX_ATTESTATION_REF_V1"
)

// DefaultDomainLabel is hashed into the default domain
// separator expected by the verifier.
const DefaultDomainLabel = "OUROBOROS_SENTINEL_DECRYPT_V1"

// DefaultDomain returns SHA-256(DefaultDomainLabel).
func DefaultDomain() [DomainSize]byte { // A
	return sha256.Sum256([]byte(DefaultDomainLabel))
}

// canonicalSerialize encodes every field except the
// signature into a deterministic binary representation:
// len(PubKey)(4, BE) || PubKey || Domain(32) ||
// Frozen(1) || Entropy(64) ||
// CreationConfidence(8, IEEE-754 BE) ||
// CorrelationID(48) || Nonce(16) || PrevHash(32) ||
// Sequence(8, BE) || SecondaryCorrelation(8, IEEE-754 BE).
func canonicalSerialize(a *Attestation) ([]byte, error) { // A
	if len(a.requesterPubKey) > math.MaxUint32 {
		return nil, fmt.Errorf(
			"public key too large: %d bytes",
			len(a.requesterPubKey),
		)
	}
	size := 4 + len(a.requesterPubKey) + DomainSize + 1 +
		EntropySize + 8 + CorrelationIDSize + NonceSize +
		PrevHashSize + 8 + 8
	buf := make([]byte, 0, size)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(
		lenBuf[:], uint32(len(a.requesterPubKey)), //#nosec G115
	)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, a.requesterPubKey...)
	buf = append(buf, a.domain[:]...)

	if a.frozen {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, a.entropy[:]...)

	var word [8]byte
	binary.BigEndian.PutUint64(
		word[:], math.Float64bits(a.creationConfidence),
	)
	buf = append(buf, word[:]...)

	buf = append(buf, a.correlationID[:]...)
	buf = append(buf, a.nonce[:]...)
	buf = append(buf, a.prevOperationHash[:]...)

	binary.BigEndian.PutUint64(word[:], a.sequence)
	buf = append(buf, word[:]...)

	binary.BigEndian.PutUint64(
		word[:], math.Float64bits(a.secondaryCorrelation),
	)
	buf = append(buf, word[:]...)

	return buf, nil
}

// SigningMessage prepends the domain separation context
// to the canonical serialization. This is the exact byte
// string the requester signs.
func (a *Attestation) SigningMessage() ([]byte, error) { // A
	canon, err := canonicalSerialize(a)
	if err != nil {
		return nil, err
	}
	ctx := []byte(ctxAttestedDecryptV1)
	payload := make([]byte, 0, len(ctx)+len(canon))
	payload = append(payload, ctx...)
	payload = append(payload, canon...)
	return payload, nil
}

// Ref returns a stable reference to this attestation for
// audit records: SHA-256 over the signing message and the
// signature.
func (a *Attestation) Ref() ([32]byte, error) { // A
	msg, err := a.SigningMessage()
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write([]byte(ctxAttestationRefV1))
	h.Write(msg)
	h.Write(a.signature[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Sign builds an attestation from params, with the
// requester key taken from priv, and signs it. The
// Signature and RequesterPubKey fields of params are
// ignored.
func Sign( // A
	params Params,
	priv ed25519.PrivateKey,
) (*Attestation, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	params.RequesterPubKey = pub
	params.Signature = [SignatureSize]byte{}

	unsigned, err := New(params)
	if err != nil {
		return nil, err
	}
	msg, err := unsigned.SigningMessage()
	if err != nil {
		return nil, err
	}
	copy(unsigned.signature[:], ed25519.Sign(priv, msg))
	return unsigned, nil
}
