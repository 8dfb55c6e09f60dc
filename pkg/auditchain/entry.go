// Package auditchain keeps a tamper-evident, append-only
// record of successful decryptions. Each entry's link
// commits to the previous link and to the canonical CBOR
// encoding of the entry's content.
package auditchain

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ctxAuditLinkV1 separates audit links from every other
// hash computed by the engine.
const ctxAuditLinkV1 = "CTX_AUDIT_LINK_V1"

// Outcome labels stored in entries.
const (
	OutcomeConsensus = "consensus"
	OutcomeDegraded  = "degraded_consensus"
)

// Confidence is the validator verdict recorded with an
// entry.
type Confidence struct {
	Score       float64
	SampleCount int
	Coherence   float64
}

// Entry is one link of the chain. Entries never carry
// plaintext or key material, only digests.
type Entry struct {
	Sequence       uint64
	OperationID    uuid.UUID
	AttestationRef [32]byte
	PlaintextHash  [32]byte
	AADHash        [32]byte
	HasAAD         bool
	Outcome        string
	Confidence     Confidence
	Timestamp      time.Time
	PrevLink       [32]byte
	Link           [32]byte
}

// record is the stored form of an Entry. Field numbers
// are part of the format and must not be reused.
type record struct {
	Sequence       uint64   `cbor:"1,keyasint"`
	OperationID    []byte   `cbor:"2,keyasint"`
	AttestationRef [32]byte `cbor:"3,keyasint"`
	PlaintextHash  [32]byte `cbor:"4,keyasint"`
	AADHash        [32]byte `cbor:"5,keyasint"`
	HasAAD         bool     `cbor:"6,keyasint"`
	Outcome        string   `cbor:"7,keyasint"`
	Score          float64  `cbor:"8,keyasint"`
	SampleCount    int      `cbor:"9,keyasint"`
	Coherence      float64  `cbor:"10,keyasint"`
	TimestampNano  int64    `cbor:"11,keyasint"`
	PrevLink       [32]byte `cbor:"12,keyasint"`
	Link           []byte   `cbor:"13,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("auditchain: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("auditchain: cbor dec mode: %v", err))
	}
}

func (e Entry) record(withLink bool) record {
	r := record{
		Sequence:       e.Sequence,
		OperationID:    append([]byte(nil), e.OperationID[:]...),
		AttestationRef: e.AttestationRef,
		PlaintextHash:  e.PlaintextHash,
		AADHash:        e.AADHash,
		HasAAD:         e.HasAAD,
		Outcome:        e.Outcome,
		Score:          e.Confidence.Score,
		SampleCount:    e.Confidence.SampleCount,
		Coherence:      e.Confidence.Coherence,
		TimestampNano:  e.Timestamp.UnixNano(),
		PrevLink:       e.PrevLink,
	}
	if withLink {
		r.Link = append([]byte(nil), e.Link[:]...)
	}
	return r
}

func (r record) entry() (Entry, error) {
	id, err := uuid.FromBytes(r.OperationID)
	if err != nil {
		return Entry{}, fmt.Errorf("decode operation id: %w", err)
	}
	e := Entry{
		Sequence:       r.Sequence,
		OperationID:    id,
		AttestationRef: r.AttestationRef,
		PlaintextHash:  r.PlaintextHash,
		AADHash:        r.AADHash,
		HasAAD:         r.HasAAD,
		Outcome:        r.Outcome,
		Confidence: Confidence{
			Score:       r.Score,
			SampleCount: r.SampleCount,
			Coherence:   r.Coherence,
		},
		Timestamp: time.Unix(0, r.TimestampNano).UTC(),
		PrevLink:  r.PrevLink,
	}
	if len(r.Link) != len(e.Link) {
		return Entry{}, fmt.Errorf("link has %d bytes", len(r.Link))
	}
	copy(e.Link[:], r.Link)
	return e, nil
}

// ContentHash is SHA-256 of the canonical encoding of
// every field except Link.
func (e Entry) ContentHash() ([32]byte, error) {
	b, err := encMode.Marshal(e.record(false))
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode entry content: %w", err)
	}
	return sha256.Sum256(b), nil
}

// ComputeLink derives the link the entry should carry
// given its PrevLink and content.
func (e Entry) ComputeLink() ([32]byte, error) {
	content, err := e.ContentHash()
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write([]byte(ctxAuditLinkV1))
	h.Write(e.PrevLink[:])
	h.Write(content[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// MarshalEntry encodes e including its link.
func MarshalEntry(e Entry) ([]byte, error) {
	b, err := encMode.Marshal(e.record(true))
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return b, nil
}

// UnmarshalEntry decodes an entry produced by
// MarshalEntry.
func UnmarshalEntry(b []byte) (Entry, error) {
	var r record
	if err := decMode.Unmarshal(b, &r); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return r.entry()
}
