package auditchain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// AppendParams is the content of a new entry. Sequence,
// PrevLink and Link are assigned by the chain.
type AppendParams struct {
	OperationID    uuid.UUID
	AttestationRef [32]byte
	PlaintextHash  [32]byte
	AADHash        [32]byte
	HasAAD         bool
	Outcome        string
	Confidence     Confidence
	Timestamp      time.Time
}

// Report is the detailed outcome of a verification pass.
type Report struct {
	Valid   bool
	Entries int
	// BrokenAt is the sequence position where verification
	// first failed, 0 when Valid.
	BrokenAt uint64
	Reason   string
}

// Chain appends to and verifies a Store. The tail is
// cached so appends do not re-read the store.
type Chain struct {
	mu      sync.Mutex
	store   Store
	tail    Entry
	hasTail bool
}

// Open recovers the chain tail from store.
func Open(store Store) (*Chain, error) {
	if store == nil {
		return nil, errors.New("auditchain: store is required")
	}
	last, ok, err := store.Last()
	if err != nil {
		return nil, fmt.Errorf("recover audit tail: %w", err)
	}
	return &Chain{store: store, tail: last, hasTail: ok}, nil
}

// Append links a new entry after the tail and persists it.
func (c *Chain) Append(p AppendParams) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{
		Sequence:       1,
		OperationID:    p.OperationID,
		AttestationRef: p.AttestationRef,
		PlaintextHash:  p.PlaintextHash,
		AADHash:        p.AADHash,
		HasAAD:         p.HasAAD,
		Outcome:        p.Outcome,
		Confidence:     p.Confidence,
		Timestamp:      p.Timestamp.UTC(),
	}
	if c.hasTail {
		e.Sequence = c.tail.Sequence + 1
		e.PrevLink = c.tail.Link
	}

	link, err := e.ComputeLink()
	if err != nil {
		return Entry{}, fault.Wrap(fault.KindAuditFailure, "compute link", err)
	}
	e.Link = link

	if err := c.store.Append(e); err != nil {
		return Entry{}, fault.Wrap(fault.KindAuditFailure, "persist entry", err)
	}
	c.tail = e
	c.hasTail = true
	return e, nil
}

// Tail returns the newest entry.
func (c *Chain) Tail() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail, c.hasTail
}

// Len returns the number of stored entries.
func (c *Chain) Len() (int, error) {
	return c.store.Len()
}

// Entries returns every stored entry in order.
func (c *Chain) Entries() ([]Entry, error) {
	var out []Entry
	err := c.store.Iterate(func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// VerifyChain recomputes every link from genesis. It
// returns false on any altered field, gap, reordering or
// broken link; the error is reserved for store failures.
func (c *Chain) VerifyChain() (bool, error) {
	r, err := c.Verify()
	return r.Valid, err
}

// Verify is VerifyChain with the position and reason of
// the first failure.
func (c *Chain) Verify() (Report, error) {
	return Verify(c.store)
}

var errStop = errors.New("stop")

// Verify checks the chain held by store.
func Verify(store Store) (Report, error) {
	var (
		r        = Report{Valid: true}
		expected = uint64(1)
		prev     [32]byte
	)
	fail := func(at uint64, reason string) error {
		r.Valid = false
		r.BrokenAt = at
		r.Reason = reason
		return errStop
	}

	err := store.Iterate(func(e Entry) error {
		r.Entries++
		if e.Sequence != expected {
			return fail(expected, fmt.Sprintf("sequence %d, want %d", e.Sequence, expected))
		}
		if e.PrevLink != prev {
			return fail(expected, "previous link mismatch")
		}
		link, err := e.ComputeLink()
		if err != nil {
			return err
		}
		if link != e.Link {
			return fail(expected, "content does not match link")
		}
		prev = e.Link
		expected++
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return Report{}, fault.Wrap(fault.KindAuditFailure, "iterate audit chain", err)
	}
	return r, nil
}
