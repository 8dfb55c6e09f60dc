package attestation

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

// ReplayGuard tracks the highest accepted sequence number
// per requester key. A record whose sequence is not
// strictly greater than the last accepted one for the
// same key is a replay. Idle requesters are evicted after
// ttl inline during Accept.
type ReplayGuard struct { // A
	mu      sync.Mutex
	entries map[string]replayEntry
	ttl     time.Duration
	clock   Clock
}

type replayEntry struct { // A
	sequence uint64
	seenAt   time.Time
}

// NewReplayGuard creates a ReplayGuard. A zero ttl keeps
// entries forever; a nil clock uses wall time.
func NewReplayGuard( // A
	ttl time.Duration,
	clock Clock,
) *ReplayGuard {
	if clock == nil {
		clock = realClock{}
	}
	return &ReplayGuard{
		entries: make(map[string]replayEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Check reports whether att would be accepted without
// recording it.
func (g *ReplayGuard) Check(att *Attestation) error { // A
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanup()
	return g.check(att)
}

// Accept records att's sequence number if it is fresh.
func (g *ReplayGuard) Accept(att *Attestation) error { // A
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanup()
	if err := g.check(att); err != nil {
		return err
	}
	g.entries[hex.EncodeToString(att.requesterPubKey)] = replayEntry{
		sequence: att.sequence,
		seenAt:   g.clock.Now(),
	}
	return nil
}

// Next returns the sequence number the requester must
// use for its next attestation.
func (g *ReplayGuard) Next(pubKey []byte) uint64 { // A
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[hex.EncodeToString(pubKey)]
	if !ok {
		return 1
	}
	return e.sequence + 1
}

// check must be called with mu held.
func (g *ReplayGuard) check(att *Attestation) error { // A
	if att == nil {
		return fault.New(fault.KindReplay, "attestation must not be nil")
	}
	if att.sequence == 0 {
		return fault.New(fault.KindReplay, "sequence must start at 1")
	}
	prev, ok := g.entries[hex.EncodeToString(att.requesterPubKey)]
	if ok && att.sequence <= prev.sequence {
		return fault.Newf(
			fault.KindReplay,
			"sequence %d not after %d", att.sequence, prev.sequence,
		)
	}
	return nil
}

// cleanup evicts expired entries. Must be called with
// mu held.
func (g *ReplayGuard) cleanup() { // A
	if g.ttl <= 0 {
		return
	}
	cutoff := g.clock.Now().Add(-g.ttl)
	for k, v := range g.entries {
		if v.seenAt.Before(cutoff) {
			delete(g.entries, k)
		}
	}
}
