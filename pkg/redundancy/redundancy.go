// Package redundancy runs a computation on three
// execution slots and reconciles the outcomes by
// agreement. A slot that fails while the other two agree
// is quenched until Rearm; two or more failures, or any
// disagreement between successes, quench every slot.
package redundancy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
	workerpool "github.com/i5heu/ouroboros-sentinel/pkg/workerPool"
)

// SlotCount is the number of redundant execution slots.
const SlotCount = 3

const (
	logKeySlot      = "slot"
	logKeySuccesses = "successes"
	logKeyReason    = "reason"
)

// Outcome classifies a completed vote.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeConsensus
	OutcomeDegradedConsensus
	OutcomeFullFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConsensus:
		return "consensus"
	case OutcomeDegradedConsensus:
		return "degraded_consensus"
	case OutcomeFullFailure:
		return "full_failure"
	default:
		return "none"
	}
}

// State is the controller state machine position.
type State uint8

const (
	StateIdle State = iota
	StateAttemptsInFlight
	StateConsensus
	StateDegradedConsensus
	StateFullFailure
)

func (s State) String() string {
	switch s {
	case StateAttemptsInFlight:
		return "attempts_in_flight"
	case StateConsensus:
		return "consensus"
	case StateDegradedConsensus:
		return "degraded_consensus"
	case StateFullFailure:
		return "full_failure"
	default:
		return "idle"
	}
}

// AttemptFunc performs one independent attempt for the
// given slot. It is treated as atomic: the controller
// never interrupts it.
type AttemptFunc func(slot int) ([]byte, error)

// Attempt is the outcome of one slot.
type Attempt struct {
	Slot      int
	Plaintext []byte
	Err       error
	Skipped   bool
}

// Succeeded reports whether the attempt produced output.
func (a Attempt) Succeeded() bool {
	return !a.Skipped && a.Err == nil
}

// AttemptSet holds exactly one outcome per slot.
type AttemptSet [SlotCount]Attempt

// Successes counts successful attempts.
func (s AttemptSet) Successes() int {
	n := 0
	for _, a := range s {
		if a.Succeeded() {
			n++
		}
	}
	return n
}

// Disagreement records successful attempts whose outputs
// differed. Only digests are kept.
type Disagreement struct {
	Slots   []int
	Digests [][32]byte
	At      time.Time
}

// Result is the controller's verdict for one Execute.
type Result struct {
	Outcome      Outcome
	Plaintext    []byte
	Attempts     AttemptSet
	QuenchedSlot int
	Disagreement *Disagreement
}

// Health is a snapshot of slot health.
type Health struct {
	Quenched         [SlotCount]bool
	Operational      bool
	State            State
	Consensus        uint64
	Degraded         uint64
	Failures         uint64
	LastDisagreement *Disagreement
}

// ActiveSlots counts slots that are not quenched.
func (h Health) ActiveSlots() int {
	n := 0
	for _, q := range h.Quenched {
		if !q {
			n++
		}
	}
	return n
}

// Config configures a Controller.
type Config struct {
	// Pool runs attempts concurrently. When nil and
	// Sequential is false, the controller owns a pool.
	Pool       *workerpool.WorkerPool
	Sequential bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// Controller owns slot health. Execute calls are
// serialized so quench decisions never interleave.
type Controller struct {
	mu         sync.Mutex
	pool       *workerpool.WorkerPool
	ownsPool   bool
	sequential bool
	log        *slog.Logger
	now        func() time.Time

	quenched         [SlotCount]bool
	disabled         bool
	state            State
	consensus        uint64
	degraded         uint64
	failures         uint64
	lastDisagreement *Disagreement
}

// NewController creates an armed controller.
func NewController(cfg Config) *Controller {
	c := &Controller{
		pool:       cfg.Pool,
		sequential: cfg.Sequential,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.now == nil {
		c.now = time.Now
	}
	if !c.sequential && c.pool == nil {
		c.pool = workerpool.NewWorkerPool(workerpool.Config{
			WorkerCount:  SlotCount,
			GlobalBuffer: SlotCount,
		})
		c.ownsPool = true
	}
	return c
}

// Close releases the controller's own pool, if any.
func (c *Controller) Close() {
	if c.ownsPool {
		c.pool.Close()
	}
}

// Execute runs fn on every armed slot, waits for all
// outcomes and votes. A context that is done before or
// after the attempts counts as a complete failure.
func (c *Controller) Execute(ctx context.Context, fn AttemptFunc) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{QuenchedSlot: -1}
	if c.disabled {
		res.Outcome = OutcomeFullFailure
		return res, fault.New(
			fault.KindTMRCompleteFailure, "redundancy disabled, re-arm required",
		)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(res, fmt.Sprintf("deadline before attempts: %v", err))
	}

	c.state = StateAttemptsInFlight
	res.Attempts = c.run(fn)

	if err := ctx.Err(); err != nil {
		return c.fail(res, fmt.Sprintf("deadline during attempts: %v", err))
	}
	return c.vote(res)
}

// run executes fn on each armed slot and returns the
// outcomes indexed by slot.
func (c *Controller) run(fn AttemptFunc) AttemptSet {
	var set AttemptSet
	for slot := range set {
		set[slot] = Attempt{Slot: slot}
		if c.quenched[slot] {
			set[slot].Skipped = true
			set[slot].Err = fmt.Errorf("slot %d quenched", slot)
		}
	}

	if c.sequential {
		for slot := range set {
			if !set[slot].Skipped {
				set[slot] = guarded(fn, slot)
			}
		}
		return set
	}

	room := c.pool.CreateRoom(SlotCount)
	for slot := range set {
		if set[slot].Skipped {
			continue
		}
		slot := slot
		if err := room.Submit(func() interface{} { return guarded(fn, slot) }); err != nil {
			set[slot].Err = fmt.Errorf("submit slot %d: %w", slot, err)
		}
	}
	for _, r := range room.Collect() {
		a := r.(Attempt)
		set[a.Slot] = a
	}
	return set
}

// guarded runs one attempt and turns a panic into an
// attempt failure.
func guarded(fn AttemptFunc, slot int) (a Attempt) {
	a.Slot = slot
	defer func() {
		if r := recover(); r != nil {
			a.Plaintext = nil
			a.Err = fmt.Errorf("slot %d panicked: %v", slot, r)
		}
	}()
	a.Plaintext, a.Err = fn(slot)
	if a.Err != nil {
		a.Plaintext = nil
	}
	return a
}

// vote must be called with mu held.
func (c *Controller) vote(res Result) (Result, error) {
	var ok []int
	for slot, a := range res.Attempts {
		if a.Succeeded() {
			ok = append(ok, slot)
		}
	}

	switch {
	case len(ok) == SlotCount:
		if d := c.disagreement(res.Attempts, ok); d != nil {
			res.Disagreement = d
			return c.fail(res, "three successes disagree")
		}
		res.Outcome = OutcomeConsensus
		res.Plaintext = res.Attempts[ok[0]].Plaintext
		c.state = StateConsensus
		c.consensus++
		return res, nil

	case len(ok) == SlotCount-1:
		if d := c.disagreement(res.Attempts, ok); d != nil {
			res.Disagreement = d
			return c.fail(res, "two successes disagree")
		}
		for slot, a := range res.Attempts {
			if a.Succeeded() {
				continue
			}
			if !c.quenched[slot] {
				c.quenched[slot] = true
				res.QuenchedSlot = slot
				c.log.Warn("redundancy slot quenched",
					logKeySlot, slot, logKeyReason, a.Err)
			}
		}
		res.Outcome = OutcomeDegradedConsensus
		res.Plaintext = res.Attempts[ok[0]].Plaintext
		c.state = StateDegradedConsensus
		c.degraded++
		return res, nil

	default:
		return c.fail(res, fmt.Sprintf("%d of %d attempts succeeded", len(ok), SlotCount))
	}
}

// disagreement returns nil when every listed attempt has
// byte-identical output.
func (c *Controller) disagreement(set AttemptSet, slots []int) *Disagreement {
	ref := set[slots[0]].Plaintext
	same := true
	for _, s := range slots[1:] {
		if !bytes.Equal(ref, set[s].Plaintext) {
			same = false
			break
		}
	}
	if same {
		return nil
	}
	d := &Disagreement{At: c.now()}
	for _, s := range slots {
		d.Slots = append(d.Slots, s)
		d.Digests = append(d.Digests, sha256.Sum256(set[s].Plaintext))
	}
	c.lastDisagreement = d
	return d
}

// fail quenches every slot and disables the controller.
// Must be called with mu held.
func (c *Controller) fail(res Result, reason string) (Result, error) {
	for slot := range c.quenched {
		c.quenched[slot] = true
	}
	c.disabled = true
	c.state = StateFullFailure
	c.failures++
	res.Outcome = OutcomeFullFailure
	res.Plaintext = nil
	c.log.Error("redundancy full quench",
		logKeySuccesses, res.Attempts.Successes(), logKeyReason, reason)
	return res, fault.Wrap(fault.KindTMRCompleteFailure, reason, firstCause(res.Attempts))
}

// firstCause returns the error of the lowest attempted
// slot that failed, if any.
func firstCause(set AttemptSet) error {
	for _, a := range set {
		if !a.Skipped && a.Err != nil {
			return a.Err
		}
	}
	return nil
}

// Rearm clears every quench and re-enables execution.
func (c *Controller) Rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quenched = [SlotCount]bool{}
	c.disabled = false
	c.state = StateIdle
	c.log.Info("redundancy re-armed")
}

// Operational reports whether Execute may run.
func (c *Controller) Operational() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disabled
}

// Health returns a snapshot of slot health.
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		Quenched:         c.quenched,
		Operational:      !c.disabled,
		State:            c.state,
		Consensus:        c.consensus,
		Degraded:         c.degraded,
		Failures:         c.failures,
		LastDisagreement: c.lastDisagreement,
	}
}
