// Package sentinel decrypts ciphertexts only for callers
// holding a verified attestation. Each decryption passes
// five attestation gates, runs three times with majority
// voting, is scored for plausibility and is recorded in a
// hash-linked audit chain.
//
// Example:
//
//	eng, err := sentinel.New(sentinel.Config{})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	res, err := eng.Decrypt(ctx, sentinel.Request{
//		Ciphertext:  envelope,
//		Attestation: att,
//		Password:    password,
//	})
package sentinel

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-sentinel/pkg/advisory"
	"github.com/i5heu/ouroboros-sentinel/pkg/aead"
	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/auditchain"
	"github.com/i5heu/ouroboros-sentinel/pkg/confidence"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
	"github.com/i5heu/ouroboros-sentinel/pkg/keymaterial"
	"github.com/i5heu/ouroboros-sentinel/pkg/metrics"
	"github.com/i5heu/ouroboros-sentinel/pkg/redundancy"
	workerpool "github.com/i5heu/ouroboros-sentinel/pkg/workerPool"
)

// BaselineSmoothing is the weight kept by the rolling
// baseline on every update. A released decryption pulls
// the baseline toward 1, a complete redundancy failure
// caused by the slots toward 0. Rearm restores the
// initial value.
const BaselineSmoothing = 0.95

// ErrClosed is returned by Decrypt after Close.
var ErrClosed = errors.New("sentinel: engine closed")

// Request is one decryption call. Exactly one of Password
// and Key must be set. A supplied Key is consumed: it is
// destroyed before Decrypt returns, whatever the outcome.
type Request struct {
	// Ciphertext is the envelope IV || body || tag.
	Ciphertext     []byte
	Attestation    *attestation.Attestation
	Password       []byte
	Key            *keymaterial.Handle
	AssociatedData []byte
}

// Result is a released plaintext with its provenance.
type Result struct {
	Plaintext         []byte
	GatesPassed       [attestation.GateCount]bool
	Confidence        confidence.Result
	CorrelationMetric float64
	Timestamp         time.Time
	Sequence          uint64
	OperationID       uuid.UUID
	Outcome           redundancy.Outcome
	// NextSequence is the sequence number the requester
	// must use for its next attestation.
	NextSequence uint64
	// AuditSequence is the chain position of this
	// operation, 0 when the append failed.
	AuditSequence uint64
	// AuditErr is set when the decryption succeeded but
	// could not be recorded.
	AuditErr error
}

// Health is a snapshot of engine state.
type Health struct {
	Operational  bool
	Redundancy   redundancy.Health
	Baseline     float64
	AuditEntries int
}

// Engine is the attestation-gated decryption engine. All
// state changes happen under one mutex held for a whole
// Decrypt call, so concurrent callers are serialized.
type Engine struct {
	mu  sync.Mutex
	log *slog.Logger

	verifier   *attestation.Verifier
	replay     *attestation.ReplayGuard
	enforceSeq bool
	deriver    *keymaterial.Deriver
	adapter    *aead.Adapter
	tmr        *redundancy.Controller
	pool       *workerpool.WorkerPool
	ownsPool   bool
	validator  *confidence.Validator
	chain      *auditchain.Chain
	store      auditchain.Store
	link       *advisory.Link
	metrics    *metrics.Metrics
	clock      attestation.Clock

	baseline        float64
	initialBaseline float64
	closed          bool
	closeOnce       sync.Once
}

// New builds an engine from cfg and recovers the audit
// tail from the configured store.
func New(cfg Config) (*Engine, error) { // A
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.InitialBaseline == 0 {
		cfg.InitialBaseline = 1.0
	}
	if cfg.InitialBaseline < 0 || cfg.InitialBaseline > 1 {
		return nil, fmt.Errorf("initial baseline %v outside [0,1]", cfg.InitialBaseline)
	}
	if cfg.AuditStore == nil {
		cfg.AuditStore = auditchain.NewMemoryStore()
	}

	chain, err := auditchain.Open(cfg.AuditStore)
	if err != nil {
		return nil, fmt.Errorf("open audit chain: %w", err)
	}

	e := &Engine{
		log: cfg.Logger,
		verifier: attestation.NewVerifier(attestation.VerifierConfig{
			Domain:     cfg.Domain,
			Signatures: cfg.Signatures,
			Entropy:    cfg.Entropy,
			Clock:      cfg.Clock,
		}),
		replay:     attestation.NewReplayGuard(cfg.ReplayTTL, cfg.Clock),
		enforceSeq: cfg.EnforceSequence,
		deriver: keymaterial.NewDeriver(keymaterial.Config{
			KDF:        cfg.KDF,
			Iterations: cfg.KDFIterations,
			Now:        cfg.Clock.Now,
		}),
		adapter:   aead.NewAdapter(cfg.Primitive),
		validator: confidence.NewValidator(cfg.Scorer, cfg.Clock),
		chain:     chain,
		store:     cfg.AuditStore,
		metrics:   metrics.New(cfg.Registerer),
		clock:     cfg.Clock,
		baseline:  cfg.InitialBaseline,
	}
	e.initialBaseline = e.baseline

	e.pool = cfg.Pool
	if !cfg.Sequential && e.pool == nil {
		workers := cfg.Workers
		if workers < redundancy.SlotCount {
			workers = redundancy.SlotCount
		}
		e.pool = workerpool.NewWorkerPool(workerpool.Config{
			WorkerCount:  workers,
			GlobalBuffer: workers * redundancy.SlotCount,
		})
		e.ownsPool = true
	}
	e.tmr = redundancy.NewController(redundancy.Config{
		Pool:       e.pool,
		Sequential: cfg.Sequential,
		Logger:     cfg.Logger,
		Now:        cfg.Clock.Now,
	})

	e.link = advisory.NewLink(advisory.Config{
		Channel:   cfg.Advisory,
		QueueSize: cfg.AdvisoryQueueSize,
		Timeout:   cfg.AdvisoryTimeout,
		Logger:    cfg.Logger,
		OnFailure: func(error) { e.metrics.IncrementAdvisoryFailure() },
	})

	e.metrics.SetBaseline(e.baseline)
	e.metrics.SetQuenchedSlots(0)
	return e, nil
}

// Decrypt verifies the attestation, decrypts the envelope
// on three redundant slots, scores the plaintext and
// records the operation. Plaintext is only returned on
// full success.
func (e *Engine) Decrypt(ctx context.Context, req Request) (*Result, error) {
	if req.Key != nil {
		defer req.Key.Destroy()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res, err := e.decrypt(ctx, req)
	e.metrics.ObserveDecryptLatency(time.Since(start))
	if err != nil {
		kind, _ := fault.KindOf(err)
		e.metrics.IncrementResult(kind.String())
		return nil, err
	}
	e.metrics.IncrementResult("ok")
	return res, nil
}

// decrypt must be called with mu held.
func (e *Engine) decrypt(ctx context.Context, req Request) (*Result, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if !e.tmr.Operational() {
		return nil, fault.New(
			fault.KindTMRCompleteFailure, "redundancy disabled, re-arm required",
		)
	}

	gates, err := e.verifier.Verify(req.Attestation, e.baseline)
	if err != nil {
		if kind, ok := fault.KindOf(err); ok && kind.IsGate() {
			e.metrics.IncrementGateFailure(strconv.Itoa(kind.Gate()))
		}
		e.log.Warn("attestation rejected", keyError, err)
		return nil, err
	}
	att := req.Attestation

	if e.enforceSeq {
		if err := e.replay.Check(att); err != nil {
			e.log.Warn("attestation replay rejected",
				keySequence, att.Sequence(), keyError, err)
			return nil, err
		}
	}

	env, err := aead.ParseEnvelope(req.Ciphertext)
	if err != nil {
		e.log.Warn("ciphertext rejected", keySize, len(req.Ciphertext), keyError, err)
		return nil, err
	}

	key, err := e.keyFor(req)
	if err != nil {
		return nil, err
	}
	if key != req.Key {
		defer key.Destroy()
	}

	vote, err := e.tmr.Execute(ctx, func(int) ([]byte, error) {
		var plaintext []byte
		uerr := key.Use(func(k []byte) error {
			out, derr := e.adapter.Decrypt(aead.Input{
				Ciphertext:     env.Body,
				Key:            k,
				IV:             env.IV,
				Tag:            env.Tag,
				AssociatedData: req.AssociatedData,
				Attestation:    att,
			})
			plaintext = out.Plaintext
			return derr
		})
		return plaintext, uerr
	})
	e.metrics.IncrementOutcome(vote.Outcome.String())
	e.metrics.SetQuenchedSlots(redundancy.SlotCount - e.tmr.Health().ActiveSlots())
	if err != nil {
		if !callerFault(ctx, vote) {
			e.updateBaseline(0)
		}
		e.log.Error("redundant decryption failed",
			keyBaseline, e.baseline, keyError, err)
		return nil, err
	}
	if vote.QuenchedSlot >= 0 {
		e.log.Warn("decryption degraded", keyQuenched, vote.QuenchedSlot)
	}

	conf, err := e.validator.Validate(vote.Plaintext, att, e.baseline)
	e.metrics.ObserveConfidence(conf.Score)
	if err != nil {
		e.log.Warn("plaintext rejected by confidence check",
			keyScore, conf.Score, keyError, err)
		return nil, err
	}

	if e.enforceSeq {
		if err := e.replay.Accept(att); err != nil {
			return nil, err
		}
	}

	result := &Result{
		Plaintext:         vote.Plaintext,
		GatesPassed:       gates.Passed,
		Confidence:        conf,
		CorrelationMetric: gates.SecondaryCorrelation,
		Timestamp:         e.clock.Now(),
		Sequence:          att.Sequence(),
		OperationID:       uuid.New(),
		Outcome:           vote.Outcome,
		NextSequence:      att.Sequence() + 1,
	}
	if e.enforceSeq {
		result.NextSequence = e.replay.Next(att.RequesterPubKey())
	}

	e.record(result, att, req.AssociatedData)
	e.updateBaseline(1)

	e.link.Notify(advisory.Summary{
		OperationID: result.OperationID,
		Sequence:    result.Sequence,
		Outcome:     result.Outcome.String(),
		Confidence:  conf.Score,
		Baseline:    e.baseline,
		Timestamp:   result.Timestamp,
	})
	e.log.Info("decryption released",
		keyOperation, result.OperationID.String(),
		keySequence, result.Sequence,
		keyOutcome, result.Outcome.String(),
		keyScore, conf.Score,
		keyAuditSeq, result.AuditSequence,
	)
	return result, nil
}

// keyFor returns the handle for req, deriving one from
// the password when no key was supplied.
func (e *Engine) keyFor(req Request) (*keymaterial.Handle, error) {
	switch {
	case req.Key != nil && req.Password != nil:
		return nil, fault.New(
			fault.KindMissingKeyInput, "supply either a password or a key, not both",
		)
	case req.Key != nil:
		if req.Key.Destroyed() {
			return nil, fault.Wrap(
				fault.KindMissingKeyInput, "key handle", keymaterial.ErrDestroyed,
			)
		}
		return req.Key, nil
	case req.Password != nil:
		return e.deriver.Derive(req.Password, req.Attestation, e.baseline)
	default:
		return nil, fault.New(fault.KindMissingKeyInput, "no password or key supplied")
	}
}

// record appends the operation to the audit chain. A
// failure is logged and attached to the result. Must be
// called with mu held.
func (e *Engine) record(res *Result, att *attestation.Attestation, aad []byte) {
	p := auditchain.AppendParams{
		OperationID:   res.OperationID,
		PlaintextHash: sha256.Sum256(res.Plaintext),
		Outcome:       auditOutcome(res.Outcome),
		Confidence: auditchain.Confidence{
			Score:       res.Confidence.Score,
			SampleCount: res.Confidence.SampleCount,
			Coherence:   res.Confidence.Coherence,
		},
		Timestamp: res.Timestamp,
	}
	if aad != nil {
		p.AADHash = sha256.Sum256(aad)
		p.HasAAD = true
	}

	ref, err := att.Ref()
	if err == nil {
		p.AttestationRef = ref
		var entry auditchain.Entry
		entry, err = e.chain.Append(p)
		res.AuditSequence = entry.Sequence
	} else {
		err = fault.Wrap(fault.KindAuditFailure, "attestation reference", err)
	}
	if err != nil {
		res.AuditErr = err
		e.metrics.IncrementAuditFailure()
		e.log.Error("audit append failed",
			keyOperation, res.OperationID.String(), keyError, err)
	}
}

func auditOutcome(o redundancy.Outcome) string {
	if o == redundancy.OutcomeDegradedConsensus {
		return auditchain.OutcomeDegraded
	}
	return auditchain.OutcomeConsensus
}

// callerFault reports whether a complete failure came
// from the request rather than from the slots: the
// caller's context ended, or every attempt that ran was
// refused by the primitive's authentication check.
// Disagreement is never a caller fault.
func callerFault(ctx context.Context, vote redundancy.Result) bool {
	if vote.Disagreement != nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	ran := 0
	for _, a := range vote.Attempts {
		if a.Skipped {
			continue
		}
		ran++
		if !errors.Is(a.Err, aead.ErrAuthentication) {
			return false
		}
	}
	return ran > 0
}

// updateBaseline moves the rolling baseline toward
// target. Must be called with mu held.
func (e *Engine) updateBaseline(target float64) {
	e.baseline = BaselineSmoothing*e.baseline + (1-BaselineSmoothing)*target
	e.metrics.SetBaseline(e.baseline)
}

// Rearm clears every quenched slot after a complete
// redundancy failure and restores the baseline to its
// initial value.
func (e *Engine) Rearm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tmr.Rearm()
	e.baseline = e.initialBaseline
	e.metrics.SetQuenchedSlots(0)
	e.metrics.SetBaseline(e.baseline)
	e.log.Info("redundancy re-armed", keyBaseline, e.baseline)
}

// Baseline returns the rolling confidence baseline.
func (e *Engine) Baseline() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline
}

// Health returns a snapshot of engine state.
func (e *Engine) Health() (Health, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.chain.Len()
	if err != nil {
		return Health{}, fault.Wrap(fault.KindAuditFailure, "count entries", err)
	}
	rh := e.tmr.Health()
	return Health{
		Operational:  rh.Operational && !e.closed,
		Redundancy:   rh,
		Baseline:     e.baseline,
		AuditEntries: n,
	}, nil
}

// VerifyAuditChain recomputes every audit link. It
// returns false if any entry was altered, removed or
// reordered.
func (e *Engine) VerifyAuditChain() (bool, error) {
	return e.chain.VerifyChain()
}

// AuditEntries returns the full audit chain.
func (e *Engine) AuditEntries() ([]auditchain.Entry, error) {
	return e.chain.Entries()
}

// PollAdvisory asks the advisory channel for a hint. Hints
// are informational and never change engine decisions.
func (e *Engine) PollAdvisory(ctx context.Context) advisory.Hint {
	h := e.link.PollAdvisory(ctx)
	if !h.IsZero() {
		e.log.Info("advisory hint", keyHint, h.Message)
	}
	return h
}

// LastAdvisory returns the most recent hint without
// contacting the channel.
func (e *Engine) LastAdvisory() advisory.Hint {
	return e.link.LastHint()
}

// Close stops the advisory link, releases the worker
// pool and closes the audit store. It is idempotent.
func (e *Engine) Close() error { // A
	var closeErr error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.link.Close()
		e.tmr.Close()
		if e.ownsPool {
			e.pool.Close()
		}
		if err := e.store.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close audit store: %w", err))
		}
	})
	return closeErr
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
