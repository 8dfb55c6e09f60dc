package sentinel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-sentinel/pkg/advisory"
	"github.com/i5heu/ouroboros-sentinel/pkg/aead"
	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/auditchain"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
	"github.com/i5heu/ouroboros-sentinel/pkg/keymaterial"
	"github.com/i5heu/ouroboros-sentinel/pkg/redundancy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("transient primitive fault")

func TestDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	plaintext := []byte("the attested payload")

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext:     sealFor(t, att, plaintext, []byte("hdr")),
		Attestation:    att,
		Password:       testPassword,
		AssociatedData: []byte("hdr"),
	})
	require.NoError(t, err)
	assert.Equal(t, plaintext, res.Plaintext)
	assert.Equal(t, [attestation.GateCount]bool{true, true, true, true, true}, res.GatesPassed)
	assert.Equal(t, redundancy.OutcomeConsensus, res.Outcome)
	assert.InDelta(t, 1.0, res.Confidence.Score, 1e-9)
	assert.InDelta(t, 0.93, res.CorrelationMetric, 1e-12)
	assert.Equal(t, testNow, res.Timestamp)
	assert.EqualValues(t, 1, res.Sequence)
	assert.EqualValues(t, 2, res.NextSequence)
	assert.EqualValues(t, 1, res.AuditSequence)
	assert.NoError(t, res.AuditErr)

	entries, err := e.AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.OperationID, entries[0].OperationID)
	assert.True(t, entries[0].HasAAD)
	assert.Equal(t, auditchain.OutcomeConsensus, entries[0].Outcome)

	ok, err := e.VerifyAuditChain()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecryptOnWorkerPool(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(c *Config) { c.Sequential = false; c.Workers = 4 })
	att := newAttestation(t, 1, nil)

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext:  sealFor(t, att, []byte("pooled"), nil),
		Attestation: att,
		Password:    testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("pooled"), res.Plaintext)
	assert.Equal(t, redundancy.OutcomeConsensus, res.Outcome)
}

func TestSuppliedKeyIsConsumed(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("keyed"), nil)

	keyBuf := deriveKey(t, testPassword, att)
	h, err := keymaterial.FromBytes(keyBuf)
	require.NoError(t, err)

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Key: h,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("keyed"), res.Plaintext)
	assert.True(t, h.Destroyed())
	assert.Equal(t, make([]byte, keymaterial.KeySize), keyBuf)

	_, err = e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Key: h,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindMissingKeyInput))
}

func TestKeyInputMustBeExactlyOne(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("x"), nil)

	_, err := e.Decrypt(context.Background(), Request{Ciphertext: raw, Attestation: att})
	require.ErrorIs(t, err, fault.Is(fault.KindMissingKeyInput))

	h, err := keymaterial.FromBytes(deriveKey(t, testPassword, att))
	require.NoError(t, err)
	_, err = e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Key: h, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindMissingKeyInput))
	assert.True(t, h.Destroyed())
}

func TestDerivedKeysZeroedOnEveryPath(t *testing.T) {
	t.Parallel()
	kdf := &recordingKDF{}
	prim := &flakyPrimitive{fail: map[int]bool{2: true}}
	e := newEngine(t, func(c *Config) { c.KDF = kdf; c.Primitive = prim })
	att := newAttestation(t, 1, nil)

	steps := []struct {
		name      string
		plaintext []byte
		password  []byte
		check     func(*Result, error)
	}{
		{"degraded consensus", []byte("ok"), testPassword, func(res *Result, err error) {
			require.NoError(t, err)
			assert.Equal(t, redundancy.OutcomeDegradedConsensus, res.Outcome)
		}},
		{"confidence rejection", bytes.Repeat([]byte{0}, 96), testPassword, func(_ *Result, err error) {
			require.ErrorIs(t, err, fault.Is(fault.KindConfidenceBelowThreshold))
		}},
		{"success on two slots", []byte("ok"), testPassword, func(_ *Result, err error) {
			require.NoError(t, err)
		}},
		{"complete failure", []byte("ok"), []byte("wrong"), func(_ *Result, err error) {
			require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))
		}},
	}
	for i, step := range steps {
		res, err := e.Decrypt(context.Background(), Request{
			Ciphertext:  sealFor(t, att, step.plaintext, nil),
			Attestation: att,
			Password:    step.password,
		})
		step.check(res, err)
		require.Len(t, kdf.bufs, i+1, step.name)
		assert.True(t, kdf.allZero(), step.name)
	}
}

func TestOversizeCiphertextRejectedBeforeAttempts(t *testing.T) {
	t.Parallel()
	prim := &flakyPrimitive{}
	kdf := &recordingKDF{}
	e := newEngine(t, func(c *Config) { c.Primitive = prim; c.KDF = kdf })
	att := newAttestation(t, 1, nil)

	_, err := e.Decrypt(context.Background(), Request{
		Ciphertext:  make([]byte, 17*1024*1024),
		Attestation: att,
		Password:    testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindCiphertextTooLarge))
	assert.Zero(t, prim.count())
	assert.Empty(t, kdf.bufs)

	h, err := e.Health()
	require.NoError(t, err)
	assert.Zero(t, h.AuditEntries)
	assert.True(t, h.Operational)
}

func TestFrozenAttestationFailsAtGate4(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	prim := &flakyPrimitive{}
	e := newEngine(t, func(c *Config) { c.Primitive = prim; c.Registerer = reg })
	att := newAttestation(t, 1, func(p *attestation.Params) { p.Frozen = true })

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("x"), nil), Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindGate4HardFreeze))
	assert.Nil(t, res)
	assert.Zero(t, prim.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.GateFailures.WithLabelValues("4")))
}

func TestGateFailuresAreOrdered(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	cases := map[string]struct {
		mutate func(*attestation.Params)
		kind   fault.Kind
	}{
		"wrong domain": {func(p *attestation.Params) { p.Domain[0] ^= 1 }, fault.KindGate2Domain},
		"low entropy":  {func(p *attestation.Params) { p.Entropy = [attestation.EntropySize]byte{} }, fault.KindGate5LowCorrelation},
		"domain before freeze": {func(p *attestation.Params) {
			p.Domain[0] ^= 1
			p.Frozen = true
		}, fault.KindGate2Domain},
	}
	for name, tc := range cases {
		att := newAttestation(t, 1, tc.mutate)
		_, err := e.Decrypt(context.Background(), Request{
			Ciphertext: sealFor(t, att, []byte("x"), nil), Attestation: att, Password: testPassword,
		})
		kind, ok := fault.KindOf(err)
		require.True(t, ok, name)
		assert.Equal(t, tc.kind, kind, name)
	}

	_, err := e.Decrypt(context.Background(), Request{Ciphertext: make([]byte, 64), Password: testPassword})
	require.ErrorIs(t, err, fault.Is(fault.KindGate1KeyFormat))
}

func TestSequencesAreMonotonic(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(c *Config) { c.EnforceSequence = true })

	for seq := uint64(1); seq <= 3; seq++ {
		att := newAttestation(t, seq, nil)
		res, err := e.Decrypt(context.Background(), Request{
			Ciphertext: sealFor(t, att, []byte("seq"), nil), Attestation: att, Password: testPassword,
		})
		require.NoError(t, err)
		assert.Equal(t, seq, res.Sequence)
		assert.Equal(t, seq+1, res.NextSequence)
		assert.Equal(t, seq, res.AuditSequence)
	}

	replayed := newAttestation(t, 2, nil)
	_, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, replayed, []byte("seq"), nil), Attestation: replayed, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindReplay))

	entries, err := e.AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Sequence, entries[i-1].Sequence)
		assert.Equal(t, entries[i-1].Link, entries[i].PrevLink)
	}
}

func TestDegradedConsensusQuenchesOneSlot(t *testing.T) {
	t.Parallel()
	prim := &flakyPrimitive{fail: map[int]bool{2: true}}
	e := newEngine(t, func(c *Config) { c.Primitive = prim })
	att := newAttestation(t, 1, nil)

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("degraded"), nil), Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, redundancy.OutcomeDegradedConsensus, res.Outcome)
	assert.Equal(t, []byte("degraded"), res.Plaintext)

	h, err := e.Health()
	require.NoError(t, err)
	assert.True(t, h.Operational)
	assert.Equal(t, 2, h.Redundancy.ActiveSlots())
	assert.True(t, h.Redundancy.Quenched[1])

	entries, err := e.AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auditchain.OutcomeDegraded, entries[0].Outcome)

	res, err = e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("again"), nil), Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, redundancy.OutcomeDegradedConsensus, res.Outcome)
	assert.Equal(t, 5, prim.count())
}

func TestDisagreementSurfacesAsCompleteFailure(t *testing.T) {
	t.Parallel()
	prim := &flakyPrimitive{flip: map[int]bool{3: true}}
	e := newEngine(t, func(c *Config) { c.Primitive = prim })
	att := newAttestation(t, 1, nil)

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("split vote"), nil), Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))
	assert.Nil(t, res)

	h, err := e.Health()
	require.NoError(t, err)
	assert.False(t, h.Operational)
	require.NotNil(t, h.Redundancy.LastDisagreement)
	assert.Zero(t, h.AuditEntries)
	assert.InDelta(t, BaselineSmoothing, e.Baseline(), 1e-12)
}

func TestCompleteFailureRequiresRearm(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("payload"), nil)

	_, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: []byte("wrong password"),
	})
	require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))
	require.ErrorIs(t, err, fault.Is(fault.KindInvalidTag))
	assert.Equal(t, 1.0, e.Baseline())

	_, err = e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))

	e.Rearm()
	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Plaintext)
	assert.Equal(t, 1.0, e.Baseline())
}

func TestWrongPasswordsDoNotLockEngine(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("still reachable"), nil)

	for i := 0; i < 5; i++ {
		_, err := e.Decrypt(context.Background(), Request{
			Ciphertext: raw, Attestation: att, Password: []byte("wrong"),
		})
		require.ErrorIs(t, err, fault.Is(fault.KindInvalidTag))
		e.Rearm()
	}
	assert.Equal(t, 1.0, e.Baseline())

	for i := 0; i < 5; i++ {
		res, err := e.Decrypt(context.Background(), Request{
			Ciphertext: raw, Attestation: att, Password: testPassword,
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("still reachable"), res.Plaintext)
	}
}

func TestSlotFaultsDecayBaselineUntilRearm(t *testing.T) {
	t.Parallel()
	fail := make(map[int]bool)
	for n := 1; n <= 15; n++ {
		fail[n] = true
	}
	prim := &flakyPrimitive{fail: fail}
	e := newEngine(t, func(c *Config) { c.Primitive = prim })
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("recovered"), nil)

	want := 1.0
	for i := 0; i < 5; i++ {
		_, err := e.Decrypt(context.Background(), Request{
			Ciphertext: raw, Attestation: att, Password: testPassword,
		})
		require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))
		require.ErrorIs(t, err, errFlaky)
		want *= BaselineSmoothing
		assert.InDelta(t, want, e.Baseline(), 1e-12)

		h, err := e.Health()
		require.NoError(t, err)
		assert.False(t, h.Operational)
		if i < 4 {
			e.Rearm()
			assert.Equal(t, 1.0, e.Baseline())
			want = 1.0
		}
	}

	_, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))

	e.Rearm()
	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), res.Plaintext)
}

func TestRearmLiftsBaselineFreeze(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("thawed"), nil)

	e.mu.Lock()
	e.baseline = 0.79
	e.mu.Unlock()

	_, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindGate4HardFreeze))

	e.Rearm()
	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: raw, Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("thawed"), res.Plaintext)
}

func TestCancelledContextIsCompleteFailure(t *testing.T) {
	t.Parallel()
	prim := &flakyPrimitive{}
	e := newEngine(t, func(c *Config) { c.Primitive = prim })
	att := newAttestation(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Decrypt(ctx, Request{
		Ciphertext: sealFor(t, att, []byte("late"), nil), Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindTMRCompleteFailure))
	assert.Zero(t, prim.count())
	assert.Equal(t, 1.0, e.Baseline())
}

func TestLowConfidenceWithholdsPlaintext(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	uniform := bytes.Repeat([]byte{0x41}, 128)

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, uniform, nil), Attestation: att, Password: testPassword,
	})
	require.ErrorIs(t, err, fault.Is(fault.KindConfidenceBelowThreshold))
	assert.Nil(t, res)
	assert.Equal(t, 1.0, e.Baseline())

	entries, err := e.AuditEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfidenceIsDeterministic(t *testing.T) {
	t.Parallel()
	a := newEngine(t, nil)
	b := newEngine(t, nil)
	att := newAttestation(t, 1, func(p *attestation.Params) { p.CreationConfidence = 0.9 })
	raw := sealFor(t, att, []byte("same input"), nil)

	ra, err := a.Decrypt(context.Background(), Request{Ciphertext: raw, Attestation: att, Password: testPassword})
	require.NoError(t, err)
	rb, err := b.Decrypt(context.Background(), Request{Ciphertext: raw, Attestation: att, Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, ra.Confidence, rb.Confidence)
}

func TestTamperedAuditChainDetected(t *testing.T) {
	t.Parallel()
	store := auditchain.NewMemoryStore()
	e := newEngine(t, func(c *Config) { c.AuditStore = store })

	for seq := uint64(1); seq <= 3; seq++ {
		att := newAttestation(t, seq, nil)
		_, err := e.Decrypt(context.Background(), Request{
			Ciphertext: sealFor(t, att, []byte("audited"), nil), Attestation: att, Password: testPassword,
		})
		require.NoError(t, err)
	}
	ok, err := e.VerifyAuditChain()
	require.NoError(t, err)
	require.True(t, ok)

	var entries []auditchain.Entry
	require.NoError(t, store.Iterate(func(en auditchain.Entry) error {
		entries = append(entries, en)
		return nil
	}))
	require.Len(t, entries, 3)
	entries[1].Confidence.Score = 0.5
	forged := auditchain.NewMemoryStore()
	for _, en := range entries {
		require.NoError(t, forged.Append(en))
	}
	report, err := auditchain.Verify(forged)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.EqualValues(t, 2, report.BrokenAt)
}

type failingStore struct{ *auditchain.MemoryStore }

func (failingStore) Append(auditchain.Entry) error { return errors.New("disk full") }

func TestAuditFailureDoesNotRevertResult(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(c *Config) { c.AuditStore = failingStore{auditchain.NewMemoryStore()} })
	att := newAttestation(t, 1, nil)

	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("kept"), nil), Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), res.Plaintext)
	assert.ErrorIs(t, res.AuditErr, fault.Is(fault.KindAuditFailure))
	assert.Zero(t, res.AuditSequence)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.AuditFailures))
}

type capturingChannel struct {
	mu   sync.Mutex
	seen []advisory.Summary
}

func (c *capturingChannel) Notify(_ context.Context, s advisory.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, s)
	return nil
}

func (c *capturingChannel) Poll(context.Context) (advisory.Hint, error) {
	return advisory.Hint{Message: "steady"}, nil
}

func TestAdvisoryReceivesSummaries(t *testing.T) {
	t.Parallel()
	ch := &capturingChannel{}
	e, err := New(Config{
		Logger:        quietLogger(),
		Clock:         fixedClock{testNow},
		KDFIterations: testIterations,
		Sequential:    true,
		Advisory:      ch,
	})
	require.NoError(t, err)

	att := newAttestation(t, 1, nil)
	res, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("advised"), nil), Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)

	assert.Equal(t, "steady", e.PollAdvisory(context.Background()).Message)
	assert.Equal(t, "steady", e.LastAdvisory().Message)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.seen, 1)
	assert.Equal(t, res.OperationID, ch.seen[0].OperationID)

	_, err = e.Decrypt(context.Background(), Request{Attestation: att, Password: testPassword})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIntegrityReport(t *testing.T) {
	t.Parallel()
	e := newEngine(t, nil)
	att := newAttestation(t, 1, nil)
	_, err := e.Decrypt(context.Background(), Request{
		Ciphertext: sealFor(t, att, []byte("fine"), nil), Attestation: att, Password: testPassword,
	})
	require.NoError(t, err)

	r, err := e.IntegrityReport()
	require.NoError(t, err)
	assert.True(t, r.Verified)
	assert.True(t, r.PrimitiveOK)
	assert.True(t, r.RedundancyOK)
	assert.True(t, r.ChainValid)
	assert.Equal(t, 1, r.ChainEntries)
	assert.Equal(t, redundancy.SlotCount, r.ActiveSlots)
	assert.Equal(t, testNow, r.CheckedAt)
}

func TestIntegrityReportFlagsBrokenPrimitive(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(c *Config) {
		c.Primitive = &flakyPrimitive{fail: map[int]bool{1: true}}
	})
	r, err := e.IntegrityReport()
	require.NoError(t, err)
	assert.False(t, r.PrimitiveOK)
	assert.NotEmpty(t, r.PrimitiveError)
	assert.False(t, r.Verified)
}

func TestIntegrityReportFlagsWrongPlaintext(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(c *Config) {
		c.Primitive = &flakyPrimitive{flip: map[int]bool{1: true}}
	})
	r, err := e.IntegrityReport()
	require.NoError(t, err)
	assert.False(t, r.PrimitiveOK)
	assert.Equal(t, errPrimitiveMismatch.Error(), r.PrimitiveError)
	assert.False(t, r.Verified)
}

func TestSealedEnvelopeLayout(t *testing.T) {
	t.Parallel()
	att := newAttestation(t, 1, nil)
	raw := sealFor(t, att, []byte("abc"), nil)
	assert.Len(t, raw, aead.IVSize+3+aead.TagSize)
	assert.Equal(t, testIV, raw[:aead.IVSize])
}
