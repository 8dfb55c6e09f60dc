package sentinel

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-sentinel/internal/config"
	"github.com/i5heu/ouroboros-sentinel/pkg/advisory"
	"github.com/i5heu/ouroboros-sentinel/pkg/aead"
	"github.com/i5heu/ouroboros-sentinel/pkg/attestation"
	"github.com/i5heu/ouroboros-sentinel/pkg/auditchain"
	"github.com/i5heu/ouroboros-sentinel/pkg/confidence"
	"github.com/i5heu/ouroboros-sentinel/pkg/keymaterial"
	"github.com/i5heu/ouroboros-sentinel/pkg/logging"
	workerpool "github.com/i5heu/ouroboros-sentinel/pkg/workerPool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config configures an Engine. Zero values select the
// production defaults; primitives are replaceable for
// testing and for alternative implementations.
type Config struct {
	// Logger is an optional structured logger. If nil, a
	// tint logger on stderr is used.
	Logger *slog.Logger

	// Domain is the expected domain separator. Zero
	// selects attestation.DefaultDomain().
	Domain     [attestation.DomainSize]byte
	Signatures attestation.SignatureVerifier
	Entropy    attestation.EntropyProfile
	Clock      attestation.Clock

	KDF           keymaterial.KDF
	KDFIterations int
	Primitive     aead.Primitive
	Scorer        confidence.Scorer

	// Sequential runs the three attempts one after another
	// instead of on the worker pool.
	Sequential bool
	// Pool is shared with other users when set. Otherwise
	// the engine owns a pool of Workers goroutines.
	Pool    *workerpool.WorkerPool
	Workers int

	// EnforceSequence rejects attestations whose sequence
	// number does not increase per requester key.
	EnforceSequence bool
	ReplayTTL       time.Duration

	// InitialBaseline seeds the rolling confidence
	// baseline. Zero means 1.0.
	InitialBaseline float64

	// AuditStore is owned by the engine and closed by
	// Close. Nil keeps the chain in memory.
	AuditStore auditchain.Store

	Advisory          advisory.Channel
	AdvisoryQueueSize int
	AdvisoryTimeout   time.Duration

	// Registerer receives the engine metrics. Nil keeps
	// them on a private registry.
	Registerer prometheus.Registerer
}

func defaultLogger() *slog.Logger { // A
	return logging.New(os.Stderr, logging.Options{Level: slog.LevelInfo})
}

// ConfigFromFile maps a parsed YAML file onto a Config.
// When the file names an audit path the badger store is
// opened here and handed to the engine.
func ConfigFromFile(f config.Config) (Config, error) {
	level, err := logging.ParseLevel(f.LogLevel)
	if err != nil {
		return Config{}, err
	}
	domain, err := f.DomainBytes()
	if err != nil {
		return Config{}, err
	}
	ttl, err := f.ReplayTTLDuration()
	if err != nil {
		return Config{}, err
	}
	timeout, err := f.Advisory.TimeoutDuration()
	if err != nil {
		return Config{}, err
	}

	logger := logging.New(os.Stderr, logging.Options{Level: level})
	cfg := Config{
		Logger:            logger,
		Domain:            domain,
		KDFIterations:     f.KDFIterations,
		Sequential:        f.Sequential,
		Workers:           f.Workers,
		EnforceSequence:   f.EnforceSequence,
		ReplayTTL:         ttl,
		InitialBaseline:   f.InitialBaseline,
		Advisory:          advisory.LogChannel{Logger: logger},
		AdvisoryQueueSize: f.Advisory.QueueSize,
		AdvisoryTimeout:   timeout,
	}

	if f.Audit.Path != "" {
		badgerLog := logrus.New()
		badgerLog.SetLevel(logrus.WarnLevel)
		store, err := auditchain.OpenBadgerStore(auditchain.BadgerConfig{
			Path:       f.Audit.Path,
			SyncWrites: f.Audit.SyncWrites,
			Logger:     badgerLog,
		})
		if err != nil {
			return Config{}, fmt.Errorf("open audit store: %w", err)
		}
		cfg.AuditStore = store
	}
	return cfg, nil
}
