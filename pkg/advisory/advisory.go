// Package advisory forwards operation summaries to an
// external advisory channel and caches the hints it
// returns. Delivery is best effort: a slow or failing
// channel never stalls or fails a decryption.
package advisory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-sentinel/pkg/fault"
)

const (
	defaultQueueSize = 64
	defaultTimeout   = 2 * time.Second
)

const (
	keyOperation = "operationID"
	keySequence  = "sequence"
	keyOutcome   = "outcome"
	keyScore     = "confidence"
	keyBaseline  = "baseline"
	keyError     = "error"
	keyHint      = "hint"
)

// Summary describes one completed decryption. It holds no
// plaintext or key material.
type Summary struct {
	OperationID uuid.UUID
	Sequence    uint64
	Outcome     string
	Confidence  float64
	Baseline    float64
	Timestamp   time.Time
}

// Hint is informational guidance from the advisory side.
// It never changes engine decisions.
type Hint struct {
	Message           string
	SuggestedBaseline float64
	ReceivedAt        time.Time
}

// IsZero reports whether no hint has been received.
func (h Hint) IsZero() bool {
	return h.Message == "" && h.ReceivedAt.IsZero()
}

// Channel is the transport to the advisory subsystem.
type Channel interface {
	Notify(ctx context.Context, s Summary) error
	Poll(ctx context.Context) (Hint, error)
}

// Stats counts link activity.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// Config configures a Link.
type Config struct {
	Channel   Channel
	QueueSize int
	// Timeout bounds each channel call.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnFailure is invoked for every failed delivery or
	// poll, typically to bump a metric.
	OnFailure func(err error)
}

// Link owns the queue and the delivery goroutine.
type Link struct {
	channel   Channel
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func(error)

	queue     chan Summary
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	mu       sync.Mutex
	lastHint Hint

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewLink starts the delivery goroutine. Call Close to
// stop it.
func NewLink(cfg Config) *Link {
	if cfg.Channel == nil {
		cfg.Channel = NopChannel{}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Link{
		channel:   cfg.Channel,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		onFailure: cfg.OnFailure,
		queue:     make(chan Summary, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.deliverLoop()
	return l
}

// Notify enqueues s for delivery. It never blocks: when
// the queue is full or the link is closed the summary is
// dropped and counted.
func (l *Link) Notify(s Summary) {
	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- s:
	default:
		l.dropped.Add(1)
		l.logger.Warn("advisory queue full, summary dropped",
			keyOperation, s.OperationID.String(), keySequence, s.Sequence)
	}
}

// PollAdvisory asks the channel for a fresh hint and
// returns the most recent one known. A failing poll is
// logged and the cached hint is returned.
func (l *Link) PollAdvisory(ctx context.Context) Hint {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	h, err := l.channel.Poll(ctx)
	if err != nil {
		l.fail(ctx, fault.Wrap(fault.KindSyncError, "poll advisory", err))
		return l.LastHint()
	}
	if h.IsZero() {
		return l.LastHint()
	}
	if h.ReceivedAt.IsZero() {
		h.ReceivedAt = time.Now()
	}
	l.mu.Lock()
	l.lastHint = h
	l.mu.Unlock()
	l.logger.Info("advisory hint received", keyHint, h.Message)
	return h
}

// LastHint returns the most recent hint without polling.
func (l *Link) LastHint() Hint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHint
}

// Stats returns delivery counters.
func (l *Link) Stats() Stats {
	return Stats{
		Delivered: l.delivered.Load(),
		Failed:    l.failed.Load(),
		Dropped:   l.dropped.Load(),
	}
}

// Close delivers what is already queued and stops the
// goroutine. It is safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stopCh)
		l.wg.Wait()
	})
}

func (l *Link) deliverLoop() {
	defer l.wg.Done()
	for {
		select {
		case s := <-l.queue:
			l.deliver(s)
		case <-l.stopCh:
			for {
				select {
				case s := <-l.queue:
					l.deliver(s)
				default:
					return
				}
			}
		}
	}
}

func (l *Link) deliver(s Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.channel.Notify(ctx, s); err != nil {
		l.fail(ctx, fault.Wrap(fault.KindSyncError, "notify advisory", err))
		return
	}
	l.delivered.Add(1)
}

func (l *Link) fail(ctx context.Context, err error) {
	l.failed.Add(1)
	l.logger.Log(ctx, slog.LevelWarn, "advisory sync failed", keyError, err)
	if l.onFailure != nil {
		l.onFailure(err)
	}
}

// LogChannel writes summaries to a logger and never
// produces hints.
type LogChannel struct {
	Logger *slog.Logger
}

func (c LogChannel) Notify(ctx context.Context, s Summary) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, slog.LevelInfo, "advisory summary",
		keyOperation, s.OperationID.String(),
		keySequence, s.Sequence,
		keyOutcome, s.Outcome,
		keyScore, s.Confidence,
		keyBaseline, s.Baseline,
	)
	return nil
}

func (LogChannel) Poll(context.Context) (Hint, error) { return Hint{}, nil }

// NopChannel discards summaries.
type NopChannel struct{}

func (NopChannel) Notify(context.Context, Summary) error { return nil }

func (NopChannel) Poll(context.Context) (Hint, error) { return Hint{}, nil }
