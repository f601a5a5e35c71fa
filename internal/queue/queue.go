package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaypost/relaypost/internal/email"
	"github.com/relaypost/relaypost/internal/metrics"
	"github.com/relaypost/relaypost/internal/provider"
)

const (
	// idleSleep is how long the consumer waits when no item is eligible.
	idleSleep = 1 * time.Second

	// crashBackoff is how long the consumer waits before restarting
	// after a panic.
	crashBackoff = 5 * time.Second

	defaultMaxAttempts   = 3
	defaultRetryDelay    = 1 * time.Minute
	defaultRetention     = 72 * time.Hour
	defaultSweepInterval = 1 * time.Hour
)

// Config tunes the delivery queue.
type Config struct {
	// MaxAttempts is the total number of delivery tries before an item
	// is dead-lettered.
	MaxAttempts int

	// RetryDelay is the minimum wait after a failed attempt before the
	// item becomes eligible again.
	RetryDelay time.Duration

	// SendDelay is observed after each successful delivery, as a basic
	// outbound rate limit. Zero disables it.
	SendDelay time.Duration

	// Retention is how long terminal items are kept before the sweep
	// removes them.
	Retention time.Duration

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
}

// Queue couples the store with the single consumer goroutine that drives
// the delivery provider. Exactly one delivery call is in flight at any
// time.
type Queue struct {
	store    *Store
	provider provider.Provider
	cfg      Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a Queue over store delivering through prov.
func New(store *Store, prov provider.Provider, cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{
		store:    store,
		provider: prov,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Enqueue durably persists msg and returns. It never waits on delivery,
// so the SMTP 250 reply can be written knowing the message survives a
// dropped connection or a process restart.
func (q *Queue) Enqueue(ctx context.Context, msg *email.Message) error {
	id, err := q.store.Enqueue(ctx, msg)
	if err != nil {
		return err
	}
	q.store.updateDepthGauge(ctx)
	slog.Debug("message enqueued", "id", id, "from", msg.From)
	return nil
}

// Start launches the consumer and the retention sweeper. It is a no-op
// when already running.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	q.wg.Add(2)
	go q.consumeLoop(ctx)
	go q.sweepLoop(ctx)
}

// Stop signals the consumer and sweeper to exit and waits for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

// consumeLoop runs the consumer until stopped, restarting it after a
// crash rather than letting a panic take the process down.
func (q *Queue) consumeLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		crashed := q.consumeUntilStopped(ctx)
		if !crashed {
			return
		}

		slog.Error("queue consumer crashed, restarting", "backoff", crashBackoff.String())
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-time.After(crashBackoff):
		}
	}
}

// consumeUntilStopped processes items until shutdown. It reports whether
// it exited because of a panic.
func (q *Queue) consumeUntilStopped(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in queue consumer", "panic", r)
			crashed = true
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-q.stopCh:
			return false
		default:
		}

		item, err := q.store.NextPending(ctx, q.cfg.RetryDelay)
		if err != nil {
			slog.Error("failed to read delivery queue", "error", err)
			q.sleep(ctx, idleSleep)
			continue
		}
		if item == nil {
			q.sleep(ctx, idleSleep)
			continue
		}

		q.deliver(ctx, item)
	}
}

// deliver runs one delivery attempt and records its outcome.
func (q *Queue) deliver(ctx context.Context, item *Item) {
	start := time.Now()
	err := q.provider.Send(ctx, item.Message)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	status, markErr := q.store.MarkAttempt(ctx, item.ID, err == nil, q.cfg.MaxAttempts)
	if markErr != nil {
		slog.Error("failed to record delivery attempt", "id", item.ID, "error", markErr)
		q.sleep(ctx, idleSleep)
		return
	}
	q.store.updateDepthGauge(ctx)

	switch status {
	case StatusSent:
		metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
		slog.Info("message delivered",
			"id", item.ID,
			"provider", q.provider.Name(),
			"attempts", item.Attempts+1,
		)
		if q.cfg.SendDelay > 0 {
			q.sleep(ctx, q.cfg.SendDelay)
		}

	case StatusFailed:
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		slog.Error("message dead-lettered after exhausting retries",
			"id", item.ID,
			"provider", q.provider.Name(),
			"attempts", item.Attempts+1,
			"error", err,
		)

	case StatusPending:
		metrics.DeliveriesTotal.WithLabelValues("retry").Inc()
		slog.Warn("delivery failed, will retry",
			"id", item.ID,
			"provider", q.provider.Name(),
			"attempt", item.Attempts+1,
			"retry_in", q.cfg.RetryDelay.String(),
			"error", err,
		)
	}
}

// sweepLoop periodically deletes terminal items past the retention
// window.
func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			removed, err := q.store.Sweep(ctx, q.cfg.Retention)
			if err != nil {
				slog.Error("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("retention sweep removed items", "count", removed)
			}
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-q.stopCh:
	case <-time.After(d):
	}
}
