package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
)

// Sink delivers emitted alerts to an external collaborator.
type Sink interface {
	Name() string
	Publish(ctx context.Context, alerts []domain.Alert) error
}

// RetryPolicy controls how a failing sink is retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy starts at 200ms, doubles, caps at 5s and gives up after
// 8 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxRetries:      8,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// sinkWorker feeds one sink from its own unbounded queue so a slow or
// failing sink never holds up the others.
type sinkWorker struct {
	sink    Sink
	retry   RetryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending [][]domain.Alert
	signal  chan struct{}
	closing chan struct{} // closed to flush pending batches and exit
}

func newSinkWorker(s Sink, retry RetryPolicy, logger *slog.Logger, metrics *observability.Metrics) *sinkWorker {
	return &sinkWorker{
		sink:    s,
		retry:   retry,
		logger:  logger.With("sink", s.Name()),
		metrics: metrics,
		signal:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

func (w *sinkWorker) enqueue(batch []domain.Alert) {
	w.mu.Lock()
	w.pending = append(w.pending, batch)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *sinkWorker) take() [][]domain.Alert {
	w.mu.Lock()
	defer w.mu.Unlock()
	batches := w.pending
	w.pending = nil
	return batches
}

// run delivers batches until close is called, then flushes what is pending.
// Cancelling ctx abandons delivery, including a flush in progress.
func (w *sinkWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.abandon()
			return
		case <-w.closing:
			w.flush(ctx)
			return
		case <-w.signal:
		}
		for _, batch := range w.take() {
			w.deliver(ctx, batch)
		}
	}
}

// close asks run to flush and exit. It must be called at most once.
func (w *sinkWorker) close() { close(w.closing) }

func (w *sinkWorker) flush(ctx context.Context) {
	batches := w.take()
	for i, batch := range batches {
		if ctx.Err() != nil {
			w.logger.Warn("alert sink stopped with undelivered batches", "batches", len(batches)-i)
			return
		}
		w.deliver(ctx, batch)
	}
}

func (w *sinkWorker) abandon() {
	if left := w.take(); len(left) > 0 {
		w.logger.Warn("alert sink stopped with undelivered batches", "batches", len(left))
	}
}

func (w *sinkWorker) deliver(ctx context.Context, batch []domain.Alert) {
	name := w.sink.Name()
	err := backoff.RetryNotify(func() error {
		return w.sink.Publish(ctx, batch)
	}, w.retry.backOff(ctx), func(err error, wait time.Duration) {
		w.metrics.SinkFailures.WithLabelValues(name).Inc()
		w.logger.Warn("alert sink publish failed, retrying", "error", err, "retry_in", wait, "alerts", len(batch))
	})
	if err != nil {
		w.metrics.SinkFailures.WithLabelValues(name).Inc()
		w.logger.Error("alert sink gave up", "error", err, "alerts", len(batch))
	}
}
