package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/service"
)

// BatchExtractor reads up to batchSize raw events from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// ReportSubmitter accepts decoded report submissions.
type ReportSubmitter interface {
	SubmitReport(ctx context.Context, in domain.HazardReportInput) (service.SubmitResult, error)
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline orchestrates the extract-decode-submit loop for the report topic.
type Pipeline struct {
	extractor BatchExtractor
	submitter ReportSubmitter
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, s ReportSubmitter, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		submitter: s,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil if the pipeline has processed at least one message,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any messages yet")
	}
	return nil
}

// Run executes the batch ingestion loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one extract-submit cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}

	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.MessagesConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))
	*backoff = initialBackoff

	for _, raw := range rawBatch {
		if !p.handle(ctx, raw, backoff) {
			return false
		}
	}

	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	p.ready.Store(true)
	return true
}

// handle decodes and submits one message, committing its offset once the
// message is settled. Malformed, invalid and rate-limited submissions are
// dropped; other failures are retried with backoff. Returns false if the
// pipeline should stop.
func (p *Pipeline) handle(ctx context.Context, raw domain.RawEvent, backoff *time.Duration) bool {
	in, err := domain.ParseRawEvent(raw)
	if err != nil {
		p.skip(ctx, raw, err)
		return true
	}

	for {
		res, err := p.submitter.SubmitReport(ctx, in)
		if err == nil {
			p.logger.Debug("report ingested",
				"report_id", res.ReportID,
				"event_id", res.EventID,
				"state", res.State,
				"offset", raw.Offset,
			)
			p.commitOffset(ctx, raw)
			*backoff = initialBackoff
			return true
		}

		switch domain.KindOf(err) {
		case domain.KindValidation, domain.KindRateLimited:
			p.skip(ctx, raw, err)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("submit report failed", "error", err, "topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
		if !p.backoffOrStop(ctx, backoff) {
			return false
		}
	}
}

func (p *Pipeline) skip(ctx context.Context, raw domain.RawEvent, err error) {
	p.logger.Warn("report rejected, skipping message",
		"error", err,
		"kind", domain.KindOf(err),
		"topic", raw.Topic,
		"partition", raw.Partition,
		"offset", raw.Offset,
	)
	p.commitOffset(ctx, raw)
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
