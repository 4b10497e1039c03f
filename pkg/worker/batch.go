package worker

import (
	"context"
	"time"

	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

// batchLoop accumulates deliveries under dual time-and-count triggers and
// invokes the batch handler once per batch. The broker prefetch equals the
// batch size, so the whole batch can sit unacked until the multiple-ack.
func (w *Worker) batchLoop(ctx context.Context) {
	for {
		// wait (blocking) for the first message of the batch
		var first mq.Delivery
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.handoff:
			if !ok {
				return
			}
			first = d
		}

		batch := []mq.Delivery{first}
		deadline := time.NewTimer(w.cfg.BatchSeconds)

	fill:
		for len(batch) < w.cfg.BatchSize {
			select {
			case <-ctx.Done():
				break fill
			case <-deadline.C:
				break fill
			case d, ok := <-w.handoff:
				if !ok {
					break fill
				}
				batch = append(batch, d)
			}
		}
		deadline.Stop()

		w.flushBatch(ctx, batch)
	}
}

// flushBatch runs the batch handler and settles every message in the batch.
// Per-story failures and an EndOfBatch failure send the affected messages
// down the individual retry path; the batch is always closed with a single
// multiple-ack of the last delivery.
func (w *Worker) flushBatch(ctx context.Context, batch []mq.Delivery) {
	var failed []mq.Delivery
	var failedErrs []error
	accepted := 0

	for _, d := range batch {
		st, err := story.Load(d.Body)
		if err != nil {
			w.logger.Error().Err(err).Uint64("tag", d.Tag).Msg("malformed message body")
			metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "bad-message").Inc()
			continue
		}
		if err := w.invokeBatchStory(ctx, st); err != nil {
			failed = append(failed, d)
			failedErrs = append(failedErrs, err)
			continue
		}
		accepted++
	}

	status := "ok"
	if accepted > 0 {
		if err := w.invokeEndOfBatch(ctx); err != nil {
			w.logger.Error().Err(err).Int("size", len(batch)).Msg("end of batch failed")
			// every message in the batch is individually retried
			failed = batch
			failedErrs = nil
			status = "retry"
			accepted = 0
		}
	}
	if status == "ok" {
		metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "success").Add(float64(accepted))
	}
	metrics.BatchesTotal.WithLabelValues(w.cfg.Name, status).Inc()
	w.logger.Debug().Int("size", len(batch)).Int("failed", len(failed)).Str("status", status).Msg("batch closed")

	lastTag := batch[len(batch)-1].Tag
	w.submit(func() error {
		for i, d := range failed {
			var herr error
			if failedErrs != nil {
				herr = failedErrs[i]
			} else {
				herr = &RetryError{Kind: "batch-retry"}
			}
			if err := w.retryOne(d, herr); err != nil {
				return err
			}
		}
		if err := w.cfg.Transport.Ack(lastTag, true); err != nil {
			return err
		}
		return w.cfg.Transport.TxCommit()
	})
}

// retryOne republishes a failed batch member to the delay queue (or
// quarantine once retries are exhausted). The subsequent multiple-ack
// settles its original delivery.
func (w *Worker) retryOne(d mq.Delivery, herr error) error {
	retries := mq.RetryCount(d.Headers)
	if retries >= w.cfg.MaxRetries {
		headers := mq.WithDiagnostics(d.Headers, herr, retries)
		if err := w.cfg.Transport.Publish("", mq.QuarantineQueue(w.cfg.Name), headers, d.Body, 0); err != nil {
			return err
		}
		metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "quarantine").Inc()
		return nil
	}
	headers := mq.WithDiagnostics(d.Headers, herr, retries+1)
	if err := w.cfg.Transport.Publish("", mq.DelayQueue(w.cfg.Name), headers, d.Body, w.cfg.RetryDelay.Milliseconds()); err != nil {
		return err
	}
	metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "retry").Inc()
	return nil
}

func (w *Worker) invokeBatchStory(ctx context.Context, st *story.Story) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Any("panic", r).Msg("batch handler panicked")
			err = &RetryError{Kind: "panic"}
		}
	}()
	return w.cfg.BatchHandler.ProcessStory(ctx, st)
}

func (w *Worker) invokeEndOfBatch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Any("panic", r).Msg("end of batch panicked")
			err = &RetryError{Kind: "panic"}
		}
	}()
	return w.cfg.BatchHandler.EndOfBatch(ctx)
}
