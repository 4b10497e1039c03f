package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

const (
	// DefaultMaxRetries is how many transient failures a message survives
	// before quarantine (or silent drop for NoQuarantine kinds).
	DefaultMaxRetries = 10

	// DefaultRetryDelay is the delay-queue TTL between retries
	DefaultRetryDelay = 10 * time.Minute

	// DefaultFastDelay is the fast-queue TTL for requeued messages
	DefaultFastDelay = 10 * time.Second

	// DefaultPrefetch bounds in-flight unacked messages per process
	DefaultPrefetch = 2

	// DefaultConsumerTimeout mirrors the broker's consumer-ack timeout
	DefaultConsumerTimeout = 30 * time.Minute

	// DefaultWorkTime is the margin a batch must leave below the broker's
	// consumer-ack timeout.
	DefaultWorkTime = 5 * time.Minute
)

// Sender queues outbound stories for publication. Everything queued during
// one handler invocation is published to the worker's output exchange in the
// same broker transaction as the input ack.
type Sender interface {
	Send(s *story.Story) error
}

// Handler processes one story. See signals.go for the outcome taxonomy.
type Handler interface {
	Process(ctx context.Context, s *story.Story, out Sender) error
}

// BatchHandler is implemented by batch sinks (archive writer, bulk indexer)
type BatchHandler interface {
	// ProcessStory accumulates one story into the open batch
	ProcessStory(ctx context.Context, s *story.Story) error
	// EndOfBatch finalizes the batch. On error every message in the batch is
	// individually retried.
	EndOfBatch(ctx context.Context) error
}

// Config configures a Worker
type Config struct {
	// Name is the worker name; broker resource names derive from it
	Name string

	Transport mq.Transport

	// Handler runs in streaming mode; BatchHandler in batch mode. Exactly
	// one must be set.
	Handler      Handler
	BatchHandler BatchHandler

	// Workers is the number of processing goroutines (streaming mode only)
	Workers int

	Prefetch   int
	MaxRetries int
	RetryDelay time.Duration
	FastDelay  time.Duration

	// NoQuarantine lists RetryError kinds that are silently dropped after
	// exhausting retries instead of quarantined.
	NoQuarantine []string

	// FromQuarantine consumes NAME-quar instead of NAME-in
	FromQuarantine bool

	// Batch mode tunables
	BatchSize    int
	BatchSeconds time.Duration

	ConsumerTimeout time.Duration
	WorkTime        time.Duration

	// Barrier, when set, blocks startup until the deployment's
	// configuration barrier exists.
	Barrier func(ctx context.Context) error
}

// Worker is the base runtime executed by every pipeline stage: a broker I/O
// goroutine owning all transport operations, plus one or more processing
// goroutines coupled to it by a bounded hand-off channel.
type Worker struct {
	cfg       Config
	logger    zerolog.Logger
	handoff   chan mq.Delivery
	callbacks chan func() error

	noQuarantine map[string]bool
}

// New validates cfg and creates a Worker
func New(cfg Config) (*Worker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("worker %s: transport is required", cfg.Name)
	}
	if (cfg.Handler == nil) == (cfg.BatchHandler == nil) {
		return nil, fmt.Errorf("worker %s: exactly one of Handler or BatchHandler must be set", cfg.Name)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.FastDelay <= 0 {
		cfg.FastDelay = DefaultFastDelay
	}
	if cfg.ConsumerTimeout <= 0 {
		cfg.ConsumerTimeout = DefaultConsumerTimeout
	}
	if cfg.WorkTime <= 0 {
		cfg.WorkTime = DefaultWorkTime
	}

	if cfg.BatchHandler != nil {
		if cfg.BatchSize <= 0 {
			return nil, fmt.Errorf("worker %s: batch size must be positive", cfg.Name)
		}
		if cfg.BatchSeconds <= 0 {
			return nil, fmt.Errorf("worker %s: batch seconds must be positive", cfg.Name)
		}
		if cfg.BatchSeconds >= cfg.ConsumerTimeout-cfg.WorkTime {
			return nil, fmt.Errorf("worker %s: batch seconds %s must be below consumer timeout %s minus work time %s",
				cfg.Name, cfg.BatchSeconds, cfg.ConsumerTimeout, cfg.WorkTime)
		}
		// the whole batch sits unacked until the multiple-ack
		cfg.Prefetch = cfg.BatchSize
	} else if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}

	nq := make(map[string]bool, len(cfg.NoQuarantine))
	for _, kind := range cfg.NoQuarantine {
		nq[kind] = true
	}

	return &Worker{
		cfg:          cfg,
		logger:       log.WithComponent("worker").With().Str("worker", cfg.Name).Logger(),
		handoff:      make(chan mq.Delivery, cfg.Prefetch),
		callbacks:    make(chan func() error, cfg.Prefetch+1),
		noQuarantine: nq,
	}, nil
}

// InputQueue returns the queue this worker consumes
func (w *Worker) InputQueue() string {
	if w.cfg.FromQuarantine {
		return mq.QuarantineQueue(w.cfg.Name)
	}
	return mq.InputQueue(w.cfg.Name)
}

// Run executes the worker until ctx is canceled or the broker connection is
// lost. A lost connection is returned as an error; the process is expected
// to exit non-zero and be restarted by its supervisor.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Barrier != nil {
		if err := w.cfg.Barrier(ctx); err != nil {
			return fmt.Errorf("configuration barrier: %w", err)
		}
	}

	if err := w.cfg.Transport.TxSelect(); err != nil {
		return fmt.Errorf("tx select: %w", err)
	}

	metrics.RegisterComponent("mq", true, "")

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- w.cfg.Transport.Consume(ctx, w.InputQueue(), w.cfg.Prefetch, w.handoff)
	}()

	var procWg sync.WaitGroup
	if w.cfg.BatchHandler != nil {
		procWg.Add(1)
		go func() {
			defer procWg.Done()
			w.batchLoop(ctx)
		}()
	} else {
		for i := 0; i < w.cfg.Workers; i++ {
			procWg.Add(1)
			go func() {
				defer procWg.Done()
				w.processLoop(ctx)
			}()
		}
	}

	procDone := make(chan struct{})
	go func() {
		procWg.Wait()
		close(procDone)
	}()

	w.logger.Info().Str("queue", w.InputQueue()).Int("prefetch", w.cfg.Prefetch).Msg("worker started")

	// Broker I/O loop: the single place transport operations execute.
	var runErr error
	consuming := true
	for {
		select {
		case cb := <-w.callbacks:
			if err := cb(); err != nil {
				w.logger.Error().Err(err).Msg("broker operation failed")
				metrics.UpdateComponent("mq", false, err.Error())
				return err
			}
		case err := <-consumerDone:
			if err != nil {
				w.logger.Error().Err(err).Msg("consumer failed")
				metrics.UpdateComponent("mq", false, err.Error())
				runErr = err
			}
			// kiss of death for the processing side
			close(w.handoff)
			consuming = false
			consumerDone = nil
		case <-procDone:
			if consuming {
				// processing exited first (ctx canceled); wait for consumer
				if err := <-consumerDone; err != nil && runErr == nil {
					runErr = err
				}
			}
			// drain queued broker ops before closing the connection
			for {
				select {
				case cb := <-w.callbacks:
					if err := cb(); err != nil && runErr == nil {
						runErr = err
					}
				default:
					if err := w.cfg.Transport.Close(); err != nil && runErr == nil {
						runErr = err
					}
					w.logger.Info().Msg("worker stopped")
					return runErr
				}
			}
		}
	}
}

// submit hands a broker operation to the I/O loop
func (w *Worker) submit(cb func() error) {
	w.callbacks <- cb
}

// outbox collects a handler's outbound stories
type outbox struct {
	bodies [][]byte
}

func (o *outbox) Send(s *story.Story) error {
	body, err := s.Dump()
	if err != nil {
		return fmt.Errorf("failed to dump story: %w", err)
	}
	o.bodies = append(o.bodies, body)
	return nil
}

func (w *Worker) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.handoff:
			if !ok {
				return
			}
			w.processOne(ctx, d)
		}
	}
}

func (w *Worker) processOne(ctx context.Context, d mq.Delivery) {
	st, err := story.Load(d.Body)
	if err != nil {
		w.logger.Error().Err(err).Uint64("tag", d.Tag).Msg("malformed message body")
		metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "bad-message").Inc()
		w.submit(func() error {
			if err := w.cfg.Transport.Ack(d.Tag, false); err != nil {
				return err
			}
			return w.cfg.Transport.TxCommit()
		})
		return
	}

	out := &outbox{}
	herr := w.invoke(ctx, st, out)
	w.submit(w.resolve(d, out.bodies, herr))
}

// invoke runs the handler, converting panics to transient failures so no
// failure escapes the processing activity.
func (w *Worker) invoke(ctx context.Context, st *story.Story, out Sender) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Any("panic", r).Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.cfg.Handler.Process(ctx, st, out)
}

// resolve maps a handler outcome to the broker operations that settle the
// input message. The returned closure runs on the broker I/O loop; publish
// and ack commit in one transaction.
func (w *Worker) resolve(d mq.Delivery, outs [][]byte, herr error) func() error {
	return func() error {
		if err := w.settle(d, outs, herr); err != nil {
			return err
		}
		return w.cfg.Transport.TxCommit()
	}
}

func (w *Worker) settle(d mq.Delivery, outs [][]byte, herr error) error {
	t := w.cfg.Transport

	if herr == nil {
		exchange := mq.OutputExchange(w.cfg.Name)
		for _, body := range outs {
			// fresh headers: retry counts and diagnostics never cross
			// stage boundaries
			if err := t.Publish(exchange, "", nil, body, 0); err != nil {
				return err
			}
			metrics.PublishedTotal.WithLabelValues(w.cfg.Name, exchange).Inc()
		}
		metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "success").Inc()
		return t.Ack(d.Tag, false)
	}

	var discard *DiscardError
	if errors.As(herr, &discard) {
		w.logger.Debug().Str("status", discard.Status).Msg("story discarded")
		metrics.StoriesTotal.WithLabelValues(w.cfg.Name, discard.Status).Inc()
		return t.Ack(d.Tag, false)
	}

	var requeue *RequeueError
	if errors.As(herr, &requeue) {
		// headers preserved: the retry count is NOT incremented
		if err := t.Publish("", mq.FastQueue(w.cfg.Name), d.Headers, d.Body, w.cfg.FastDelay.Milliseconds()); err != nil {
			return err
		}
		metrics.StoriesTotal.WithLabelValues(w.cfg.Name, requeue.Reason).Inc()
		return t.Ack(d.Tag, false)
	}

	var quarantine *QuarantineError
	if errors.As(herr, &quarantine) {
		return w.quarantine(d, herr)
	}

	// transient failure
	retries := mq.RetryCount(d.Headers)
	kind := "retry"
	var retry *RetryError
	if errors.As(herr, &retry) {
		kind = retry.Kind
	}

	if retries >= w.cfg.MaxRetries {
		if w.noQuarantine[kind] {
			w.logger.Info().Str("kind", kind).Int("retries", retries).Msg("retries exhausted, dropping")
			metrics.StoriesTotal.WithLabelValues(w.cfg.Name, kind).Inc()
			return t.Ack(d.Tag, false)
		}
		w.logger.Warn().Str("kind", kind).Int("retries", retries).Msg("retries exhausted, quarantining")
		return w.quarantine(d, herr)
	}

	headers := mq.WithDiagnostics(d.Headers, herr, retries+1)
	if err := t.Publish("", mq.DelayQueue(w.cfg.Name), headers, d.Body, w.cfg.RetryDelay.Milliseconds()); err != nil {
		return err
	}
	metrics.StoriesTotal.WithLabelValues(w.cfg.Name, kind).Inc()
	return t.Ack(d.Tag, false)
}

func (w *Worker) quarantine(d mq.Delivery, herr error) error {
	headers := mq.WithDiagnostics(d.Headers, herr, mq.RetryCount(d.Headers))
	if err := w.cfg.Transport.Publish("", mq.QuarantineQueue(w.cfg.Name), headers, d.Body, 0); err != nil {
		return err
	}
	metrics.StoriesTotal.WithLabelValues(w.cfg.Name, "quarantine").Inc()
	return w.cfg.Transport.Ack(d.Tag, false)
}
