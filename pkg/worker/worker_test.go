package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

type handlerFunc func(ctx context.Context, s *story.Story, out Sender) error

func (f handlerFunc) Process(ctx context.Context, s *story.Story, out Sender) error {
	return f(ctx, s, out)
}

func storyBody(t *testing.T, link string) []byte {
	t.Helper()
	s := story.New()
	s.WithRSSEntry(func(v *story.RSSEntry) { v.Link = link })
	body, err := s.Dump()
	require.NoError(t, err)
	return body
}

// startWorker runs a worker against a fake transport and returns a stop
// function that shuts it down and waits for Run to return.
func startWorker(t *testing.T, cfg Config) (*mq.FakeTransport, func() error) {
	t.Helper()
	fake := mq.NewFakeTransport()
	cfg.Transport = fake

	w, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return fake, func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSuccessPublishesThenAcks(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "fetcher",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			s.WithHTTPMetadata(func(v *story.HTTPMetadata) { v.ResponseCode = 200 })
			return out.Send(s)
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	msgs := fake.Published("fetcher-out")
	require.Len(t, msgs, 1)

	loaded, err := story.Load(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, 200, loaded.HTTPMetadata().ResponseCode)
	assert.Equal(t, "https://example.org/a", loaded.RSSEntry().Link)

	assert.Equal(t, [][2]uint64{{1, 0}}, fake.Acked())
	assert.Equal(t, 0, fake.PendingCount(), "everything committed")
	assert.Equal(t, "fetcher-in", fake.ConsumedQueue)
}

func TestSuccessStripsRetryHeaders(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "fetcher",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return out.Send(s)
		}),
	})

	// a message that already burned most of its retry budget at this stage
	headers := map[string]any{mq.HeaderRetries: 9, mq.HeaderWhat: "http-5xx: 503"}
	fake.Deliver(mq.Delivery{Tag: 1, Headers: headers, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	msgs := fake.Published("fetcher-out")
	require.Len(t, msgs, 1)
	assert.Equal(t, 0, mq.RetryCount(msgs[0].Headers), "next stage starts with a full retry budget")
	assert.NotContains(t, msgs[0].Headers, mq.HeaderWhat)
}

func TestDiscardAcksWithoutPublish(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "fetcher",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return &DiscardError{Status: "non-news"}
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://facebook.com/post/1")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	assert.Empty(t, fake.Published(""))
}

func TestRequeueGoesToFastQueueWithoutRetryIncrement(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name:      "fetcher",
		FastDelay: 2 * time.Second,
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return &RequeueError{Reason: "busy"}
		}),
	})

	headers := map[string]any{mq.HeaderRetries: 3}
	fake.Deliver(mq.Delivery{Tag: 1, Headers: headers, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	msgs := fake.Published("fetcher-fast")
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2000), msgs[0].ExpirationMS)
	assert.Equal(t, 3, mq.RetryCount(msgs[0].Headers), "retry count must not change on requeue")
}

func TestTransientFailureGoesToDelayQueue(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name:       "fetcher",
		RetryDelay: time.Minute,
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return &RetryError{Kind: "http-5xx", Err: errors.New("503")}
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	msgs := fake.Published("fetcher-delay")
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(60_000), msgs[0].ExpirationMS)
	assert.Equal(t, 1, mq.RetryCount(msgs[0].Headers))
	assert.Equal(t, "http-5xx: 503", msgs[0].Headers[mq.HeaderWhat])
	assert.NotEmpty(t, msgs[0].Headers[mq.HeaderWho])
}

func TestUnknownErrorTakesRetryPath(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "parser",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return fmt.Errorf("something unexpected")
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	require.Len(t, fake.Published("parser-delay"), 1)
}

func TestPanicTakesRetryPath(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "parser",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			panic("boom")
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	require.Len(t, fake.Published("parser-delay"), 1)
}

func TestExhaustedRetriesQuarantineExactlyOnce(t *testing.T) {
	maxRetries := 3
	fake, stop := startWorker(t, Config{
		Name:       "fetcher",
		MaxRetries: maxRetries,
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return &RetryError{Kind: "http-5xx", Err: errors.New("503")}
		}),
	})

	// feed the message back through the delay queue until it stops coming
	// out, simulating broker dead-lettering
	body := storyBody(t, "https://example.org/a")
	var headers map[string]any
	tag := uint64(1)
	for {
		fake.Deliver(mq.Delivery{Tag: tag, Headers: headers, Body: body})
		waitFor(t, func() bool { return len(fake.Acked()) == int(tag) }, "ack")

		delayed := fake.Published("fetcher-delay")
		if len(delayed) < int(tag) {
			break
		}
		headers = delayed[len(delayed)-1].Headers
		tag++
	}
	require.NoError(t, stop())

	assert.Len(t, fake.Published("fetcher-delay"), maxRetries)
	assert.Len(t, fake.Published("fetcher-quar"), 1, "quarantined exactly once")
}

func TestNoQuarantineKindDroppedOnExhaustion(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name:         "fetcher",
		MaxRetries:   2,
		NoQuarantine: []string{"noconn"},
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return &RetryError{Kind: "noconn", Err: errors.New("connection refused")}
		}),
	})

	headers := map[string]any{mq.HeaderRetries: 2}
	fake.Deliver(mq.Delivery{Tag: 1, Headers: headers, Body: storyBody(t, "https://unreachable.example/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	assert.Empty(t, fake.Published("fetcher-quar"), "noconn is never quarantined")
	assert.Empty(t, fake.Published("fetcher-delay"))
}

func TestQuarantineSignalImmediate(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "importer",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return &QuarantineError{Err: errors.New("schema mismatch")}
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	msgs := fake.Published("importer-quar")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Headers[mq.HeaderWhat], "schema mismatch")
	assert.Empty(t, fake.Published("importer-delay"))
}

func TestMalformedBodyAcked(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name: "fetcher",
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			t.Error("handler must not run for malformed bodies")
			return nil
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: []byte("{not json")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())
	assert.Empty(t, fake.Published(""))
}

func TestFromQuarantineConsumesQuarQueue(t *testing.T) {
	fake, stop := startWorker(t, Config{
		Name:           "fetcher",
		FromQuarantine: true,
		Handler: handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error {
			return nil
		}),
	})

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})
	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	assert.Equal(t, "fetcher-quar", fake.ConsumedQueue)
}

func TestConfigValidation(t *testing.T) {
	fake := mq.NewFakeTransport()
	h := handlerFunc(func(ctx context.Context, s *story.Story, out Sender) error { return nil })

	_, err := New(Config{Transport: fake, Handler: h})
	assert.Error(t, err, "name required")

	_, err = New(Config{Name: "x", Handler: h})
	assert.Error(t, err, "transport required")

	_, err = New(Config{Name: "x", Transport: fake})
	assert.Error(t, err, "handler required")
}
