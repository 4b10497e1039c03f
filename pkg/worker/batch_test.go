package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

type recordingBatchHandler struct {
	mu         sync.Mutex
	current    []string
	batches    [][]string
	storyErr   error
	endErr     error
	endErrOnce bool
}

func (h *recordingBatchHandler) ProcessStory(ctx context.Context, s *story.Story) error {
	if h.storyErr != nil {
		return h.storyErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = append(h.current, s.RSSEntry().Link)
	return nil
}

func (h *recordingBatchHandler) EndOfBatch(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endErr != nil {
		err := h.endErr
		if h.endErrOnce {
			h.endErr = nil
		}
		h.current = nil
		return err
	}
	h.batches = append(h.batches, h.current)
	h.current = nil
	return nil
}

func (h *recordingBatchHandler) Batches() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]string, len(h.batches))
	copy(out, h.batches)
	return out
}

func startBatchWorker(t *testing.T, h BatchHandler, size int, seconds time.Duration) (*mq.FakeTransport, func() error) {
	t.Helper()
	return startWorker(t, Config{
		Name:         "archiver",
		BatchHandler: h,
		BatchSize:    size,
		BatchSeconds: seconds,
	})
}

func TestBatchFullByCount(t *testing.T) {
	h := &recordingBatchHandler{}
	fake, stop := startBatchWorker(t, h, 3, 30*time.Second)

	for i := uint64(1); i <= 3; i++ {
		fake.Deliver(mq.Delivery{Tag: i, Body: storyBody(t, "https://example.org/a")})
	}

	waitFor(t, func() bool { return len(h.Batches()) == 1 }, "batch")
	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	require.Len(t, h.Batches()[0], 3, "end_of_batch sees exactly batch_size stories")

	acked := fake.Acked()
	require.Len(t, acked, 1, "exactly one ack per batch")
	assert.Equal(t, [2]uint64{3, 1}, acked[0], "multiple-ack of the last tag")
}

func TestBatchFlushByDeadline(t *testing.T) {
	h := &recordingBatchHandler{}
	fake, stop := startBatchWorker(t, h, 3, 200*time.Millisecond)

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/only")})

	waitFor(t, func() bool { return len(h.Batches()) == 1 }, "deadline flush")
	require.NoError(t, stop())

	require.Len(t, h.Batches()[0], 1, "deadline flush carries the single story")
	acked := fake.Acked()
	require.Len(t, acked, 1)
	assert.Equal(t, [2]uint64{1, 1}, acked[0])
}

func TestBatchEndOfBatchFailureRetriesAll(t *testing.T) {
	h := &recordingBatchHandler{endErr: errors.New("upload failed"), endErrOnce: true}
	fake, stop := startBatchWorker(t, h, 2, 30*time.Second)

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})
	fake.Deliver(mq.Delivery{Tag: 2, Body: storyBody(t, "https://example.org/b")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	delayed := fake.Published("archiver-delay")
	require.Len(t, delayed, 2, "every batch member individually retried")
	for _, m := range delayed {
		assert.Equal(t, 1, mq.RetryCount(m.Headers))
	}
	assert.Equal(t, [2]uint64{2, 1}, fake.Acked()[0])
}

func TestBatchPerStoryFailureRetriesOnlyFailed(t *testing.T) {
	h := &recordingBatchHandler{storyErr: &RetryError{Kind: "disk-full"}}
	fake, stop := startBatchWorker(t, h, 2, 200*time.Millisecond)

	fake.Deliver(mq.Delivery{Tag: 1, Body: storyBody(t, "https://example.org/a")})

	waitFor(t, func() bool { return len(fake.Acked()) == 1 }, "ack")
	require.NoError(t, stop())

	require.Len(t, fake.Published("archiver-delay"), 1)
	assert.Empty(t, h.Batches(), "end_of_batch not called when nothing accumulated")
}

func TestBatchPrefetchEqualsBatchSize(t *testing.T) {
	h := &recordingBatchHandler{}
	fake, stop := startBatchWorker(t, h, 7, time.Second)
	defer stop() //nolint:errcheck

	waitFor(t, func() bool {
		return fake.ConsumedQueue != ""
	}, "consume start")
	assert.Equal(t, 7, fake.Prefetch)
}

func TestBatchSecondsValidatedAgainstConsumerTimeout(t *testing.T) {
	_, err := New(Config{
		Name:            "archiver",
		Transport:       mq.NewFakeTransport(),
		BatchHandler:    &recordingBatchHandler{},
		BatchSize:       10,
		BatchSeconds:    29 * time.Minute,
		ConsumerTimeout: 30 * time.Minute,
		WorkTime:        5 * time.Minute,
	})
	require.Error(t, err, "batch window must leave work-time margin below the consumer timeout")

	_, err = New(Config{
		Name:         "archiver",
		Transport:    mq.NewFakeTransport(),
		BatchHandler: &recordingBatchHandler{},
		BatchSize:    10,
		BatchSeconds: 10 * time.Minute,
	})
	require.NoError(t, err)
}
