package archive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediacloud/story-indexer-sub000/pkg/blobstore"
	"github.com/mediacloud/story-indexer-sub000/pkg/log"
	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
	"github.com/mediacloud/story-indexer-sub000/pkg/worker"
)

// Config configures the Archiver batch sink
type Config struct {
	Dir    string // local spool directory
	Prefix string // archive filename prefix, e.g. "mc"
	Stores []blobstore.Store
}

// Archiver is the batch sink that spools stories into rotating archive files
// and ships finished files to blob storage. One archive per batch: the file
// is opened lazily on the batch's first story and finalized by EndOfBatch.
type Archiver struct {
	cfg    Config
	w      *Writer
	logger zerolog.Logger
}

var _ worker.BatchHandler = (*Archiver)(nil)

// New creates an Archiver
func New(cfg Config) (*Archiver, error) {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mc"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}
	return &Archiver{
		cfg:    cfg,
		logger: log.WithComponent("archiver"),
	}, nil
}

// ProcessStory appends one story to the open archive, opening it lazily on
// the first story of a batch
func (a *Archiver) ProcessStory(ctx context.Context, s *story.Story) error {
	if a.w == nil {
		w, err := NewWriter(a.cfg.Dir, a.cfg.Prefix)
		if err != nil {
			return &worker.RetryError{Kind: "archive-open", Err: err}
		}
		a.logger.Info().Str("archive", w.Name()).Msg("opened archive")
		a.w = w
	}
	if err := a.w.WriteStory(s); err != nil {
		return &worker.RetryError{Kind: "archive-write", Err: err}
	}
	return nil
}

// EndOfBatch finalizes the open archive and uploads it to every configured
// store in turn. The local file is removed only when all uploads succeed;
// otherwise it stays on disk for manual recovery and the archive counts as
// "noupload".
func (a *Archiver) EndOfBatch(ctx context.Context) error {
	if a.w == nil {
		// empty batch: nothing was written, nothing to upload
		return nil
	}
	w := a.w
	a.w = nil

	if err := w.Close(); err != nil {
		metrics.ArchivesTotal.WithLabelValues("error").Inc()
		return &worker.RetryError{Kind: "archive-close", Err: err}
	}
	a.logger.Info().
		Str("archive", w.Name()).
		Int("stories", w.Count()).
		Msg("finalized archive")

	failed := 0
	for _, store := range a.cfg.Stores {
		start := time.Now()
		err := store.Upload(ctx, w.Path(), w.Name())
		elapsed := time.Since(start)
		metrics.UploadDuration.WithLabelValues(store.String()).Observe(elapsed.Seconds())
		if err != nil {
			failed++
			metrics.UploadsTotal.WithLabelValues(store.String(), "error").Inc()
			a.logger.Error().Err(err).
				Str("archive", w.Name()).
				Str("store", store.String()).
				Msg("upload failed")
			continue
		}
		metrics.UploadsTotal.WithLabelValues(store.String(), "success").Inc()
	}

	if failed > 0 {
		metrics.ArchivesTotal.WithLabelValues("noupload").Inc()
		a.logger.Warn().
			Str("archive", w.Name()).
			Int("failed_stores", failed).
			Msg("archive left on disk")
		return nil
	}

	metrics.ArchivesTotal.WithLabelValues("success").Inc()
	if len(a.cfg.Stores) > 0 {
		if err := os.Remove(w.Path()); err != nil {
			a.logger.Error().Err(err).Str("path", w.Path()).Msg("removing uploaded archive")
		}
	}
	return nil
}
