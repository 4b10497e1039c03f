package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
)

// gcsStore uploads to a Google Cloud Storage bucket
type gcsStore struct {
	loc    Location
	client *storage.Client
}

func newGCSStore(ctx context.Context, loc Location, envPrefix string) (Store, error) {
	var opts []option.ClientOption
	if credFile := envVar(envPrefix, loc.Provider, "CREDENTIALS_FILE"); credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating google storage client: %w", err)
	}
	return &gcsStore{loc: loc, client: client}, nil
}

func (g *gcsStore) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	key := g.loc.key(name)
	w := g.client.Bucket(g.loc.Bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s to gs://%s/%s: %w", localPath, g.loc.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing gs://%s/%s: %w", g.loc.Bucket, key, err)
	}
	logger := log.WithComponent("blobstore")
	logger.Info().
		Str("store", g.String()).
		Str("key", key).
		Msg("uploaded")
	return nil
}

func (g *gcsStore) String() string {
	return "gs://" + g.loc.Bucket + "/" + g.loc.Prefix
}
