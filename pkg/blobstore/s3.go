package blobstore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
)

// s3Store uploads to an S3 (or S3-compatible) bucket
type s3Store struct {
	loc      Location
	uploader *s3manager.Uploader
}

func newS3Store(loc Location, envPrefix string) (Store, error) {
	keyID := envVar(envPrefix, loc.Provider, "ACCESS_KEY_ID")
	secret := envVar(envPrefix, loc.Provider, "SECRET_ACCESS_KEY")
	region := envVar(envPrefix, loc.Provider, "REGION")
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.NewConfig().WithRegion(region)
	if keyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(keyID, secret, ""))
	}
	if endpoint := envVar(envPrefix, loc.Provider, "ENDPOINT"); endpoint != "" {
		// MinIO and friends want path-style addressing
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return &s3Store{
		loc:      loc,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *s3Store) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	key := s.loc.key(name)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", localPath, s.loc.Bucket, key, err)
	}
	logger := log.WithComponent("blobstore")
	logger.Info().
		Str("store", s.String()).
		Str("key", key).
		Msg("uploaded")
	return nil
}

func (s *s3Store) String() string {
	return "s3://" + s.loc.Bucket + "/" + s.loc.Prefix
}
