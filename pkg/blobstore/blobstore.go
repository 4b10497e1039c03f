package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Store uploads local files to one blob bucket under a key prefix
type Store interface {
	// Upload copies the file at localPath to the store under name
	Upload(ctx context.Context, localPath, name string) error
	// String returns the store's URL for logging
	String() string
}

// Location is a parsed blob store URL of the form scheme://bucket/prefix
type Location struct {
	Provider string // "s3" or "gs"
	Bucket   string
	Prefix   string // no leading slash, trailing slash normalized away
}

// ParseURL parses scheme://bucket/prefix into a Location
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parsing blob store URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3", "gs":
	default:
		return Location{}, fmt.Errorf("unsupported blob store scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("blob store URL %q has no bucket", raw)
	}
	return Location{
		Provider: u.Scheme,
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
	}, nil
}

// Open builds a Store for the given URL. Credentials come from environment
// variables named <envPrefix>_<PROVIDER>_<VARIABLE>, e.g. for
// envPrefix "ARCHIVER":
//
//	ARCHIVER_S3_ACCESS_KEY_ID, ARCHIVER_S3_SECRET_ACCESS_KEY,
//	ARCHIVER_S3_REGION, ARCHIVER_S3_ENDPOINT (optional)
//	ARCHIVER_GS_CREDENTIALS_FILE (optional; default application credentials
//	otherwise)
func Open(ctx context.Context, raw, envPrefix string) (Store, error) {
	loc, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	switch loc.Provider {
	case "s3":
		return newS3Store(loc, envPrefix)
	case "gs":
		return newGCSStore(ctx, loc, envPrefix)
	}
	panic("unreachable")
}

// key joins the location prefix and the object name
func (l Location) key(name string) string {
	if l.Prefix == "" {
		return name
	}
	return l.Prefix + "/" + name
}

func envVar(envPrefix, provider, name string) string {
	return os.Getenv(envPrefix + "_" + strings.ToUpper(provider) + "_" + name)
}
