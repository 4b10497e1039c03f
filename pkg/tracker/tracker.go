package tracker

import (
	"crypto/sha256"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketURLs = []byte("urls")

// Tracker remembers which story URLs have already been queued so queuer
// reruns over the same feed or CSV do not enqueue duplicates. Keys are
// SHA-256 hashes of the URL; values are the RFC 3339 time of first sight.
type Tracker struct {
	db *bolt.DB
}

// New opens (or creates) the tracker database at path
func New(path string) (*Tracker, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketURLs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketURLs, err)
	}

	return &Tracker{db: db}, nil
}

// Close closes the database
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Seen reports whether url has already been marked
func (t *Tracker) Seen(url string) bool {
	key := hash(url)
	seen := false
	t.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketURLs).Get(key) != nil
		return nil
	})
	return seen
}

// Mark records url as queued
func (t *Tracker) Mark(url string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketURLs).Put(hash(url), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// Count returns the number of tracked URLs
func (t *Tracker) Count() (int, error) {
	n := 0
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketURLs).Stats().KeyN
		return nil
	})
	return n, err
}

func hash(url string) []byte {
	sum := sha256.Sum256([]byte(url))
	return sum[:]
}
