package archive

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

const warcVersion = "WARC/1.0"

// Software identifies the writer in the leading warcinfo record
const Software = "story-indexer/1.0"

// serial distinguishes archives opened within the same second by one process
var serial atomic.Uint64

// Writer appends stories to one WARC file. Each story yields a response
// record (HTTP status line + body) immediately followed by a metadata record
// (JSON dump of all story views) that names the response record's ID in its
// WARC-Concurrent-To header. Every record is gzipped individually, so a
// truncated file remains readable up to the damage.
type Writer struct {
	f     *os.File
	path  string
	name  string
	count int
}

// Filename builds prefix-YYYYMMDDHHMMSS-serial-host.warc.gz
func Filename(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return fmt.Sprintf("%s-%s-%d-%s.warc.gz",
		prefix, time.Now().UTC().Format("20060102150405"), serial.Add(1), host)
}

// NewWriter opens a fresh archive in dir and writes the warcinfo record
func NewWriter(dir, prefix string) (*Writer, error) {
	name := Filename(prefix)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating archive %s: %w", path, err)
	}

	w := &Writer{f: f, path: path, name: name}
	host, _ := os.Hostname()
	info := fmt.Sprintf("software: %s\r\nhostname: %s\r\nformat: WARC File Format 1.0\r\n", Software, host)
	err = w.writeRecord(map[string]string{
		"WARC-Type":     "warcinfo",
		"WARC-Filename": name,
		"Content-Type":  "application/warc-fields",
	}, []byte(info))
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// Path returns the archive's path on local disk
func (w *Writer) Path() string { return w.path }

// Name returns the archive's bare filename
func (w *Writer) Name() string { return w.name }

// Count returns the number of stories written so far
func (w *Writer) Count() int { return w.count }

// WriteStory appends one (response, metadata) record pair
func (w *Writer) WriteStory(s *story.Story) error {
	meta := s.HTTPMetadata()
	html := s.RawHTML()

	targetURI := meta.FinalURL
	if targetURI == "" {
		targetURI = s.RSSEntry().Link
	}

	// reconstructed response: status line, minimal headers, body
	var resp bytes.Buffer
	code := meta.ResponseCode
	if code == 0 {
		code = 200
	}
	fmt.Fprintf(&resp, "HTTP/1.1 %d\r\n", code)
	fmt.Fprintf(&resp, "Content-Type: text/html\r\n")
	fmt.Fprintf(&resp, "Content-Length: %d\r\n\r\n", len(html.HTML))
	resp.Write(html.HTML)

	respID := recordID()
	err := w.writeRecord(map[string]string{
		"WARC-Type":       "response",
		"WARC-Record-ID":  respID,
		"WARC-Target-URI": targetURI,
		"Content-Type":    "application/http;msgtype=response",
	}, resp.Bytes())
	if err != nil {
		return err
	}

	dump, err := s.Dump()
	if err != nil {
		return fmt.Errorf("serializing story for %s: %w", targetURI, err)
	}
	err = w.writeRecord(map[string]string{
		"WARC-Type":          "metadata",
		"WARC-Target-URI":    targetURI,
		"WARC-Concurrent-To": respID,
		"Content-Type":       "application/json",
	}, dump)
	if err != nil {
		return err
	}

	w.count++
	return nil
}

// Close finalizes and closes the archive file
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	return w.f.Close()
}

// writeRecord emits one gzip member holding one WARC record
func (w *Writer) writeRecord(headers map[string]string, body []byte) error {
	if headers["WARC-Record-ID"] == "" {
		headers["WARC-Record-ID"] = recordID()
	}
	headers["WARC-Date"] = time.Now().UTC().Format(time.RFC3339)
	headers["Content-Length"] = fmt.Sprintf("%d", len(body))

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	gz := gzip.NewWriter(w.f)
	fmt.Fprintf(gz, "%s\r\n", warcVersion)
	for _, k := range keys {
		fmt.Fprintf(gz, "%s: %s\r\n", k, headers[k])
	}
	gz.Write([]byte("\r\n"))
	gz.Write(body)
	gz.Write([]byte("\r\n\r\n"))
	if err := gz.Close(); err != nil {
		return fmt.Errorf("writing record to %s: %w", w.path, err)
	}
	return nil
}

func recordID() string {
	return "<urn:uuid:" + uuid.NewString() + ">"
}
