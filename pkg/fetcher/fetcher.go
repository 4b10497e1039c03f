package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
	"github.com/mediacloud/story-indexer-sub000/pkg/scoreboard"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
	"github.com/mediacloud/story-indexer-sub000/pkg/worker"
)

const (
	// DefaultUserAgent identifies the crawler to origin servers
	DefaultUserAgent = "story-indexer/1.0 (+https://mediacloud.org)"

	// DefaultMaxRedirects bounds redirect following
	DefaultMaxRedirects = 30

	// DefaultConnectTimeout and DefaultReadTimeout bound the two HTTP
	// phases; neither the request nor broker ops support cooperative
	// cancellation mid-flight, so these bound all blocking.
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 30 * time.Second

	// DefaultMaxHTMLBytes is the acceptable HTML size ceiling
	DefaultMaxHTMLBytes = 10_000_000

	// PeriodicInterval is how often scoreboard stats are reported and idle
	// slots reaped
	PeriodicInterval = time.Minute
)

// retryableStatus are HTTP statuses worth retrying later
var retryableStatus = map[int]bool{
	408: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
	522: true, 524: true,
}

// NoQuarantineKinds are the fetcher failure kinds silently dropped after
// exhausting retries: connection errors and cooldown skips are never
// quarantined.
var NoQuarantineKinds = []string{"noconn", "skipped"}

// Config holds fetcher tunables
type Config struct {
	Scoreboard     *scoreboard.Scoreboard
	UserAgent      string
	MaxRedirects   int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxHTMLBytes   int64
}

// Fetcher is the polite concurrent HTTP fetcher worker. It consults the
// scoreboard before every request, follows redirects manually re-validating
// each hop, and populates the HTTP metadata and raw HTML story views
// together or not at all.
type Fetcher struct {
	cfg    Config
	sb     *scoreboard.Scoreboard
	client *http.Client
	logger zerolog.Logger
	seq    atomic.Uint64
}

var _ worker.Handler = (*Fetcher)(nil)

// New creates a Fetcher, applying defaults to zero fields
func New(cfg Config) *Fetcher {
	if cfg.Scoreboard == nil {
		cfg.Scoreboard = scoreboard.New(scoreboard.Config{})
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = DefaultMaxHTMLBytes
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		// news sites routinely serve stale or mismatched certificates;
		// the pipeline archives public pages, it does not authenticate them
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	return &Fetcher{
		cfg: cfg,
		sb:  cfg.Scoreboard,
		client: &http.Client{
			Transport: transport,
			// whole-exchange deadline per hop, including the body read;
			// ResponseHeaderTimeout alone leaves a trickling body unbounded
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
			// redirects are followed manually in fetchOnce
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.WithComponent("fetcher"),
	}
}

// RunPeriodic reaps idle scoreboard slots and refreshes gauges until ctx is
// done. Run it alongside the worker.
func (f *Fetcher) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sb.Periodic(false)
		}
	}
}

// Process fetches one story's URL and emits the populated story downstream
func (f *Fetcher) Process(ctx context.Context, st *story.Story, out worker.Sender) error {
	rawURL := st.RSSEntry().Link
	u, err := parseURL(rawURL)
	if err != nil {
		return &worker.DiscardError{Status: "bad-url", Err: err}
	}

	fqdn := strings.ToLower(u.Hostname())
	if IsNonNewsDomain(fqdn) {
		return &worker.DiscardError{Status: "non-news"}
	}

	caller := fmt.Sprintf("f%d", f.seq.Add(1))
	status, slot := f.sb.Issue(fqdn, rawURL, caller)
	switch status {
	case scoreboard.Busy:
		return &worker.RequeueError{Reason: "busy"}
	case scoreboard.Skipped:
		return &worker.RetryError{Kind: "skipped", Err: fmt.Errorf("origin %s in connect-error cooldown", fqdn)}
	}

	// slot reserved; retire on every exit path
	conn := scoreboard.NoConn
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		f.sb.Retire(slot, conn, elapsed, caller)
		metrics.FetchDuration.Observe(elapsed.Seconds())
	}()

	resp, finalURL, err := f.follow(ctx, u)
	if err != nil {
		var discard *worker.DiscardError
		if errors.As(err, &discard) {
			conn = scoreboard.BadURL
			return err
		}
		// connect failure: retry until exhaustion, then silently dropped
		return &worker.RetryError{Kind: "noconn", Err: err}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	logger := f.logger.With().Str("url", finalURL).Int("status", code).Logger()

	switch {
	case code >= 200 && code < 300:
		// fall through to body handling below
	case retryableStatus[code]:
		conn = scoreboard.NoData
		logger.Debug().Msg("retryable status")
		return &worker.RetryError{Kind: fmt.Sprintf("http-%dxx", code/100), Err: fmt.Errorf("HTTP %d from %s", code, finalURL)}
	default:
		conn = scoreboard.NoData
		logger.Debug().Msg("non-retryable status")
		return &worker.DiscardError{Status: fmt.Sprintf("http-%d", code)}
	}

	contentType := resp.Header.Get("Content-Type")
	if !acceptableContentType(contentType) {
		conn = scoreboard.NoData
		logger.Debug().Str("content_type", contentType).Msg("unacceptable content type")
		return &worker.DiscardError{Status: "bad-content-type"}
	}

	if resp.ContentLength > f.cfg.MaxHTMLBytes {
		conn = scoreboard.NoData
		return &worker.DiscardError{Status: "oversized"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxHTMLBytes+1))
	if err != nil {
		return &worker.RetryError{Kind: "noconn", Err: fmt.Errorf("body read from %s: %w", finalURL, err)}
	}
	if int64(len(body)) > f.cfg.MaxHTMLBytes {
		conn = scoreboard.Data
		return &worker.DiscardError{Status: "oversized"}
	}
	if len(body) == 0 {
		conn = scoreboard.NoData
		return &worker.DiscardError{Status: "no-html"}
	}
	conn = scoreboard.Data

	_, encName, _ := charset.DetermineEncoding(body, contentType)

	// both views set together: the fetcher never emits partial stories
	st.WithHTTPMetadata(func(v *story.HTTPMetadata) {
		v.FinalURL = finalURL
		v.ResponseCode = code
		v.FetchTimestamp = float64(time.Now().UnixNano()) / 1e9
		v.Encoding = encName
	})
	st.WithRawHTML(func(v *story.RawHTML) {
		v.HTML = body
		v.Encoding = encName
	})

	logger.Info().Int("bytes", len(body)).Msg("fetched")
	return out.Send(st)
}

// follow issues the GET and walks redirects manually, re-validating every
// hop against URL syntax and the non-news set.
func (f *Fetcher) follow(ctx context.Context, u *url.URL) (*http.Response, string, error) {
	for hops := 0; hops <= f.cfg.MaxRedirects; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, "", &worker.DiscardError{Status: "bad-url", Err: err}
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, "", err
		}

		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			return resp, u.String(), nil
		}

		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, "", &worker.DiscardError{Status: "bad-redirect", Err: fmt.Errorf("redirect without location from %s", u)}
		}
		next, err := u.Parse(loc)
		if err != nil || next.Hostname() == "" {
			return nil, "", &worker.DiscardError{Status: "bad-redirect", Err: fmt.Errorf("unparseable redirect %q from %s", loc, u)}
		}
		if IsNonNewsDomain(next.Hostname()) {
			return nil, "", &worker.DiscardError{Status: "non-news"}
		}
		u = next
	}
	return nil, "", &worker.DiscardError{Status: "max-redirects", Err: fmt.Errorf("more than %d redirects", f.cfg.MaxRedirects)}
}

func parseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL without host")
	}
	return u, nil
}

func acceptableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "":
		// plenty of small sites omit the header; sniff the body instead
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasPrefix(ct, "application/xhtml"):
		return true
	case ct == "application/xml" || strings.HasSuffix(ct, "+xml"):
		return true
	default:
		return false
	}
}
