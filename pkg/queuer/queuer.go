package queuer

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediacloud/story-indexer-sub000/pkg/fetcher"
	"github.com/mediacloud/story-indexer-sub000/pkg/log"
	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
	"github.com/mediacloud/story-indexer-sub000/pkg/tracker"
)

// ErrMaxStories stops input processing once the story budget is spent
var ErrMaxStories = fmt.Errorf("max stories reached")

// Config configures a Queuer
type Config struct {
	Name       string // "rss-queuer" or "csv-queuer"; names the out-exchange
	Transport  mq.Transport
	Tracker    *tracker.Tracker // optional cross-run URL dedup
	MaxStories int              // 0 means unlimited
}

// Queuer publishes freshly minted stories to its output exchange, which the
// topology binds to the fetcher's input queue. URLs already seen by the
// tracker, syntactically broken URLs, and non-news origins are skipped at
// the door rather than wasting a trip through the fetcher.
type Queuer struct {
	cfg    Config
	logger zerolog.Logger
	queued int
}

// New creates a Queuer
func New(cfg Config) *Queuer {
	if cfg.Name == "" {
		cfg.Name = "queuer"
	}
	return &Queuer{
		cfg:    cfg,
		logger: log.WithComponent(cfg.Name),
	}
}

// Queued returns the number of stories published so far
func (q *Queuer) Queued() int { return q.queued }

// queueStory validates, dedups, and publishes one story. Returns
// ErrMaxStories once the budget is spent; all other skips are counted and
// swallowed.
func (q *Queuer) queueStory(s *story.Story) error {
	if q.cfg.MaxStories > 0 && q.queued >= q.cfg.MaxStories {
		return ErrMaxStories
	}

	link := s.RSSEntry().Link
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		metrics.QueuedTotal.WithLabelValues(q.cfg.Name, "bad-url").Inc()
		q.logger.Debug().Str("url", link).Msg("skipping bad URL")
		return nil
	}
	if fetcher.IsNonNewsDomain(u.Hostname()) {
		metrics.QueuedTotal.WithLabelValues(q.cfg.Name, "non-news").Inc()
		return nil
	}
	if q.cfg.Tracker != nil && q.cfg.Tracker.Seen(link) {
		metrics.QueuedTotal.WithLabelValues(q.cfg.Name, "dup").Inc()
		return nil
	}

	if s.RSSEntry().Domain == "" {
		s.WithRSSEntry(func(v *story.RSSEntry) {
			v.Domain = strings.ToLower(u.Hostname())
		})
	}
	s.WithRSSEntry(func(v *story.RSSEntry) {
		v.FetchDate = time.Now().UTC().Format("2006-01-02")
	})

	body, err := s.Dump()
	if err != nil {
		return fmt.Errorf("serializing story for %s: %w", link, err)
	}
	if err := q.cfg.Transport.Publish(mq.OutputExchange(q.cfg.Name), "", nil, body, 0); err != nil {
		return fmt.Errorf("publishing story for %s: %w", link, err)
	}

	if q.cfg.Tracker != nil {
		if err := q.cfg.Tracker.Mark(link); err != nil {
			return fmt.Errorf("marking %s in tracker: %w", link, err)
		}
	}
	q.queued++
	metrics.QueuedTotal.WithLabelValues(q.cfg.Name, "queued").Inc()
	q.logger.Debug().Str("url", link).Msg("queued")
	return nil
}
