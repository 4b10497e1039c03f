package queuer

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/story"
	"github.com/mediacloud/story-indexer-sub000/pkg/tracker"
)

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example News</title>
    <item>
      <title>First story</title>
      <link>https://news.example.org/a</link>
      <pubDate>Mon, 24 Aug 2026 08:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Second story</title>
      <link>https://news.example.org/b</link>
    </item>
    <item>
      <title>Platform junk</title>
      <link>https://www.youtube.com/watch?v=x</link>
    </item>
  </channel>
</rss>`

const sampleAtom = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Atom</title>
  <entry>
    <title>Atom story</title>
    <link rel="alternate" href="https://news.example.org/atom-1"/>
    <updated>2026-08-24T08:00:00Z</updated>
  </entry>
</feed>`

func publishedLinks(t *testing.T, fake *mq.FakeTransport, exchange string) []string {
	t.Helper()
	var links []string
	for _, m := range fake.Published(exchange) {
		s, err := story.Load(m.Body)
		require.NoError(t, err)
		links = append(links, s.RSSEntry().Link)
	}
	return links
}

func TestQueueRSS(t *testing.T) {
	fake := mq.NewFakeTransport()
	q := New(Config{Name: "rss-queuer", Transport: fake})

	require.NoError(t, q.QueueRSS(strings.NewReader(sampleRSS), "feed-1"))

	links := publishedLinks(t, fake, "rss-queuer-out")
	assert.Equal(t, []string{"https://news.example.org/a", "https://news.example.org/b"}, links,
		"non-news entries are filtered at the queuer")
	assert.Equal(t, 2, q.Queued())

	s, err := story.Load(fake.Published("rss-queuer-out")[0].Body)
	require.NoError(t, err)
	entry := s.RSSEntry()
	assert.Equal(t, "First story", entry.Title)
	assert.Equal(t, "Mon, 24 Aug 2026 08:00:00 GMT", entry.PubDate)
	assert.Equal(t, "news.example.org", entry.Domain)
	assert.Equal(t, "feed-1", entry.Via)
	assert.NotEmpty(t, entry.FetchDate)
}

func TestQueueAtom(t *testing.T) {
	fake := mq.NewFakeTransport()
	q := New(Config{Name: "rss-queuer", Transport: fake})

	require.NoError(t, q.QueueRSS(strings.NewReader(sampleAtom), "feed-2"))
	assert.Equal(t, []string{"https://news.example.org/atom-1"}, publishedLinks(t, fake, "rss-queuer-out"))
}

func TestQueueRSSGarbage(t *testing.T) {
	q := New(Config{Name: "rss-queuer", Transport: mq.NewFakeTransport()})
	assert.Error(t, q.QueueRSS(strings.NewReader("not xml at all"), "feed"))
}

func TestMaxStoriesStopsEarly(t *testing.T) {
	fake := mq.NewFakeTransport()
	q := New(Config{Name: "rss-queuer", Transport: fake, MaxStories: 1})

	require.NoError(t, q.QueueRSS(strings.NewReader(sampleRSS), "feed-1"))
	assert.Equal(t, 1, q.Queued())
	assert.Len(t, fake.Published("rss-queuer-out"), 1)
}

func TestTrackerDedupAcrossRuns(t *testing.T) {
	tr, err := tracker.New(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	defer tr.Close()

	fake := mq.NewFakeTransport()
	q := New(Config{Name: "rss-queuer", Transport: fake, Tracker: tr})
	require.NoError(t, q.QueueRSS(strings.NewReader(sampleRSS), "feed-1"))
	require.Len(t, fake.Published("rss-queuer-out"), 2)

	// second run over the same feed queues nothing
	q2 := New(Config{Name: "rss-queuer", Transport: fake, Tracker: tr})
	require.NoError(t, q2.QueueRSS(strings.NewReader(sampleRSS), "feed-1"))
	assert.Len(t, fake.Published("rss-queuer-out"), 2)
	assert.Equal(t, 0, q2.Queued())
}

func TestQueueCSV(t *testing.T) {
	csv := `url,title,domain,pub_date,source_feed_id
https://news.example.org/c,CSV story,news.example.org,2026-08-20,42
https://facebook.com/x,Junk,,,
not-a-url,Broken,,,
https://news.example.org/d,Another,,,`

	fake := mq.NewFakeTransport()
	q := New(Config{Name: "csv-queuer", Transport: fake})
	require.NoError(t, q.QueueCSV(strings.NewReader(csv), "dump.csv"))

	links := publishedLinks(t, fake, "csv-queuer-out")
	assert.Equal(t, []string{"https://news.example.org/c", "https://news.example.org/d"}, links)

	s, err := story.Load(fake.Published("csv-queuer-out")[0].Body)
	require.NoError(t, err)
	entry := s.RSSEntry()
	assert.Equal(t, "CSV story", entry.Title)
	assert.Equal(t, int64(42), entry.SourceFeedID)
	assert.Equal(t, "dump.csv", entry.Via)
}

func TestQueueCSVUnknownColumnFails(t *testing.T) {
	csv := `link,titel
https://news.example.org/a,Typo`

	q := New(Config{Name: "csv-queuer", Transport: mq.NewFakeTransport()})
	err := q.QueueCSV(strings.NewReader(csv), "dump.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "titel")
}
