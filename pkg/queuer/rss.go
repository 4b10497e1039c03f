package queuer

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

// rssFeed covers RSS 2.0 and (loosely) RSS 1.0 documents
type rssFeed struct {
	XMLName xml.Name  `xml:"rss"`
	Items   []rssItem `xml:"channel>item"`
}

type rssItem struct {
	Link    string `xml:"link"`
	Title   string `xml:"title"`
	PubDate string `xml:"pubDate"`
}

// atomFeed covers Atom documents
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Links   []atomLink `xml:"link"`
	Title   string     `xml:"title"`
	Updated string     `xml:"updated"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func (e atomEntry) link() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

// QueueRSSFile parses one RSS or Atom file and queues its entries
func (q *Queuer) QueueRSSFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening feed %s: %w", path, err)
	}
	defer f.Close()
	if err := q.QueueRSS(f, path); err != nil {
		return fmt.Errorf("queueing feed %s: %w", path, err)
	}
	return nil
}

// QueueRSS parses feed XML from r and queues one story per entry. via names
// the feed in the stories' RSS entry view. Stops early (without error) when
// the story budget is spent.
func (q *Queuer) QueueRSS(r io.Reader, via string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}

	var entries []rssItem
	var rss rssFeed
	if err := xml.Unmarshal(data, &rss); err == nil {
		entries = rss.Items
	} else {
		var atom atomFeed
		if err := xml.Unmarshal(data, &atom); err != nil {
			return fmt.Errorf("parsing feed as RSS or Atom: %w", err)
		}
		for _, e := range atom.Entries {
			entries = append(entries, rssItem{Link: e.link(), Title: e.Title, PubDate: e.Updated})
		}
	}

	for _, item := range entries {
		s := story.New()
		s.WithRSSEntry(func(v *story.RSSEntry) {
			v.Link = item.Link
			v.Title = item.Title
			v.PubDate = item.PubDate
			v.Via = via
		})
		if err := q.queueStory(s); err != nil {
			if errors.Is(err, ErrMaxStories) {
				return nil
			}
			return err
		}
	}
	return nil
}
