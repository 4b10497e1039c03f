package queuer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mediacloud/story-indexer-sub000/pkg/story"
)

// QueueCSVFile parses one CSV file and queues a story per row
func (q *Queuer) QueueCSVFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening csv %s: %w", path, err)
	}
	defer f.Close()
	if err := q.QueueCSV(f, path); err != nil {
		return fmt.Errorf("queueing csv %s: %w", path, err)
	}
	return nil
}

// QueueCSV reads header-mapped CSV from r and queues one story per row.
// Column names are RSS entry view field names ("link", "title", "domain",
// "pub_date", "source_feed_id", ...); a "url" column is accepted as an alias
// for "link". Unknown columns fail the run: a typoed header silently
// dropping a field is worse than a hard error.
func (q *Queuer) QueueCSV(r io.Reader, via string) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("reading csv header: %w", err)
	}
	for i, col := range header {
		if col == "url" {
			header[i] = "link"
		}
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading csv line %d: %w", line, err)
		}

		s := story.New()
		for i, col := range header {
			if i >= len(row) || row[i] == "" {
				continue
			}
			if err := s.SetField(story.ViewRSSEntry, col, row[i]); err != nil {
				return fmt.Errorf("csv line %d column %q: %w", line, col, err)
			}
		}
		s.WithRSSEntry(func(v *story.RSSEntry) { v.Via = via })

		if err := q.queueStory(s); err != nil {
			if errors.Is(err, ErrMaxStories) {
				return nil
			}
			return err
		}
	}
}
