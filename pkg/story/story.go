package story

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ViewKind identifies one of the four Story sub-views. The set is a closed
// enumeration; there is no dynamic view registry.
type ViewKind string

const (
	ViewRSSEntry        ViewKind = "rss_entry"
	ViewHTTPMetadata    ViewKind = "http_metadata"
	ViewRawHTML         ViewKind = "raw_html"
	ViewContentMetadata ViewKind = "content_metadata"
)

// ErrUnknownField is returned when a dynamic field set names a field the
// target view does not declare.
var ErrUnknownField = fmt.Errorf("unknown story field")

// RSSEntry is the view populated by queuers
type RSSEntry struct {
	Link           string `json:"link,omitempty"`
	Title          string `json:"title,omitempty"`
	Domain         string `json:"domain,omitempty"`
	PubDate        string `json:"pub_date,omitempty"`
	FetchDate      string `json:"fetch_date,omitempty"`
	Via            string `json:"via,omitempty"`
	SourceFeedID   int64  `json:"source_feed_id,omitempty"`
	SourceSourceID int64  `json:"source_source_id,omitempty"`
}

// HTTPMetadata is the view populated by the fetcher
type HTTPMetadata struct {
	FinalURL       string  `json:"final_url,omitempty"`
	ResponseCode   int     `json:"response_code,omitempty"`
	FetchTimestamp float64 `json:"fetch_timestamp,omitempty"`
	Encoding       string  `json:"encoding,omitempty"`
}

// RawHTML is the view populated by the fetcher alongside HTTPMetadata
type RawHTML struct {
	HTML     []byte `json:"html,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// ContentMetadata is the view populated by the parser
type ContentMetadata struct {
	URL                    string `json:"url,omitempty"`
	NormalizedURL          string `json:"normalized_url,omitempty"`
	CanonicalDomain        string `json:"canonical_domain,omitempty"`
	PublicationDate        string `json:"publication_date,omitempty"`
	Language               string `json:"language,omitempty"`
	FullLanguage           string `json:"full_language,omitempty"`
	ArticleTitle           string `json:"article_title,omitempty"`
	NormalizedArticleTitle string `json:"normalized_article_title,omitempty"`
	TextContent            string `json:"text_content,omitempty"`
	TextExtractionMethod   string `json:"text_extraction_method,omitempty"`
	IsHomepage             bool   `json:"is_homepage,omitempty"`
	IsShortened            bool   `json:"is_shortened,omitempty"`
}

// WriteBackHook is invoked after a scoped mutation in which a view changed.
// The default in-memory implementation needs no hook; alternate backends
// (per-story-on-disk) install one to persist the view.
type WriteBackHook func(kind ViewKind, s *Story)

// Story is the unit of work transported between pipeline stages. It is
// opaque to the transport layer (bytes in, bytes out); all mutation happens
// through the scoped With* methods, which mark the touched view dirty and
// run the write-back hook.
type Story struct {
	rss     RSSEntry
	meta    HTTPMetadata
	html    RawHTML
	content ContentMetadata

	dirty     map[ViewKind]bool
	writeBack WriteBackHook
}

// New creates a Story with all views present but empty
func New() *Story {
	return &Story{dirty: make(map[ViewKind]bool)}
}

// SetWriteBack installs the view write-back hook
func (s *Story) SetWriteBack(hook WriteBackHook) {
	s.writeBack = hook
}

// RSSEntry returns a copy of the RSS entry view
func (s *Story) RSSEntry() RSSEntry { return s.rss }

// HTTPMetadata returns a copy of the HTTP metadata view
func (s *Story) HTTPMetadata() HTTPMetadata { return s.meta }

// RawHTML returns a copy of the raw HTML view
func (s *Story) RawHTML() RawHTML { return s.html }

// ContentMetadata returns a copy of the content metadata view
func (s *Story) ContentMetadata() ContentMetadata { return s.content }

func (s *Story) touched(kind ViewKind) {
	if s.dirty == nil {
		s.dirty = make(map[ViewKind]bool)
	}
	s.dirty[kind] = true
	if s.writeBack != nil {
		s.writeBack(kind, s)
	}
}

// WithRSSEntry runs fn inside a scoped acquisition of the RSS entry view.
// If fn changes the view, the view is marked dirty and written back.
func (s *Story) WithRSSEntry(fn func(*RSSEntry)) {
	before := s.rss
	fn(&s.rss)
	if s.rss != before {
		s.touched(ViewRSSEntry)
	}
}

// WithHTTPMetadata runs fn inside a scoped acquisition of the HTTP metadata view
func (s *Story) WithHTTPMetadata(fn func(*HTTPMetadata)) {
	before := s.meta
	fn(&s.meta)
	if s.meta != before {
		s.touched(ViewHTTPMetadata)
	}
}

// WithRawHTML runs fn inside a scoped acquisition of the raw HTML view.
// The byte snapshot catches in-place mutation of the HTML slice.
func (s *Story) WithRawHTML(fn func(*RawHTML)) {
	beforeEnc := s.html.Encoding
	beforeHTML := bytes.Clone(s.html.HTML)
	fn(&s.html)
	if s.html.Encoding != beforeEnc || !bytes.Equal(s.html.HTML, beforeHTML) {
		s.touched(ViewRawHTML)
	}
}

// WithContentMetadata runs fn inside a scoped acquisition of the content metadata view
func (s *Story) WithContentMetadata(fn func(*ContentMetadata)) {
	before := s.content
	fn(&s.content)
	if s.content != before {
		s.touched(ViewContentMetadata)
	}
}

// ConsumeDirty reports whether the view was mutated since the last call and
// clears the bit, so the dirty state is observable exactly once.
func (s *Story) ConsumeDirty(kind ViewKind) bool {
	if !s.dirty[kind] {
		return false
	}
	delete(s.dirty, kind)
	return true
}

// SetField sets a view field by its wire name. This is the dynamic path used
// by the CSV queuer; unknown field names fail with ErrUnknownField.
func (s *Story) SetField(kind ViewKind, name, value string) error {
	switch kind {
	case ViewRSSEntry:
		return s.setRSSField(name, value)
	case ViewHTTPMetadata:
		return s.setHTTPField(name, value)
	case ViewRawHTML:
		return s.setHTMLField(name, value)
	case ViewContentMetadata:
		return s.setContentField(name, value)
	default:
		return fmt.Errorf("%w: unknown view %q", ErrUnknownField, kind)
	}
}

func (s *Story) setRSSField(name, value string) error {
	var err error
	s.WithRSSEntry(func(v *RSSEntry) {
		switch name {
		case "link":
			v.Link = value
		case "title":
			v.Title = value
		case "domain":
			v.Domain = value
		case "pub_date":
			v.PubDate = value
		case "fetch_date":
			v.FetchDate = value
		case "via":
			v.Via = value
		case "source_feed_id":
			v.SourceFeedID, err = strconv.ParseInt(value, 10, 64)
		case "source_source_id":
			v.SourceSourceID, err = strconv.ParseInt(value, 10, 64)
		default:
			err = fmt.Errorf("%w: rss_entry.%s", ErrUnknownField, name)
		}
	})
	return err
}

func (s *Story) setHTTPField(name, value string) error {
	var err error
	s.WithHTTPMetadata(func(v *HTTPMetadata) {
		switch name {
		case "final_url":
			v.FinalURL = value
		case "response_code":
			v.ResponseCode, err = strconv.Atoi(value)
		case "fetch_timestamp":
			v.FetchTimestamp, err = strconv.ParseFloat(value, 64)
		case "encoding":
			v.Encoding = value
		default:
			err = fmt.Errorf("%w: http_metadata.%s", ErrUnknownField, name)
		}
	})
	return err
}

func (s *Story) setHTMLField(name, value string) error {
	var err error
	s.WithRawHTML(func(v *RawHTML) {
		switch name {
		case "html":
			v.HTML = []byte(value)
		case "encoding":
			v.Encoding = value
		default:
			err = fmt.Errorf("%w: raw_html.%s", ErrUnknownField, name)
		}
	})
	return err
}

func (s *Story) setContentField(name, value string) error {
	var err error
	s.WithContentMetadata(func(v *ContentMetadata) {
		switch name {
		case "url":
			v.URL = value
		case "normalized_url":
			v.NormalizedURL = value
		case "canonical_domain":
			v.CanonicalDomain = value
		case "publication_date":
			v.PublicationDate = value
		case "language":
			v.Language = value
		case "full_language":
			v.FullLanguage = value
		case "article_title":
			v.ArticleTitle = value
		case "normalized_article_title":
			v.NormalizedArticleTitle = value
		case "text_content":
			v.TextContent = value
		case "text_extraction_method":
			v.TextExtractionMethod = value
		case "is_homepage":
			v.IsHomepage, err = strconv.ParseBool(value)
		case "is_shortened":
			v.IsShortened, err = strconv.ParseBool(value)
		default:
			err = fmt.Errorf("%w: content_metadata.%s", ErrUnknownField, name)
		}
	})
	return err
}

// wire form; field names are shared with the metadata records written by the
// archiver, so changes here are format changes.
type storyWire struct {
	RSSEntry        RSSEntry        `json:"rss_entry"`
	HTTPMetadata    HTTPMetadata    `json:"http_metadata"`
	RawHTML         RawHTML         `json:"raw_html"`
	ContentMetadata ContentMetadata `json:"content_metadata"`
}

// Dump serializes the Story to its wire form
func (s *Story) Dump() ([]byte, error) {
	return json.Marshal(storyWire{
		RSSEntry:        s.rss,
		HTTPMetadata:    s.meta,
		RawHTML:         s.html,
		ContentMetadata: s.content,
	})
}

// Load deserializes a Story from its wire form. Loaded stories start with
// all dirty bits clear.
func Load(data []byte) (*Story, error) {
	var w storyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}
	return &Story{
		rss:     w.RSSEntry,
		meta:    w.HTTPMetadata,
		html:    w.RawHTML,
		content: w.ContentMetadata,
		dirty:   make(map[ViewKind]bool),
	}, nil
}
