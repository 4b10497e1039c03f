/*
Package story defines the Story record, the unit of work transported between
pipeline stages.

A Story carries four independently populated sub-views:

	┌────────────────────── STORY ────────────────────────┐
	│                                                      │
	│  rss_entry          populated by queuers             │
	│  http_metadata      populated by the fetcher         │
	│  raw_html           populated by the fetcher         │
	│  content_metadata   populated by the parser          │
	│                                                      │
	└──────────────────────────────────────────────────────┘

The record is opaque to the transport layer: Dump() produces the wire bytes
carried as a message body and Load() reconstructs the record at any stage.
The serialized form round-trips losslessly.

# Scoped mutation

Views are mutated only inside a scoped acquisition:

	s.WithHTTPMetadata(func(v *story.HTTPMetadata) {
		v.FinalURL = resp.Request.URL.String()
		v.ResponseCode = resp.StatusCode
	})

Exiting the scope with a changed view marks it dirty and runs the write-back
hook, so alternate backends (per-story-on-disk) can persist views without
changing callers. The dirty bit is observable exactly once via ConsumeDirty.

Field names are fixed by the view structs, so unknown fields are a
compile-time error on the typed path. The dynamic path used by the CSV
queuer, SetField, fails with ErrUnknownField for any name outside the view's
declared schema.
*/
package story
