/*
Package archive writes fetched stories into WARC files and ships them to
blob storage.

File layout:

	┌─────────────────────────────────────────────┐
	│ warcinfo        software + hostname          │
	├─────────────────────────────────────────────┤
	│ response        HTTP payload for story 1     │
	│ metadata        JSON dump of story 1's views │
	├─────────────────────────────────────────────┤
	│ response        HTTP payload for story 2     │
	│ metadata        ...                          │
	└─────────────────────────────────────────────┘

Each metadata record names its response record through WARC-Concurrent-To,
and every record is a separate gzip member, so a truncated file is readable
up to the point of damage.

The Archiver runs under the batch worker: one archive file per batch,
opened lazily on the first story. EndOfBatch finalizes the file and uploads
it to every configured blob store in sequence; the local copy is deleted
only when all uploads succeed, otherwise it stays on disk and the archive
is counted as "noupload". Upload failure never fails the batch: the
stories are safely on local disk, and re-fetching them would not help.
*/
package archive
