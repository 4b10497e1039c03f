/*
Package queuer feeds candidate article URLs into the pipeline.

Two front ends share one publishing core: the RSS queuer parses RSS 2.0
and Atom feed files, the CSV queuer reads header-mapped CSV dumps whose
column names are RSS entry field names ("url" is accepted as an alias
for "link"). Each input row becomes a Story with only the RSS entry view
populated, published to the queuer's output exchange; the broker topology
binds that exchange to the fetcher's input queue.

Cheap rejections happen here instead of in the fetcher: malformed URLs,
non-news origins, and (when a tracker is configured) URLs queued on a
previous run. The tracker is a bbolt file of URL hashes, so reprocessing
yesterday's feed file is safe and idempotent. --max-stories bounds one
run for testing against production queues.
*/
package queuer
