/*
Package metrics provides Prometheus metrics and health checking for the
story-indexer workers.

All collectors are package-level variables registered in init(), so any
package can increment counters without wiring. The user-visible behaviour of
the pipeline is a set of labelled counters:

	indexer_stories_total{worker,status}   per-story outcomes (success, busy,
	                                       noconn, non-news, retry, ...)
	indexer_batches_total{worker,status}   per-batch outcomes (ok, retry,
	                                       noupload)

plus scoreboard gauges, fetch/upload histograms, and per-queuer counters.

# Endpoint

Serve(addr) exposes /metrics (Prometheus) and /health (JSON component
health) on the configured listen address. An empty address disables the
endpoint entirely; workers run fine without it.

# Integration Points

  - pkg/worker: stories/batches counters, published-message counters
  - pkg/fetcher: fetch duration, per-status story counters
  - pkg/scoreboard: slot and active-fetch gauges from periodic()
  - pkg/archive: archive/upload counters and durations
  - pkg/queuer: queued-story counters
*/
package metrics
