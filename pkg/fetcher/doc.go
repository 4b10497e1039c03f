/*
Package fetcher implements the polite concurrent HTTP fetcher.

Each story arrives with only its RSS entry view populated. The fetcher
validates the link, drops links to platforms that never carry article
content, asks the scoreboard for an admission slot, then fetches:

	validate URL ──▶ non-news check ──▶ scoreboard.Issue
	    │                                   │
	    │ Busy ──▶ fast requeue             │ OK
	    │ Skipped ─▶ retry (no quarantine)  ▼
	    │                              GET + manual redirects
	    │                                   │
	    ▼                                   ▼
	 discard                       classify status / content type / size
	                                        │
	                                        ▼
	                        set http_metadata + raw_html, send downstream

Redirects are walked manually (DefaultMaxRedirects hops) so that every
hop is re-validated against URL syntax and the non-news set; the final
URL lands in the HTTP metadata view. Responses bigger than
DefaultMaxHTMLBytes, empty bodies, and non-text content types are
discarded. Statuses in retryableStatus become retryable errors; all
other non-2xx statuses discard with an http-NNN label.

The two HTTP views are set together after all checks pass, so a story
seen downstream either has both or neither.

Connection failures ("noconn") and cooldown skips ("skipped") retry
until the attempt budget runs out and are then dropped without
quarantine; there is nothing to diagnose in a dead origin.
*/
package fetcher
