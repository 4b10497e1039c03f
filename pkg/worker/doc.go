/*
Package worker provides the base runtime executed by every pipeline stage.

Each worker process runs two cooperating activities coupled by a bounded
hand-off channel:

	┌───────────────────────── WORKER PROCESS ─────────────────────────┐
	│                                                                   │
	│  ┌──────────────────┐   deliveries    ┌───────────────────────┐  │
	│  │ broker I/O loop  │ ──────────────▶ │ processing goroutines │  │
	│  │ (owns Transport) │                 │ (run the handler)     │  │
	│  │                  │ ◀────────────── │                       │  │
	│  └──────────────────┘   callbacks     └───────────────────────┘  │
	│                                                                   │
	└───────────────────────────────────────────────────────────────────┘

The broker client is not safe for concurrent channel use, so the broker I/O
loop is the only place transport operations execute; processing goroutines
submit publish/ack work as closures. Within one process, publish order equals
callback submission order.

# Outcome state machine

A handler terminates one of five ways:

  - nil           publish queued outputs, ack input, commit
  - DiscardError  count with its status, ack
  - RequeueError  republish to NAME-fast (short TTL, retry count untouched), ack
  - QuarantineError  republish to NAME-quar with diagnostic headers, ack
  - anything else republish to NAME-delay with incremented retries header,
    or quarantine once MaxRetries is exhausted (NoQuarantine kinds are
    silently dropped instead)

The retry/quarantine/requeue publish and the input ack always commit in the
same broker transaction. A crash after publish but before ack means
redelivery, never loss: the pipeline is at-least-once and sinks must
tolerate duplicates.

Panics in handlers are converted to the transient path; no failure escapes
the processing activity.

# Batch mode

With a BatchHandler configured, the worker accumulates up to BatchSize
messages or waits BatchSeconds from receipt of the first, invokes
ProcessStory per message and EndOfBatch once, then settles the whole batch
with a single multiple-ack. BatchSeconds must leave WorkTime of margin below
the broker's consumer-ack timeout; misconfiguration is rejected at startup.

# Shutdown

Cancel the Run context: the consumer drains, the hand-off channel close
unblocks the processing side (kiss of death), queued callbacks flush, and
the connection closes. A lost broker connection makes Run return an error;
the process exits non-zero and the container supervisor restarts it.
*/
package worker
