/*
Package mq provides the message transport layer over RabbitMQ.

The transport offers durable at-least-once delivery with transactional
co-commit of published messages and input acknowledgements. Workers rely on
a broker topology pre-configured by an external tool:

	┌───────────────────── PER-WORKER TOPOLOGY ─────────────────────┐
	│                                                                │
	│   NAME-in      input queue (consumed, prefetch-limited)        │
	│   NAME-out     output exchange bound to the next stage's -in   │
	│   NAME-delay   no consumer; per-message TTL dead-letters       │
	│                back to NAME-in (retry backoff)                 │
	│   NAME-fast    like -delay but short TTL (requeue, no retry    │
	│                count increment)                                │
	│   NAME-quar    quarantine queue, no consumer                   │
	│                                                                │
	└────────────────────────────────────────────────────────────────┘

A message published with a per-message TTL to a queue with no consumer is
returned to that queue's dead-letter target when the TTL elapses; retries
need no sleeping worker.

The Transport interface is the only broker surface the rest of the codebase
sees. Channel operations are not safe for concurrent use, so all calls except
Consume must come from a single goroutine, the worker framework's broker
I/O loop. Connection loss surfaces as an error from Consume and the process
exits non-zero for the supervisor to restart.

WaitForBarrier implements the configuration barrier: workers block at
startup until an exchange named for the current deployment exists, which
keeps them from running against a stale topology during rolling deploys.

FakeTransport is an in-memory implementation for tests, honoring the same
tx-visibility rules as the broker.
*/
package mq
