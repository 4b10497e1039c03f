package mq

import (
	"context"
	"sync"
)

// FakeMessage is one message recorded by the FakeTransport
type FakeMessage struct {
	Exchange     string
	Key          string
	Headers      map[string]any
	Body         []byte
	ExpirationMS int64
}

// FakeTransport is an in-memory Transport for tests. Publishes and acks
// issued inside a transaction become visible only on TxCommit, mirroring the
// broker contract the worker framework relies on.
type FakeTransport struct {
	mu          sync.Mutex
	txMode      bool
	pendingPubs []FakeMessage
	pendingAcks [][2]uint64 // tag, multiple(0/1)
	published   []FakeMessage
	acked       [][2]uint64

	deliveries chan Delivery
	closed     chan struct{}
	closeOnce  sync.Once

	// ConsumedQueue records the queue name passed to Consume
	ConsumedQueue string
	// Prefetch records the prefetch passed to Consume
	Prefetch int
}

var _ Transport = (*FakeTransport)(nil)

// NewFakeTransport creates a FakeTransport with a delivery buffer
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		deliveries: make(chan Delivery, 256),
		closed:     make(chan struct{}),
	}
}

// Deliver injects a delivery as if the broker had sent it
func (f *FakeTransport) Deliver(d Delivery) {
	f.deliveries <- d
}

// Publish records a message, deferred until TxCommit when in tx mode
func (f *FakeTransport) Publish(exchange, key string, headers map[string]any, body []byte, expirationMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg := FakeMessage{
		Exchange:     exchange,
		Key:          key,
		Headers:      headers,
		Body:         append([]byte(nil), body...),
		ExpirationMS: expirationMS,
	}
	if f.txMode {
		f.pendingPubs = append(f.pendingPubs, msg)
	} else {
		f.published = append(f.published, msg)
	}
	return nil
}

// Consume forwards injected deliveries into out
func (f *FakeTransport) Consume(ctx context.Context, queue string, prefetch int, out chan<- Delivery) error {
	f.mu.Lock()
	f.ConsumedQueue = queue
	f.Prefetch = prefetch
	f.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		case d := <-f.deliveries:
			select {
			case out <- d:
			case <-ctx.Done():
				return nil
			case <-f.closed:
				return nil
			}
		}
	}
}

// Ack records an acknowledgement, deferred until TxCommit when in tx mode
func (f *FakeTransport) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m uint64
	if multiple {
		m = 1
	}
	if f.txMode {
		f.pendingAcks = append(f.pendingAcks, [2]uint64{tag, m})
	} else {
		f.acked = append(f.acked, [2]uint64{tag, m})
	}
	return nil
}

// TxSelect enters transactional mode
func (f *FakeTransport) TxSelect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txMode = true
	return nil
}

// TxCommit makes pending publishes and acks visible
func (f *FakeTransport) TxCommit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, f.pendingPubs...)
	f.acked = append(f.acked, f.pendingAcks...)
	f.pendingPubs = nil
	f.pendingAcks = nil
	return nil
}

// Close stops Consume
func (f *FakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Published returns committed messages, optionally filtered by destination.
// A destination matches either the exchange or, for the default exchange,
// the routing key (the queue name).
func (f *FakeTransport) Published(dest string) []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dest == "" {
		return append([]FakeMessage(nil), f.published...)
	}
	var out []FakeMessage
	for _, m := range f.published {
		if m.Exchange == dest || (m.Exchange == "" && m.Key == dest) {
			out = append(out, m)
		}
	}
	return out
}

// Acked returns committed (tag, multiple) ack pairs
func (f *FakeTransport) Acked() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.acked...)
}

// PendingCount returns uncommitted publishes, for asserting tx atomicity
func (f *FakeTransport) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingPubs)
}
