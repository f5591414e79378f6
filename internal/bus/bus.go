// Package bus provides the bounded in-process message queues that connect
// channels to the agent loop. Channels publish inbound messages and consume
// outbound ones; the agent loop does the opposite. Both queues are FIFO and
// bounded so backlog exerts backpressure on the producers instead of growing
// without limit.
package bus

import (
	"context"
	"errors"
	"sync"
)

const (
	DefaultInboundCapacity  = 256
	DefaultOutboundCapacity = 256
)

// ErrQueueFull is returned by the TryPublish variants when the queue is at
// capacity. Channels treat it as a non-fatal refusal and apply their own retry.
var ErrQueueFull = errors.New("bus: queue full")

// ErrClosed is returned when publishing to a bus that has been shut down.
var ErrClosed = errors.New("bus: closed")

// MessageBus carries inbound and outbound messages between channels and the
// agent loop. Safe for concurrent use.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New creates a bus with the given queue capacities. Non-positive values
// fall back to the defaults.
func New(inboundCap, outboundCap int) *MessageBus {
	if inboundCap <= 0 {
		inboundCap = DefaultInboundCapacity
	}
	if outboundCap <= 0 {
		outboundCap = DefaultOutboundCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, inboundCap),
		outbound: make(chan OutboundMessage, outboundCap),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message, blocking until space is available,
// the context is cancelled, or the bus is closed.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishInbound enqueues a message without blocking. Returns ErrQueueFull
// when the queue is at capacity so the caller can refuse with backpressure.
func (b *MessageBus) TryPublishInbound(msg InboundMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.inbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// ConsumeInbound blocks until a message is available. Returns ok=false when
// the bus is shut down or the context is cancelled. Remaining queued messages
// are drained before shutdown is reported.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-b.done:
		// Drain whatever was queued before the close.
		select {
		case msg := <-b.inbound:
			return msg, true
		default:
			return InboundMessage{}, false
		}
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound message, blocking until space is
// available, the context is cancelled, or the bus is closed.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishOutbound enqueues an outbound message without blocking.
func (b *MessageBus) TryPublishOutbound(msg OutboundMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// ConsumeOutbound blocks until an outbound message is available. Returns
// ok=false on shutdown or context cancellation.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-b.done:
		select {
		case msg := <-b.outbound:
			return msg, true
		default:
			return OutboundMessage{}, false
		}
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// InboundLen returns the number of queued inbound messages.
func (b *MessageBus) InboundLen() int { return len(b.inbound) }

// OutboundLen returns the number of queued outbound messages.
func (b *MessageBus) OutboundLen() int { return len(b.outbound) }

// Close shuts the bus down. Idempotent. Blocked consumers drain the queues
// and then observe shutdown; publishers get ErrClosed.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *MessageBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
