package bus

import "context"

const defaultQueueSize = 256

// MessageBus is a buffered in-process implementation of Router.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New creates a MessageBus with default queue sizes.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultQueueSize),
		outbound: make(chan OutboundMessage, defaultQueueSize),
	}
}

// PublishInbound enqueues an inbound message. Blocks if the queue is full,
// which backpressures the channel rather than dropping buyer messages.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
// The second return is false when ctx was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound reply.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeOutbound blocks until a reply is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
