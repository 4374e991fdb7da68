package bus

import "context"

const defaultBufferSize = 256

// MessageBus routes inbound messages from channel adapters to the gateway
// consumer. Purely in-process; durability starts at the kernel's queue
// repository, not here. Outbound delivery does not pass through the bus:
// it goes directly through the egress so send failures reach the handler
// synchronously and feed the retry classifier.
type MessageBus struct {
	inbound chan InboundMessage
}

// NewMessageBus creates a bus with a bounded buffer.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan InboundMessage, defaultBufferSize),
	}
}

// PublishInbound queues an inbound message for the consumer. Blocks when the
// buffer is full so slow consumers apply backpressure to the adapters.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until an inbound message is available or ctx is done.
// The second return is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}
