// Package bus carries messages between the external chat surface and the
// conversation runtime. Channels publish inbound buyer messages here; the
// orchestrator consumes them and publishes outbound replies back.
package bus

import (
	"context"
	"time"
)

// InboundMessage is one buyer message received from a chat surface.
type InboundMessage struct {
	ConversationID string            `json:"conversation_id"`
	DisplayName    string            `json:"display_name,omitempty"` // buyer name for approval prompts
	Text           string            `json:"text"`
	ReceivedAt     time.Time         `json:"received_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one reply to be delivered to the chat surface.
type OutboundMessage struct {
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Source pushes buyer messages into the runtime. Implementations live
// outside the core (browser connector, webhook, console channel).
type Source interface {
	// Start begins delivering messages via publish. Non-blocking after setup.
	Start(ctx context.Context, publish func(InboundMessage)) error
	Stop(ctx context.Context) error
}

// Sink delivers replies back to the chat surface. Send must not return nil
// unless delivery was confirmed; the orchestrator only records a reply as
// sent after a nil return.
type Sink interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// Router abstracts inbound/outbound message routing between channels and
// the conversation runtime.
type Router interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
