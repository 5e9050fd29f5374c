// Package rabbit binds the NLDS workers to a topic-exchange message
// fabric. Every message is routed by a three-token key root.worker.action;
// queues are durable, delivery is at-least-once with manual ack, and the
// layer additionally provides delayed redelivery (for tape staging polls
// and retry backoff) and RPC with correlation ids (for the query paths).
package rabbit

import (
	"context"
	"time"

	"github.com/cedadev/nlds/pkg/message"
)

// Delivery is one consumed message plus the transport metadata a handler
// may need to reply or to detect redelivery.
type Delivery struct {
	RoutingKey    string
	Body          []byte
	CorrelationID string
	ReplyTo       string
	Redelivered   bool
}

// Message decodes the delivery body, expanding a compressed filelist.
func (d Delivery) Message() (*message.Message, error) {
	return message.Unmarshal(d.Body)
}

// Handler processes one delivery. A nil return acks the message; an error
// return causes one republish (so a crashed broker connection or a
// transient store failure gets a second attempt) and then a reject.
// One message is fully handled before the next begins.
type Handler func(ctx context.Context, d Delivery) error

// QueueSpec names a durable queue and the binding patterns it subscribes
// to on the exchange. Patterns use AMQP topic syntax: * matches one token.
type QueueSpec struct {
	Name     string
	Bindings []string
}

// PublishOptions modify a single publish.
type PublishOptions struct {
	// Delay holds the message in a scheduler queue before it is routed.
	Delay time.Duration
	// CorrelationID and ReplyTo implement the RPC pattern.
	CorrelationID string
	ReplyTo       string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithDelay delays routing of the message.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// WithReply sets the RPC correlation fields.
func WithReply(correlationID, replyTo string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = correlationID
		o.ReplyTo = replyTo
	}
}

// Bus is the transport seen by the workers. The production implementation
// is Broker (AMQP); tests use the in-process bus.
type Bus interface {
	// Publish routes a message by key. Best effort: the broker connection
	// is re-established with bounded backoff on loss.
	Publish(ctx context.Context, routingKey string, m *message.Message, opts ...PublishOption) error

	// Consume binds the queue and delivers messages to the handler until
	// the context is cancelled. Blocks.
	Consume(ctx context.Context, q QueueSpec, h Handler) error

	// Call publishes a request and waits for the correlated reply.
	Call(ctx context.Context, routingKey string, m *message.Message, timeout time.Duration) (*message.Message, error)

	// Reply sends an RPC reply for a consumed request.
	Reply(ctx context.Context, d Delivery, m *message.Message) error

	Close() error
}
