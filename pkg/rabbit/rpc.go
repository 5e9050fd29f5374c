package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
)

// rpcClient implements request/reply over the topic exchange. Replies come
// back on an exclusive auto-delete queue owned by this client; pending
// calls are matched up by correlation id.
type rpcClient struct {
	broker *Broker

	mu      sync.Mutex
	queue   string
	ch      *amqp.Channel
	pending map[string]chan *message.Message
}

func newRPCClient(b *Broker) *rpcClient {
	return &rpcClient{
		broker:  b,
		pending: make(map[string]chan *message.Message),
	}
}

// ensure declares the reply queue and starts the dispatch loop if needed.
func (r *rpcClient) ensure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil && !r.ch.IsClosed() {
		return nil
	}

	r.broker.mu.Lock()
	conn := r.broker.conn
	r.broker.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open rpc channel: %w", err)
	}
	// Server-named exclusive queue; replies are published to it through
	// the default exchange by queue name.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume reply queue: %w", err)
	}

	r.ch = ch
	r.queue = q.Name
	go r.dispatch(deliveries)
	return nil
}

func (r *rpcClient) dispatch(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		m, err := message.Unmarshal(d.Body)
		if err != nil {
			logger.Warn("discarding malformed rpc reply", logger.Err(err))
			continue
		}
		r.mu.Lock()
		waiter, ok := r.pending[d.CorrelationId]
		if ok {
			delete(r.pending, d.CorrelationId)
		}
		r.mu.Unlock()
		if ok {
			waiter <- m
		}
	}
}

func (r *rpcClient) call(ctx context.Context, routingKey string, m *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := r.ensure(); err != nil {
		return nil, err
	}

	corrID := newCorrelationID()
	waiter := make(chan *message.Message, 1)
	r.mu.Lock()
	r.pending[corrID] = waiter
	replyTo := r.queue
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, corrID)
		r.mu.Unlock()
	}()

	err := r.broker.Publish(ctx, routingKey, m, WithReply(corrID, replyTo))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("rpc %s timed out after %s", routingKey, timeout)
	case reply := <-waiter:
		if reply.Details.Failure != "" {
			return reply, fmt.Errorf("rpc %s failed: %s", routingKey, reply.Details.Failure)
		}
		return reply, nil
	}
}

// Reply publishes an RPC reply for a consumed request. Replies go through
// the default exchange straight to the caller's reply queue.
func (b *Broker) Reply(ctx context.Context, d Delivery, m *message.Message) error {
	if d.ReplyTo == "" {
		return fmt.Errorf("delivery has no reply-to queue")
	}
	body, err := m.Marshal(b.config.FilelistMaxLength, b.config.FilelistMaxSize.Bytes())
	if err != nil {
		return err
	}

	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		if err := b.reconnect(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		ch = b.pubCh
		b.mu.Unlock()
	}
	return ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationID,
		Body:          body,
	})
}
