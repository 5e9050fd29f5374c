package rabbit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cedadev/nlds/pkg/message"
)

// InProc is an in-process Bus used by tests and by the single-binary dev
// deployment. Routing semantics match the broker: topic patterns, one copy
// per matching queue, handler errors republished once and then dropped.
// Delays are honoured with timers.
type InProc struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   []*inprocQueue
	pending  map[string]chan *message.Message
	inflight int
	closed   bool

	// MarshalMaxFiles forces the compression path through Marshal so the
	// in-process bus exercises the same wire format as the broker.
	MarshalMaxFiles int
}

type inprocQueue struct {
	spec    QueueSpec
	handler Handler
	ctx     context.Context
}

// NewInProc returns an empty in-process bus.
func NewInProc() *InProc {
	b := &InProc{pending: make(map[string]chan *message.Message)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// MatchTopic reports whether an AMQP topic binding pattern matches a
// routing key. * matches exactly one token, # matches zero or more.
func MatchTopic(pattern, key string) bool {
	return matchTokens(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchTokens(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchTokens(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchTokens(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchTokens(pattern[1:], key[1:])
	}
}

// Consume registers the queue. Unlike the broker it does not block; the
// registration lives until the context is cancelled.
func (b *InProc) Consume(ctx context.Context, q QueueSpec, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	b.queues = append(b.queues, &inprocQueue{spec: q, handler: h, ctx: ctx})
	return nil
}

// Publish routes the message to every queue with a matching binding.
func (b *InProc) Publish(ctx context.Context, routingKey string, m *message.Message, opts ...PublishOption) error {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	body, err := m.Marshal(b.MarshalMaxFiles, 0)
	if err != nil {
		return err
	}
	b.deliver(routingKey, body, o, false)
	return nil
}

func (b *InProc) deliver(routingKey string, body []byte, o PublishOptions, redelivered bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var targets []*inprocQueue
	for _, q := range b.queues {
		if q.ctx.Err() != nil {
			continue
		}
		for _, binding := range q.spec.Bindings {
			if MatchTopic(binding, routingKey) {
				targets = append(targets, q)
				break
			}
		}
	}
	b.inflight += len(targets)
	b.mu.Unlock()

	for _, q := range targets {
		q := q
		run := func() {
			defer b.done()
			d := Delivery{
				RoutingKey:    routingKey,
				Body:          body,
				CorrelationID: o.CorrelationID,
				ReplyTo:       o.ReplyTo,
				Redelivered:   redelivered,
			}
			if err := q.handler(q.ctx, d); err != nil && !redelivered {
				b.mu.Lock()
				b.inflight++
				b.mu.Unlock()
				go func() {
					defer b.done()
					d.Redelivered = true
					_ = q.handler(q.ctx, d)
				}()
			}
		}
		if o.Delay > 0 {
			time.AfterFunc(o.Delay, run)
		} else {
			go run()
		}
	}
}

func (b *InProc) done() {
	b.mu.Lock()
	b.inflight--
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Wait blocks until every published message has been handled, including
// redeliveries. Test helper.
func (b *InProc) Wait() {
	b.mu.Lock()
	for b.inflight > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Call publishes a request and waits for the correlated reply.
func (b *InProc) Call(ctx context.Context, routingKey string, m *message.Message, timeout time.Duration) (*message.Message, error) {
	corrID := newCorrelationID()
	waiter := make(chan *message.Message, 1)
	b.mu.Lock()
	b.pending[corrID] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, routingKey, m, WithReply(corrID, corrID)); err != nil {
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

// Reply delivers an RPC reply to the waiting caller.
func (b *InProc) Reply(ctx context.Context, d Delivery, m *message.Message) error {
	if d.CorrelationID == "" {
		return fmt.Errorf("delivery has no correlation id")
	}
	b.mu.Lock()
	waiter, ok := b.pending[d.CorrelationID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no caller waiting for correlation id %s", d.CorrelationID)
	}
	waiter <- m
	return nil
}

// Close drops all registrations.
func (b *InProc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queues = nil
	return nil
}
