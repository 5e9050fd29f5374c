package rabbit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/pkg/message"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"nlds-api.route.put", "nlds-api.route.put", true},
		{"nlds-api.route.*", "nlds-api.route.put", true},
		{"nlds-api.route.*", "nlds-api.route.put.extra", false},
		{"*.catalog-put.*", "nlds-api.catalog-put.start", true},
		{"*.catalog-put.*", "nlds-api.monitor-put.start", false},
		{"nlds-api.#", "nlds-api.index.initiate", true},
		{"#", "anything.at.all", true},
		{"nlds-api.index.start", "nlds-api.index.initiate", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchTopic(c.pattern, c.key), "%s vs %s", c.pattern, c.key)
	}
}

func TestInProcPublishConsume(t *testing.T) {
	bus := NewInProc()
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	require.NoError(t, bus.Consume(ctx, QueueSpec{
		Name:     "catalog_q",
		Bindings: []string{"*.catalog-put.*"},
	}, func(ctx context.Context, d Delivery) error {
		m, err := d.Message()
		require.NoError(t, err)
		mu.Lock()
		got = append(got, d.RoutingKey+"/"+m.Details.TransactionID)
		mu.Unlock()
		return nil
	}))

	m := message.New()
	m.Details.TransactionID = "tid-1"
	require.NoError(t, bus.Publish(ctx, "nlds-api.catalog-put.start", m))
	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start", m))
	bus.Wait()

	assert.Equal(t, []string{"nlds-api.catalog-put.start/tid-1"}, got)
}

func TestInProcRedeliversOnce(t *testing.T) {
	bus := NewInProc()
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var attempts int
	var sawRedelivered bool
	require.NoError(t, bus.Consume(ctx, QueueSpec{
		Name:     "index_q",
		Bindings: []string{"*.index.*"},
	}, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		sawRedelivered = sawRedelivered || d.Redelivered
		return errors.New("transient")
	}))

	require.NoError(t, bus.Publish(ctx, "nlds-api.index.initiate", message.New()))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts, "a failing handler gets exactly one redelivery")
	assert.True(t, sawRedelivered)
}

func TestInProcDelay(t *testing.T) {
	bus := NewInProc()
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var handledAt time.Time
	require.NoError(t, bus.Consume(ctx, QueueSpec{
		Name:     "archive_get_q",
		Bindings: []string{"*.archive-get.prepare-check"},
	}, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		handledAt = time.Now()
		mu.Unlock()
		return nil
	}))

	start := time.Now()
	require.NoError(t, bus.Publish(ctx, "nlds-api.archive-get.prepare-check",
		message.New(), WithDelay(50*time.Millisecond)))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, handledAt.Sub(start), 50*time.Millisecond)
}

func TestInProcCall(t *testing.T) {
	bus := NewInProc()
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.Consume(ctx, QueueSpec{
		Name:     "catalog_q",
		Bindings: []string{"*.catalog-get.list"},
	}, func(ctx context.Context, d Delivery) error {
		m, err := d.Message()
		if err != nil {
			return err
		}
		reply := m.Copy()
		reply.Data.Records = []byte(`[{"id":1}]`)
		return bus.Reply(ctx, d, reply)
	}))

	req := message.New()
	req.Details.User = "fred"
	reply, err := bus.Call(ctx, "nlds-api.catalog-get.list", req, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(reply.Data.Records))
}

func TestInProcCallFailure(t *testing.T) {
	bus := NewInProc()
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.Consume(ctx, QueueSpec{
		Name:     "catalog_q",
		Bindings: []string{"*.catalog-get.list"},
	}, func(ctx context.Context, d Delivery) error {
		m, _ := d.Message()
		reply := m.Copy()
		reply.Details.Failure = "holding not found"
		return bus.Reply(ctx, d, reply)
	}))

	reply, err := bus.Call(ctx, "nlds-api.catalog-get.list", message.New(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holding not found")
	require.NotNil(t, reply)
}

func TestInProcCallTimeout(t *testing.T) {
	bus := NewInProc()
	defer bus.Close()

	_, err := bus.Call(context.Background(), "nlds-api.catalog-get.list",
		message.New(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, "nlds", c.Exchange)
	assert.NotEmpty(t, c.RetryDelays)
	assert.Equal(t, time.Duration(0), c.RetryDelays[0])
}

func TestDelayBucketsAreDistinctPerDelay(t *testing.T) {
	var c Config
	c.ApplyDefaults()

	// one queue per delay keeps a day-long retry from parking in front
	// of a minute-long one
	exchanges := make(map[string]bool)
	for _, d := range c.RetryDelays {
		if d == 0 {
			continue
		}
		ex := c.delayExchange(d)
		assert.False(t, exchanges[ex], "delay %s reuses exchange %s", d, ex)
		exchanges[ex] = true
		assert.NotEqual(t, ex, c.delayQueue(d))
	}
	assert.Equal(t, "nlds-delay-30000ms", c.delayExchange(30*time.Second))
	assert.Equal(t, "nlds-delay-30000ms-q", c.delayQueue(30*time.Second))
}
