package archive

import (
	"context"
	"fmt"

	"github.com/cedadev/nlds/internal/bytesize"
	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/aggregations"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
	"github.com/cedadev/nlds/pkg/tape"
)

// PutConfig configures the tape write consumer.
type PutConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	Config    `mapstructure:",squash" yaml:",inline"`
	// TargetAggregationSize re-bins oversized aggregates on initiate;
	// zero uses the packing default.
	TargetAggregationSize bytesize.Size `mapstructure:"target_aggregation_size" yaml:"target_aggregation_size,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *PutConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "archive_put_q"
	}
	c.Config.ApplyDefaults()
}

// PutWorker streams catalogued aggregates from the object store onto
// tape.
type PutWorker struct {
	store  ObjectStore
	tape   tape.Client
	bus    rabbit.Bus
	config PutConfig
}

// NewPutWorker builds the tape write consumer.
func NewPutWorker(store ObjectStore, client tape.Client, bus rabbit.Bus, config PutConfig) *PutWorker {
	config.ApplyDefaults()
	return &PutWorker{store: store, tape: client, bus: bus, config: config}
}

// Queue describes the queue and bindings the worker consumes.
func (w *PutWorker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyArchivePut, message.Wild),
		},
	}
}

// Run consumes until the context is cancelled.
func (w *PutWorker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, w.Queue(), w.Handle)
}

// Handle dispatches one delivery.
func (w *PutWorker) Handle(ctx context.Context, d rabbit.Delivery) error {
	_, workerKey, action, ok := message.ParseKey(d.RoutingKey)
	if !ok || workerKey != message.KeyArchivePut {
		logger.Warn("discarding message with unexpected routing key",
			logger.RoutingKey(d.RoutingKey))
		return nil
	}
	m, err := d.Message()
	if err != nil {
		logger.Warn("discarding undecodable message",
			logger.RoutingKey(d.RoutingKey), logger.Err(err))
		return nil
	}
	m.AppendRoute(w.config.QueueName)

	lctx := logger.NewLogContext("archive-put", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	switch action {
	case message.ActionInitiate:
		return w.initiate(ctx, m)
	case message.ActionStart:
		return w.start(ctx, m)
	case message.ActionSystemStat:
		reply := m.Copy()
		reply.Data.Records = []byte(`{"archive-put":"alive"}`)
		return w.bus.Reply(ctx, d, reply)
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// initiate re-bins the filelist into aggregate-sized batches and hands
// each on for writing. The catalog already bins per aggregate, so this
// normally passes one bin straight through.
func (w *PutWorker) initiate(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)
	bins := aggregations.Pack(m.Data.Filelist, w.config.TargetAggregationSize.Bytes())
	for _, bin := range bins {
		s.send(ctx, message.KeyArchivePut, message.ActionStart,
			bin.Files, message.StateArchivePutting)
	}
	logger.InfoCtx(ctx, "aggregates dispatched for tape write", logger.Files(len(bins)))
	return nil
}

// start writes one aggregate to tape and reports the tarfile name and
// checksum for cataloguing.
func (w *PutWorker) start(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)

	tapeURL, err := w.config.tapeURLFor(m)
	if err != nil {
		logger.ErrorCtx(ctx, "no tape endpoint for archive", logger.Err(err))
		s.failAll(ctx, message.KeyArchivePut, m.Data.Filelist, err.Error())
		return nil
	}
	streamer, err := NewStreamer(w.store, w.tape, tapeURL, int(w.config.ChunkSize))
	if err != nil {
		logger.ErrorCtx(ctx, "invalid tape endpoint", logger.TapeURL(tapeURL), logger.Err(err))
		s.failAll(ctx, message.KeyArchivePut, m.Data.Filelist, err.Error())
		return nil
	}
	if m.Meta.HoldingID == 0 {
		s.failAll(ctx, message.KeyArchivePut, m.Data.Filelist,
			"message names no holding for the aggregate")
		return nil
	}
	holdingPrefix := aggregations.HoldingPrefix(
		m.Meta.HoldingID, m.Details.User, m.Details.Group)

	completed, failed, tarname, checksum, err := streamer.Put(ctx, holdingPrefix, m.Data.Filelist)
	if err != nil {
		logger.ErrorCtx(ctx, "aggregate failed to reach tape", logger.Err(err))
		s.failAll(ctx, message.KeyArchivePut, m.Data.Filelist,
			fmt.Sprintf("aggregate failed to reach tape: %v", err))
		return nil
	}

	s.decorate = func(out *message.Message) {
		out.Data.Tarfile = tarname
		out.Data.Checksum = checksum
	}
	if len(completed) > 0 {
		s.send(ctx, message.KeyArchivePut, message.ActionComplete,
			completed, message.StateArchivePutting)
	}
	if len(failed) > 0 {
		s.send(ctx, message.KeyArchivePut, message.ActionFailed,
			failed, message.StateFailed)
	}
	return nil
}
