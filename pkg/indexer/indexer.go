// Package indexer walks the filesystem paths named in a request, on
// behalf of the requesting user, and turns them into catalogable
// filelists. Oversized requests are split into bounded batches, each
// tracked as its own sub record.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cedadev/nlds/internal/bytesize"
	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/permissions"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// WorkerConfig configures the indexer consumer.
type WorkerConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	// MaxFilelistLen bounds the number of entries in one outbound batch.
	MaxFilelistLen int `mapstructure:"filelist_max_length" yaml:"filelist_max_length,omitempty"`
	// MaxFilelistSize bounds the summed file size of one outbound batch.
	MaxFilelistSize bytesize.Size `mapstructure:"filelist_max_size" yaml:"filelist_max_size,omitempty"`
	// MaxFilesize rejects single files larger than this; zero disables
	// the check.
	MaxFilesize bytesize.Size `mapstructure:"max_filesize" yaml:"max_filesize,omitempty"`
	// CheckPermissions disables the uid/gid access checks when false,
	// for deployments where the service runs unprivileged over its own
	// data.
	CheckPermissions bool `mapstructure:"check_permissions_fl" yaml:"check_permissions_fl"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *WorkerConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "index_q"
	}
	if c.MaxFilelistLen == 0 {
		c.MaxFilelistLen = 1000
	}
	if c.MaxFilelistSize == 0 {
		c.MaxFilelistSize = 16 * 1000 * 1000 * 1000
	}
	if c.MaxFilesize == 0 {
		c.MaxFilesize = 500 * 1000 * 1000 * 1000
	}
}

// Worker is the indexer consumer.
type Worker struct {
	bus    rabbit.Bus
	config WorkerConfig
	lookup permissions.LookupFunc
}

// NewWorker builds the indexer consumer. A nil lookup uses the OS user
// database.
func NewWorker(bus rabbit.Bus, config WorkerConfig, lookup permissions.LookupFunc) *Worker {
	config.ApplyDefaults()
	if lookup == nil {
		lookup = permissions.Lookup
	}
	return &Worker{bus: bus, config: config, lookup: lookup}
}

// Queue describes the queue and bindings the worker consumes.
func (w *Worker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyIndex, message.Wild),
		},
	}
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, w.Queue(), w.Handle)
}

// Handle dispatches one delivery.
func (w *Worker) Handle(ctx context.Context, d rabbit.Delivery) error {
	_, workerKey, action, ok := message.ParseKey(d.RoutingKey)
	if !ok || workerKey != message.KeyIndex {
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

	lctx := logger.NewLogContext("indexer", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	switch action {
	case message.ActionInitiate:
		return w.split(ctx, m)
	case message.ActionStart:
		if len(m.Data.Filelist) > w.config.MaxFilelistLen {
			return w.split(ctx, m)
		}
		return w.scan(ctx, m)
	case message.ActionSystemStat:
		reply := m.Copy()
		reply.Data.Records = []byte(`{"index":"alive"}`)
		return w.bus.Reply(ctx, d, reply)
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// split carves the request into batches of at most MaxFilelistLen paths
// and resubmits each for scanning. The first batch keeps the incoming
// sub id so the job's existing sub record follows it; every further
// batch becomes a new sub record.
func (w *Worker) split(ctx context.Context, m *message.Message) error {
	em := newEmitter(w, m)
	filelist := m.Data.Filelist
	for i := 0; i < len(filelist); i += w.config.MaxFilelistLen {
		end := i + w.config.MaxFilelistLen
		if end > len(filelist) {
			end = len(filelist)
		}
		em.send(ctx, message.KeyIndex, message.ActionStart,
			filelist[i:end], message.StateSplitting)
	}
	logger.InfoCtx(ctx, "filelist split for indexing", logger.Files(len(filelist)))
	return nil
}

// scan walks every path in the batch and emits the indexed entries.
func (w *Worker) scan(ctx context.Context, m *message.Message) error {
	em := newEmitter(w, m)

	var id *permissions.Identity
	if w.config.CheckPermissions {
		var err error
		id, err = w.lookup(m.Details.User)
		if err != nil {
			logger.ErrorCtx(ctx, "cannot resolve requesting user", logger.Err(err))
			for _, pd := range m.Data.Filelist {
				pd.Fail(fmt.Sprintf("cannot resolve user %s", m.Details.User))
			}
			em.sendAll(ctx, message.KeyIndex, message.ActionFailed,
				m.Data.Filelist, message.StateFailed)
			return nil
		}
	}

	logger.InfoCtx(ctx, "starting index scan", logger.Files(len(m.Data.Filelist)))
	for _, pd := range m.Data.Filelist {
		w.walk(ctx, em, id, pd.OriginalPath)
	}
	em.flush(ctx)
	logger.InfoCtx(ctx, "index scan finished",
		logger.Files(em.indexed), "failed", em.failedCount)
	return nil
}

// walk indexes one path, recursing into directories. A nil identity
// skips the access checks.
func (w *Worker) walk(ctx context.Context, em *emitter, id *permissions.Identity, path string) {
	pd, err := message.PathDetailsFromLstat(path)
	if err != nil {
		pd = &message.PathDetails{OriginalPath: path, PathType: message.PathUnindexed}
		em.fail(ctx, pd, fmt.Sprintf("path %s is not accessible: %v", path, err))
		return
	}

	switch pd.PathType {
	case message.PathLink:
		em.add(ctx, pd)

	case message.PathDirectory:
		if id != nil && !id.CanTraverse(pd) {
			em.fail(ctx, pd, fmt.Sprintf("directory %s is inaccessible", path))
			return
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			em.fail(ctx, pd, fmt.Sprintf("directory %s cannot be read: %v", path, err))
			return
		}
		em.add(ctx, pd)
		for _, entry := range entries {
			w.walk(ctx, em, id, filepath.Join(path, entry.Name()))
		}

	case message.PathFile:
		if id != nil && !id.CanRead(pd) {
			em.fail(ctx, pd, fmt.Sprintf("path %s is inaccessible", path))
			return
		}
		if w.config.MaxFilesize > 0 && pd.Size > w.config.MaxFilesize.Bytes() {
			em.fail(ctx, pd, fmt.Sprintf(
				"file %s is too large: %d bytes exceeds the %d byte limit",
				path, pd.Size, w.config.MaxFilesize.Bytes()))
			return
		}
		em.add(ctx, pd)

	default:
		em.fail(ctx, pd, fmt.Sprintf("path %s is of unknown type", path))
	}
}

// emitter accumulates walked entries and flushes them in bounded batches,
// managing the sub-id-per-batch bookkeeping.
type emitter struct {
	worker *Worker
	origin *message.Message

	batch     []*message.PathDetails
	batchSize int64
	failedw   []*message.PathDetails

	sent        int
	indexed     int
	failedCount int
}

func newEmitter(w *Worker, m *message.Message) *emitter {
	return &emitter{worker: w, origin: m}
}

func (em *emitter) add(ctx context.Context, pd *message.PathDetails) {
	em.batch = append(em.batch, pd)
	em.batchSize += pd.Size
	em.indexed++
	if len(em.batch) >= em.worker.config.MaxFilelistLen ||
		em.batchSize >= em.worker.config.MaxFilelistSize.Bytes() {
		em.send(ctx, message.KeyIndex, message.ActionComplete, em.batch, message.StateIndexing)
		em.batch = nil
		em.batchSize = 0
	}
}

func (em *emitter) fail(ctx context.Context, pd *message.PathDetails, reason string) {
	pd.Fail(reason)
	logger.WarnCtx(ctx, "failed to index path",
		logger.Path(pd.OriginalPath), logger.Reason(reason))
	em.failedw = append(em.failedw, pd)
	em.failedCount++
	if len(em.failedw) >= em.worker.config.MaxFilelistLen {
		em.send(ctx, message.KeyIndex, message.ActionFailed, em.failedw, message.StateFailed)
		em.failedw = nil
	}
}

// flush sends whatever remains after the walk, completed list first.
func (em *emitter) flush(ctx context.Context) {
	if len(em.batch) > 0 {
		em.send(ctx, message.KeyIndex, message.ActionComplete, em.batch, message.StateIndexing)
		em.batch = nil
		em.batchSize = 0
	}
	if len(em.failedw) > 0 {
		em.send(ctx, message.KeyIndex, message.ActionFailed, em.failedw, message.StateFailed)
		em.failedw = nil
	}
}

// sendAll emits the whole filelist as one batch.
func (em *emitter) sendAll(ctx context.Context, worker, action string, filelist []*message.PathDetails, state message.State) {
	em.send(ctx, worker, action, filelist, state)
}

// send publishes one batch plus the matching monitor update. Batches
// after the first get a fresh sub id derived from their own filelist.
func (em *emitter) send(ctx context.Context, worker, action string, filelist []*message.PathDetails, state message.State) {
	out := em.origin.Copy()
	out.Data.Filelist = filelist
	out.Details.State = &state
	if em.sent >= 1 {
		out.Details.SubID = message.SubIDForFilelist(filelist)
	}
	em.sent++

	key := message.BuildKey(message.RootKey, worker, action)
	if err := em.worker.bus.Publish(ctx, key, out); err != nil {
		logger.ErrorCtx(ctx, "failed to publish batch",
			logger.RoutingKey(key), logger.Err(err))
		return
	}
	monitorKey := message.BuildKey(message.RootKey, message.KeyMonitorPut, message.ActionStart)
	if err := em.worker.bus.Publish(ctx, monitorKey, out); err != nil {
		logger.WarnCtx(ctx, "failed to publish monitor update", logger.Err(err))
	}
}
