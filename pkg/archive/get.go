package archive

import (
	"context"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
	"github.com/cedadev/nlds/pkg/tape"
)

// GetConfig configures the tape read consumer.
type GetConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	Config    `mapstructure:",squash" yaml:",inline"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *GetConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "archive_get_q"
	}
	c.Config.ApplyDefaults()
}

// GetWorker stages tar files back from tape and streams their members
// into the object store. A retrieval runs in three phases: prepare asks
// the tape system to stage any migrated tar files, prepare-check polls
// until staging completes, and start does the streaming.
type GetWorker struct {
	store  ObjectStore
	tape   tape.Client
	bus    rabbit.Bus
	config GetConfig
}

// NewGetWorker builds the tape read consumer.
func NewGetWorker(store ObjectStore, client tape.Client, bus rabbit.Bus, config GetConfig) *GetWorker {
	config.ApplyDefaults()
	return &GetWorker{store: store, tape: client, bus: bus, config: config}
}

// Queue describes the queue and bindings the worker consumes.
func (w *GetWorker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyArchiveGet, message.Wild),
		},
	}
}

// Run consumes until the context is cancelled.
func (w *GetWorker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, w.Queue(), w.Handle)
}

// Handle dispatches one delivery.
func (w *GetWorker) Handle(ctx context.Context, d rabbit.Delivery) error {
	_, workerKey, action, ok := message.ParseKey(d.RoutingKey)
	if !ok || workerKey != message.KeyArchiveGet {
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

	lctx := logger.NewLogContext("archive-get", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	switch action {
	case message.ActionPrepare:
		return w.prepare(ctx, m)
	case message.ActionPrepareCheck:
		return w.prepareCheck(ctx, m)
	case message.ActionStart:
		return w.start(ctx, m)
	case message.ActionSystemStat:
		reply := m.Copy()
		reply.Data.Records = []byte(`{"archive-get":"alive"}`)
		return w.bus.Reply(ctx, d, reply)
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// streamer builds the streamer for a message, or reports why it cannot.
func (w *GetWorker) streamer(ctx context.Context, s *sender, m *message.Message, filelist []*message.PathDetails) (*Streamer, bool) {
	tapeURL, err := w.config.tapeURLFor(m)
	if err != nil {
		logger.ErrorCtx(ctx, "no tape endpoint for retrieval", logger.Err(err))
		s.failAll(ctx, message.KeyArchiveGet, filelist, err.Error())
		return nil, false
	}
	streamer, err := NewStreamer(w.store, w.tape, tapeURL, int(w.config.ChunkSize))
	if err != nil {
		logger.ErrorCtx(ctx, "invalid tape endpoint", logger.TapeURL(tapeURL), logger.Err(err))
		s.failAll(ctx, message.KeyArchiveGet, filelist, err.Error())
		return nil, false
	}
	return streamer, true
}

// tarPaths resolves the absolute tape path per tarfile group.
func tarPaths(streamer *Streamer, dict map[string][]*message.PathDetails) map[string]string {
	out := make(map[string]string, len(dict))
	for tarname, files := range dict {
		l, _ := files[0].Tape()
		out[tarname] = streamer.TarPath(l.Root, tarname)
	}
	return out
}

// prepare sorts the requested aggregates into those whose tar file is
// still on the disk cache, which go straight to streaming, and those
// that have migrated to tape, which get a staging request and a delayed
// poll.
func (w *GetWorker) prepare(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)
	filelist := flatten(m)
	if len(filelist) == 0 {
		logger.WarnCtx(ctx, "retrieval request names no files, ignoring")
		return nil
	}
	streamer, ok := w.streamer(ctx, s, m, filelist)
	if !ok {
		return nil
	}

	dict, missing := buildRetrievalDict(filelist)
	paths := tarPaths(streamer, dict)

	var ready, stage, failed []*message.PathDetails
	for _, pd := range missing {
		pd.Fail("file has no tape location")
		failed = append(failed, pd)
	}
	for tarname, files := range dict {
		required, err := streamer.PrepareRequired(ctx, paths[tarname])
		if err != nil {
			logger.WarnCtx(ctx, "cannot check staging state",
				logger.Tarfile(paths[tarname]), logger.Err(err))
			for _, pd := range files {
				pd.Fail(err.Error())
			}
			failed = append(failed, files...)
			continue
		}
		if required {
			stage = append(stage, files...)
		} else {
			ready = append(ready, files...)
		}
	}

	if len(ready) > 0 {
		logger.InfoCtx(ctx, "aggregates already staged, streaming directly",
			logger.Files(len(ready)))
		s.send(ctx, message.KeyArchiveGet, message.ActionStart,
			ready, message.StateArchiveGetting)
	}
	if len(stage) > 0 {
		stageDict, _ := buildRetrievalDict(stage)
		stagePaths := tarPaths(streamer, stageDict)
		var tarfiles []string
		for _, p := range stagePaths {
			tarfiles = append(tarfiles, p)
		}
		prepareID, err := streamer.PrepareRequest(ctx, tarfiles)
		if err != nil {
			logger.ErrorCtx(ctx, "staging request failed", logger.Err(err))
			for _, pd := range stage {
				pd.Fail(err.Error())
			}
			failed = append(failed, stage...)
		} else {
			logger.InfoCtx(ctx, "staging requested",
				logger.PrepareID(prepareID), logger.Files(len(tarfiles)))
			s.decorate = func(out *message.Message) { out.Data.PrepareID = prepareID }
			s.send(ctx, message.KeyArchiveGet, message.ActionPrepareCheck,
				stage, message.StateArchiveGetting, rabbit.WithDelay(w.config.PrepareDelay))
			s.decorate = nil
		}
	}
	if len(failed) > 0 {
		s.send(ctx, message.KeyArchiveGet, message.ActionFailed,
			failed, message.StateFailed)
	}
	return nil
}

// prepareCheck polls one staging request. Complete requests fan out one
// streaming message per tar file; incomplete ones come back here after
// another delay.
func (w *GetWorker) prepareCheck(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)
	filelist := flatten(m)
	streamer, ok := w.streamer(ctx, s, m, filelist)
	if !ok {
		return nil
	}
	if m.Data.PrepareID == "" {
		s.failAll(ctx, message.KeyArchiveGet, filelist, "staging poll carries no prepare id")
		return nil
	}

	dict, missing := buildRetrievalDict(filelist)
	if len(missing) > 0 {
		s.failAll(ctx, message.KeyArchiveGet, missing, "file has no tape location")
	}
	paths := tarPaths(streamer, dict)
	var tarfiles []string
	for _, p := range paths {
		tarfiles = append(tarfiles, p)
	}

	complete, err := streamer.PrepareComplete(ctx, m.Data.PrepareID, tarfiles)
	if err != nil {
		logger.ErrorCtx(ctx, "staging poll failed",
			logger.PrepareID(m.Data.PrepareID), logger.Err(err))
		var all []*message.PathDetails
		for _, files := range dict {
			all = append(all, files...)
		}
		s.failAll(ctx, message.KeyArchiveGet, all, err.Error())
		return nil
	}

	if !complete {
		logger.InfoCtx(ctx, "staging not finished, polling again",
			logger.PrepareID(m.Data.PrepareID))
		s.decorate = func(out *message.Message) { out.Data.PrepareID = m.Data.PrepareID }
		s.send(ctx, message.KeyArchiveGet, message.ActionPrepareCheck,
			filelist, message.StateArchiveGetting, rabbit.WithDelay(w.config.PrepareDelay))
		return nil
	}

	// one streaming message per tar file, so several consumers can
	// stream aggregates in parallel
	logger.InfoCtx(ctx, "staging finished", logger.PrepareID(m.Data.PrepareID))
	for _, files := range dict {
		s.send(ctx, message.KeyArchiveGet, message.ActionStart,
			files, message.StateArchiveGetting)
	}
	return nil
}

// start streams the staged tar files into the object store. Problems
// with one aggregate fail only that aggregate's files.
func (w *GetWorker) start(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)
	filelist := flatten(m)
	streamer, ok := w.streamer(ctx, s, m, filelist)
	if !ok {
		return nil
	}

	dict, missing := buildRetrievalDict(filelist)
	paths := tarPaths(streamer, dict)

	var completed, failed []*message.PathDetails
	for _, pd := range missing {
		pd.Fail("file has no tape location")
		failed = append(failed, pd)
	}
	for tarname, files := range dict {
		done, bad, err := streamer.Get(ctx, paths[tarname], m.Details.Group, files)
		if err != nil {
			logger.ErrorCtx(ctx, "aggregate failed to stream",
				logger.Tarfile(paths[tarname]), logger.Err(err))
			for _, pd := range files {
				pd.Fail(err.Error())
			}
			failed = append(failed, files...)
			continue
		}
		completed = append(completed, done...)
		failed = append(failed, bad...)
	}

	// the cache copies have served their purpose; failure to evict is
	// not critical
	var tarfiles []string
	for _, p := range paths {
		tarfiles = append(tarfiles, p)
	}
	if err := streamer.Evict(ctx, tarfiles); err != nil {
		logger.WarnCtx(ctx, "cannot evict staged tarfiles", logger.Err(err))
	}

	logger.InfoCtx(ctx, "retrieval finished",
		logger.Files(len(completed)), "failed", len(failed))
	if len(completed) > 0 {
		s.send(ctx, message.KeyArchiveGet, message.ActionComplete,
			completed, message.StateArchiveGetting)
	}
	if len(failed) > 0 {
		s.send(ctx, message.KeyArchiveGet, message.ActionFailed,
			failed, message.StateFailed)
	}
	return nil
}
