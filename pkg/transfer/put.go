package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/permissions"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// PutConfig configures the upload consumer.
type PutConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	// Tenancy names the object store endpoint recorded in each file's
	// location when the request does not carry one.
	Tenancy string `mapstructure:"tenancy" yaml:"tenancy,omitempty"`
	// CheckPermissions enables the uid/gid read checks before upload.
	CheckPermissions bool `mapstructure:"check_permissions_fl" yaml:"check_permissions_fl"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *PutConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "transfer_put_q"
	}
}

// PutWorker uploads indexed files into the transaction's bucket.
type PutWorker struct {
	store  ObjectStore
	bus    rabbit.Bus
	config PutConfig
	lookup permissions.LookupFunc
}

// NewPutWorker builds the upload consumer. A nil lookup uses the OS user
// database.
func NewPutWorker(store ObjectStore, bus rabbit.Bus, config PutConfig, lookup permissions.LookupFunc) *PutWorker {
	config.ApplyDefaults()
	if lookup == nil {
		lookup = permissions.Lookup
	}
	return &PutWorker{store: store, bus: bus, config: config, lookup: lookup}
}

// Queue describes the queue and bindings the worker consumes.
func (w *PutWorker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyTransferPut, message.Wild),
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
	if !ok || workerKey != message.KeyTransferPut {
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

	lctx := logger.NewLogContext("transfer-put", d.RoutingKey).
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
		reply.Data.Records = []byte(`{"transfer-put":"alive"}`)
		return w.bus.Reply(ctx, d, reply)
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// initiate makes sure the transaction's bucket exists with the right
// access policy, then hands the batch on for uploading. A bucket problem
// fails the whole batch.
func (w *PutWorker) initiate(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)
	bucket := "nlds." + m.Details.TransactionID
	if m.Details.TransactionID == "" {
		s.failAll(ctx, message.KeyTransferPut, m.Data.Filelist, "message carries no transaction id")
		return nil
	}

	if err := w.store.EnsureBucket(ctx, bucket); err != nil {
		logger.ErrorCtx(ctx, "cannot create bucket", logger.Bucket(bucket), logger.Err(err))
		s.failAll(ctx, message.KeyTransferPut, m.Data.Filelist,
			fmt.Sprintf("cannot create bucket %s: %v", bucket, err))
		return nil
	}
	if err := w.store.ApplyAccessPolicy(ctx, bucket, m.Details.Group); err != nil {
		logger.ErrorCtx(ctx, "cannot set bucket policy", logger.Bucket(bucket), logger.Err(err))
		s.failAll(ctx, message.KeyTransferPut, m.Data.Filelist,
			fmt.Sprintf("cannot set access policy on bucket %s: %v", bucket, err))
		return nil
	}
	logger.InfoCtx(ctx, "bucket ready", logger.Bucket(bucket))

	s.send(ctx, message.KeyTransferPut, message.ActionStart,
		m.Data.Filelist, message.StateTransferPutting)
	return nil
}

// start uploads each file, recording the object store location on
// success. Per-file problems fail that file only.
func (w *PutWorker) start(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)

	var id *permissions.Identity
	if w.config.CheckPermissions {
		var err error
		id, err = w.lookup(m.Details.User)
		if err != nil {
			logger.ErrorCtx(ctx, "cannot resolve requesting user", logger.Err(err))
			s.failAll(ctx, message.KeyTransferPut, m.Data.Filelist,
				fmt.Sprintf("cannot resolve user %s", m.Details.User))
			return nil
		}
	}

	tenancy := m.Details.Tenancy
	if tenancy == "" {
		tenancy = w.config.Tenancy
	}
	bucket := "nlds." + m.Details.TransactionID

	var completed, failed []*message.PathDetails
	for _, pd := range m.Data.Filelist {
		if err := w.upload(ctx, id, bucket, tenancy, m.Details.TransactionID, pd); err != nil {
			pd.Fail(err.Error())
			logger.WarnCtx(ctx, "failed to upload file",
				logger.Path(pd.OriginalPath), logger.Err(err))
			failed = append(failed, pd)
			continue
		}
		completed = append(completed, pd)
	}

	logger.InfoCtx(ctx, "uploads finished",
		logger.Bucket(bucket), logger.Files(len(completed)), "failed", len(failed))
	if len(completed) > 0 {
		s.send(ctx, message.KeyTransferPut, message.ActionComplete,
			completed, message.StateTransferPutting)
	}
	if len(failed) > 0 {
		s.send(ctx, message.KeyTransferPut, message.ActionFailed,
			failed, message.StateFailed)
	}
	return nil
}

// upload pushes one entry into the bucket. Directories and links carry
// no content; they pass straight through so the catalog keeps them.
func (w *PutWorker) upload(ctx context.Context, id *permissions.Identity, bucket, tenancy, transactionID string, pd *message.PathDetails) error {
	switch pd.PathType {
	case message.PathDirectory, message.PathLink:
		return nil
	case message.PathFile:
	default:
		return fmt.Errorf("path %s is of unknown type", pd.OriginalPath)
	}

	if id != nil && !id.CanRead(pd) {
		return fmt.Errorf("path %s is inaccessible", pd.OriginalPath)
	}
	f, err := os.Open(pd.OriginalPath)
	if err != nil {
		return fmt.Errorf("cannot open %s: %v", pd.OriginalPath, err)
	}
	defer f.Close()

	if err := w.store.Upload(ctx, bucket, pd.OriginalPath, f); err != nil {
		return err
	}
	if _, err := pd.SetObjectStore(tenancy, transactionID); err != nil {
		return fmt.Errorf("cannot record location for %s: %v", pd.OriginalPath, err)
	}
	return nil
}
