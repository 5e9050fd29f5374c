package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/permissions"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// GetConfig configures the download consumer.
type GetConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	// CheckPermissions enables the uid/gid write checks on the target.
	CheckPermissions bool `mapstructure:"check_permissions_fl" yaml:"check_permissions_fl"`
	// Chown re-owns downloaded files to the requesting user.
	Chown bool `mapstructure:"chown_fl" yaml:"chown_fl"`
	// ChownCmd is an external setuid helper invoked as
	// `<cmd> <uid> <gid> <path>`; empty means chown directly, which
	// needs the worker to run privileged.
	ChownCmd string `mapstructure:"chown_cmd" yaml:"chown_cmd,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *GetConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "transfer_get_q"
	}
}

// GetWorker materialises catalogued files back onto the filesystem.
type GetWorker struct {
	store  ObjectStore
	bus    rabbit.Bus
	config GetConfig
	lookup permissions.LookupFunc
}

// NewGetWorker builds the download consumer. A nil lookup uses the OS
// user database.
func NewGetWorker(store ObjectStore, bus rabbit.Bus, config GetConfig, lookup permissions.LookupFunc) *GetWorker {
	config.ApplyDefaults()
	if lookup == nil {
		lookup = permissions.Lookup
	}
	return &GetWorker{store: store, bus: bus, config: config, lookup: lookup}
}

// Queue describes the queue and bindings the worker consumes.
func (w *GetWorker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyTransferGet, message.Wild),
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
	if !ok || workerKey != message.KeyTransferGet {
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

	lctx := logger.NewLogContext("transfer-get", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	switch action {
	case message.ActionInitiate:
		// no setup needed on the way down; hand straight to start
		return w.bus.Publish(ctx,
			message.BuildKey(message.RootKey, message.KeyTransferGet, message.ActionStart), m)
	case message.ActionStart:
		return w.start(ctx, m)
	case message.ActionSystemStat:
		reply := m.Copy()
		reply.Data.Records = []byte(`{"transfer-get":"alive"}`)
		return w.bus.Reply(ctx, d, reply)
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// start downloads each file to its resolved target path.
func (w *GetWorker) start(ctx context.Context, m *message.Message) error {
	s := newSender(w.bus, m)

	var id, owner *permissions.Identity
	if w.config.CheckPermissions || w.config.Chown {
		lookedUp, err := w.lookup(m.Details.User)
		if err != nil {
			logger.ErrorCtx(ctx, "cannot resolve requesting user", logger.Err(err))
			s.failAll(ctx, message.KeyTransferGet, m.Data.Filelist,
				fmt.Sprintf("cannot resolve user %s", m.Details.User))
			return nil
		}
		owner = lookedUp
		if w.config.CheckPermissions {
			id = lookedUp
		}
	}

	var completed, failed []*message.PathDetails
	for _, pd := range m.Data.Filelist {
		if err := w.restore(ctx, id, owner, m.Details.Target, pd); err != nil {
			pd.Fail(err.Error())
			logger.WarnCtx(ctx, "failed to retrieve file",
				logger.Path(pd.OriginalPath), logger.Err(err))
			failed = append(failed, pd)
			continue
		}
		completed = append(completed, pd)
	}

	logger.InfoCtx(ctx, "downloads finished",
		logger.Files(len(completed)), "failed", len(failed))
	if len(completed) > 0 {
		s.send(ctx, message.KeyTransferGet, message.ActionComplete,
			completed, message.StateTransferGetting)
	}
	if len(failed) > 0 {
		s.send(ctx, message.KeyTransferGet, message.ActionFailed,
			failed, message.StateFailed)
	}
	return nil
}

// restore materialises one entry under the target directory, or in place
// when the request names no target.
func (w *GetWorker) restore(ctx context.Context, id *permissions.Identity, owner *permissions.Identity, target string, pd *message.PathDetails) error {
	path := pd.OriginalPath
	if target != "" {
		path = filepath.Join(target, pd.OriginalPath)
	}
	mode := fs.FileMode(pd.Permissions & 0o777)

	switch pd.PathType {
	case message.PathDirectory:
		created, err := mkdirAllOwned(path)
		if err != nil {
			return fmt.Errorf("cannot create directory %s: %v", path, err)
		}
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("cannot set permissions on %s: %v", path, err)
		}
		return w.chownAll(ctx, created, owner)

	case message.PathLink:
		if _, err := os.Lstat(path); err == nil {
			return nil
		}
		if _, err := mkdirAllOwned(filepath.Dir(path)); err != nil {
			return fmt.Errorf("cannot create directory for %s: %v", path, err)
		}
		if err := os.Symlink(pd.LinkPath, path); err != nil {
			return fmt.Errorf("cannot restore symlink %s: %v", path, err)
		}
		return nil

	case message.PathFile:
		return w.download(ctx, id, owner, path, mode, pd)
	}

	return fmt.Errorf("path %s is of unknown type", pd.OriginalPath)
}

func (w *GetWorker) download(ctx context.Context, id *permissions.Identity, owner *permissions.Identity, path string, mode fs.FileMode, pd *message.PathDetails) error {
	bucket := pd.BucketName()
	if bucket == "" {
		return fmt.Errorf("file %s has no object storage location", pd.OriginalPath)
	}

	parent := filepath.Dir(path)
	created, err := mkdirAllOwned(parent)
	if err != nil {
		return fmt.Errorf("cannot create directory %s: %v", parent, err)
	}
	if id != nil {
		ppd, err := message.PathDetailsFromLstat(parent)
		if err != nil {
			return fmt.Errorf("cannot stat directory %s: %v", parent, err)
		}
		if !id.CanWrite(ppd) {
			return fmt.Errorf("no write permission on directory %s", parent)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %v", path, err)
	}
	if _, err := w.store.Download(ctx, bucket, pd.ObjectName(), f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot finish writing %s: %v", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("cannot set permissions on %s: %v", path, err)
	}
	if err := w.chown(ctx, path, owner); err != nil {
		return err
	}
	return w.chownAll(ctx, created, owner)
}

// chown re-owns a path to the requesting user, either directly or via
// the configured setuid helper.
func (w *GetWorker) chown(ctx context.Context, path string, owner *permissions.Identity) error {
	if !w.config.Chown || owner == nil {
		return nil
	}
	gid := uint32(0)
	if len(owner.GIDs) > 0 {
		gid = owner.GIDs[0]
	}
	if w.config.ChownCmd != "" {
		cmd := exec.CommandContext(ctx, w.config.ChownCmd,
			strconv.FormatUint(uint64(owner.UID), 10),
			strconv.FormatUint(uint64(gid), 10),
			path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("chown helper failed for %s: %v: %s", path, err, out)
		}
		return nil
	}
	if err := os.Chown(path, int(owner.UID), int(gid)); err != nil {
		return fmt.Errorf("cannot chown %s: %v", path, err)
	}
	return nil
}

func (w *GetWorker) chownAll(ctx context.Context, paths []string, owner *permissions.Identity) error {
	for _, p := range paths {
		if err := w.chown(ctx, p, owner); err != nil {
			return err
		}
	}
	return nil
}
