// Package transfer moves file content between the user's filesystem and
// the per-transaction object store buckets. The put worker uploads
// indexed files; the get worker materialises catalogued files back onto
// disk, restoring ownership and permissions.
package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// ObjectStore is the slice of the object store the transfer workers use.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	ApplyAccessPolicy(ctx context.Context, bucket, group string) error
	Upload(ctx context.Context, bucket, key string, r io.Reader) error
	Download(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error)
}

// sender publishes outbound batches with the sub-record bookkeeping: the
// first batch keeps the incoming sub id, later batches become new sub
// records. Each send also carries the state to the monitor.
type sender struct {
	bus    rabbit.Bus
	origin *message.Message
	sent   int
}

func newSender(bus rabbit.Bus, m *message.Message) *sender {
	return &sender{bus: bus, origin: m}
}

func (s *sender) send(ctx context.Context, worker, action string, filelist []*message.PathDetails, state message.State) {
	out := s.origin.Copy()
	out.Data.Filelist = filelist
	out.Details.State = &state
	if s.sent >= 1 {
		out.Details.SubID = message.SubIDForFilelist(filelist)
	}
	s.sent++

	key := message.BuildKey(message.RootKey, worker, action)
	if err := s.bus.Publish(ctx, key, out); err != nil {
		logger.ErrorCtx(ctx, "failed to publish batch",
			logger.RoutingKey(key), logger.Err(err))
		return
	}
	monitorKey := message.BuildKey(message.RootKey, message.KeyMonitorPut, message.ActionStart)
	if err := s.bus.Publish(ctx, monitorKey, out); err != nil {
		logger.WarnCtx(ctx, "failed to publish monitor update", logger.Err(err))
	}
}

// failAll marks every entry with the reason and emits the whole batch as
// failed.
func (s *sender) failAll(ctx context.Context, worker string, filelist []*message.PathDetails, reason string) {
	for _, pd := range filelist {
		pd.Fail(reason)
	}
	s.send(ctx, worker, message.ActionFailed, filelist, message.StateFailed)
}

// mkdirAllOwned creates the directory and any missing parents, returning
// the directories it actually created, deepest last, so the caller can
// fix their ownership.
func mkdirAllOwned(dir string) ([]string, error) {
	var created []string
	p := dir
	for {
		if _, err := os.Lstat(p); err == nil {
			break
		}
		created = append([]string{p}, created...)
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	if len(created) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return created, nil
}
