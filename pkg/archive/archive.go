// Package archive moves file content between the object store and the
// tape system. The put worker streams one aggregate of objects into a
// tar file on tape and verifies the write by checksum; the get worker
// stages tar files back from tape and streams their members into the
// buckets the files were ingested under.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/cedadev/nlds/internal/bytesize"
	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// Config carries the tape connection settings shared by both workers.
type Config struct {
	// TapeURL locates the tape endpoint: root://server//base_dir. A
	// tape url in the message details takes precedence.
	TapeURL string `mapstructure:"tape_url" yaml:"tape_url"`
	// TapePool selects the tape pool writes are directed to; empty uses
	// the endpoint's default.
	TapePool string `mapstructure:"tape_pool" yaml:"tape_pool,omitempty"`
	// ChunkSize is the buffer size for the tar streaming copies.
	ChunkSize bytesize.Size `mapstructure:"chunk_size" yaml:"chunk_size,omitempty"`
	// PrepareDelay is the wait between staging polls.
	PrepareDelay time.Duration `mapstructure:"prepare_delay" yaml:"prepare_delay,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 5 << 20
	}
	if c.PrepareDelay == 0 {
		c.PrepareDelay = 60 * time.Second
	}
}

// tapeURLFor picks the tape url for a message: request-level first, then
// the configured one.
func (c *Config) tapeURLFor(m *message.Message) (string, error) {
	if m.Details.TapeURL != "" {
		return m.Details.TapeURL, nil
	}
	if c.TapeURL == "" {
		return "", fmt.Errorf("no tape url specified at server or request level")
	}
	return c.TapeURL, nil
}

// sender publishes outbound batches with the sub-record bookkeeping: the
// first batch keeps the incoming sub id, later batches become new sub
// records. Each send also carries the state to the monitor. Senders can
// decorate the outbound data section, which is how the aggregate results
// (tarfile, checksum) and the staging bookkeeping travel.
type sender struct {
	bus    rabbit.Bus
	origin *message.Message
	sent   int

	// decorate, when set, runs on every outbound message before publish.
	decorate func(*message.Message)
}

func newSender(bus rabbit.Bus, m *message.Message) *sender {
	return &sender{bus: bus, origin: m}
}

func (s *sender) send(ctx context.Context, worker, action string, filelist []*message.PathDetails, state message.State, opts ...rabbit.PublishOption) {
	out := s.origin.Copy()
	out.Data.Filelist = filelist
	out.Details.State = &state
	if s.decorate != nil {
		s.decorate(out)
	}
	if s.sent >= 1 {
		out.Details.SubID = message.SubIDForFilelist(filelist)
	}
	s.sent++

	key := message.BuildKey(message.RootKey, worker, action)
	if err := s.bus.Publish(ctx, key, out, opts...); err != nil {
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

// flatten returns the message's filelist, expanding the retrieval dict
// when the payload arrived grouped by tarfile.
func flatten(m *message.Message) []*message.PathDetails {
	if len(m.Data.Filelist) > 0 {
		return m.Data.Filelist
	}
	var out []*message.PathDetails
	for _, filelist := range m.Data.RetrievalDict {
		out = append(out, filelist...)
	}
	return out
}

// buildRetrievalDict groups files by the tarfile holding their tape
// copy. Files without a tape location land in the second return.
func buildRetrievalDict(filelist []*message.PathDetails) (map[string][]*message.PathDetails, []*message.PathDetails) {
	dict := make(map[string][]*message.PathDetails)
	var missing []*message.PathDetails
	for _, pd := range filelist {
		l, ok := pd.Tape()
		if !ok || l.IsPlaceholder() {
			missing = append(missing, pd)
			continue
		}
		dict[l.Path] = append(dict[l.Path], pd)
	}
	return dict, missing
}
