package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/cedadev/nlds/internal/bytesize"
	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/aggregations"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// ChecksumAlgorithm names the digest recorded for archived files.
const ChecksumAlgorithm = "ADLER32"

// WorkerConfig configures the catalog consumer.
type WorkerConfig struct {
	// QueueName is the durable queue the consumer binds.
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	// DefaultTenancy fills Details.Tenancy when the caller left it empty.
	DefaultTenancy string `mapstructure:"default_tenancy" yaml:"default_tenancy,omitempty"`
	// TargetAggregationSize is the bin-packing target.
	TargetAggregationSize bytesize.Size `mapstructure:"target_aggregation_size" yaml:"target_aggregation_size,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *WorkerConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "catalog_q"
	}
	if c.TargetAggregationSize == 0 {
		c.TargetAggregationSize = aggregations.DefaultTargetSize
	}
}

// Worker is the catalog consumer. It owns every message whose routing key
// names a catalog-* worker token and is the only component that writes to
// the catalog database.
type Worker struct {
	store  *Store
	bus    rabbit.Bus
	config WorkerConfig
}

// NewWorker builds the catalog consumer.
func NewWorker(store *Store, bus rabbit.Bus, config WorkerConfig) *Worker {
	config.ApplyDefaults()
	return &Worker{store: store, bus: bus, config: config}
}

// Queue describes the queue and bindings the worker consumes.
func (w *Worker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyCatalogPut, message.Wild),
			message.BuildKey(message.Wild, message.KeyCatalogGet, message.Wild),
			message.BuildKey(message.Wild, message.KeyCatalogDel, message.Wild),
			message.BuildKey(message.Wild, message.KeyCatalogUpdate, message.Wild),
			message.BuildKey(message.Wild, message.KeyCatalogRemove, message.Wild),
			message.BuildKey(message.Wild, message.KeyCatalogArchiveNext, message.Wild),
			message.BuildKey(message.Wild, message.KeyCatalogArchiveUpdate, message.Wild),
		},
	}
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, w.Queue(), w.Handle)
}

// Handle dispatches one delivery by its worker and action tokens.
func (w *Worker) Handle(ctx context.Context, d rabbit.Delivery) error {
	_, workerKey, action, ok := message.ParseKey(d.RoutingKey)
	if !ok {
		logger.Warn("discarding message with malformed routing key",
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

	lctx := logger.NewLogContext("catalog", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	switch workerKey {
	case message.KeyCatalogPut:
		switch action {
		case message.ActionInitiate:
			return w.putInitiate(ctx, m)
		case message.ActionStart:
			return w.putStart(ctx, m)
		}
	case message.KeyCatalogGet:
		switch action {
		case message.ActionStart:
			return w.getStart(ctx, m)
		case message.ActionList:
			return w.list(ctx, d, m)
		case message.ActionFind:
			return w.find(ctx, d, m)
		case message.ActionMeta:
			return w.meta(ctx, d, m)
		case message.ActionSystemStat:
			reply := m.Copy()
			reply.Data.Records = []byte(`{"catalog":"alive"}`)
			return w.bus.Reply(ctx, d, reply)
		}
	case message.KeyCatalogUpdate:
		if action == message.ActionStart {
			return w.updateStart(ctx, m)
		}
	case message.KeyCatalogDel:
		if action == message.ActionStart {
			return w.delStart(ctx, m)
		}
	case message.KeyCatalogRemove:
		if action == message.ActionStart {
			return w.removeStart(ctx, m)
		}
	case message.KeyCatalogArchiveNext:
		if action == message.ActionStart {
			return w.archiveNext(ctx, m)
		}
	case message.KeyCatalogArchiveUpdate:
		if action == message.ActionStart {
			return w.archiveUpdate(ctx, m)
		}
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// publish emits m under root.worker.action.
func (w *Worker) publish(ctx context.Context, worker, action string, m *message.Message) error {
	return w.bus.Publish(ctx, message.BuildKey(message.RootKey, worker, action), m)
}

// publishState sends a monitor progress update for the message's sub
// record.
func (w *Worker) publishState(ctx context.Context, m *message.Message, state message.State) {
	out := m.Copy()
	out.Details.State = &state
	err := w.publish(ctx, message.KeyMonitorPut, message.ActionStart, out)
	if err != nil {
		logger.WarnCtx(ctx, "failed to publish monitor update",
			logger.State(state.String()), logger.Err(err))
	}
}

// publishFailed reports failed files: the monitor records them, and the
// orchestrator sees the .failed event for compensation.
func (w *Worker) publishFailed(ctx context.Context, workerKey string, m *message.Message, failed []*message.PathDetails, wholeBatch bool) {
	out := m.Copy()
	out.Data.Filelist = failed
	if wholeBatch {
		s := message.StateFailed
		out.Details.State = &s
		if err := w.publish(ctx, message.KeyMonitorPut, message.ActionStart, out); err != nil {
			logger.WarnCtx(ctx, "failed to publish monitor failure", logger.Err(err))
		}
	} else {
		if err := w.publish(ctx, message.KeyMonitorPut, message.ActionFailed, out); err != nil {
			logger.WarnCtx(ctx, "failed to publish monitor failure", logger.Err(err))
		}
	}
	if err := w.publish(ctx, workerKey, message.ActionFailed, out); err != nil {
		logger.WarnCtx(ctx, "failed to publish failure event", logger.Err(err))
	}
}

// defaultLabel is used when a put supplies no holding label: the first
// eight characters of the transaction id.
func defaultLabel(m *message.Message) string {
	label := m.Meta.Label
	if label == "" && len(m.Details.TransactionID) >= 8 {
		label = m.Details.TransactionID[:8]
	}
	return label
}

// exactLabel anchors a label for the regex-matching holding query.
func exactLabel(label string) string {
	return "^" + regexp.QuoteMeta(label) + "$"
}

func (w *Worker) holdingQuery(m *message.Message) HoldingQuery {
	q := HoldingQuery{
		User:      m.Details.User,
		Group:     m.Details.Group,
		GroupAll:  m.Details.GroupAll,
		HoldingID: m.Meta.HoldingID,
		Tag:       m.Meta.Tag,
	}
	if m.Meta.Label != "" {
		q.Label = exactLabel(m.Meta.Label)
	}
	return q
}

// putInitiate ensures the target holding exists before indexing begins,
// so a label conflict fails the transaction before any file is walked.
func (w *Worker) putInitiate(ctx context.Context, m *message.Message) error {
	label := defaultLabel(m)
	if label == "" {
		w.publishFailed(ctx, message.KeyCatalogPut, m, m.Data.Filelist, true)
		return nil
	}

	err := w.store.WithSession(ctx, func(tx *Session) error {
		_, err := tx.GetHolding(HoldingQuery{
			User:  m.Details.User,
			Group: m.Details.Group,
			Label: exactLabel(label),
		})
		if IsNotFound(err) {
			_, err = tx.CreateHolding(m.Details.User, m.Details.Group, label)
		}
		return err
	})
	if err != nil {
		logger.ErrorCtx(ctx, "failed to prepare holding", logger.Err(err))
		for _, pd := range m.Data.Filelist {
			pd.Fail(err.Error())
		}
		w.publishFailed(ctx, message.KeyCatalogPut, m, m.Data.Filelist, true)
		return nil
	}

	out := m.Copy()
	out.Data.Filelist = m.Data.Filelist
	out.Meta.Label = label
	return w.publish(ctx, message.KeyCatalogPut, message.ActionInitComplete, out)
}

// putStart records the indexed files under a new transaction in the
// holding. Duplicate paths fail individually without failing the batch.
func (w *Worker) putStart(ctx context.Context, m *message.Message) error {
	w.publishState(ctx, m, message.StateCatalogPutting)

	label := defaultLabel(m)
	var good, failed []*message.PathDetails
	err := w.store.WithSession(ctx, func(tx *Session) error {
		h, err := tx.GetHolding(HoldingQuery{
			User:  m.Details.User,
			Group: m.Details.Group,
			Label: exactLabel(label),
		})
		if err != nil {
			return err
		}

		t, err := tx.GetTransaction(m.Details.TransactionID)
		if IsNotFound(err) {
			t, err = tx.CreateTransaction(h, m.Details.TransactionID)
		}
		if err != nil {
			return err
		}

		for _, pd := range m.Data.Filelist {
			if _, err := tx.CreateFile(t, pd); err != nil {
				if IsConflict(err) {
					pd.Fail(err.Error())
					failed = append(failed, pd)
					continue
				}
				return err
			}
			pd.HoldingID = &h.ID
			good = append(good, pd)
		}
		return nil
	})
	if err != nil {
		logger.ErrorCtx(ctx, "catalog put failed", logger.Err(err))
		for _, pd := range m.Data.Filelist {
			pd.Fail(err.Error())
		}
		w.publishFailed(ctx, message.KeyCatalogPut, m, m.Data.Filelist, true)
		return nil
	}

	if len(failed) > 0 {
		w.publishFailed(ctx, message.KeyCatalogPut, m, failed, len(good) == 0)
	}
	if len(good) > 0 {
		out := m.Copy()
		out.Data.Filelist = good
		out.Meta.Label = label
		if len(failed) > 0 {
			// The good subset carries on as a new sub record; the failed
			// one keeps the incoming sub id.
			out.Details.SubID = message.SubIDForFilelist(good)
			w.publishState(ctx, out, message.StateCatalogPutting)
		}
		logger.InfoCtx(ctx, "catalogued files", logger.Files(len(good)))
		return w.publish(ctx, message.KeyCatalogPut, message.ActionComplete, out)
	}
	return nil
}

// getStart resolves the requested files and splits them by where their
// bytes live: files with an object store copy go straight to transfer,
// files that only exist on tape get a placeholder object location and go
// to the archive restore path.
func (w *Worker) getStart(ctx context.Context, m *message.Message) error {
	w.publishState(ctx, m, message.StateCatalogGetting)

	var transfer []*message.PathDetails
	retrieval := make(map[string][]*message.PathDetails)
	var failed []*message.PathDetails

	err := w.store.WithSession(ctx, func(tx *Session) error {
		files, err := w.resolveFiles(tx, m)
		if err != nil {
			return err
		}
		for i := range files {
			f := &files[i]
			pd := f.PathDetails()
			holdingID, err := w.holdingOf(tx, f)
			if err != nil {
				return err
			}
			pd.HoldingID = &holdingID

			obj, hasObj := f.Location(StorageObject)
			tape, hasTape := f.Location(StorageTape)
			switch {
			case hasObj && !obj.IsPlaceholder():
				transfer = append(transfer, pd)
			case hasTape && !tape.IsPlaceholder():
				if !hasObj {
					if _, err := tx.CreateLocation(f, message.PathLocation{StorageType: StorageObject}); err != nil {
						return err
					}
				}
				// The wire copy names the bucket the restore will fill,
				// derived from the file's ingest transaction.
				var t Transaction
				if err := tx.db.First(&t, f.TransactionID).Error; err != nil {
					return err
				}
				pd.Locations.Reset()
				_ = pd.Locations.Add(tape.PathLocation())
				_ = pd.Locations.Add(message.PathLocation{
					StorageType: StorageObject,
					Root:        t.TransactionID,
					Path:        f.OriginalPath,
				})
				retrieval[tape.Path] = append(retrieval[tape.Path], pd)
			default:
				pd.Fail("file has no retrievable copy")
				failed = append(failed, pd)
			}
		}
		return nil
	})
	if err != nil {
		logger.ErrorCtx(ctx, "catalog get failed", logger.Err(err))
		for _, pd := range m.Data.Filelist {
			pd.Fail(err.Error())
		}
		w.publishFailed(ctx, message.KeyCatalogGet, m, m.Data.Filelist, true)
		return nil
	}

	// Each batch after the first becomes its own monitor sub record, so
	// one branch completing cannot promote the job while another branch
	// is still moving.
	batches := 0
	if len(failed) > 0 {
		w.publishFailed(ctx, message.KeyCatalogGet, m, failed,
			len(transfer) == 0 && len(retrieval) == 0)
		batches++
	}
	if len(transfer) > 0 {
		out := m.Copy()
		out.Data.Filelist = transfer
		if batches > 0 {
			out.Details.SubID = message.SubIDForFilelist(transfer)
			w.publishState(ctx, out, message.StateCatalogGetting)
		}
		batches++
		if err := w.publish(ctx, message.KeyCatalogGet, message.ActionComplete, out); err != nil {
			return err
		}
	}
	if len(retrieval) > 0 {
		out := m.Copy()
		out.Data.RetrievalDict = retrieval
		if batches > 0 {
			var restoring []*message.PathDetails
			for _, pds := range retrieval {
				restoring = append(restoring, pds...)
			}
			out.Details.SubID = message.SubIDForFilelist(restoring)
			w.publishState(ctx, out, message.StateCatalogGetting)
		}
		batches++
		logger.InfoCtx(ctx, "routing files to archive restore",
			logger.Files(len(retrieval)))
		return w.publish(ctx, message.KeyCatalogGet, message.ActionArchiveRestore, out)
	}
	return nil
}

// resolveFiles finds the files a get or find refers to, either the named
// filelist or a metadata query.
func (w *Worker) resolveFiles(tx *Session, m *message.Message) ([]File, error) {
	q := FileQuery{HoldingQuery: w.holdingQuery(m), Path: m.Meta.Path}
	if len(m.Data.Filelist) > 0 {
		paths := make([]string, len(m.Data.Filelist))
		for i, pd := range m.Data.Filelist {
			paths[i] = pd.OriginalPath
		}
		byPath, err := tx.GetFilesByPaths(q.HoldingQuery, paths)
		if err != nil {
			return nil, err
		}
		var out []File
		var missing []string
		for _, p := range paths {
			if f, ok := byPath[p]; ok {
				out = append(out, f)
			} else {
				missing = append(missing, p)
			}
		}
		if len(out) == 0 {
			return nil, newError(KindNotFound, "none of the %d requested files found", len(paths))
		}
		if len(missing) > 0 {
			logger.Warn("requested files missing from catalog", logger.Files(len(missing)))
		}
		return out, nil
	}
	// A holding-scoped query with no path pattern returns the whole
	// holding; one copy per path.
	q.One = true
	return tx.GetFiles(q)
}

func (w *Worker) holdingOf(tx *Session, f *File) (uint, error) {
	var t Transaction
	if err := tx.db.First(&t, f.TransactionID).Error; err != nil {
		return 0, err
	}
	return t.HoldingID, nil
}

// updateStart fills in the object store locations reported by a completed
// transfer or archive retrieval.
func (w *Worker) updateStart(ctx context.Context, m *message.Message) error {
	err := w.store.WithSession(ctx, func(tx *Session) error {
		for _, pd := range m.Data.Filelist {
			f, err := w.findFile(tx, m, pd)
			if err != nil {
				return err
			}
			wire, ok := pd.ObjectStore()
			if !ok {
				continue
			}
			existing, err := tx.GetLocation(f, StorageObject)
			switch {
			case IsNotFound(err):
				if _, err := tx.CreateLocation(f, wire); err != nil {
					return err
				}
			case err != nil:
				return err
			case existing.IsPlaceholder():
				if err := tx.FillLocation(existing, wire); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		logger.ErrorCtx(ctx, "catalog update failed", logger.Err(err))
		w.publishFailed(ctx, message.KeyCatalogUpdate, m, m.Data.Filelist, true)
		return nil
	}

	switch m.Details.APIAction {
	case message.ActionPut, message.ActionPutlist:
		// Final state of a put: the monitor promotes to COMPLETE.
		w.publishState(ctx, m, message.StateCatalogUpdate)
	}
	return w.publish(ctx, message.KeyCatalogUpdate, message.ActionComplete,
		withFilelist(m.Copy(), m.Data.Filelist))
}

// findFile locates the catalog row a wire path refers to, preferring the
// message's transaction and falling back to the path's holding.
func (w *Worker) findFile(tx *Session, m *message.Message, pd *message.PathDetails) (*File, error) {
	q := HoldingQuery{
		User:     m.Details.User,
		Group:    m.Details.Group,
		GroupAll: m.Details.GroupAll,
	}
	if pd.HoldingID != nil {
		q.HoldingID = *pd.HoldingID
	} else {
		q.TransactionID = m.Details.TransactionID
	}
	files, err := tx.GetFiles(FileQuery{
		HoldingQuery: q,
		Path:         "^" + regexp.QuoteMeta(pd.OriginalPath) + "$",
		One:          true,
	})
	if err != nil {
		return nil, err
	}
	return &files[0], nil
}

// delStart rolls back a failed put. Only the files named in the message
// are deleted: siblings that uploaded successfully keep their catalog
// rows. A message without a filelist rolls back the whole transaction.
// Each delete runs in its own session so partial progress survives a
// crash.
func (w *Worker) delStart(ctx context.Context, m *message.Message) error {
	q := HoldingQuery{
		User:          m.Details.User,
		Group:         m.Details.Group,
		TransactionID: m.Details.TransactionID,
	}
	var files []File
	err := w.store.WithSession(ctx, func(tx *Session) error {
		if len(m.Data.Filelist) > 0 {
			paths := make([]string, len(m.Data.Filelist))
			for i, pd := range m.Data.Filelist {
				paths[i] = pd.OriginalPath
			}
			byPath, err := tx.GetFilesByPaths(q, paths)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if f, ok := byPath[p]; ok {
					files = append(files, f)
				}
			}
			return nil
		}
		var err error
		files, err = tx.GetFiles(FileQuery{HoldingQuery: q})
		return err
	})
	if err != nil && !IsNotFound(err) {
		logger.ErrorCtx(ctx, "catalog rollback lookup failed", logger.Err(err))
		return err
	}

	for i := range files {
		f := files[i]
		err := w.store.WithSession(ctx, func(tx *Session) error {
			return tx.DeleteFile(&f)
		})
		if err != nil {
			logger.ErrorCtx(ctx, "catalog rollback delete failed",
				logger.Path(f.OriginalPath), logger.Err(err))
			return err
		}
	}

	logger.InfoCtx(ctx, "rolled back transaction", logger.Files(len(files)))
	w.publishState(ctx, m, message.StateCatalogRollback)
	return nil
}

// removeStart clears placeholder locations of one storage tier after a
// failed transfer or archive operation. Real locations are never removed.
func (w *Worker) removeStart(ctx context.Context, m *message.Message) error {
	storageType := m.Data.StorageType
	if storageType == "" {
		logger.WarnCtx(ctx, "location removal without storage type, ignoring")
		return nil
	}

	err := w.store.WithSession(ctx, func(tx *Session) error {
		for _, pd := range m.Data.Filelist {
			f, err := w.findFile(tx, m, pd)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			l, err := tx.GetLocation(f, storageType)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if l.IsPlaceholder() {
				if err := tx.DeleteLocation(f, storageType); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		logger.ErrorCtx(ctx, "location removal failed", logger.Err(err))
		return err
	}

	if storageType == StorageTape {
		w.publishState(ctx, m, message.StateCatalogArchiveRollback)
	} else {
		w.publishState(ctx, m, message.StateCatalogRestoring)
	}
	return nil
}

// archiveNext picks the next holding with unarchived files, bin-packs
// them into aggregate candidates, creates placeholder tape locations and
// publishes one message per candidate.
func (w *Worker) archiveNext(ctx context.Context, m *message.Message) error {
	var holding *Holding
	var bins []*aggregations.Bin

	err := w.store.WithSession(ctx, func(tx *Session) error {
		var err error
		holding, err = tx.GetNextUnarchivedHolding()
		if err != nil {
			return err
		}
		files, err := tx.GetUnarchivedFiles(holding)
		if err != nil {
			return err
		}

		var filelist []*message.PathDetails
		for i := range files {
			f := &files[i]
			if _, err := tx.CreateLocation(f, message.PathLocation{StorageType: StorageTape}); err != nil {
				if IsConflict(err) {
					continue
				}
				return err
			}
			pd := f.PathDetails()
			id := holding.ID
			pd.HoldingID = &id
			filelist = append(filelist, pd)
		}
		bins = aggregations.Pack(filelist, w.config.TargetAggregationSize.Bytes())
		return nil
	})
	if IsNotFound(err) {
		logger.InfoCtx(ctx, "archive is caught up, nothing to aggregate")
		return nil
	}
	if err != nil {
		logger.ErrorCtx(ctx, "archive aggregation failed", logger.Err(err))
		return err
	}

	for _, bin := range bins {
		out := m.Copy()
		out.Details.User = holding.User
		out.Details.Group = holding.Group
		out.Details.SubID = message.SubIDForFilelist(bin.Files)
		out.Meta.HoldingID = holding.ID
		out.Meta.Label = holding.Label
		out.Data.Filelist = bin.Files
		w.publishState(ctx, out, message.StateCatalogArchiveAggregating)
		if err := w.publish(ctx, message.KeyCatalogArchiveNext, message.ActionComplete, out); err != nil {
			return err
		}
	}
	logger.InfoCtx(ctx, "aggregated holding for archive",
		logger.Holding(holding.ID), logger.Files(len(bins)))
	return nil
}

// archiveUpdate records a verified tape write: the aggregation row, the
// filled tape locations and the per-file checksums.
func (w *Worker) archiveUpdate(ctx context.Context, m *message.Message) error {
	if m.Data.Tarfile == "" {
		logger.WarnCtx(ctx, "archive update without tarfile, ignoring")
		return nil
	}

	err := w.store.WithSession(ctx, func(tx *Session) error {
		agg, err := tx.CreateAggregation(m.Data.Tarfile,
			strconv.FormatUint(uint64(m.Data.Checksum), 10), ChecksumAlgorithm)
		if err != nil {
			return err
		}
		for _, pd := range m.Data.Filelist {
			f, err := w.findFile(tx, m, pd)
			if err != nil {
				return err
			}
			wire, ok := pd.Tape()
			if !ok {
				return fmt.Errorf("file %s has no tape location on the wire", pd.OriginalPath)
			}
			l, err := tx.GetLocation(f, StorageTape)
			switch {
			case IsNotFound(err):
				l, err = tx.CreateLocation(f, wire)
				if err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.FillLocation(l, wire); err != nil {
					return err
				}
			}
			if err := tx.AttachLocation(agg, l); err != nil {
				return err
			}
			if pd.Checksum != 0 {
				_, err := tx.CreateChecksum(f,
					strconv.FormatUint(uint64(pd.Checksum), 10), ChecksumAlgorithm)
				if err != nil && !IsConflict(err) {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		logger.ErrorCtx(ctx, "archive update failed", logger.Err(err))
		w.publishFailed(ctx, message.KeyCatalogArchiveUpdate, m, m.Data.Filelist, true)
		return nil
	}

	// Final state of an archive-put: the monitor promotes to COMPLETE.
	w.publishState(ctx, m, message.StateCatalogArchiveUpdating)
	return w.publish(ctx, message.KeyCatalogArchiveUpdate, message.ActionComplete,
		withFilelist(m.Copy(), m.Data.Filelist))
}

// withFilelist sets the payload on a copied message.
func withFilelist(m *message.Message, filelist []*message.PathDetails) *message.Message {
	m.Data.Filelist = filelist
	return m
}
