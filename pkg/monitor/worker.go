package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// WorkerConfig configures the monitor consumer.
type WorkerConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *WorkerConfig) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "monitor_q"
	}
}

// Worker is the monitor consumer: it applies progress events to the
// monitor database and answers stat queries.
type Worker struct {
	store  *Store
	bus    rabbit.Bus
	config WorkerConfig
}

// NewWorker builds the monitor consumer.
func NewWorker(store *Store, bus rabbit.Bus, config WorkerConfig) *Worker {
	config.ApplyDefaults()
	return &Worker{store: store, bus: bus, config: config}
}

// Queue describes the queue and bindings the worker consumes.
func (w *Worker) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: w.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyMonitorPut, message.Wild),
			message.BuildKey(message.Wild, message.KeyMonitorGet, message.Wild),
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

	lctx := logger.NewLogContext("monitor", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	switch workerKey {
	case message.KeyMonitorPut:
		switch action {
		case message.ActionInitiate, message.ActionStart:
			return w.update(ctx, m, d.Redelivered)
		case message.ActionFailed:
			return w.recordFailures(ctx, m)
		}
	case message.KeyMonitorGet:
		switch action {
		case message.ActionStat:
			return w.stat(ctx, d, m)
		case message.ActionSystemStat:
			reply := m.Copy()
			reply.Data.Records = []byte(`{"monitor":"alive"}`)
			return w.bus.Reply(ctx, d, reply)
		}
	}

	logger.DebugCtx(ctx, "ignoring unhandled routing key")
	return nil
}

// update applies a progress event: find-or-create the job and the sub
// record, advance the state, and when a final state lands check whether
// the whole job is done.
func (w *Worker) update(ctx context.Context, m *message.Message, redelivered bool) error {
	if m.Details.TransactionID == "" || m.Details.SubID == "" {
		logger.WarnCtx(ctx, "monitor update without transaction or sub id, ignoring")
		return nil
	}
	state := message.StateRouting
	if m.Details.State != nil {
		state = *m.Details.State
	}
	if !state.Valid() {
		logger.WarnCtx(ctx, "monitor update with unknown state, ignoring",
			logger.State(fmt.Sprintf("%d", int(state))))
		return nil
	}

	return w.store.WithSession(ctx, func(tx *Session) error {
		tr, err := tx.FindOrCreateTransactionRecord(
			m.Details.User, m.Details.Group, m.Details.TransactionID,
			m.Details.JobLabel, m.Details.APIAction)
		if err != nil {
			return err
		}
		sr, err := tx.FindOrCreateSubRecord(tr, m.Details.SubID)
		if err != nil {
			return err
		}

		err = tx.UpdateSubRecord(sr, state, redelivered)
		if errors.Is(err, ErrStateRegression) {
			// A stale event arriving after later progress is harmless.
			logger.DebugCtx(ctx, "dropping stale state update",
				logger.State(state.String()))
			return nil
		}
		if err != nil {
			return err
		}
		logger.InfoCtx(ctx, "state updated", logger.State(state.String()))

		if state.IsFailed() {
			for _, pd := range m.Data.Filelist {
				if _, err := tx.CreateFailedFile(sr, pd); err != nil {
					return err
				}
			}
		}
		if state.IsFinal() {
			return tx.CheckCompletion(tr)
		}
		return nil
	})
}

// recordFailures stores per-file failures that did not fail the whole sub
// record: the files are listed and a warning is attached to the job, but
// the state is left to the surviving part of the batch.
func (w *Worker) recordFailures(ctx context.Context, m *message.Message) error {
	if m.Details.TransactionID == "" || m.Details.SubID == "" || len(m.Data.Filelist) == 0 {
		return nil
	}
	return w.store.WithSession(ctx, func(tx *Session) error {
		tr, err := tx.FindOrCreateTransactionRecord(
			m.Details.User, m.Details.Group, m.Details.TransactionID,
			m.Details.JobLabel, m.Details.APIAction)
		if err != nil {
			return err
		}
		sr, err := tx.FindOrCreateSubRecord(tr, m.Details.SubID)
		if err != nil {
			return err
		}
		for _, pd := range m.Data.Filelist {
			if _, err := tx.CreateFailedFile(sr, pd); err != nil {
				return err
			}
		}
		_, err = tx.CreateWarning(tr, fmt.Sprintf("%d files failed and were skipped", len(m.Data.Filelist)))
		return err
	})
}

// RecordView is the stat reply shape: the stored record plus the derived
// job-level state.
type RecordView struct {
	TransactionRecord
	State string `json:"state"`
}

// stat answers the monitoring RPC.
func (w *Worker) stat(ctx context.Context, d rabbit.Delivery, m *message.Message) error {
	// the job label filter arrives in the details section; meta.label is
	// the older spelling some callers still use
	jobLabel := m.Details.JobLabel
	if jobLabel == "" {
		jobLabel = m.Meta.Label
	}
	q := RecordQuery{
		User:          m.Details.User,
		Group:         m.Details.Group,
		GroupAll:      m.Details.GroupAll,
		ID:            m.Meta.RecordID,
		TransactionID: m.Meta.TransactionID,
		JobLabel:      jobLabel,
		APIAction:     m.Meta.APIAction,
		SubID:         m.Meta.SubID,
		State:         m.Meta.State,
	}

	out := m.Copy()
	err := w.store.WithSession(ctx, func(tx *Session) error {
		records, err := tx.GetTransactionRecords(q)
		if err != nil {
			return err
		}
		views := make([]RecordView, len(records))
		for i, tr := range records {
			views[i] = RecordView{TransactionRecord: tr, State: tr.OverallState().String()}
		}
		raw, err := json.Marshal(views)
		if err != nil {
			return err
		}
		out.Data.Records = raw
		return nil
	})
	if err != nil {
		out.Details.Failure = err.Error()
	}
	if rerr := w.bus.Reply(ctx, d, out); rerr != nil {
		logger.WarnCtx(ctx, "failed to send rpc reply", logger.Err(rerr))
	}
	return nil
}
