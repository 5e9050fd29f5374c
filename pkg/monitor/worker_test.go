package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

func newWorkerTestBus(t *testing.T) (*Store, *rabbit.InProc) {
	t.Helper()
	store := openTestStore(t)
	bus := rabbit.NewInProc()
	t.Cleanup(func() { bus.Close() })

	w := NewWorker(store, bus, WorkerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, bus.Consume(ctx, w.Queue(), w.Handle))
	return store, bus
}

func progress(tid, subID string, state message.State) *message.Message {
	m := message.New()
	m.Details.TransactionID = tid
	m.Details.SubID = subID
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.JobLabel = "job-1"
	m.Details.APIAction = message.ActionPut
	m.Details.State = &state
	return m
}

func TestUpdateCreatesRecords(t *testing.T) {
	store, bus := newWorkerTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start",
		progress("tid-1", "sub-1", message.StateIndexing)))
	bus.Wait()

	inSession(t, store, func(tx *Session) {
		tr, err := tx.GetTransactionRecord("tid-1")
		require.NoError(t, err)
		assert.Equal(t, "fred", tr.User)
		assert.Equal(t, "job-1", tr.JobLabel)
		require.Len(t, tr.SubRecords, 1)
		assert.Equal(t, message.StateIndexing, tr.SubRecords[0].State)
	})
}

func TestUpdateIgnoresStaleState(t *testing.T) {
	store, bus := newWorkerTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start",
		progress("tid-2", "sub-2", message.StateTransferPutting)))
	bus.Wait()
	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start",
		progress("tid-2", "sub-2", message.StateIndexing)))
	bus.Wait()

	inSession(t, store, func(tx *Session) {
		sr, err := tx.GetSubRecord("sub-2")
		require.NoError(t, err)
		assert.Equal(t, message.StateTransferPutting, sr.State)
	})
}

func TestFailedStateRecordsFiles(t *testing.T) {
	store, bus := newWorkerTestBus(t)
	ctx := context.Background()

	m := progress("tid-3", "sub-3", message.StateFailed)
	m.Data.Filelist = []*message.PathDetails{
		{OriginalPath: "/data/a", FailureReason: "no read permission"},
		{OriginalPath: "/data/b", FailureReason: "does not exist"},
	}
	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start", m))
	bus.Wait()

	inSession(t, store, func(tx *Session) {
		sr, err := tx.GetSubRecord("sub-3")
		require.NoError(t, err)
		assert.Equal(t, message.StateFailed, sr.State)
		require.Len(t, sr.FailedFiles, 2)
		assert.Equal(t, "no read permission", sr.FailedFiles[0].Reason)
	})
}

func TestPartialFailuresBecomeWarnings(t *testing.T) {
	store, bus := newWorkerTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start",
		progress("tid-4", "sub-4", message.StateTransferPutting)))
	bus.Wait()

	m := progress("tid-4", "sub-4", message.StateTransferPutting)
	m.Details.State = nil
	m.Data.Filelist = []*message.PathDetails{
		{OriginalPath: "/data/gone", FailureReason: "vanished during upload"},
	}
	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.failed", m))
	bus.Wait()

	inSession(t, store, func(tx *Session) {
		tr, err := tx.GetTransactionRecord("tid-4")
		require.NoError(t, err)
		require.Len(t, tr.Warnings, 1)
		sr, err := tx.GetSubRecord("sub-4")
		require.NoError(t, err)
		assert.Equal(t, message.StateTransferPutting, sr.State,
			"partial failure must not change the sub record state")
		assert.Len(t, sr.FailedFiles, 1)
	})
}

func TestFinalStateCompletesJob(t *testing.T) {
	store, bus := newWorkerTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start",
		progress("tid-5", "sub-5", message.StateCatalogUpdate)))
	bus.Wait()

	inSession(t, store, func(tx *Session) {
		tr, err := tx.GetTransactionRecord("tid-5")
		require.NoError(t, err)
		assert.Equal(t, message.StateComplete, tr.OverallState())
	})
}

func TestStatRPC(t *testing.T) {
	_, bus := newWorkerTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start",
		progress("tid-6", "sub-6", message.StateCatalogUpdate)))
	bus.Wait()

	q := message.New()
	q.Details.User = "fred"
	q.Details.Group = "gws"
	q.Details.APIAction = message.ActionStat

	reply, err := bus.Call(ctx, "nlds-api.monitor-get.stat", q, time.Second)
	require.NoError(t, err)

	var views []RecordView
	require.NoError(t, json.Unmarshal(reply.Data.Records, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "tid-6", views[0].TransactionID)
	assert.Equal(t, "COMPLETE", views[0].State)
	require.Len(t, views[0].SubRecords, 1)
}

func TestStatFiltersByJobLabel(t *testing.T) {
	_, bus := newWorkerTestBus(t)
	ctx := context.Background()

	first := progress("tid-7", "sub-7", message.StateIndexing)
	first.Details.JobLabel = "nightly-backup"
	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start", first))
	second := progress("tid-8", "sub-8", message.StateIndexing)
	second.Details.JobLabel = "adhoc-restore"
	require.NoError(t, bus.Publish(ctx, "nlds-api.monitor-put.start", second))
	bus.Wait()

	// the filter rides in details, where the http front end puts it
	q := message.New()
	q.Details.User = "fred"
	q.Details.Group = "gws"
	q.Details.JobLabel = "^nightly"
	q.Details.APIAction = message.ActionStat

	reply, err := bus.Call(ctx, "nlds-api.monitor-get.stat", q, time.Second)
	require.NoError(t, err)

	var views []RecordView
	require.NoError(t, json.Unmarshal(reply.Data.Records, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "tid-7", views[0].TransactionID)
	assert.Equal(t, "nightly-backup", views[0].JobLabel)
}
