package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

type workerEnv struct {
	store  *Store
	bus    *rabbit.InProc
	worker *Worker

	mu        sync.Mutex
	published map[string][]*message.Message
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	env := &workerEnv{
		store:     openTestStore(t),
		bus:       rabbit.NewInProc(),
		published: make(map[string][]*message.Message),
	}
	env.worker = NewWorker(env.store, env.bus, WorkerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { env.bus.Close() })

	require.NoError(t, env.bus.Consume(ctx, env.worker.Queue(), env.worker.Handle))
	require.NoError(t, env.bus.Consume(ctx, rabbit.QueueSpec{
		Name:     "capture_q",
		Bindings: []string{"#"},
	}, func(ctx context.Context, d rabbit.Delivery) error {
		m, err := d.Message()
		if err != nil {
			return err
		}
		env.mu.Lock()
		env.published[d.RoutingKey] = append(env.published[d.RoutingKey], m)
		env.mu.Unlock()
		return nil
	}))
	return env
}

// send publishes and waits for the fabric to go quiet.
func (env *workerEnv) send(t *testing.T, key string, m *message.Message) {
	t.Helper()
	require.NoError(t, env.bus.Publish(context.Background(), key, m))
	env.bus.Wait()
}

func (env *workerEnv) captured(key string) []*message.Message {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.published[key]
}

func putMessage(tid, user, group string, paths ...string) *message.Message {
	m := message.New()
	m.Details.TransactionID = tid
	m.Details.User = user
	m.Details.Group = group
	m.Details.APIAction = message.ActionPut
	for _, p := range paths {
		m.Data.Filelist = append(m.Data.Filelist, &message.PathDetails{
			OriginalPath: p,
			PathType:     message.PathFile,
			Size:         512,
			User:         1000,
			Group:        1000,
			Permissions:  0644,
		})
	}
	return m
}

func TestPutInitiateDefaultsLabel(t *testing.T) {
	env := newWorkerEnv(t)
	m := putMessage("0a1b2c3d-e4f5", "fred", "gws", "/data/a")

	env.send(t, "nlds-api.catalog-put.initiate", m)

	done := env.captured("nlds-api.catalog-put.init-complete")
	require.Len(t, done, 1)
	assert.Equal(t, "0a1b2c3d", done[0].Meta.Label)

	inSession(t, env.store, func(tx *Session) {
		_, err := tx.GetHolding(HoldingQuery{User: "fred", Label: "^0a1b2c3d$"})
		assert.NoError(t, err)
	})
}

func TestPutStartCataloguesFiles(t *testing.T) {
	env := newWorkerEnv(t)
	m := putMessage("tid-put-1", "fred", "gws", "/data/a", "/data/b")
	m.Meta.Label = "my-backup"

	env.send(t, "nlds-api.catalog-put.initiate", m)
	env.send(t, "nlds-api.catalog-put.start", m)

	done := env.captured("nlds-api.catalog-put.complete")
	require.Len(t, done, 1)
	assert.Len(t, done[0].Data.Filelist, 2)
	require.NotNil(t, done[0].Data.Filelist[0].HoldingID)

	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})

	// progress was reported to the monitor
	states := env.captured("nlds-api.monitor-put.start")
	require.NotEmpty(t, states)
	assert.Equal(t, message.StateCatalogPutting, *states[len(states)-1].Details.State)
}

func TestPutStartDuplicateFailsFileNotBatch(t *testing.T) {
	env := newWorkerEnv(t)
	first := putMessage("tid-dup-1", "fred", "gws", "/data/a")
	first.Meta.Label = "dup-holding"
	env.send(t, "nlds-api.catalog-put.initiate", first)
	env.send(t, "nlds-api.catalog-put.start", first)

	second := putMessage("tid-dup-2", "fred", "gws", "/data/a", "/data/new")
	second.Meta.Label = "dup-holding"
	env.send(t, "nlds-api.catalog-put.initiate", second)
	env.send(t, "nlds-api.catalog-put.start", second)

	failed := env.captured("nlds-api.catalog-put.failed")
	require.Len(t, failed, 1)
	require.Len(t, failed[0].Data.Filelist, 1)
	assert.Equal(t, "/data/a", failed[0].Data.Filelist[0].OriginalPath)
	assert.NotEmpty(t, failed[0].Data.Filelist[0].FailureReason)

	done := env.captured("nlds-api.catalog-put.complete")
	require.Len(t, done, 2)
	assert.Equal(t, "/data/new", done[1].Data.Filelist[0].OriginalPath)
}

func TestGetStartSplitsByTier(t *testing.T) {
	env := newWorkerEnv(t)

	// /data/hot has an object store copy, /data/cold only a tape copy
	inSession(t, env.store, func(tx *Session) {
		_, tr := seedHolding(t, tx, "fred", "gws", "mixed", "tid-mixed", "/data/hot", "/data/cold")
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		for i := range files {
			f := &files[i]
			if f.OriginalPath == "/data/hot" {
				_, err = tx.CreateLocation(f,
					message.NewObjectStoreLocation("tenancy-o", tr.TransactionID, f.OriginalPath, 0))
			} else {
				_, err = tx.CreateLocation(f,
					message.NewTapeLocation("tape-server", "nlds.1.fred.gws", "abc.tar", 0))
			}
			require.NoError(t, err)
		}
	})

	m := message.New()
	m.Details.TransactionID = "tid-get-1"
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionGet
	m.Meta.Label = "mixed"
	env.send(t, "nlds-api.catalog-get.start", m)

	done := env.captured("nlds-api.catalog-get.complete")
	require.Len(t, done, 1)
	require.Len(t, done[0].Data.Filelist, 1)
	assert.Equal(t, "/data/hot", done[0].Data.Filelist[0].OriginalPath)

	restore := env.captured("nlds-api.catalog-get.archive-restore")
	require.Len(t, restore, 1)
	require.Contains(t, restore[0].Data.RetrievalDict, "abc.tar")
	cold := restore[0].Data.RetrievalDict["abc.tar"][0]
	assert.Equal(t, "/data/cold", cold.OriginalPath)
	obj, ok := cold.ObjectStore()
	require.True(t, ok)
	assert.Equal(t, "tid-mixed", obj.Root, "restore carries the target bucket root")

	// the tape-only file now has a placeholder object location
	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{
			HoldingQuery: HoldingQuery{User: "fred"}, Path: "cold",
		})
		require.NoError(t, err)
		l, err := tx.GetLocation(&files[0], StorageObject)
		require.NoError(t, err)
		assert.True(t, l.IsPlaceholder())
	})
}

func TestUpdateStartFillsPlaceholders(t *testing.T) {
	env := newWorkerEnv(t)

	m := putMessage("tid-upd-1", "fred", "gws", "/data/a")
	m.Meta.Label = "upd"
	env.send(t, "nlds-api.catalog-put.initiate", m)
	env.send(t, "nlds-api.catalog-put.start", m)

	done := env.captured("nlds-api.catalog-put.complete")
	require.Len(t, done, 1)
	update := done[0]
	for _, pd := range update.Data.Filelist {
		_, err := pd.SetObjectStore("tenancy-o", update.Details.TransactionID)
		require.NoError(t, err)
	}
	env.send(t, "nlds-api.catalog-update.start", update)

	require.Len(t, env.captured("nlds-api.catalog-update.complete"), 1)
	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		l, err := tx.GetLocation(&files[0], StorageObject)
		require.NoError(t, err)
		assert.False(t, l.IsPlaceholder())
		assert.Equal(t, "tid-upd-1", l.Root)
	})

	// put flow finished: monitor saw the final catalog state
	states := env.captured("nlds-api.monitor-put.start")
	var final []message.State
	for _, s := range states {
		final = append(final, *s.Details.State)
	}
	assert.Contains(t, final, message.StateCatalogUpdate)
}

func TestDelStartRollsBackTransaction(t *testing.T) {
	env := newWorkerEnv(t)

	m := putMessage("tid-del-1", "fred", "gws", "/data/a", "/data/b")
	m.Meta.Label = "doomed"
	env.send(t, "nlds-api.catalog-put.initiate", m)
	env.send(t, "nlds-api.catalog-put.start", m)

	env.send(t, "nlds-api.catalog-del.start", m)

	inSession(t, env.store, func(tx *Session) {
		_, err := tx.GetHolding(HoldingQuery{User: "fred", Label: "^doomed$"})
		assert.True(t, IsNotFound(err))
	})

	states := env.captured("nlds-api.monitor-put.start")
	require.NotEmpty(t, states)
	assert.Equal(t, message.StateCatalogRollback, *states[len(states)-1].Details.State)
}

func TestDelStartSparesFilesOutsideFilelist(t *testing.T) {
	env := newWorkerEnv(t)

	m := putMessage("tid-del-2", "fred", "gws", "/data/ok", "/data/bad")
	m.Meta.Label = "partial"
	env.send(t, "nlds-api.catalog-put.initiate", m)
	env.send(t, "nlds-api.catalog-put.start", m)

	// the rollback names only the file whose upload failed
	del := putMessage("tid-del-2", "fred", "gws", "/data/bad")
	del.Meta.Label = "partial"
	env.send(t, "nlds-api.catalog-del.start", del)

	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "/data/ok", files[0].OriginalPath,
			"the successfully uploaded sibling must survive")
	})
}

func TestGetStartBranchesGetDistinctSubIDs(t *testing.T) {
	env := newWorkerEnv(t)

	inSession(t, env.store, func(tx *Session) {
		_, tr := seedHolding(t, tx, "fred", "gws", "split", "tid-split", "/data/hot", "/data/cold")
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		for i := range files {
			f := &files[i]
			if f.OriginalPath == "/data/hot" {
				_, err = tx.CreateLocation(f,
					message.NewObjectStoreLocation("tenancy-o", tr.TransactionID, f.OriginalPath, 0))
			} else {
				_, err = tx.CreateLocation(f,
					message.NewTapeLocation("tape-server", "nlds.1.fred.gws", "cold.tar", 0))
			}
			require.NoError(t, err)
		}
	})

	m := message.New()
	m.Details.TransactionID = "tid-get-2"
	m.Details.SubID = "aaaa1111bbbb2222"
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionGet
	m.Meta.Label = "split"
	env.send(t, "nlds-api.catalog-get.start", m)

	done := env.captured("nlds-api.catalog-get.complete")
	require.Len(t, done, 1)
	restore := env.captured("nlds-api.catalog-get.archive-restore")
	require.Len(t, restore, 1)

	// the first branch keeps the incoming sub id, the second drives its
	// own monitor sub record
	assert.Equal(t, "aaaa1111bbbb2222", done[0].Details.SubID)
	assert.NotEmpty(t, restore[0].Details.SubID)
	assert.NotEqual(t, done[0].Details.SubID, restore[0].Details.SubID)

	var registered []string
	for _, s := range env.captured("nlds-api.monitor-put.start") {
		registered = append(registered, s.Details.SubID)
	}
	assert.Contains(t, registered, restore[0].Details.SubID,
		"the new sub record is announced to the monitor")
}

func TestPutStartGoodSubsetGetsNewSubID(t *testing.T) {
	env := newWorkerEnv(t)
	first := putMessage("tid-sub-1", "fred", "gws", "/data/a")
	first.Meta.Label = "sub-holding"
	env.send(t, "nlds-api.catalog-put.initiate", first)
	env.send(t, "nlds-api.catalog-put.start", first)

	second := putMessage("tid-sub-2", "fred", "gws", "/data/a", "/data/new")
	second.Details.SubID = "cccc3333dddd4444"
	second.Meta.Label = "sub-holding"
	env.send(t, "nlds-api.catalog-put.initiate", second)
	env.send(t, "nlds-api.catalog-put.start", second)

	failed := env.captured("nlds-api.catalog-put.failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "cccc3333dddd4444", failed[0].Details.SubID)

	done := env.captured("nlds-api.catalog-put.complete")
	require.Len(t, done, 2)
	assert.NotEqual(t, "cccc3333dddd4444", done[1].Details.SubID)
	assert.NotEmpty(t, done[1].Details.SubID)
}

func TestRemoveStartOnlyDeletesPlaceholders(t *testing.T) {
	env := newWorkerEnv(t)

	var holdingID uint
	inSession(t, env.store, func(tx *Session) {
		h, tr := seedHolding(t, tx, "fred", "gws", "h1", "tid-rm-1", "/data/real", "/data/pending")
		holdingID = h.ID
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		for i := range files {
			f := &files[i]
			if f.OriginalPath == "/data/real" {
				_, err = tx.CreateLocation(f,
					message.NewObjectStoreLocation("tenancy-o", tr.TransactionID, f.OriginalPath, 0))
			} else {
				_, err = tx.CreateLocation(f, message.PathLocation{StorageType: StorageObject})
			}
			require.NoError(t, err)
		}
	})

	m := message.New()
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Data.StorageType = StorageObject
	for _, p := range []string{"/data/real", "/data/pending"} {
		id := holdingID
		m.Data.Filelist = append(m.Data.Filelist, &message.PathDetails{
			OriginalPath: p, HoldingID: &id,
		})
	}
	env.send(t, "nlds-api.catalog-remove.start", m)

	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		for i := range files {
			f := &files[i]
			_, err := tx.GetLocation(f, StorageObject)
			if f.OriginalPath == "/data/real" {
				assert.NoError(t, err, "real location must survive a rollback")
			} else {
				assert.True(t, IsNotFound(err), "placeholder must be removed")
			}
		}
	})
}

func TestArchiveNextAggregates(t *testing.T) {
	env := newWorkerEnv(t)

	inSession(t, env.store, func(tx *Session) {
		_, tr := seedHolding(t, tx, "fred", "gws", "h1", "tid-arc-1", "/data/a", "/data/b", "/data/c")
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		for i := range files {
			_, err := tx.CreateLocation(&files[i],
				message.NewObjectStoreLocation("tenancy-o", tr.TransactionID, files[i].OriginalPath, 0))
			require.NoError(t, err)
		}
	})

	m := message.New()
	m.Details.TransactionID = "tid-archive-cron"
	m.Details.APIAction = message.ActionArchivePut
	env.send(t, "nlds-api.catalog-archive-next.start", m)

	done := env.captured("nlds-api.catalog-archive-next.complete")
	require.NotEmpty(t, done)
	var total int
	for _, out := range done {
		assert.Equal(t, "fred", out.Details.User, "owner comes from the holding")
		assert.NotEmpty(t, out.Details.SubID)
		total += len(out.Data.Filelist)
	}
	assert.Equal(t, 3, total)

	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		for i := range files {
			l, err := tx.GetLocation(&files[i], StorageTape)
			require.NoError(t, err)
			assert.True(t, l.IsPlaceholder())
		}
	})

	// a second pass finds nothing new to archive
	env.send(t, "nlds-api.catalog-archive-next.start", m)
	assert.Len(t, env.captured("nlds-api.catalog-archive-next.complete"), len(done))
}

func TestArchiveUpdateRecordsAggregation(t *testing.T) {
	env := newWorkerEnv(t)

	var holdingID uint
	inSession(t, env.store, func(tx *Session) {
		h, _ := seedHolding(t, tx, "fred", "gws", "h1", "tid-au-1", "/data/a")
		holdingID = h.ID
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		_, err = tx.CreateLocation(&files[0], message.PathLocation{StorageType: StorageTape})
		require.NoError(t, err)
	})

	m := message.New()
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionArchivePut
	m.Data.Tarfile = "abc123.tar"
	m.Data.Checksum = 987654
	id := holdingID
	pd := &message.PathDetails{OriginalPath: "/data/a", HoldingID: &id, Checksum: 111}
	_, err := pd.SetTape("tape-server", "nlds.1.fred.gws", "abc123.tar")
	require.NoError(t, err)
	m.Data.Filelist = []*message.PathDetails{pd}

	env.send(t, "nlds-api.catalog-archive-update.start", m)

	require.Len(t, env.captured("nlds-api.catalog-archive-update.complete"), 1)
	inSession(t, env.store, func(tx *Session) {
		files, err := tx.GetFiles(FileQuery{HoldingQuery: HoldingQuery{User: "fred"}})
		require.NoError(t, err)
		l, err := tx.GetLocation(&files[0], StorageTape)
		require.NoError(t, err)
		assert.False(t, l.IsPlaceholder())
		require.NotNil(t, l.AggregationID)

		agg, err := tx.GetAggregation(*l.AggregationID)
		require.NoError(t, err)
		assert.Equal(t, "abc123.tar", agg.Tarname)
		assert.Equal(t, "987654", agg.Checksum)

		require.Len(t, files[0].Checksums, 1)
		assert.Equal(t, "111", files[0].Checksums[0].Checksum)
	})

	states := env.captured("nlds-api.monitor-put.start")
	require.NotEmpty(t, states)
	assert.Equal(t, message.StateCatalogArchiveUpdating, *states[len(states)-1].Details.State)
}

func TestListRPC(t *testing.T) {
	env := newWorkerEnv(t)
	inSession(t, env.store, func(tx *Session) {
		seedHolding(t, tx, "fred", "gws", "listable", "tid-l-1", "/data/a")
	})

	m := message.New()
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionList

	reply, err := env.bus.Call(context.Background(), "nlds-api.catalog-get.list", m, time.Second)
	require.NoError(t, err)

	var records []HoldingRecord
	require.NoError(t, json.Unmarshal(reply.Data.Records, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "listable", records[0].Label)
	require.Len(t, records[0].Transactions, 1)
	assert.Equal(t, 1, records[0].Transactions[0].FileCount)
}

func TestFindRPC(t *testing.T) {
	env := newWorkerEnv(t)
	inSession(t, env.store, func(tx *Session) {
		seedHolding(t, tx, "fred", "gws", "findable", "tid-f-1", "/data/a.nc", "/data/b.txt")
	})

	m := message.New()
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionFind
	m.Meta.Path = `\.nc$`

	reply, err := env.bus.Call(context.Background(), "nlds-api.catalog-get.find", m, time.Second)
	require.NoError(t, err)

	var records []FileRecord
	require.NoError(t, json.Unmarshal(reply.Data.Records, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "/data/a.nc", records[0].File.OriginalPath)
	assert.Equal(t, "findable", records[0].HoldingLabel)
}

func TestMetaRPC(t *testing.T) {
	env := newWorkerEnv(t)
	inSession(t, env.store, func(tx *Session) {
		seedHolding(t, tx, "fred", "gws", "old-name", "tid-m-1", "/data/a")
	})

	m := message.New()
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionMeta
	m.Meta.Label = "old-name"
	m.Meta.NewMeta = &message.NewMeta{
		Label: "new-name",
		Tag:   map[string]string{"project": "cmip6"},
	}

	reply, err := env.bus.Call(context.Background(), "nlds-api.catalog-get.meta", m, time.Second)
	require.NoError(t, err)

	var records []HoldingRecord
	require.NoError(t, json.Unmarshal(reply.Data.Records, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "new-name", records[0].Label)
	assert.Equal(t, "cmip6", records[0].Tags["project"])
}

func TestRPCFailureSurfacesToCaller(t *testing.T) {
	env := newWorkerEnv(t)

	m := message.New()
	m.Details.User = "nobody"
	m.Details.APIAction = message.ActionList

	_, err := env.bus.Call(context.Background(), "nlds-api.catalog-get.list", m, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no holdings found")
}
