package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/permissions"
	"github.com/cedadev/nlds/pkg/rabbit"
)

type indexerEnv struct {
	bus    *rabbit.InProc
	worker *Worker

	mu        sync.Mutex
	published map[string][]*message.Message
}

func newIndexerEnv(t *testing.T, config WorkerConfig, lookup permissions.LookupFunc) *indexerEnv {
	t.Helper()
	env := &indexerEnv{
		bus:       rabbit.NewInProc(),
		published: make(map[string][]*message.Message),
	}
	env.worker = NewWorker(env.bus, config, lookup)

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

func (env *indexerEnv) send(t *testing.T, key string, m *message.Message) {
	t.Helper()
	require.NoError(t, env.bus.Publish(context.Background(), key, m))
	env.bus.Wait()
}

func (env *indexerEnv) captured(key string) []*message.Message {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.published[key]
}

// selfIdentity matches the uid/gid the test process creates files with.
func selfIdentity(string) (*permissions.Identity, error) {
	return &permissions.Identity{
		UID:  uint32(os.Getuid()),
		GIDs: []uint32{uint32(os.Getgid())},
	}, nil
}

func indexRequest(paths ...string) *message.Message {
	m := message.New()
	m.Details.TransactionID = "tid-index"
	m.Details.SubID = "orig-sub"
	m.Details.User = "fred"
	m.Details.Group = "gws"
	m.Details.APIAction = message.ActionPut
	for _, p := range paths {
		m.Data.Filelist = append(m.Data.Filelist, &message.PathDetails{OriginalPath: p})
	}
	return m
}

func writeFile(t *testing.T, path string, size int, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), mode))
}

func TestInitiateSplitsLongFilelists(t *testing.T) {
	env := newIndexerEnv(t, WorkerConfig{MaxFilelistLen: 2}, nil)

	env.send(t, "nlds-api.index.initiate",
		indexRequest("/no/a", "/no/b", "/no/c", "/no/d", "/no/e"))

	started := env.captured("nlds-api.index.start")
	require.Len(t, started, 3)

	var total int
	subIDs := map[string]bool{}
	for _, m := range started {
		total += len(m.Data.Filelist)
		subIDs[m.Details.SubID] = true
		require.NotNil(t, m.Details.State)
		assert.Equal(t, message.StateSplitting, *m.Details.State)
	}
	assert.Equal(t, 5, total)
	assert.Len(t, subIDs, 3, "each batch is its own sub record")
	assert.True(t, subIDs["orig-sub"], "one batch keeps the job's sub record")
}

func TestScanIndexesTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), 10, 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub", "b"), 20, 0o644)
	require.NoError(t, os.Symlink(filepath.Join(dir, "a"), filepath.Join(dir, "c")))

	env := newIndexerEnv(t, WorkerConfig{CheckPermissions: true}, selfIdentity)
	env.send(t, "nlds-api.index.start", indexRequest(dir))

	done := env.captured("nlds-api.index.complete")
	require.Len(t, done, 1)
	assert.Equal(t, "orig-sub", done[0].Details.SubID)

	types := map[string]message.PathType{}
	for _, pd := range done[0].Data.Filelist {
		types[pd.OriginalPath] = pd.PathType
	}
	assert.Equal(t, message.PathDirectory, types[dir])
	assert.Equal(t, message.PathFile, types[filepath.Join(dir, "a")])
	assert.Equal(t, message.PathDirectory, types[filepath.Join(dir, "sub")])
	assert.Equal(t, message.PathFile, types[filepath.Join(dir, "sub", "b")])
	assert.Equal(t, message.PathLink, types[filepath.Join(dir, "c")])

	monitored := env.captured("nlds-api.monitor-put.start")
	require.Len(t, monitored, 1)
	assert.Equal(t, message.StateIndexing, *monitored[0].Details.State)
	assert.Empty(t, env.captured("nlds-api.index.failed"))
}

func TestScanFailsMissingPaths(t *testing.T) {
	env := newIndexerEnv(t, WorkerConfig{}, nil)

	env.send(t, "nlds-api.index.start", indexRequest("/definitely/not/here"))

	failed := env.captured("nlds-api.index.failed")
	require.Len(t, failed, 1)
	require.Len(t, failed[0].Data.Filelist, 1)
	assert.Contains(t, failed[0].Data.Filelist[0].FailureReason, "not accessible")
	assert.Equal(t, "orig-sub", failed[0].Details.SubID,
		"an all-failed batch keeps the job's sub record")
	require.NotNil(t, failed[0].Details.State)
	assert.Equal(t, message.StateFailed, *failed[0].Details.State)
	assert.Empty(t, env.captured("nlds-api.index.complete"))
}

func TestScanChecksReadPermission(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "private"), 10, 0o600)

	stranger := func(string) (*permissions.Identity, error) {
		return &permissions.Identity{UID: 54321, GIDs: []uint32{54321}}, nil
	}
	env := newIndexerEnv(t, WorkerConfig{CheckPermissions: true}, stranger)
	env.send(t, "nlds-api.index.start", indexRequest(filepath.Join(dir, "private")))

	failed := env.captured("nlds-api.index.failed")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data.Filelist[0].FailureReason, "inaccessible")
	assert.Empty(t, env.captured("nlds-api.index.complete"))
}

func TestScanRejectsOversizeFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "big"), 100, 0o644)
	writeFile(t, filepath.Join(dir, "small"), 10, 0o644)

	env := newIndexerEnv(t, WorkerConfig{MaxFilesize: 50}, nil)
	env.send(t, "nlds-api.index.start",
		indexRequest(filepath.Join(dir, "big"), filepath.Join(dir, "small")))

	done := env.captured("nlds-api.index.complete")
	require.Len(t, done, 1)
	require.Len(t, done[0].Data.Filelist, 1)
	assert.Equal(t, filepath.Join(dir, "small"), done[0].Data.Filelist[0].OriginalPath)

	failed := env.captured("nlds-api.index.failed")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data.Filelist[0].FailureReason, "too large")
}

func TestScanFlushesBySize(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(dir, name), 10, 0o644)
	}

	env := newIndexerEnv(t, WorkerConfig{MaxFilelistSize: 15}, nil)
	env.send(t, "nlds-api.index.start", indexRequest(
		filepath.Join(dir, "a"), filepath.Join(dir, "b"), filepath.Join(dir, "c")))

	done := env.captured("nlds-api.index.complete")
	require.Len(t, done, 2)
	if len(done[0].Data.Filelist) == 1 {
		done[0], done[1] = done[1], done[0]
	}
	assert.Len(t, done[0].Data.Filelist, 2)
	assert.Len(t, done[1].Data.Filelist, 1)
	assert.Equal(t, "orig-sub", done[0].Details.SubID)
	assert.NotEqual(t, "orig-sub", done[1].Details.SubID)
}

func TestUnresolvableUserFailsBatch(t *testing.T) {
	noSuchUser := func(name string) (*permissions.Identity, error) {
		return nil, os.ErrNotExist
	}
	env := newIndexerEnv(t, WorkerConfig{CheckPermissions: true}, noSuchUser)
	env.send(t, "nlds-api.index.start", indexRequest("/data/a", "/data/b"))

	failed := env.captured("nlds-api.index.failed")
	require.Len(t, failed, 1)
	assert.Len(t, failed[0].Data.Filelist, 2)
	assert.Contains(t, failed[0].Data.Filelist[0].FailureReason, "cannot resolve user")
}

func TestSystemStat(t *testing.T) {
	env := newIndexerEnv(t, WorkerConfig{}, nil)

	reply, err := env.bus.Call(context.Background(),
		"nlds-api.index.system-stat", message.New(), time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(reply.Data.Records), "alive")
}
