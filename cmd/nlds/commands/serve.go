package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/api"
	"github.com/cedadev/nlds/pkg/archive"
	"github.com/cedadev/nlds/pkg/catalog"
	"github.com/cedadev/nlds/pkg/config"
	"github.com/cedadev/nlds/pkg/indexer"
	"github.com/cedadev/nlds/pkg/metrics"
	"github.com/cedadev/nlds/pkg/monitor"
	"github.com/cedadev/nlds/pkg/objectstore"
	"github.com/cedadev/nlds/pkg/permissions"
	"github.com/cedadev/nlds/pkg/rabbit"
	"github.com/cedadev/nlds/pkg/router"
	"github.com/cedadev/nlds/pkg/tape"
	"github.com/cedadev/nlds/pkg/transfer"
)

var serveCmd = &cobra.Command{
	Use:   "serve <worker>...",
	Short: "Run one or more worker processes",
	Long: `Run one or more NLDS worker processes against the shared broker.

Each worker binds its queue and consumes until interrupted. The usual
deployment runs one worker per process; "all" runs every worker plus the
HTTP API in a single process for development.

Workers:
  router        orchestrator applying the pipeline transition table
  catalog       holdings, files and storage locations database
  monitor       transaction progress database
  index         filesystem scan and filelist expansion
  transfer-put  filesystem to object store uploads
  transfer-get  object store to filesystem downloads
  archive-put   object store to tape aggregation
  archive-get   tape staging and unpacking
  api           HTTP ingress and query endpoints

Examples:
  # One worker per process
  nlds serve catalog

  # A single process serving both transfer directions
  nlds serve transfer-put transfer-get

  # Everything in one process
  nlds serve all`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServe,
}

// runner starts one worker and blocks until the context is cancelled.
type runner func(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error

var workerRunners = map[string]runner{
	"router":       runRouter,
	"catalog":      runCatalog,
	"monitor":      runMonitor,
	"index":        runIndex,
	"transfer-put": runTransferPut,
	"transfer-get": runTransferGet,
	"archive-put":  runArchivePut,
	"archive-get":  runArchiveGet,
	"api":          runAPI,
}

func workerNames() []string {
	names := make([]string, 0, len(workerRunners))
	for name := range workerRunners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runServe(cmd *cobra.Command, args []string) error {
	names := args
	if len(args) == 1 && args[0] == "all" {
		names = workerNames()
	}
	for _, name := range names {
		if _, ok := workerRunners[name]; !ok {
			return fmt.Errorf("unknown worker %q (available: %s)",
				name, strings.Join(workerNames(), ", "))
		}
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics); err != nil {
				logger.Error("metrics server failed", logger.Err(err))
			}
		}()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	bus, err := rabbit.Dial(cfg.Rabbit)
	if err != nil {
		return err
	}
	defer bus.Close()

	logger.Info("starting workers", "workers", strings.Join(names, ","))

	errc := make(chan error, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		run := workerRunners[name]
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := run(ctx, cfg, bus); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}(name)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		select {
		case <-done:
			logger.Info("workers stopped gracefully")
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("shutdown timeout exceeded, exiting")
		}
		return nil
	case err := <-errc:
		stop()
		<-done
		return err
	case <-done:
		return nil
	}
}

func runRouter(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	r := router.New(bus, cfg.Router)
	q := r.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, r.Handle))
}

func runCatalog(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	store, err := catalog.Open(&cfg.CatalogDB)
	if err != nil {
		return err
	}
	defer store.Close()

	w := catalog.NewWorker(store, bus, cfg.Catalog)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runMonitor(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	store, err := monitor.Open(&cfg.MonitorDB)
	if err != nil {
		return err
	}
	defer store.Close()

	w := monitor.NewWorker(store, bus, cfg.Monitor)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runIndex(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	w := indexer.NewWorker(bus, cfg.Index, permissions.Lookup)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runTransferPut(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	store, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}
	w := transfer.NewPutWorker(store, bus, cfg.TransferPut, permissions.Lookup)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runTransferGet(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	store, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}
	w := transfer.NewGetWorker(store, bus, cfg.TransferGet, permissions.Lookup)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runArchivePut(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	store, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}
	client, err := tapeClient(cfg.ArchivePut.TapeURL)
	if err != nil {
		return err
	}
	w := archive.NewPutWorker(store, client, bus, cfg.ArchivePut)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runArchiveGet(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	store, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}
	client, err := tapeClient(cfg.ArchiveGet.TapeURL)
	if err != nil {
		return err
	}
	w := archive.NewGetWorker(store, client, bus, cfg.ArchiveGet)
	q := w.Queue()
	return bus.Consume(ctx, q, metrics.Instrument(q.Name, w.Handle))
}

func runAPI(ctx context.Context, cfg *config.Config, bus rabbit.Bus) error {
	if !cfg.API.IsEnabled() {
		logger.Info("API server disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	return api.NewServer(bus, cfg.API).Start(ctx)
}

// tapeClient builds the tape client for the archive workers. The
// directory-backed client serves deployments without a tape library; a
// remote client slots in behind the same interface.
func tapeClient(tapeURL string) (tape.Client, error) {
	_, baseDir, err := tape.ParseURL(tapeURL)
	if err != nil {
		return nil, err
	}
	return tape.NewDisk(baseDir)
}
