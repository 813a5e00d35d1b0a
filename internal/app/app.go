// Package app wires the cache, transfer, activation and sentinel pieces into
// one engine and runs it until its job finishes or the process is signalled.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/activation"
	"github.com/dmitrijs2005/blobsync/internal/config"
	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/download"
	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/host"
	"github.com/dmitrijs2005/blobsync/internal/index"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/metrics"
	"github.com/dmitrijs2005/blobsync/internal/sentinel"
	"github.com/dmitrijs2005/blobsync/internal/transfer"
	"github.com/dmitrijs2005/blobsync/internal/upload"
	"github.com/dmitrijs2005/blobsync/internal/workers"
)

const (
	shutdownTimeout = 5 * time.Second
	defaultTick     = 100 * time.Millisecond
)

type App struct {
	config *config.Config
	logger logging.Logger

	db        *sql.DB
	sentinel  *sentinel.Sentinel
	recovery  sentinel.Report
	cache     *contentcache.Cache
	orch      *transfer.Orchestrator
	relay     *transfer.Relay
	pool      *workers.Pool
	activator *activation.Activator
	downloads *download.Engine
	uploads   *upload.Engine
	metrics   *metrics.Metrics
}

// NewApp builds the engine for c. h is the embedding host (host.Headless
// for the CLI), sink receives progress events and logOut the JSON logs.
// Crash recovery and the quarantine orphan scan run here, before the cache
// index is loaded.
func NewApp(ctx context.Context, c *config.Config, h host.Host, sink events.Sink, logOut io.Writer) (*App, error) {
	if logOut == nil {
		logOut = os.Stderr
	}
	if sink == nil {
		sink = events.Discard
	}
	logger := logging.NewJSON(logOut, c.LogLevel)
	if h == nil {
		h = host.Headless{Log: logger}
	}
	m := metrics.New()

	if err := ensureDirs(c); err != nil {
		return nil, err
	}

	app := &App{config: c, logger: logger, metrics: m}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	s, err := sentinel.New(c.ConfigDir, c.SentinelName, []string{c.CacheDir, c.QuarantineDir}, sink, logger)
	if err != nil {
		return nil, fmt.Errorf("sentinel init error: %w", err)
	}
	app.sentinel = s
	if app.recovery, err = s.Start(ctx); err != nil {
		return nil, fmt.Errorf("sentinel start error: %w", err)
	}

	db, err := index.Open(ctx, c.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.db = db

	app.cache, err = contentcache.New(c.CacheDir, index.NewSQLiteRepository(db), logger)
	if err != nil {
		return nil, fmt.Errorf("cache init error: %w", err)
	}
	if _, err := app.cache.Load(ctx); err != nil {
		logger.Warn(ctx, "cache index not loaded", "err", err)
	}

	// The token source renews through the relay, which needs the
	// orchestrator, which needs the token source.
	var relay *transfer.Relay
	tokens := transfer.NewRenewingToken(c.AuthToken, func(ctx context.Context, current string) (string, error) {
		return relay.Renew(ctx, current)
	})
	app.orch = transfer.New(transfer.NewHTTPClient(c.RequestTimeout), tokens, transfer.Options{
		Slots:          c.DownloadSlots,
		BandwidthLimit: c.BandwidthLimit,
		RetryBase:      c.RetryBase,
		RequestTimeout: c.RequestTimeout,
	}, logger)
	relay, err = transfer.NewRelay(c.RelayURL, app.orch, logger)
	if err != nil {
		return nil, err
	}
	app.relay = relay

	app.pool = workers.New(workers.DefaultSize())

	app.activator, err = activation.New(app.cache, h, c.QuarantineDir, activation.Options{
		Batch:          c.ActivationBatch,
		Idle:           c.SafetyIdle,
		ZoneChangeOnly: c.ZoneChangeOnly,
		QuietPeriod:    c.SafetyQuietPeriod,
	}, sink, m, logger)
	if err != nil {
		return nil, fmt.Errorf("activation init error: %w", err)
	}
	if _, err := app.activator.RecoverOrphans(ctx); err != nil {
		logger.Warn(ctx, "quarantine scan incomplete", "err", err)
	}

	app.downloads = download.New(relay, app.orch, app.cache, app.activator, app.pool, download.Options{
		Parallelism:       c.DownloadParallelism,
		DelayedActivation: c.DelayedActivation,
		Prewarm:           true,
	}, sink, m, logger)

	app.uploads, err = upload.New(relay, app.orch, app.cache, upload.Options{
		MaxParallelism: c.UploadParallelism,
	}, sink, m, logger)
	if err != nil {
		return nil, fmt.Errorf("upload init error: %w", err)
	}

	ok = true
	return app, nil
}

// Recovery is what crash recovery found at startup.
func (app *App) Recovery() sentinel.Report { return app.recovery }

func (app *App) Cache() *contentcache.Cache { return app.cache }

func (app *App) Activator() *activation.Activator { return app.activator }

func (app *App) Metrics() *metrics.Metrics { return app.metrics }

func (app *App) Logger() logging.Logger { return app.logger }

// Download fetches wants into the cache (or the quarantine).
func (app *App) Download(ctx context.Context, wants []download.Want) error {
	transfers, err := app.downloads.InitiateDownloadList(ctx, wants)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		app.logger.Info(ctx, "nothing to download", "requested", len(wants))
		return nil
	}
	return app.downloads.Download(ctx, transfers)
}

// Upload registers local files in the cache and pushes them to the relay.
// It returns the hashes that did not make it; files that could not be
// registered are reported through the error.
func (app *App) Upload(ctx context.Context, paths []string, recipients []string) ([]contenthash.Hash, error) {
	var (
		hashes []contenthash.Hash
		errs   []error
	)
	for _, p := range paths {
		e, err := app.cache.Register(ctx, p, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hashes = append(hashes, e.Hash)
	}
	failed, err := app.uploads.Upload(ctx, hashes, recipients)
	if err != nil {
		errs = append(errs, err)
	}
	return failed, errors.Join(errs...)
}

// Pending lists files waiting for activation.
func (app *App) Pending() []activation.PendingFile { return app.activator.Pending() }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) runTicker(ctx context.Context) {
	t := time.NewTicker(app.tickInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			res := app.activator.Tick(ctx, now)
			if res.Applied+res.Rejected > 0 {
				app.logger.Debug(ctx, "activation tick", "applied", res.Applied, "rejected", res.Rejected, "requeued", res.Requeued)
			}
			app.metrics.Pending(len(app.activator.Pending()))
		}
	}
}

func (app *App) startMetricsServer(ctx context.Context) {
	if app.config.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	app.logger.Info(ctx, "metrics endpoint listening", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "metrics server failed", "err", err)
	}
}

// Run drives the activation ticker and the metrics endpoint while job runs,
// then keeps ticking until the activation queue is empty. SIGINT/SIGTERM
// cancel everything.
func (app *App) Run(ctx context.Context, job func(ctx context.Context) error) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.runTicker(ctx)
	}()
	go func() {
		defer wg.Done()
		app.startMetricsServer(ctx)
	}()

	err := job(ctx)
	if err == nil {
		err = app.WaitActivations(ctx)
	}

	cancelFunc()
	wg.Wait()
	return err
}

// WaitActivations blocks until nothing is pending activation or ctx ends.
func (app *App) WaitActivations(ctx context.Context) error {
	t := time.NewTicker(app.tickInterval())
	defer t.Stop()
	for len(app.activator.Pending()) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close releases resources and removes the sentinel. Skipping Close, as a
// crash does, leaves the sentinel for the next start to find.
func (app *App) Close() {
	ctx := context.Background()
	if app.pool != nil {
		app.pool.Close()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn(ctx, "db close failed", "err", err)
		}
	}
	if app.sentinel != nil {
		if err := app.sentinel.Stop(); err != nil {
			app.logger.Warn(ctx, "sentinel remove failed", "err", err)
		}
	}
}

func (app *App) tickInterval() time.Duration {
	if app.config.TickInterval <= 0 {
		return defaultTick
	}
	return app.config.TickInterval
}

func ensureDirs(c *config.Config) error {
	for _, d := range []string{c.CacheDir, c.QuarantineDir, c.ConfigDir} {
		if _, err := filex.EnsureDir(d); err != nil {
			return err
		}
	}
	return nil
}
