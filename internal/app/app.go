package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"branchdb/internal/retention"
	"branchdb/pkg/api/handlers"
	"branchdb/pkg/config"
	"branchdb/pkg/ingest"
	"branchdb/pkg/logger"
	"branchdb/pkg/migrate"
	"branchdb/pkg/sensor"
	"branchdb/pkg/state"
	"branchdb/pkg/store"
	"branchdb/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	queue *ingest.Queue
	proc  *ingest.Processor

	hw          *sensor.Sensor
	stopMonitor context.CancelFunc

	srv *http.Server
}

// New initializes resources that do not require a running context: state
// directories, the store, validation rules, runtime keys and the ingest
// pipeline. Call Run to start the scheduler and HTTP server and block until
// shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime keys (backend keys double as author signing keys)
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	initValidation(eff)

	// state layout under the db path, then the store inside it
	if err := state.Init(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}
	if err := store.Open(state.PathsVar.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}
	if err := logger.AttachAuditFileSink(state.PathsVar.Audit); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}

	if _, err := migrate.Run(context.Background(), version); err != nil {
		return nil, fmt.Errorf("migration to %s failed: %w", version, err)
	}

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate}
	a.setupIngest()
	return a, nil
}

// setupIngest builds the bounded queue and batch processor from config and
// installs the queue as the package default used by the HTTP handlers.
func (a *App) setupIngest() {
	qc := a.eff.Config.Ingest.Queue
	capacity := qc.Capacity
	if capacity <= 0 {
		capacity = ingest.DefaultQueueCapacity
	}
	if qc.MaxPooledBufferBytes > 0 {
		ingest.SetMaxPooledBuffer(int64(qc.MaxPooledBufferBytes))
	}
	a.queue = ingest.NewQueue(capacity)
	ingest.SetDefaultQueue(a.queue)

	a.proc = ingest.NewProcessor(a.queue, a.eff.Config.Ingest.Processor)
	ingest.RegisterDefaultHandlers(a.proc)
}

// Run starts the ingest workers, retention scheduler and HTTP server, and
// blocks until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	a.proc.Start()

	// resource sampling and store backpressure: pause or degrade the
	// processor when the WAL or L0 depth grows faster than compaction.
	a.hw = sensor.NewSensor(2 * time.Second)
	a.hw.Start()
	a.stopMonitor = sensor.StartStoreMonitor(ctx, a.proc, a.hw, sensor.DefaultMonitorConfig())

	retCancel, err := retention.Start(ctx, a.eff)
	if err != nil {
		return fmt.Errorf("retention scheduler: %w", err)
	}
	handlers.SetRetentionRunner(retention.RunImmediate)

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown(retCancel)
		return nil
	case err := <-errCh:
		a.shutdown(retCancel)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// shutdown drains in order: stop accepting requests, flush the ingest
// queue, stop retention, close the store.
func (a *App) shutdown(retCancel context.CancelFunc) {
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.srv != nil {
		if err := a.srv.Shutdown(sctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}
	a.queue.CloseAndDrain()
	a.proc.Stop(sctx)
	if a.stopMonitor != nil {
		a.stopMonitor()
	}
	if a.hw != nil {
		a.hw.Stop()
	}
	if retCancel != nil {
		retCancel()
	}
	if err := store.Close(); err != nil {
		logger.Warn("store_close_error", "error", err)
	}
	logger.Info("shutdown_complete")
}

// initValidation builds validation rules from config and sets them globally.
func initValidation(eff config.EffectiveConfigResult) {
	vr := validation.Rules{Types: map[string]string{}, MaxLen: map[string]int{}, Enums: map[string][]string{}}
	vr.Required = append(vr.Required, eff.Config.Validation.Required...)
	for _, t := range eff.Config.Validation.Types {
		vr.Types[t.Path] = t.Type
	}
	for _, ml := range eff.Config.Validation.MaxLen {
		vr.MaxLen[ml.Path] = ml.Max
	}
	for _, e := range eff.Config.Validation.Enums {
		vr.Enums[e.Path] = append([]string{}, e.Values...)
	}
	for _, wt := range eff.Config.Validation.WhenThen {
		vr.WhenThen = append(vr.WhenThen, validation.WhenThenRule{WhenPath: wt.When.Path, Equals: wt.When.Equals, ThenReq: append([]string{}, wt.Then.Required...)})
	}
	validation.SetRules(vr)
}
