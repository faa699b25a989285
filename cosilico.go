// Package cosilico is the public API for embedding the validation decision core.
//
// Callers construct an App, build an engine over their validators, and run
// batches through it:
//
//	app, err := cosilico.New(
//	    cosilico.WithLogger(logger),
//	    cosilico.WithDataDir("results"),
//	)
//	if err != nil { ... }
//	defer app.Close(ctx)
//	report, err := app.RunBatch(ctx, app.Engine(validators), cosilico.BatchInput{...})
//
// The import graph runs one way: cosilico (root) imports internal/*, and
// internal/* never imports the root. Public names are aliases of internal
// types so embedders outside the module can use them.
package cosilico

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/joho/godotenv"

	"github.com/CosilicoAI/cosilico-validators/internal/adaptive"
	"github.com/CosilicoAI/cosilico-validators/internal/bandit"
	"github.com/CosilicoAI/cosilico-validators/internal/calibration"
	"github.com/CosilicoAI/cosilico-validators/internal/config"
	"github.com/CosilicoAI/cosilico-validators/internal/consensus"
	"github.com/CosilicoAI/cosilico-validators/internal/encoding"
	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
	"github.com/CosilicoAI/cosilico-validators/internal/telemetry"
)

// File names under the data directory.
const (
	armsFile        = "plugin_arms.json"
	batchesFile     = "validation_batches.jsonl"
	decisionsFile   = "improvement_decisions.jsonl"
	calibrationFile = "calibration_data.jsonl"
	attemptsFile    = "encoding_log.jsonl"
	bugsFile        = "upstream_bugs.jsonl"
	summaryFile     = "summary_stats.json"
	sqliteFile      = "cosilico.db"
	badgerDir       = "badger"
)

// App owns the durable stores and the services built on them. Construct with
// New and release with Close. One App per data directory: the stores assume a
// single writer process.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string
	now     func() time.Time

	registry    *bandit.Registry
	sampler     *adaptive.Sampler
	calibration *calibration.Tracker
	attempts    *encoding.Tracker

	closers      []func() error
	otelShutdown telemetry.Shutdown
}

// New loads configuration, opens the stores selected by COSILICO_STORE, and
// wires the registry, sampler, calibration tracker, and attempt tracker.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := o.now
	if now == nil {
		now = time.Now
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
	} else {
		// Load .env file if present (non-fatal).
		_ = godotenv.Load()
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("cosilico starting", "version", version, "data_dir", cfg.DataDir, "store", cfg.Store)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		now:          now,
		otelShutdown: otelShutdown,
	}
	if err := app.wire(ctx, o.rng); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, rng *rand.Rand) error {
	armsSnap, decisions, summarySnap, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	a.registry, err = bandit.Open(ctx, armsSnap, bandit.Options{
		RegressionThreshold: a.cfg.RegressionThreshold,
		Logger:              a.logger,
		Now:                 a.now,
	})
	if err != nil {
		return fmt.Errorf("bandit: %w", err)
	}

	if rng == nil && a.cfg.RandomSeed != 0 {
		rng = rand.New(rand.NewPCG(a.cfg.RandomSeed, a.cfg.RandomSeed))
	}
	bonus := a.cfg.ExplorationBonus
	if bonus == 0 {
		bonus = -1 // an explicit zero disables the bonus
	}
	a.sampler = adaptive.New(a.registry, storage.NewAppendLog(a.cfg.Path(batchesFile), a.logger), adaptive.Options{
		ExplorationBonus: bonus,
		Rand:             rng,
		Logger:           a.logger,
		Now:              a.now,
	})

	a.calibration = calibration.New(decisions, storage.NewAppendLog(a.cfg.Path(calibrationFile), a.logger), calibration.Options{
		ExpectedCoverage: a.cfg.ExpectedCoverage,
		Logger:           a.logger,
		Now:              a.now,
	})

	a.attempts = encoding.NewTracker(
		storage.NewAppendLog(a.cfg.Path(attemptsFile), a.logger),
		storage.NewAppendLog(a.cfg.Path(bugsFile), a.logger),
		summarySnap,
		encoding.TrackerOptions{Logger: a.logger, Now: a.now},
	)
	return nil
}

// openStores returns the arm snapshot, decision store, and attempt summary
// snapshot for the configured backend. Append logs are always JSONL files.
func (a *App) openStores(ctx context.Context) (storage.Snapshot, storage.Keyed, storage.Snapshot, error) {
	switch a.cfg.Store {
	case config.StoreSQLite:
		arms, err := storage.OpenSQLiteSnapshot(ctx, a.cfg.Path(sqliteFile), "plugin_arms")
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, arms.Close)
		summary, err := storage.OpenSQLiteSnapshot(ctx, a.cfg.Path(sqliteFile), "summary_stats")
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, summary.Close)
		decisions, err := storage.OpenFileKeyed(a.cfg.Path(decisionsFile), "id", a.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return arms, decisions, summary, nil

	case config.StoreBadger:
		db, err := storage.OpenBadger(storage.BadgerConfig{
			Path:       a.cfg.Path(badgerDir),
			SyncWrites: true,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		snapshots := storage.NewBadgerKeyed(db, "snapshot/")
		return storage.KeyedSnapshot(snapshots, "plugin_arms"),
			storage.NewBadgerKeyed(db, "decision/"),
			storage.KeyedSnapshot(snapshots, "summary_stats"),
			nil

	default:
		decisions, err := storage.OpenFileKeyed(a.cfg.Path(decisionsFile), "id", a.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return storage.NewFileSnapshot(a.cfg.Path(armsFile)),
			decisions,
			storage.NewFileSnapshot(a.cfg.Path(summaryFile)),
			nil
	}
}

// Close releases the stores and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.otelShutdown = nil
	}
	return errors.Join(errs...)
}

// Config returns the resolved configuration.
func (a *App) Config() config.Config { return a.cfg }

// Version returns the version the App was built with.
func (a *App) Version() string { return a.version }

// Registry returns the bandit arm registry.
func (a *App) Registry() *bandit.Registry { return a.registry }

// Sampler returns the adaptive sampler.
func (a *App) Sampler() *adaptive.Sampler { return a.sampler }

// Calibration returns the calibration tracker.
func (a *App) Calibration() *calibration.Tracker { return a.calibration }

// Attempts returns the encoding attempt tracker.
func (a *App) Attempts() *encoding.Tracker { return a.attempts }

// Engine builds a consensus engine over validators using the configured
// tolerance, primary weight, and worker count.
func (a *App) Engine(validators []Validator) *consensus.Engine {
	return consensus.New(validators, consensus.Config{
		Tolerance:     a.cfg.Tolerance,
		PrimaryWeight: a.cfg.PrimaryWeight,
		Workers:       a.cfg.Workers,
	}, a.logger)
}

// PlanOptions returns the configured sample plan bounds.
func (a *App) PlanOptions() adaptive.PlanOptions {
	return adaptive.PlanOptions{
		ConfidenceThreshold: a.cfg.ConfidenceThreshold,
		MinFraction:         a.cfg.MinSampleFraction,
		MaxFraction:         a.cfg.MaxSampleFraction,
	}
}

// BatchInput is one batch of test cases run against a version.
type BatchInput struct {
	Version string
	// PreviousVersion, when set, is compared against for regressions.
	PreviousVersion string
	// Cases holds the test cases for each quantity.
	Cases map[string][]TestCase
	// Catalog lists every quantity eligible for the next plan. Defaults to
	// the configured quantities, then to the quantities in Cases.
	Catalog []string
	Assess  encoding.Options
}

// BatchReport is the outcome of RunBatch and the proposal for the next batch.
type BatchReport struct {
	Version     string                          `json:"plugin_version"`
	Results     map[string]model.EncodingResult `json:"results"`
	Batch       model.ValidationBatch           `json:"batch"`
	NextVersion string                          `json:"next_version"`
	NextPlan    model.SamplePlan                `json:"next_plan"`
}

// RunBatch assesses each quantity's cases through ev, records the batch
// against in.Version, and proposes the version and sample for the next batch.
func (a *App) RunBatch(ctx context.Context, ev encoding.Evaluator, in BatchInput) (BatchReport, error) {
	if in.Version == "" {
		return BatchReport{}, errors.New("cosilico: run batch: empty version")
	}
	quantities := slices.Sorted(maps.Keys(in.Cases))

	// Registered up front so regressions found in this batch are stored on it.
	if _, err := a.registry.Register(ctx, in.Version); err != nil {
		return BatchReport{}, fmt.Errorf("cosilico: register %s: %w", in.Version, err)
	}

	report := BatchReport{
		Version: in.Version,
		Results: make(map[string]model.EncodingResult, len(quantities)),
	}
	rates := make(map[string]float64, len(quantities))
	for _, q := range quantities {
		res := encoding.Assess(ctx, ev, q, in.Cases[q], in.Assess)
		report.Results[q] = res
		rates[q] = res.MatchRate
	}

	batch, err := a.sampler.LogBatch(ctx, in.Version, quantities, rates, in.PreviousVersion)
	if err != nil {
		return report, fmt.Errorf("cosilico: log batch: %w", err)
	}
	report.Batch = batch

	report.NextVersion, err = a.sampler.Select(adaptive.Thompson)
	if err != nil {
		return report, fmt.Errorf("cosilico: select next version: %w", err)
	}

	catalog := in.Catalog
	if len(catalog) == 0 {
		catalog = a.cfg.Quantities
	}
	if len(catalog) == 0 {
		catalog = quantities
	}
	report.NextPlan = a.sampler.Plan(ctx, catalog, a.PlanOptions())

	a.logger.Info("cosilico: batch complete",
		"version", in.Version,
		"quantities", len(quantities),
		"overall_match_rate", batch.OverallMatchRate,
		"regressions", len(batch.Regressions),
		"next_version", report.NextVersion,
	)
	return report, nil
}
