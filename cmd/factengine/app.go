package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/api"
	"github.com/warp/fact-engine/config"
	"github.com/warp/fact-engine/dimension"
	"github.com/warp/fact-engine/merge"
	"github.com/warp/fact-engine/metrics"
	"github.com/warp/fact-engine/pipeline"
	"github.com/warp/fact-engine/staging"
	"github.com/warp/fact-engine/store/sqlite"
)

// app holds every component wired from one configuration.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	metrics   *metrics.Collector
	lifecycle *merge.Lifecycle
	runner    *pipeline.Runner
	importer  *dimension.Importer
}

func newApp(cfg *config.Config, fs afero.Fs, log *zap.Logger) (*app, error) {
	if cfg.Storage.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store.Timeout = cfg.Storage.Timeout

	collector := metrics.NewCollector()

	engine := merge.NewEngine(store, cfg.MergeEngineConfig(), log.Named("merge"))
	engine.OnAttempt = collector.MergeAttempt

	lifecycle := merge.NewLifecycle(fs, cfg.Landing.Dir, cfg.Landing.ProcessedDir, store, log.Named("lifecycle"))

	runner := pipeline.NewRunner(pipeline.Deps{
		Scanner:    staging.NewScanner(fs, cfg.Landing.Dir, cfg.Landing.Pattern, store, log.Named("scanner")),
		Loader:     staging.NewLoader(fs, cfg.Landing.Dir, cfg.StagingOptions(), log.Named("loader")),
		Dimensions: store,
		Engine:     engine,
		Lifecycle:  lifecycle,
		RunLog:     store,
		Metrics:    collector,
	}, pipeline.Options{
		Grain:                  cfg.Grain(),
		Workers:                cfg.Pipeline.Workers,
		QuarantineUnresolved:   cfg.Resolver.QuarantineUnresolved,
		RequireFreshDimensions: cfg.Dimensions.RequireFresh,
		MaxDimensionAge:        cfg.Dimensions.MaxAge,
	}, log.Named("pipeline"))

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		metrics:   collector,
		lifecycle: lifecycle,
		runner:    runner,
		importer:  dimension.NewImporter(store, log.Named("dimension")),
	}, nil
}

// handler builds the admin API handler.
func (a *app) handler() *api.Handler {
	h := api.NewHandler(a.log.Named("api"))
	h.Facts = a.store
	h.Dimensions = a.store
	h.Manifest = a.store
	h.Runs = a.store
	h.Runner = a.runner
	h.Recovery = a.lifecycle
	h.Ping = a.store.Ping
	h.Metrics = a.metrics.Handler()
	return h
}

func (a *app) Close() error {
	return a.store.Close()
}
