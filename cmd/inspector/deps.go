package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaowucn/scriber-inspector/internal/assembler"
	"github.com/xiaowucn/scriber-inspector/internal/config"
	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/inspect"
	"github.com/xiaowucn/scriber-inspector/internal/logging"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
	"github.com/xiaowucn/scriber-inspector/internal/store"
	"github.com/xiaowucn/scriber-inspector/internal/telemetry"
)

// dependencies holds everything one command invocation needs.
type dependencies struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	schemas   *schema.Registry
	documents *inspect.DocumentCache
	service   *inspect.Service
}

// Close releases the store and flushes telemetry and logs.
func (d *dependencies) Close(ctx context.Context) {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(ctx, "store close failed", zap.Error(err))
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	_ = d.logger.Sync() // Best-effort sync
}

// initDependencies wires the inspection service from configuration:
//  1. Logger and telemetry
//  2. Store (memory, SQLite or Postgres)
//  3. Strategy registry and schema registry
//  4. Document cache, assembler, rule source and engine
func initDependencies(ctx context.Context, cfg *config.Config) (_ *dependencies, err error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()

	deps := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			deps.Close(ctx)
		}
	}()

	deps.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry), zl)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	deps.store, err = store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN.Value(),
		MaxConns:    cfg.Store.MaxConns,
		DialTimeout: cfg.Store.DialTimeout.Duration(),
	}, zl.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	strategies := extractor.NewDefaultRegistry()
	deps.schemas, err = schema.NewRegistry(schema.DirSource{Dir: cfg.Schemas.Dir}, strategies,
		schema.WithLogger(zl.Named("schema")))
	if err != nil {
		return nil, fmt.Errorf("failed to create schema registry: %w", err)
	}

	deps.documents, err = inspect.NewDocumentCache(inspect.DirDocumentSource{Dir: cfg.Documents.Dir}, cfg.Documents.CacheSize)
	if err != nil {
		return nil, err
	}

	asm, err := assembler.New(strategies,
		assembler.WithLogger(zl.Named("assembler")),
		assembler.WithPatternStore(deps.store),
		assembler.WithMeter(deps.telemetry.Meter("github.com/xiaowucn/scriber-inspector/internal/assembler")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembler: %w", err)
	}

	engine := rules.NewEngine(
		rules.WithStrictReview(cfg.Engine.StrictReview),
		rules.WithTimeout(cfg.Engine.ScriptTimeout.Duration()),
		rules.WithLogger(zl.Named("rules")),
	)

	deps.service, err = inspect.NewService(inspect.Config{
		Workers:    cfg.Engine.Workers,
		RunTimeout: cfg.Engine.RunTimeout.Duration(),
	}, inspect.Deps{
		Schemas:   deps.schemas,
		Documents: deps.documents,
		Assembler: asm,
		Rules:     rules.FileSource{Dir: cfg.Rules.Dir},
		Engine:    engine,
		Store:     deps.store,
	}, logger, inspect.WithTelemetry(deps.telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to create inspection service: %w", err)
	}
	return deps, nil
}
