// Package engine wires C1–C9 into the four external entry points the
// CLI calls: Pipeline (acquire → load → export → publish),
// Single (one-off projection), Test (the integrity sampler alone), and
// Zip (the consolidated archive alone). It owns construction of every
// collaborator from a config.Config and is the only package the CLI
// front end depends on.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opencnpj/etl-engine/internal/acquire"
	"github.com/opencnpj/etl-engine/internal/catalog"
	"github.com/opencnpj/etl-engine/internal/cnpj"
	"github.com/opencnpj/etl-engine/internal/columnar"
	"github.com/opencnpj/etl-engine/internal/config"
	"github.com/opencnpj/etl-engine/internal/errs"
	"github.com/opencnpj/etl-engine/internal/logging"
	"github.com/opencnpj/etl-engine/internal/orchestrator"
	"github.com/opencnpj/etl-engine/internal/project"
	"github.com/opencnpj/etl-engine/internal/sampler"
	"github.com/opencnpj/etl-engine/internal/transfer"
)

// Document is the result of a Single projection.
type Document struct {
	Identifier string
	JSON       string
}

// Report is the result of Test: the sampler's full comparison run.
type Report = sampler.Report

func newTransferPool(cfg config.Config, log *zap.SugaredLogger) *transfer.Pool {
	return transfer.New(cfg.Rclone.RemoteBase, cfg.Rclone.Transfers, cfg.Rclone.MaxConcurrentUploads, log)
}

func loggerFromConfig() *zap.SugaredLogger {
	return logging.New("info")
}

// Pipeline runs the full ingestion-and-export run (§4.5–§4.8): acquire
// the month's archive, load it into the columnar dataset, export every
// prefix, diff against the hash catalog, upload what changed, publish
// the catalog, and build the consolidated archive and manifest.
func Pipeline(ctx context.Context, cfg config.Config, month string) error {
	log := loggerFromConfig()

	acquirer, err := acquire.New(cfg.Paths.DownloadDir, cfg.Paths.DataDir, cfg.Downloader.ParallelDownloads, log)
	if err != nil {
		return fmt.Errorf("engine: build acquirer: %w", err)
	}
	if err := acquirer.Acquire(ctx, month); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAcquisitionFailed, err)
	}

	loader, err := columnar.NewLoader(cfg.Paths.ParquetDir, log)
	if err != nil {
		return fmt.Errorf("engine: build loader: %w", err)
	}
	if err := loader.Load(ctx, cfg.Paths.DataDir); err != nil {
		return fmt.Errorf("engine: load columnar dataset: %w", err)
	}

	proj, err := project.Open(cfg.Paths.ParquetDir)
	if err != nil {
		return fmt.Errorf("engine: open projector: %w", err)
	}
	defer proj.Close()

	pool := newTransferPool(cfg, log)

	cat, err := catalog.Open(ctx, cfg.Paths.HashCacheDir, pool)
	if err != nil {
		return fmt.Errorf("engine: open catalog: %w", err)
	}

	orch := orchestrator.New(proj, cat, pool, cfg.Paths.OutputDir, cfg.Paths.HashCacheDir, cfg.NDJSON.MaxParallelProcessing, log)
	if _, err := orch.Run(ctx); err != nil {
		return fmt.Errorf("engine: export run: %w", err)
	}
	return nil
}

// Single projects one identifier's document without touching the
// catalog, transfer agent, or archive.
func Single(ctx context.Context, cfg config.Config, identifier string) (Document, error) {
	id, err := cnpj.Parse(identifier)
	if err != nil {
		return Document{}, err
	}

	proj, err := project.Open(cfg.Paths.ParquetDir)
	if err != nil {
		return Document{}, fmt.Errorf("engine: open projector: %w", err)
	}
	defer proj.Close()

	doc, found, err := proj.ProjectOne(ctx, id.Base, id.Order, id.Check)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", errs.ErrProjectionFailed, err)
	}
	if !found {
		return Document{}, fmt.Errorf("%w: %s not found", errs.ErrProjectionFailed, id.String())
	}
	return Document{Identifier: id.String(), JSON: doc}, nil
}

// Test runs the integrity sampler against the previously-built
// columnar dataset and the already-published remote documents.
func Test(ctx context.Context, cfg config.Config) (Report, error) {
	log := loggerFromConfig()

	proj, err := project.Open(cfg.Paths.ParquetDir)
	if err != nil {
		return Report{}, fmt.Errorf("engine: open projector: %w", err)
	}
	defer proj.Close()

	pool := newTransferPool(cfg, log)
	s := sampler.New(cfg.Paths.ParquetDir, proj, pool, log)
	report, err := s.Run(ctx, sampler.DefaultSize)
	if err != nil {
		return Report{}, fmt.Errorf("engine: sample run: %w", err)
	}
	return report, nil
}

// Zip builds and uploads the consolidated archive and manifest from
// the current columnar dataset, without re-running the diff/upload
// loop or touching the hash catalog.
func Zip(ctx context.Context, cfg config.Config) error {
	log := loggerFromConfig()

	proj, err := project.Open(cfg.Paths.ParquetDir)
	if err != nil {
		return fmt.Errorf("engine: open projector: %w", err)
	}
	defer proj.Close()

	pool := newTransferPool(cfg, log)
	orch := orchestrator.New(proj, nil, pool, cfg.Paths.OutputDir, cfg.Paths.HashCacheDir, cfg.NDJSON.MaxParallelProcessing, log)
	if _, err := orch.Archive(ctx); err != nil {
		return fmt.Errorf("engine: build archive: %w", err)
	}
	return nil
}
