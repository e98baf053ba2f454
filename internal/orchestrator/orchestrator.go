// Package orchestrator drives the top-level per-prefix export loop
// (§4.8): for every two-character prefix, project its establishments,
// diff the result against the hash catalog, upload whatever changed,
// and record the new hashes — then build the consolidated archive and
// its manifest once every prefix has settled.
package orchestrator

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opencnpj/etl-engine/internal/archivecodec"
	"github.com/opencnpj/etl-engine/internal/canonical"
	"github.com/opencnpj/etl-engine/internal/catalog"
	"github.com/opencnpj/etl-engine/internal/errs"
	"github.com/opencnpj/etl-engine/internal/ndjson"
	"github.com/opencnpj/etl-engine/internal/numeric"
	"github.com/opencnpj/etl-engine/internal/project"
	"github.com/opencnpj/etl-engine/internal/transfer"
)

const prefixCount = 100

// ManifestFileName is the manifest's fixed on-disk and remote name.
const ManifestFileName = "info.json"

// finalZipURL is the published location the manifest always points at,
// independent of the local archive's timestamped filename.
const finalZipURL = "https://file.opencnpj.org/cnpjs.zip"

// remoteZipName is the fixed remote name the consolidated archive is
// uploaded under, matching finalZipURL's basename.
const remoteZipName = "cnpjs.zip"

// Manifest is the published info.json record (§6).
type Manifest struct {
	Total          int    `json:"total"`
	LastUpdated    string `json:"last_updated"`
	ZipSize        int64  `json:"zip_size"`
	ZipURL         string `json:"zip_url"`
	ZipMD5Checksum string `json:"zip_md5checksum"`
}

// PrefixResult records one prefix's export outcome.
type PrefixResult struct {
	Prefix    string
	Uploaded  int
	Unchanged int
}

// Report is the outcome of a full Run: every prefix's result plus the
// published manifest.
type Report struct {
	Prefixes []PrefixResult
	Manifest Manifest
}

// Orchestrator ties the document projector, hash catalog, and transfer
// agent together to run the per-prefix export loop.
type Orchestrator struct {
	proj         *project.Projector
	cat          *catalog.Catalog
	agent        transfer.Agent
	outputDir    string
	scratchRoot  string
	hashCacheDir string
	maxParallel  int
	log          *zap.SugaredLogger
}

// New returns an Orchestrator writing NDJSON/scratch/archive output
// under outputDir and publishing the catalog archive under
// hashCacheDir, bounding concurrent prefix exports to maxParallel (0 or
// less means the number of logical CPUs).
func New(proj *project.Projector, cat *catalog.Catalog, agent transfer.Agent, outputDir, hashCacheDir string, maxParallel int, log *zap.SugaredLogger) *Orchestrator {
	maxParallel = numeric.ResolveParallelism(maxParallel)
	return &Orchestrator{
		proj:         proj,
		cat:          cat,
		agent:        agent,
		outputDir:    outputDir,
		scratchRoot:  filepath.Join(outputDir, ".scratch"),
		hashCacheDir: hashCacheDir,
		maxParallel:  maxParallel,
		log:          log,
	}
}

func prefixes() []string {
	out := make([]string, 0, prefixCount)
	for i := 0; i < prefixCount; i++ {
		out = append(out, fmt.Sprintf("%02d", i))
	}
	return out
}

// Run executes the full §4.8 algorithm: the bounded per-prefix export
// loop, catalog publication, the consolidated archive, and the
// manifest upload. A PrefixUploadFailed from any prefix cancels the
// remaining work and is returned; the catalog is never published in
// that case, so a subsequent run recomputes the diff from scratch.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("orchestrator: create output dir: %w", err)
	}

	sem := semaphore.NewWeighted(int64(o.maxParallel))
	g, gctx := errgroup.WithContext(ctx)

	list := prefixes()
	results := make([]PrefixResult, len(list))
	for i, prefix := range list {
		i, prefix := i, prefix
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			res, err := o.exportPrefix(gctx, prefix)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	manifest, err := o.publishAndArchive(ctx)
	if err != nil {
		return Report{}, err
	}

	return Report{Prefixes: results, Manifest: manifest}, nil
}

// exportPrefix implements one iteration of the §4.8 loop body.
func (o *Orchestrator) exportPrefix(ctx context.Context, prefix string) (PrefixResult, error) {
	rows, err := o.proj.ProjectPrefix(ctx, prefix)
	if err != nil {
		return PrefixResult{Prefix: prefix}, fmt.Errorf("%w: prefix %s: %v", errs.ErrProjectionFailed, prefix, err)
	}

	ndjsonPath := filepath.Join(o.outputDir, prefix+".ndjson")
	if err := writeNDJSON(ndjsonPath, rows); err != nil {
		return PrefixResult{Prefix: prefix}, err
	}

	items, err := readNDJSON(ndjsonPath)
	if err != nil {
		return PrefixResult{Prefix: prefix}, err
	}

	candidates := make([]catalog.Entry, len(items))
	canonByID := make(map[string]string, len(items))
	for i, it := range items {
		canon := canonical.Canonicalize(it.JSON)
		canonByID[it.Identifier] = canon
		candidates[i] = catalog.Entry{
			Identifier: it.Identifier,
			Hash:       fmt.Sprintf("%016x", xxhash.Sum64String(canon)),
		}
	}

	toPublish, unchanged, err := o.cat.Diff(ctx, candidates)
	if err != nil {
		return PrefixResult{Prefix: prefix}, fmt.Errorf("orchestrator: diff prefix %s: %w", prefix, err)
	}

	if len(toPublish) == 0 {
		os.Remove(ndjsonPath)
		if o.log != nil {
			o.log.Infow("prefix unchanged", "prefix", prefix, "count", len(unchanged))
		}
		return PrefixResult{Prefix: prefix, Unchanged: len(unchanged)}, nil
	}

	scratchDir := filepath.Join(o.scratchRoot, prefix+"-"+uuid.NewString())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return PrefixResult{Prefix: prefix}, fmt.Errorf("orchestrator: create scratch dir: %w", err)
	}

	var bytesWritten int64
	for _, e := range toPublish {
		path := filepath.Join(scratchDir, e.Identifier+".json")
		content := canonByID[e.Identifier]
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return PrefixResult{Prefix: prefix}, fmt.Errorf("orchestrator: write %s: %w", path, err)
		}
		bytesWritten += int64(len(content))
	}

	ok, err := o.agent.CopyDir(ctx, scratchDir, "", nil)
	if err != nil || !ok {
		return PrefixResult{Prefix: prefix}, fmt.Errorf("%w: prefix %s: %v", errs.ErrPrefixUploadFailed, prefix, err)
	}

	if err := o.cat.AddBatch(ctx, toPublish); err != nil {
		return PrefixResult{Prefix: prefix}, fmt.Errorf("orchestrator: catalog add batch prefix %s: %w", prefix, err)
	}

	os.RemoveAll(scratchDir)
	os.Remove(ndjsonPath)

	if o.log != nil {
		o.log.Infow("prefix exported",
			"prefix", prefix, "uploaded", len(toPublish), "unchanged", len(unchanged),
			"bytes", humanize.Bytes(uint64(bytesWritten)))
	}
	return PrefixResult{Prefix: prefix, Uploaded: len(toPublish), Unchanged: len(unchanged)}, nil
}

// publishAndArchive runs the tail of §4.8: catalog publication, the
// consolidated archive, and the manifest upload.
func (o *Orchestrator) publishAndArchive(ctx context.Context) (Manifest, error) {
	if err := o.cat.Close(); err != nil {
		return Manifest{}, fmt.Errorf("orchestrator: close catalog: %w", err)
	}
	catalogZipPath, err := o.cat.Zip(o.hashCacheDir)
	if err != nil {
		return Manifest{}, fmt.Errorf("orchestrator: zip catalog: %w", err)
	}
	if ok, uerr := o.agent.CopyFile(ctx, catalogZipPath, catalog.ZipFileName); uerr != nil || !ok {
		if o.log != nil {
			o.log.Warnw("catalog upload failed", "err", uerr, "kind", errs.ErrCatalogUploadFailed)
		}
	}

	return o.Archive(ctx)
}

// Archive builds the consolidated archive and manifest and uploads
// both, independent of catalog publication — this is also the entry
// point for the standalone `zip` command, which only needs an archive
// to exist, not a fresh diff/upload pass.
func (o *Orchestrator) Archive(ctx context.Context) (Manifest, error) {
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("orchestrator: create output dir: %w", err)
	}

	zipName := fmt.Sprintf("cnpj_jsons_%s.zip", time.Now().UTC().Format("20060102_150405"))
	zipPath := filepath.Join(o.outputDir, zipName)

	total, size, checksum, err := o.buildConsolidatedArchive(ctx, zipPath)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		Total:          total,
		LastUpdated:    time.Now().UTC().Format(time.RFC3339),
		ZipSize:        size,
		ZipURL:         finalZipURL,
		ZipMD5Checksum: checksum,
	}

	manifestPath := filepath.Join(o.outputDir, ManifestFileName)
	data, err := json.Marshal(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("orchestrator: marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("orchestrator: write manifest: %w", err)
	}

	if ok, uerr := o.agent.CopyFile(ctx, zipPath, remoteZipName); uerr != nil || !ok {
		if o.log != nil {
			o.log.Warnw("consolidated archive upload failed", "err", uerr)
		}
	}
	if ok, uerr := o.agent.CopyFile(ctx, manifestPath, ManifestFileName); uerr != nil || !ok {
		if o.log != nil {
			o.log.Warnw("manifest upload failed", "err", uerr)
		}
	}

	if o.log != nil {
		o.log.Infow("consolidated archive built", "total", total, "size", humanize.Bytes(uint64(size)))
	}
	return manifest, nil
}

// buildConsolidatedArchive streams every prefix's projection directly
// into a zip archive, one entry per identifier, hashing the written
// (compressed) bytes as they are produced so no second read pass over
// the finished file is needed for the manifest's MD5 field.
func (o *Orchestrator) buildConsolidatedArchive(ctx context.Context, zipPath string) (total int, size int64, md5b64 string, err error) {
	out, err := os.Create(zipPath)
	if err != nil {
		return 0, 0, "", fmt.Errorf("orchestrator: create archive: %w", err)
	}
	defer out.Close()

	hasher := md5.New()
	zw := zip.NewWriter(io.MultiWriter(out, hasher))
	archivecodec.RegisterFastDeflate(zw)

	for _, prefix := range prefixes() {
		rows, perr := o.proj.ProjectPrefix(ctx, prefix)
		if perr != nil {
			zw.Close()
			return 0, 0, "", fmt.Errorf("%w: archive prefix %s: %v", errs.ErrProjectionFailed, prefix, perr)
		}
		for _, r := range rows {
			w, werr := zw.Create(r.Identifier + ".json")
			if werr != nil {
				zw.Close()
				return 0, 0, "", fmt.Errorf("orchestrator: zip entry %s: %w", r.Identifier, werr)
			}
			if _, werr := w.Write([]byte(canonical.Canonicalize(r.JSON))); werr != nil {
				zw.Close()
				return 0, 0, "", fmt.Errorf("orchestrator: write zip entry %s: %w", r.Identifier, werr)
			}
			total++
		}
	}
	if err := zw.Close(); err != nil {
		return 0, 0, "", fmt.Errorf("orchestrator: finalize archive: %w", err)
	}

	info, statErr := os.Stat(zipPath)
	if statErr != nil {
		return 0, 0, "", fmt.Errorf("orchestrator: stat archive: %w", statErr)
	}
	return total, info.Size(), base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

func writeNDJSON(path string, rows []project.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("orchestrator: create %s: %w", path, err)
	}
	defer f.Close()

	w := ndjson.NewWriter(f)
	for _, r := range rows {
		if err := w.WriteRow(r.JSON); err != nil {
			return fmt.Errorf("orchestrator: write %s: %w", path, err)
		}
	}
	return w.Flush()
}

func readNDJSON(path string) ([]ndjson.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open %s: %w", path, err)
	}
	defer f.Close()

	r := ndjson.NewReader(f)
	var items []ndjson.Item
	for {
		item, ok, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read %s: %w", path, err)
		}
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items, nil
}
