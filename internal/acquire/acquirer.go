// Package acquire implements the archive acquirer: it lists a
// monthly archive index page, downloads every linked zip with bounded
// concurrency and per-file retry, and extracts the CSV family,
// skipping both steps when their output already looks complete.
package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"archive/zip"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opencnpj/etl-engine/internal/errs"
)

// BaseURL is the upstream monthly archive index, the same host the
// original downloader pointed at.
const BaseURL = "https://arquivos.receitafederal.gov.br/dados/cnpj/dados_abertos_cnpj/"

const (
	downloadChunkSize = 64 * 1024
	maxDownloadRetry  = 3
	userAgent         = "OpenCNPJ/1.0"
)

var zipHref = regexp.MustCompile(`(?i)href="([^"]+?\.zip)"`)

// extractedGlobs mirrors the ten CSV glob families: if any file in the
// data directory matches one of these (case-insensitive) substrings,
// extraction is assumed complete and is skipped.
var extractedGlobs = []string{
	"EMPRECSV", "ESTABELE", "SOCIOCSV", "SIMPLES",
	"CNAECSV", "MOTICSV", "MUNICCSV", "NATJUCSV",
	"PAISCSV", "QUALSCSV",
}

// Acquirer downloads and extracts a monthly archive set into the
// configured download and data directories.
type Acquirer struct {
	downloadDir       string
	dataDir           string
	parallelDownloads int
	client            *http.Client
	log               *zap.SugaredLogger
}

// New returns an Acquirer writing downloads to downloadDir and
// extracted CSVs to dataDir, both created if absent.
func New(downloadDir, dataDir string, parallelDownloads int, log *zap.SugaredLogger) (*Acquirer, error) {
	if parallelDownloads < 1 {
		parallelDownloads = 1
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("acquire: create download dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("acquire: create data dir: %w", err)
	}
	return &Acquirer{
		downloadDir:       downloadDir,
		dataDir:           dataDir,
		parallelDownloads: parallelDownloads,
		client:            &http.Client{Timeout: 0},
		log:               log,
	}, nil
}

// Acquire lists, downloads and extracts the archive set for
// yearMonth (e.g. "2026-06"), resolving the page URL by joining it to
// BaseURL. It is idempotent: already-downloaded files are skipped by
// name, and extraction is skipped entirely when the CSV family already
// exists in dataDir.
func (a *Acquirer) Acquire(ctx context.Context, yearMonth string) error {
	pageURL := BaseURL + strings.Trim(yearMonth, "/") + "/"
	return a.AcquireFromURL(ctx, pageURL)
}

// AcquireFromURL runs the same list/download/extract sequence against
// an arbitrary index page URL, used directly by tests against a local
// HTTP fixture.
func (a *Acquirer) AcquireFromURL(ctx context.Context, pageURL string) error {
	urls, err := a.ListZipURLs(ctx, pageURL)
	if err != nil {
		return fmt.Errorf("%w: list %s: %v", errs.ErrAcquisitionFailed, pageURL, err)
	}
	if len(urls) == 0 {
		if a.log != nil {
			a.log.Warnw("no zip files found on index page", "page_url", pageURL)
		}
		return nil
	}

	localPaths, err := a.downloadAll(ctx, urls)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAcquisitionFailed, err)
	}

	return a.extractAll(localPaths)
}

// ListZipURLs fetches pageURL and scrapes href="....zip" links
// (case-insensitive), resolving relative hrefs against pageURL and
// de-duplicating while preserving first-seen order.
func (a *Acquirer) ListZipURLs(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acquire: fetch index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("acquire: index returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acquire: read index: %w", err)
	}

	seen := make(map[string]struct{})
	var urls []string
	for _, m := range zipHref.FindAllStringSubmatch(string(body), -1) {
		href := strings.TrimSpace(m[1])
		if href == "" {
			continue
		}
		var resolved string
		if strings.HasPrefix(strings.ToLower(href), "http") {
			resolved = href
		} else {
			resolved = strings.TrimRight(pageURL, "/") + "/" + strings.TrimLeft(href, "/")
		}
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		urls = append(urls, resolved)
	}
	return urls, nil
}

// downloadAll downloads every URL to downloadDir/<basename>, skipping
// files that already exist, bounding concurrency to
// parallelDownloads.
func (a *Acquirer) downloadAll(ctx context.Context, urls []string) ([]string, error) {
	paths := make([]string, len(urls))
	sem := semaphore.NewWeighted(int64(a.parallelDownloads))
	g, gctx := errgroup.WithContext(ctx)

	for i, url := range urls {
		i, url := i, url
		filename := filepath.Base(strings.SplitN(url, "?", 2)[0])
		target := filepath.Join(a.downloadDir, filename)
		paths[i] = target

		if _, err := os.Stat(target); err == nil {
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return a.downloadOne(gctx, url, target)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// downloadOne streams url in downloadChunkSize chunks to target,
// retrying up to maxDownloadRetry times with linear back-off
// (attempt * 1s) on any failure.
func (a *Acquirer) downloadOne(ctx context.Context, url, target string) error {
	policy := backoff.WithMaxRetries(&linearBackOff{step: time.Second}, maxDownloadRetry-1)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := a.fetchOnce(ctx, url, target)
		if err != nil && a.log != nil {
			a.log.Warnw("download attempt failed", "url", url, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (a *Acquirer) fetchOnce(ctx context.Context, url, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("acquire: %s returned status %d", url, resp.StatusCode)
	}

	tmp := target + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	buf := make([]byte, downloadChunkSize)
	_, copyErr := io.CopyBuffer(f, resp.Body, buf)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, target)
}

// linearBackOff implements backoff.BackOff with interval = attempt *
// step, matching the original downloader's `asyncio.sleep(1 * retry)`.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.step
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// extractAll unzips every path in zipPaths into dataDir, unless a file
// matching any of extractedGlobs is already present there.
func (a *Acquirer) extractAll(zipPaths []string) error {
	if a.alreadyExtracted() {
		if a.log != nil {
			a.log.Infow("csv family already present, skipping extraction", "data_dir", a.dataDir)
		}
		return nil
	}
	for _, zipPath := range zipPaths {
		if err := extractZip(zipPath, a.dataDir); err != nil {
			return fmt.Errorf("%w: extract %s: %v", errs.ErrAcquisitionFailed, zipPath, err)
		}
	}
	return nil
}

func (a *Acquirer) alreadyExtracted() bool {
	entries, err := os.ReadDir(a.dataDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		upper := strings.ToUpper(e.Name())
		for _, glob := range extractedGlobs {
			if strings.Contains(upper, glob) {
				return true
			}
		}
	}
	return false
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		dest := filepath.Join(destDir, filepath.Base(f.Name))
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extractOne(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
