// Package catalog implements the content-hash catalog: a single-file
// SQLite database mapping each identifier to the xxhash of its last
// published canonical document, used to diff an export run against
// what was previously published so only changed or new documents are
// re-uploaded.
package catalog

import (
	"archive/zip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/opencnpj/etl-engine/internal/archivecodec"
	"github.com/opencnpj/etl-engine/internal/errs"
	"github.com/opencnpj/etl-engine/internal/transfer"
)

const (
	// DBFileName is the on-disk catalog database name, inside the
	// configured hash-cache directory.
	DBFileName = "hashes.db"
	// ZipFileName is the name the catalog is packaged under for
	// remote publication (fetched by Open, produced by Zip).
	ZipFileName = "hashes.zip"

	probeChunkSize  = 500
	commitBatchSize = 10000
)

// Entry is one row of the catalog: an identifier and the hash of the
// last canonical document published for it.
type Entry struct {
	Identifier string
	Hash       string
}

// Catalog is a handle on the hash catalog database. It is safe for
// concurrent use: all mutating operations serialize through an
// in-process mutex, and Open takes a cross-process advisory lock on
// the database file so two pipeline instances never write it at once.
type Catalog struct {
	db   *sql.DB
	path string

	flock *flock.Flock

	mu      sync.Mutex
	pending int
}

// Open materializes the catalog database at dir/DBFileName and takes
// an exclusive cross-process lock on it for the lifetime of the
// returned Catalog. Before creating or reusing whatever is on disk, it
// makes a best-effort attempt to fetch the previously-published
// ZipFileName through agent and unzip it into dir (§4.3): this is what
// lets a fresh checkout, a new container, or a different machine
// consult the remote's record of what was already published instead
// of treating every identifier as new. agent may be nil, in which case
// this step is skipped outright. Any failure fetching or unzipping —
// missing remote file, transfer error, corrupt archive — is not fatal;
// Open simply falls back to whatever database (possibly none) already
// sits in dir. Open then applies the WAL/synchronous/cache PRAGMAs and
// ensures the hashes table exists. If the cross-process lock cannot be
// acquired, Open returns errs.ErrDatabaseUnavailable wrapped with the
// underlying reason.
func Open(ctx context.Context, dir string, agent transfer.Agent) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create dir: %w", err)
	}
	path := filepath.Join(dir, DBFileName)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return nil, fmt.Errorf("%w: catalog lock at %s busy: %v", errs.ErrDatabaseUnavailable, path, err)
	}

	fetchRemoteCatalog(ctx, agent, dir)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrDatabaseUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	if err := createSchema(ctx, db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	return &Catalog{db: db, path: path, flock: lock}, nil
}

// fetchRemoteCatalog fetches ZipFileName through agent into a scratch
// file and unzips it over dir, on a strictly best-effort basis: a nil
// agent, a missing remote file, a transfer error, or a corrupt archive
// all leave dir untouched.
func fetchRemoteCatalog(ctx context.Context, agent transfer.Agent, dir string) {
	if agent == nil {
		return
	}
	tmp, err := os.CreateTemp("", "cnpjetl-catalog-*.zip")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	ok, err := agent.FetchFile(ctx, ZipFileName, tmpPath)
	if err != nil || !ok {
		return
	}
	_ = Unzip(tmpPath, dir)
}

func applyPragmas(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -84000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 30000000000",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("catalog: pragma %q: %w", s, err)
		}
	}
	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hashes (
			identifier TEXT PRIMARY KEY NOT NULL,
			hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create schema: %v", errs.ErrCatalogCorrupt, err)
	}
	// An existing table with other columns survives CREATE TABLE IF NOT
	// EXISTS; probe the expected columns so it is reported as corrupt.
	if _, err := db.ExecContext(ctx, "SELECT identifier, hash, created_at FROM hashes LIMIT 0"); err != nil {
		return fmt.Errorf("%w: schema check: %v", errs.ErrCatalogCorrupt, err)
	}
	return nil
}

// Close flushes any pending batch, closes the database, and releases
// the cross-process lock.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.db.Exec("COMMIT")
		c.pending = 0
	}
	closeErr := c.db.Close()
	lockErr := c.flock.Unlock()
	if closeErr != nil {
		return closeErr
	}
	return lockErr
}

// Diff partitions candidates into those whose hash is unseen or
// changed (ToPublish) versus those already catalogued with the same
// hash (Unchanged). Lookups are chunked into probeChunkSize-row IN (...)
// queries to stay well under SQLite's bound-parameter limit.
func (c *Catalog) Diff(ctx context.Context, candidates []Entry) (toPublish, unchanged []Entry, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for start := 0; start < len(candidates); start += probeChunkSize {
		end := start + probeChunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		placeholders := make([]byte, 0, len(batch)*2)
		args := make([]any, len(batch))
		for i, e := range batch {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args[i] = e.Identifier
		}

		rows, qerr := c.db.QueryContext(ctx,
			fmt.Sprintf("SELECT identifier, hash FROM hashes WHERE identifier IN (%s)", placeholders),
			args...,
		)
		if qerr != nil {
			return nil, nil, fmt.Errorf("catalog: diff probe: %w", qerr)
		}
		existing := make(map[string]string, len(batch))
		for rows.Next() {
			var id, hash string
			if err := rows.Scan(&id, &hash); err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("catalog: diff scan: %w", err)
			}
			existing[id] = hash
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, nil, fmt.Errorf("catalog: diff rows: %w", err)
		}

		for _, e := range batch {
			if existing[e.Identifier] == e.Hash {
				unchanged = append(unchanged, e)
			} else {
				toPublish = append(toPublish, e)
			}
		}
	}
	return toPublish, unchanged, nil
}

// AddBatch upserts entries into the catalog, committing every
// commitBatchSize rows so a long-running export never holds one
// unbounded transaction.
func (c *Catalog) AddBatch(ctx context.Context, entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO hashes (identifier, hash) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("catalog: prepare: %w", err)
	}

	count := 0
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Identifier, e.Hash); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("catalog: insert %s: %w", e.Identifier, err)
		}
		count++
		if count >= commitBatchSize {
			stmt.Close()
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("catalog: commit: %w", err)
			}
			tx, err = c.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("catalog: begin: %w", err)
			}
			stmt, err = tx.PrepareContext(ctx, "INSERT OR REPLACE INTO hashes (identifier, hash) VALUES (?, ?)")
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("catalog: prepare: %w", err)
			}
			count = 0
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	return nil
}

// Count returns the number of rows currently in the catalog.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hashes").Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return n, nil
}

// Zip packages the catalog database file into ZipFileName under dir,
// ready for upload through the transfer pool. Only the main database
// file is packaged; WAL and SHM sidecars are not, so the caller must
// have flushed pending writes (Close, or a checkpoint) before zipping.
func (c *Catalog) Zip(dir string) (string, error) {
	zipPath := filepath.Join(dir, ZipFileName)
	out, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("catalog: create zip: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	archivecodec.RegisterFastDeflate(zw)
	if err := addFileToZip(zw, c.path, filepath.Base(c.path)); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("catalog: finalize zip: %w", err)
	}
	return zipPath, nil
}

func addFileToZip(zw *zip.Writer, srcPath, name string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("catalog: open %s for zip: %w", srcPath, err)
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("catalog: zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("catalog: write zip entry %s: %w", name, err)
	}
	return nil
}

// Unzip extracts ZipFileName from zipPath into dir, overwriting any
// existing database file there. It is used to materialize a catalog
// fetched from the transfer remote before Open.
func Unzip(zipPath, dir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("catalog: open zip %s: %w", zipPath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("catalog: create dir: %w", err)
	}

	for _, f := range r.File {
		dest := filepath.Join(dir, filepath.Base(f.Name))
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("catalog: open zip entry %s: %w", f.Name, err)
		}
		out, err := os.Create(dest)
		if err != nil {
			rc.Close()
			return fmt.Errorf("catalog: create %s: %w", dest, err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return fmt.Errorf("catalog: extract %s: %w", f.Name, copyErr)
		}
	}
	return nil
}
