package columnar

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/opencnpj/etl-engine/internal/cnpj"
)

const loaderBatchSize = 10000

// indexedColumn names the column each table is joined on downstream;
// an index on it keeps the projector's per-prefix queries from
// degrading to full scans as tables grow.
var indexedColumn = map[string]string{
	"establishment":  "base",
	"company":        "base",
	"partner":        "base",
	"simples":        "base",
	"legal_nature":   "code",
	"municipality":   "code",
	"qualification":  "code",
}

// Loader converts the extracted CSV family into the SQLite-backed
// columnar dataset under parquetDir.
type Loader struct {
	parquetDir string
	batchSize  int
	log        *zap.SugaredLogger
}

// NewLoader returns a Loader writing its dataset under parquetDir,
// creating it if necessary.
func NewLoader(parquetDir string, log *zap.SugaredLogger) (*Loader, error) {
	if err := os.MkdirAll(parquetDir, 0o755); err != nil {
		return nil, fmt.Errorf("columnar: create parquet dir: %w", err)
	}
	return &Loader{parquetDir: parquetDir, batchSize: loaderBatchSize, log: log}, nil
}

// Load walks Tables in order, converting each table's matching CSV
// files into its SQLite target(s), skipping any table whose target
// already exists and is non-empty.
func (l *Loader) Load(ctx context.Context, dataDir string) error {
	for _, t := range Tables {
		files, err := findCSVFiles(dataDir, t.Glob)
		if err != nil {
			return fmt.Errorf("columnar: scan %s: %w", t.Name, err)
		}
		if len(files) == 0 {
			if l.log != nil {
				l.log.Warnw("no csv files found for table", "table", t.Name, "glob", t.Glob)
			}
			continue
		}

		exists, err := l.targetExists(t)
		if err != nil {
			return err
		}
		if exists {
			if l.log != nil {
				l.log.Infow("table already loaded, skipping", "table", t.Name)
			}
			continue
		}

		if t.Partitioned {
			if err := l.loadPartitioned(ctx, t, files); err != nil {
				return err
			}
		} else {
			if err := l.loadLookup(ctx, t, files); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) targetExists(t Table) (bool, error) {
	if !t.Partitioned {
		return false, nil // a single shared file holds many tables; checked per-table via row count instead
	}
	dir := filepath.Join(l.parquetDir, t.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("columnar: read %s: %w", dir, err)
	}
	return len(entries) > 0, nil
}

func findCSVFiles(dataDir, glob string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(strings.ToUpper(d.Name()), glob) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}

// loadPartitioned streams every row of every matching file, routing
// it by cnpj.Prefix(base) into the correct per-prefix SQLite file.
func (l *Loader) loadPartitioned(ctx context.Context, t Table, files []string) error {
	open := make(map[string]*prefixWriter)
	defer func() {
		for _, w := range open {
			w.close()
		}
	}()

	getWriter := func(prefix string) (*prefixWriter, error) {
		if w, ok := open[prefix]; ok {
			return w, nil
		}
		w, err := newPrefixWriter(l.parquetDir, t, prefix, l.batchSize)
		if err != nil {
			return nil, err
		}
		open[prefix] = w
		return w, nil
	}

	for _, file := range files {
		if err := streamCSV(file, len(t.Columns), func(row []string) error {
			prefix, err := cnpj.Prefix(row[0])
			if err != nil {
				return nil // skip malformed rows; totals are not asserted
			}
			w, err := getWriter(prefix)
			if err != nil {
				return err
			}
			return w.insert(ctx, row)
		}); err != nil {
			return fmt.Errorf("columnar: load %s from %s: %w", t.Name, file, err)
		}
	}

	for _, w := range open {
		if err := w.flush(); err != nil {
			return err
		}
	}
	return nil
}

// loadLookup loads a non-partitioned table into the shared lookup
// file.
func (l *Loader) loadLookup(ctx context.Context, t Table, files []string) error {
	db, err := sql.Open("sqlite", LookupFilePath(l.parquetDir))
	if err != nil {
		return fmt.Errorf("columnar: open lookup db: %w", err)
	}
	defer db.Close()
	if err := applyLoaderPragmas(db); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, createTableSQL(t)); err != nil {
		return fmt.Errorf("columnar: create table %s: %w", t.Name, err)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.Name).Scan(&n); err == nil && n > 0 {
		return nil // already loaded
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("columnar: begin %s: %w", t.Name, err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(t))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("columnar: prepare %s: %w", t.Name, err)
	}

	count := 0
	for _, file := range files {
		if err := streamCSV(file, len(t.Columns), func(row []string) error {
			args := make([]any, len(row))
			for i, v := range row {
				args[i] = v
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
			count++
			return nil
		}); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("columnar: load %s from %s: %w", t.Name, file, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("columnar: commit %s: %w", t.Name, err)
	}
	if idx := indexedColumn[t.Name]; idx != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", t.Name, idx, t.Name, idx)); err != nil {
			return fmt.Errorf("columnar: index %s: %w", t.Name, err)
		}
	}
	return nil
}

func insertSQL(t Table) string {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(t.Columns)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(t.Columns, ","), placeholders)
}

func applyLoaderPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("columnar: pragma %q: %w", p, err)
		}
	}
	return nil
}

// prefixWriter batches inserts into one prefix's partitioned SQLite
// file, committing every batchSize rows.
type prefixWriter struct {
	db        *sql.DB
	table     Table
	stmt      *sql.Stmt
	tx        *sql.Tx
	batchSize int
	pending   int
}

func newPrefixWriter(parquetDir string, t Table, prefix string, batchSize int) (*prefixWriter, error) {
	path := PrefixFilePath(parquetDir, t.Name, prefix)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("columnar: create %s dir: %w", t.Name, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("columnar: open %s: %w", path, err)
	}
	if err := applyLoaderPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(createTableSQL(t)); err != nil {
		db.Close()
		return nil, fmt.Errorf("columnar: create table %s: %w", t.Name, err)
	}
	if idx := indexedColumn[t.Name]; idx != "" {
		db.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", t.Name, idx, t.Name, idx))
	}

	w := &prefixWriter{db: db, table: t, batchSize: batchSize}
	if err := w.beginBatch(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *prefixWriter) beginBatch() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("columnar: begin %s: %w", w.table.Name, err)
	}
	stmt, err := tx.Prepare(insertSQL(w.table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("columnar: prepare %s: %w", w.table.Name, err)
	}
	w.tx, w.stmt = tx, stmt
	return nil
}

func (w *prefixWriter) insert(ctx context.Context, row []string) error {
	args := make([]any, len(row))
	for i, v := range row {
		args[i] = v
	}
	if _, err := w.stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("columnar: insert into %s: %w", w.table.Name, err)
	}
	w.pending++
	if w.pending >= w.batchSize {
		return w.commitAndRestart()
	}
	return nil
}

func (w *prefixWriter) commitAndRestart() error {
	w.stmt.Close()
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("columnar: commit %s: %w", w.table.Name, err)
	}
	w.pending = 0
	return w.beginBatch()
}

func (w *prefixWriter) flush() error {
	if w.pending == 0 {
		w.stmt.Close()
		return w.tx.Rollback()
	}
	w.stmt.Close()
	return w.tx.Commit()
}

func (w *prefixWriter) close() {
	w.db.Close()
}

// streamCSV decodes path as CP1252, semicolon-separated, headerless
// CSV, invoking fn for every row with exactly wantCols fields (lenient
// quote/escape via '"'). Rows that fail to parse or do not have the
// expected field count are silently skipped, matching the engine's
// `ignore_errors=true` read_csv behavior.
func streamCSV(path string, wantCols int, fn func(row []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("columnar: open %s: %w", path, err)
	}
	defer f.Close()

	decoded := transform.NewReader(f, charmap.Windows1252.NewDecoder())
	r := csv.NewReader(decoded)
	r.Comma = ';'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // ignore_errors=true: skip the malformed row
		}
		if len(record) != wantCols {
			continue
		}
		row := make([]string, len(record))
		copy(row, record)
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
