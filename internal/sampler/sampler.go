// Package sampler implements the integrity sampler (§4.9): it selects
// a small, intentionally-skewed sample of identifiers (one guaranteed
// to have a simples-regime row, one guaranteed to have a partner row,
// the rest random), renders each locally via the document projector,
// fetches its published counterpart through the transfer agent, and
// compares canonical hashes. A mismatch or fetch failure only fails
// that one item; the sampler never aborts the run early.
package sampler

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/opencnpj/etl-engine/internal/canonical"
	"github.com/opencnpj/etl-engine/internal/columnar"
	"github.com/opencnpj/etl-engine/internal/errs"
	"github.com/opencnpj/etl-engine/internal/project"
	"github.com/opencnpj/etl-engine/internal/transfer"
)

// DefaultSize is the sample size used when a caller does not name one
// (spec's "default 10").
const DefaultSize = 10

// Result is one identifier's local-vs-remote comparison outcome.
type Result struct {
	Identifier string
	LocalHash  string
	RemoteHash string
	Pass       bool
	Err        error
}

// Report is the full sample run: overall Pass is true iff every
// Result passed.
type Report struct {
	Results []Result
	Pass    bool
}

// Sampler compares locally-projected documents against their
// published remote counterparts. It opens its own engine connection
// against the columnar dataset rather than sharing the orchestrator's,
// per the engine's single-session-per-collaborator design.
type Sampler struct {
	parquetDir string
	proj       *project.Projector
	agent      transfer.Agent
	log        *zap.SugaredLogger
}

// New returns a Sampler reading the columnar dataset under
// parquetDir, projecting documents through proj, and fetching remote
// copies through agent.
func New(parquetDir string, proj *project.Projector, agent transfer.Agent, log *zap.SugaredLogger) *Sampler {
	return &Sampler{parquetDir: parquetDir, proj: proj, agent: agent, log: log}
}

// Run selects a sample of `size` identifiers and checks each.
func (s *Sampler) Run(ctx context.Context, size int) (Report, error) {
	if size <= 0 {
		size = DefaultSize
	}
	ids, err := s.pickSample(ctx, size)
	if err != nil {
		return Report{}, fmt.Errorf("sampler: pick sample: %w", err)
	}

	results := make([]Result, 0, len(ids))
	allPass := true
	for _, id := range ids {
		res := s.checkOne(ctx, id)
		if !res.Pass {
			allPass = false
		}
		if s.log != nil {
			s.log.Infow("sample checked", "identifier", id, "pass", res.Pass)
		}
		results = append(results, res)
	}
	return Report{Results: results, Pass: allPass}, nil
}

// checkOne renders identifier locally, fetches its remote JSON, and
// compares canonical hashes. Any failure along the way is reported as
// a failed Result, never as an error returned to the caller.
func (s *Sampler) checkOne(ctx context.Context, identifier string) Result {
	if len(identifier) != 14 {
		return Result{Identifier: identifier, Pass: false, Err: fmt.Errorf("%w: %s: malformed identifier", errs.ErrSampleMismatch, identifier)}
	}
	base, order, check := identifier[:8], identifier[8:12], identifier[12:14]

	doc, found, err := s.proj.ProjectOne(ctx, base, order, check)
	if err != nil || !found {
		return Result{Identifier: identifier, Pass: false, Err: fmt.Errorf("%w: %s: local projection failed: %v", errs.ErrSampleMismatch, identifier, err)}
	}
	localHash := hashDocument(doc)

	tmp, err := os.CreateTemp("", "cnpjetl-sample-*.json")
	if err != nil {
		return Result{Identifier: identifier, LocalHash: localHash, Pass: false, Err: fmt.Errorf("%w: %s: create temp file: %v", errs.ErrSampleMismatch, identifier, err)}
	}
	remotePath := tmp.Name()
	tmp.Close()
	defer os.Remove(remotePath)

	ok, err := s.agent.FetchFile(ctx, identifier+".json", remotePath)
	if err != nil || !ok {
		return Result{Identifier: identifier, LocalHash: localHash, Pass: false, Err: fmt.Errorf("%w: %s: remote fetch failed: %v", errs.ErrSampleMismatch, identifier, err)}
	}

	remoteBytes, err := os.ReadFile(remotePath)
	if err != nil {
		return Result{Identifier: identifier, LocalHash: localHash, Pass: false, Err: fmt.Errorf("%w: %s: read remote file: %v", errs.ErrSampleMismatch, identifier, err)}
	}
	remoteHash := hashDocument(string(remoteBytes))

	if localHash != remoteHash {
		return Result{Identifier: identifier, LocalHash: localHash, RemoteHash: remoteHash, Pass: false,
			Err: fmt.Errorf("%w: %s: hash mismatch", errs.ErrSampleMismatch, identifier)}
	}
	return Result{Identifier: identifier, LocalHash: localHash, RemoteHash: remoteHash, Pass: true}
}

func hashDocument(jsonText string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical.Canonicalize(jsonText)))
}

// pickSample implements §4.9's selection algorithm over the
// per-prefix columnar dataset: it visits materialized prefixes in
// random order, attaching each one's establishment/simples/partner
// files in turn, picking one simples-matched and one partner-matched
// identifier as soon as each is found, and filling the remainder with
// distinct random establishments until size is reached or every
// prefix has been visited.
func (s *Sampler) pickSample(ctx context.Context, size int) ([]string, error) {
	prefixes, err := prefixesPresent(s.parquetDir)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(prefixes), func(i, j int) { prefixes[i], prefixes[j] = prefixes[j], prefixes[i] })

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("sampler: open engine: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	picked := map[string]bool{}
	var seeds, rest []string
	add := func(list *[]string, id string) bool {
		if id == "" || picked[id] {
			return false
		}
		picked[id] = true
		*list = append(*list, id)
		return true
	}

	haveSimples, havePartner := false, false
	for _, prefix := range prefixes {
		if haveSimples && havePartner && len(seeds)+len(rest) >= size {
			break
		}
		if err := attachSamplePrefix(ctx, db, s.parquetDir, prefix); err != nil {
			continue
		}

		if !haveSimples {
			if id := queryOneRandom(ctx, db, `
				SELECT e.base || e.order_num || e.check_digit FROM establishment e
				INNER JOIN simples sr ON e.base = sr.base
				ORDER BY RANDOM() LIMIT 1`); add(&seeds, id) {
				haveSimples = true
			}
		}
		if !havePartner {
			if id := queryOneRandom(ctx, db, `
				SELECT e.base || e.order_num || e.check_digit FROM establishment e
				INNER JOIN partner p ON e.base = p.base
				ORDER BY RANDOM() LIMIT 1`); add(&seeds, id) {
				havePartner = true
			}
		}
		if len(seeds)+len(rest) < size {
			rows, err := db.QueryContext(ctx, `
				SELECT DISTINCT e.base || e.order_num || e.check_digit FROM establishment e
				ORDER BY RANDOM() LIMIT ?`, size*2)
			if err == nil {
				for rows.Next() {
					var id string
					if scanErr := rows.Scan(&id); scanErr == nil {
						if add(&rest, id) && len(seeds)+len(rest) >= size {
							break
						}
					}
				}
				rows.Close()
			}
		}
		detachSamplePrefix(ctx, db)
	}

	// Seeds go first so trimming to size only drops random fill.
	order := append(seeds, rest...)
	if len(order) > size {
		order = order[:size]
	}
	return order, nil
}

func attachSamplePrefix(ctx context.Context, db *sql.DB, parquetDir, prefix string) error {
	attachments := []struct{ alias, path string }{
		{"establishment", columnar.PrefixFilePath(parquetDir, "establishment", prefix)},
		{"simples", columnar.PrefixFilePath(parquetDir, "simples", prefix)},
		{"partner", columnar.PrefixFilePath(parquetDir, "partner", prefix)},
	}
	for _, a := range attachments {
		path := strings.ReplaceAll(a.path, "'", "''")
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE '%s' AS %s_db", path, a.alias)); err != nil {
			return fmt.Errorf("sampler: attach %s: %w", a.alias, err)
		}
	}
	for _, a := range attachments {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TEMP VIEW %s AS SELECT * FROM %s_db.%s", a.alias, a.alias, a.alias)); err != nil {
			return fmt.Errorf("sampler: view %s: %w", a.alias, err)
		}
	}
	return nil
}

func detachSamplePrefix(ctx context.Context, db *sql.DB) {
	for _, name := range []string{"establishment", "simples", "partner"} {
		db.ExecContext(ctx, "DROP VIEW IF EXISTS "+name)
		db.ExecContext(ctx, "DETACH DATABASE "+name+"_db")
	}
}

func queryOneRandom(ctx context.Context, db *sql.DB, query string) string {
	var id string
	if err := db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return ""
	}
	return id
}

func prefixesPresent(parquetDir string) ([]string, error) {
	dir := filepath.Join(parquetDir, "establishment")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sampler: read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if prefix, ok := strings.CutPrefix(e.Name(), "prefix="); ok {
			out = append(out, prefix)
		}
	}
	return out, nil
}
