package sampler

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/etl-engine/internal/canonical"
	"github.com/opencnpj/etl-engine/internal/columnar"
	"github.com/opencnpj/etl-engine/internal/project"
	"github.com/opencnpj/etl-engine/internal/transfer"
)

// fakeAgent serves FetchFile from an in-memory map seeded by the test;
// CopyDir/CopyFile are unused by the sampler but required by the
// interface.
type fakeAgent struct {
	files map[string][]byte
}

func (f *fakeAgent) CopyDir(context.Context, string, string, transfer.Progress) (bool, error) {
	return true, nil
}
func (f *fakeAgent) CopyFile(context.Context, string, string) (bool, error) { return true, nil }
func (f *fakeAgent) Exists(context.Context, string) (bool, error)           { return false, nil }

var _ transfer.Agent = (*fakeAgent)(nil)
func (f *fakeAgent) FetchFile(_ context.Context, remote, local string) (bool, error) {
	b, ok := f.files[remote]
	if !ok {
		return false, nil
	}
	return os.WriteFile(local, b, 0o644) == nil, nil
}

func columnarDefs(name string) string {
	for _, t := range columnar.Tables {
		if t.Name == name {
			defs := make([]string, len(t.Columns))
			for i, c := range t.Columns {
				defs[i] = c + " TEXT"
			}
			return strings.Join(defs, ", ")
		}
	}
	return ""
}

func columnarCols(name string) []string {
	for _, t := range columnar.Tables {
		if t.Name == name {
			return t.Columns
		}
	}
	return nil
}

func open(t *testing.T, path string) *sql.DB {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	return db
}

func insertEstablishment(t *testing.T, db *sql.DB, base, order, check, tradeName string) {
	t.Helper()
	cols := columnarCols("establishment")
	row := make([]any, len(cols))
	for i := range row {
		row[i] = ""
	}
	row[0], row[1], row[2], row[4], row[5] = base, order, check, tradeName, "02"
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	_, err := db.Exec("INSERT INTO establishment ("+strings.Join(cols, ",")+") VALUES ("+placeholders+")", row...)
	require.NoError(t, err)
}

// seedPrefix creates one prefix's establishment/company/partner/simples
// files with n establishments, optionally giving the first one a
// simples row and/or a partner row.
func seedPrefix(t *testing.T, parquetDir, prefix string, n int, withSimples, withPartner bool) []string {
	t.Helper()
	var ids []string

	estDB := open(t, columnar.PrefixFilePath(parquetDir, "establishment", prefix))
	defer estDB.Close()
	_, err := estDB.Exec("CREATE TABLE establishment (" + columnarDefs("establishment") + ")")
	require.NoError(t, err)

	simplesDB := open(t, columnar.PrefixFilePath(parquetDir, "simples", prefix))
	defer simplesDB.Close()
	_, err = simplesDB.Exec("CREATE TABLE simples (" + columnarDefs("simples") + ")")
	require.NoError(t, err)

	partnerDB := open(t, columnar.PrefixFilePath(parquetDir, "partner", prefix))
	defer partnerDB.Close()
	_, err = partnerDB.Exec("CREATE TABLE partner (" + columnarDefs("partner") + ")")
	require.NoError(t, err)

	companyDB := open(t, columnar.PrefixFilePath(parquetDir, "company", prefix))
	defer companyDB.Close()
	_, err = companyDB.Exec("CREATE TABLE company (" + columnarDefs("company") + ")")
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		base := prefix + "00000" + string(rune('1'+i))
		order, check := "0001", "90"
		insertEstablishment(t, estDB, base, order, check, "Empresa")
		ids = append(ids, base+order+check)

		if i == 0 && withSimples {
			_, err := simplesDB.Exec("INSERT INTO simples (base) VALUES (?)", base)
			require.NoError(t, err)
		}
		if i == 0 && withPartner {
			_, err := partnerDB.Exec("INSERT INTO partner (base) VALUES (?)", base)
			require.NoError(t, err)
		}
	}

	lookupDB := open(t, columnar.LookupFilePath(parquetDir))
	defer lookupDB.Close()
	for _, table := range []string{"legal_nature", "municipality", "qualification"} {
		lookupDB.Exec("CREATE TABLE IF NOT EXISTS " + table + " (code TEXT, description TEXT)")
	}

	return ids
}

func buildSampleDataset(t *testing.T) (string, []string) {
	t.Helper()
	parquetDir := t.TempDir()
	var all []string
	all = append(all, seedPrefix(t, parquetDir, "10", 2, true, false)...)
	all = append(all, seedPrefix(t, parquetDir, "20", 2, false, true)...)
	all = append(all, seedPrefix(t, parquetDir, "30", 2, false, false)...)
	return parquetDir, all
}

func TestRunIncludesSimplesAndPartnerSeeds(t *testing.T) {
	parquetDir, all := buildSampleDataset(t)
	proj, err := project.Open(parquetDir)
	require.NoError(t, err)
	defer proj.Close()

	agent := &fakeAgent{files: map[string][]byte{}}
	for _, id := range all {
		doc, found, err := proj.ProjectOne(context.Background(), id[:8], id[8:12], id[12:14])
		require.NoError(t, err)
		require.True(t, found)
		agent.files[id+".json"] = []byte(doc)
	}

	s := New(parquetDir, proj, agent, nil)
	report, err := s.Run(context.Background(), 4)
	require.NoError(t, err)

	assert.True(t, report.Pass)
	assert.Len(t, report.Results, 4)

	var ids []string
	for _, r := range report.Results {
		ids = append(ids, r.Identifier)
		assert.True(t, r.Pass)
		assert.NoError(t, r.Err)
	}
	assert.Contains(t, ids, "10000001000190") // the simples-matched seed
	assert.Contains(t, ids, "20000001000190") // the partner-matched seed
}

func TestRunReportsPerItemFailureOnHashMismatch(t *testing.T) {
	parquetDir, all := buildSampleDataset(t)
	proj, err := project.Open(parquetDir)
	require.NoError(t, err)
	defer proj.Close()

	agent := &fakeAgent{files: map[string][]byte{}}
	for _, id := range all {
		agent.files[id+".json"] = []byte(`{"cnpj":"` + id + `","nome_fantasia":"WRONG"}`)
	}

	s := New(parquetDir, proj, agent, nil)
	report, err := s.Run(context.Background(), 3)
	require.NoError(t, err)

	assert.False(t, report.Pass)
	for _, r := range report.Results {
		assert.False(t, r.Pass)
		assert.ErrorContains(t, r.Err, "hash mismatch")
	}
}

func TestRunReportsPerItemFailureOnMissingRemote(t *testing.T) {
	parquetDir, _ := buildSampleDataset(t)
	proj, err := project.Open(parquetDir)
	require.NoError(t, err)
	defer proj.Close()

	agent := &fakeAgent{files: map[string][]byte{}}
	s := New(parquetDir, proj, agent, nil)
	report, err := s.Run(context.Background(), 2)
	require.NoError(t, err)

	assert.False(t, report.Pass)
	for _, r := range report.Results {
		assert.False(t, r.Pass)
		assert.ErrorContains(t, r.Err, "remote fetch failed")
	}
}

func TestHashDocumentIsStableUnderCanonicalization(t *testing.T) {
	a := hashDocument(`{"a":  1,  "b": "  x  y "}`)
	b := hashDocument(`{"a":1,"b":"x y"}`)
	assert.Equal(t, a, b)
	_ = canonical.Canonicalize // keep import used if assertions above change
}
