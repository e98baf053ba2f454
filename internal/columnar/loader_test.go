package columnar

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
	"golang.org/x/text/encoding/charmap"
)

func writeCP1252CSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString(strings.Join(row, ";"))
		sb.WriteString("\n")
	}
	encoded, err := charmap.Windows1252.NewEncoder().String(sb.String())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0o644))
}

// establishmentRow builds a row with exactly len(establishment table's
// columns) fields, all empty except the overrides given by index.
func establishmentRow(overrides map[int]string) []string {
	n := len(Tables[0].Columns)
	row := make([]string, n)
	for i, v := range overrides {
		row[i] = v
	}
	return row
}

func TestLoadPartitionedTableRoutesByPrefix(t *testing.T) {
	dataDir := t.TempDir()
	parquetDir := t.TempDir()

	rowA := establishmentRow(map[int]string{0: "12345678", 1: "0001", 2: "90", 4: "Loja Principal", 5: "02"})
	rowB := establishmentRow(map[int]string{0: "99998888", 1: "0001", 2: "10", 4: "Outra", 5: "02"})
	writeCP1252CSV(t, filepath.Join(dataDir, "K3241.ESTABELE"), [][]string{rowA, rowB})

	loader, err := NewLoader(parquetDir, nil)
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background(), dataDir))

	db, err := sql.Open("sqlite", PrefixFilePath(parquetDir, "establishment", "12"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM establishment").Scan(&count))
	assert.Equal(t, 1, count)

	var tradeName string
	require.NoError(t, db.QueryRow("SELECT trade_name FROM establishment WHERE base = '12345678'").Scan(&tradeName))
	assert.Equal(t, "Loja Principal", tradeName)

	other, err := sql.Open("sqlite", PrefixFilePath(parquetDir, "establishment", "99"))
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.QueryRow("SELECT COUNT(*) FROM establishment").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLoadSkipsWhenPartitionedTargetExists(t *testing.T) {
	dataDir := t.TempDir()
	parquetDir := t.TempDir()
	row := establishmentRow(map[int]string{0: "12345678", 1: "0001", 2: "90"})
	writeCP1252CSV(t, filepath.Join(dataDir, "K3241.ESTABELE"), [][]string{row})

	require.NoError(t, os.MkdirAll(filepath.Join(parquetDir, "establishment", "prefix=12"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parquetDir, "establishment", "prefix=12", "data.sqlite"), []byte("placeholder"), 0o644))

	loader, err := NewLoader(parquetDir, nil)
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background(), dataDir))

	b, err := os.ReadFile(filepath.Join(parquetDir, "establishment", "prefix=12", "data.sqlite"))
	require.NoError(t, err)
	assert.Equal(t, "placeholder", string(b))
}

func TestLoadLookupTable(t *testing.T) {
	dataDir := t.TempDir()
	parquetDir := t.TempDir()
	writeCP1252CSV(t, filepath.Join(dataDir, "F.K03200CNAECSV"), [][]string{
		{"6201500", "Desenvolvimento de programas"},
		{"6202300", "Consultoria"},
	})

	loader, err := NewLoader(parquetDir, nil)
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background(), dataDir))

	db, err := sql.Open("sqlite", LookupFilePath(parquetDir))
	require.NoError(t, err)
	defer db.Close()

	var desc string
	require.NoError(t, db.QueryRow("SELECT description FROM cnae WHERE code = '6201500'").Scan(&desc))
	assert.Equal(t, "Desenvolvimento de programas", desc)
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	dataDir := t.TempDir()
	parquetDir := t.TempDir()
	valid := establishmentRow(map[int]string{0: "12345678", 1: "0001", 2: "90", 4: "Valid"})

	var sb strings.Builder
	sb.WriteString(strings.Join(valid, ";"))
	sb.WriteString("\n")
	sb.WriteString("badrow;only;three\n") // too few fields, silently skipped

	encoded, err := charmap.Windows1252.NewEncoder().String(sb.String())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "K3241.ESTABELE"), []byte(encoded), 0o644))

	loader, err := NewLoader(parquetDir, nil)
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background(), dataDir))

	db, err := sql.Open("sqlite", PrefixFilePath(parquetDir, "establishment", "12"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM establishment").Scan(&count))
	assert.Equal(t, 1, count)
}
