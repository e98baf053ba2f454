// Package columnar loads the CSV family into an embedded SQL engine
// (modernc.org/sqlite standing in for the columnar/partitioned query
// engine the external contract names) and exposes the resulting
// tables to the document projector. Partitioned tables are split one
// SQLite file per prefix; lookup tables share a single file — see
// DESIGN.md for why no on-disk Parquet writer is used.
package columnar

import "path/filepath"

// Table names a logical source table: its CSV glob, its fixed ordered
// column list (all TEXT in the loaded schema; numeric/date
// interpretation happens only at projection time), and whether it is
// partitioned by the two-character identifier prefix.
type Table struct {
	Name        string
	Glob        string
	Columns     []string
	Partitioned bool
}

// Tables lists all ten logical source tables in the order the loader
// processes them.
var Tables = []Table{
	{
		Name:        "establishment",
		Glob:        "ESTABELE",
		Partitioned: true,
		Columns: []string{
			"base", "order_num", "check_digit", "hq_or_branch", "trade_name",
			"status", "status_date", "status_reason", "foreign_city", "country_code",
			"start_date", "primary_cnae", "secondary_cnaes",
			"street_kind", "street", "number", "complement", "district",
			"postal_code", "state", "municipality_code",
			"area_code_1", "phone_1", "area_code_2", "phone_2", "area_code_fax", "fax",
			"email", "special_status", "special_status_date",
		},
	},
	{
		Name:        "company",
		Glob:        "EMPRECSV",
		Partitioned: true,
		Columns: []string{
			"base", "legal_name", "legal_nature_code", "responsible_qualification",
			"share_capital", "size", "federal_entity",
		},
	},
	{
		Name:        "partner",
		Glob:        "SOCIOCSV",
		Partitioned: true,
		Columns: []string{
			"base", "partner_kind", "name", "identifier", "qualification",
			"entry_date", "country_code", "representative_identifier",
			"representative_name", "representative_qualification", "age_band",
		},
	},
	{
		Name:        "simples",
		Glob:        "SIMPLES",
		Partitioned: true,
		Columns: []string{
			"base", "opt_flag", "opt_date", "exit_date",
			"mei_opt_flag", "mei_opt_date", "mei_exit_date",
		},
	},
	{Name: "cnae", Glob: "CNAECSV", Columns: []string{"code", "description"}},
	{Name: "reason", Glob: "MOTICSV", Columns: []string{"code", "description"}},
	{Name: "municipality", Glob: "MUNICCSV", Columns: []string{"code", "description"}},
	{Name: "legal_nature", Glob: "NATJUCSV", Columns: []string{"code", "description"}},
	{Name: "country", Glob: "PAISCSV", Columns: []string{"code", "description"}},
	{Name: "qualification", Glob: "QUALSCSV", Columns: []string{"code", "description"}},
}

// LookupFileName is the single SQLite file holding every non-partitioned
// lookup table.
const LookupFileName = "lookup.sqlite"

// PrefixFilePath returns the per-prefix SQLite file path for a
// partitioned table under parquetDir.
func PrefixFilePath(parquetDir, table, prefix string) string {
	return filepath.Join(parquetDir, table, "prefix="+prefix, "data.sqlite")
}

// LookupFilePath returns the shared lookup SQLite file path under
// parquetDir.
func LookupFilePath(parquetDir string) string {
	return filepath.Join(parquetDir, LookupFileName)
}

func createTableSQL(t Table) string {
	sql := "CREATE TABLE IF NOT EXISTS " + t.Name + " ("
	for i, c := range t.Columns {
		if i > 0 {
			sql += ", "
		}
		sql += c + " TEXT"
	}
	sql += ")"
	return sql
}
