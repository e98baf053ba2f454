// Package project builds the per-entity canonical JSON document via a
// fixed join plan over the columnar dataset: one establishment row
// joined to its company, simples-regime, legal-nature, municipality
// and aggregated-partner data, with the registry's fixed code tables
// translated inline and ISO dates reformatted in SQL.
package project

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/opencnpj/etl-engine/internal/columnar"
)

// Row is one projected document: its identifier and the JSON text the
// engine produced (not yet canonicalized; callers run it through
// internal/canonical before hashing or publishing).
type Row struct {
	Identifier string
	JSON       string
}

// Projector runs project_prefix/project_one queries against the
// columnar dataset. It holds the one open engine connection the
// dataset's query surface uses; all queries are serialized through mu
// since the underlying engine session is a single-connection
// collaborator (attaching/detaching a different prefix's files is not
// safe to interleave).
type Projector struct {
	parquetDir string
	mu         sync.Mutex
	db         *sql.DB
}

// Open connects to an in-memory engine session that ATTACHes
// per-prefix and lookup files on demand.
func Open(parquetDir string) (*Projector, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("project: open engine: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Projector{parquetDir: parquetDir, db: db}, nil
}

// Close releases the engine connection.
func (p *Projector) Close() error {
	return p.db.Close()
}

// ProjectPrefix returns one Row per establishment in the given
// two-character prefix, or no rows when the prefix has no establishment
// partition.
func (p *Projector) ProjectPrefix(ctx context.Context, prefix string) ([]Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasEstablishments(prefix) {
		return nil, nil
	}
	if err := p.attach(ctx, prefix); err != nil {
		return nil, err
	}
	defer p.detach(ctx)

	query := buildQuery(true)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("project: query prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Identifier, &r.JSON); err != nil {
			return nil, fmt.Errorf("project: scan prefix %s: %w", prefix, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProjectOne returns the single document for the fully-qualified
// identifier parts, or ("", false, nil) if no establishment matches.
func (p *Projector) ProjectOne(ctx context.Context, base, order, check string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := base[:2]
	if !p.hasEstablishments(prefix) {
		return "", false, nil
	}
	if err := p.attach(ctx, prefix); err != nil {
		return "", false, err
	}
	defer p.detach(ctx)

	query := buildQuery(false)
	var doc string
	err := p.db.QueryRowContext(ctx, query, base, order, check).Scan(&doc)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("project: query one %s%s%s: %w", base, order, check, err)
	}
	return doc, true, nil
}

func (p *Projector) hasEstablishments(prefix string) bool {
	_, err := os.Stat(columnar.PrefixFilePath(p.parquetDir, "establishment", prefix))
	return err == nil
}

func (p *Projector) attach(ctx context.Context, prefix string) error {
	attachments := []struct{ alias, path string }{
		{"ESTABLISHMENT", columnar.PrefixFilePath(p.parquetDir, "establishment", prefix)},
		{"COMPANY", columnar.PrefixFilePath(p.parquetDir, "company", prefix)},
		{"PARTNER", columnar.PrefixFilePath(p.parquetDir, "partner", prefix)},
		{"SIMPLES", columnar.PrefixFilePath(p.parquetDir, "simples", prefix)},
		{"LOOKUP", columnar.LookupFilePath(p.parquetDir)},
	}
	for _, a := range attachments {
		stmt := fmt.Sprintf("ATTACH DATABASE '%s' AS %s", strings.ReplaceAll(a.path, "'", "''"), a.alias)
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("project: attach %s: %w", a.alias, err)
		}
	}
	return nil
}

func (p *Projector) detach(ctx context.Context) {
	for _, alias := range []string{"ESTABLISHMENT", "COMPANY", "PARTNER", "SIMPLES", "LOOKUP"} {
		p.db.ExecContext(ctx, fmt.Sprintf("DETACH DATABASE %s", alias))
	}
}

// buildQuery constructs the join-plan query. withIdentifier selects
// the concatenated identifier column first and omits a WHERE clause
// (true for project_prefix, since the attached establishment file
// already holds only that prefix's rows); otherwise it adds the
// project_one filter on (base, order, check).
func buildQuery(withIdentifier bool) string {
	qsaSubquery := `(
		SELECT json_group_array(json_object(
			'nome_socio', COALESCE(s.name, ''),
			'cnpj_cpf_socio', COALESCE(s.identifier, ''),
			'qualificacao_socio', COALESCE(qs.description, ''),
			'data_entrada_sociedade', ` + isoDate("s.entry_date") + `,
			'identificador_socio', ` + partnerKindCase("s.partner_kind") + `,
			'faixa_etaria', ` + ageBandCase("s.age_band") + `
		))
		FROM PARTNER.partner s
		LEFT JOIN LOOKUP.qualification qs ON s.qualification = qs.code
		WHERE s.base = e.base
	)`

	phonesSubquery := `(
		SELECT json_group_array(json_object('area', area, 'number', number, 'is_fax', json(is_fax)))
		FROM (
			SELECT e.area_code_1 AS area, e.phone_1 AS number, 'false' AS is_fax
			WHERE e.area_code_1 IS NOT NULL AND e.area_code_1 != '' OR e.phone_1 IS NOT NULL AND e.phone_1 != ''
			UNION ALL
			SELECT e.area_code_2, e.phone_2, 'false'
			WHERE e.area_code_2 IS NOT NULL AND e.area_code_2 != '' OR e.phone_2 IS NOT NULL AND e.phone_2 != ''
			UNION ALL
			SELECT e.area_code_fax, e.fax, 'true'
			WHERE e.area_code_fax IS NOT NULL AND e.area_code_fax != '' OR e.fax IS NOT NULL AND e.fax != ''
		)
	)`

	secondaryCnaes := `CASE
		WHEN e.secondary_cnaes IS NOT NULL AND e.secondary_cnaes != ''
		THEN (SELECT json_group_array(value) FROM json_each('["' || REPLACE(e.secondary_cnaes, ',', '","') || '"]'))
		ELSE json_array()
	END`

	docObject := `json_object(
		'cnpj', e.base || e.order_num || e.check_digit,
		'razao_social', COALESCE(emp.legal_name, ''),
		'nome_fantasia', COALESCE(e.trade_name, ''),
		'situacao_cadastral', ` + statusCase("e.status") + `,
		'data_situacao_cadastral', ` + isoDate("e.status_date") + `,
		'matriz_filial', ` + hqBranchCase("e.hq_or_branch") + `,
		'data_inicio_atividade', ` + isoDate("e.start_date") + `,
		'cnae_principal', COALESCE(e.primary_cnae, ''),
		'cnaes_secundarios', ` + secondaryCnaes + `,
		'natureza_juridica', COALESCE(nat.description, ''),
		'tipo_logradouro', COALESCE(e.street_kind, ''),
		'logradouro', COALESCE(e.street, ''),
		'numero', COALESCE(e.number, ''),
		'complemento', COALESCE(e.complement, ''),
		'bairro', COALESCE(e.district, ''),
		'cep', COALESCE(e.postal_code, ''),
		'uf', COALESCE(e.state, ''),
		'municipio', COALESCE(mun.description, ''),
		'email', COALESCE(e.email, ''),
		'telefones', COALESCE(` + phonesSubquery + `, json_array()),
		'capital_social', COALESCE(emp.share_capital, ''),
		'porte_empresa', ` + sizeCase("emp.size") + `,
		'opcao_simples', COALESCE(sr.opt_flag, ''),
		'data_opcao_simples', ` + isoDate("sr.opt_date") + `,
		'opcao_mei', COALESCE(sr.mei_opt_flag, ''),
		'data_opcao_mei', ` + isoDate("sr.mei_opt_date") + `,
		'QSA', COALESCE(` + qsaSubquery + `, json_array())
	)`

	selectCols := docObject + " AS json_output"
	if withIdentifier {
		selectCols = "e.base || e.order_num || e.check_digit AS cnpj, " + selectCols
	}

	where := ""
	if !withIdentifier {
		where = "WHERE e.base = ? AND e.order_num = ? AND e.check_digit = ?"
	}

	return fmt.Sprintf(`
		SELECT %s
		FROM ESTABLISHMENT.establishment e
		LEFT JOIN COMPANY.company emp ON e.base = emp.base
		LEFT JOIN SIMPLES.simples sr ON e.base = sr.base
		LEFT JOIN LOOKUP.legal_nature nat ON emp.legal_nature_code = nat.code
		LEFT JOIN LOOKUP.municipality mun ON e.municipality_code = mun.code
		%s`, selectCols, where)
}

// isoDate reformats an 8-digit YYYYMMDD column to YYYY-MM-DD, matching
// the ^[0-9]{8}$ guard with SQLite's GLOB character classes since
// SQLite has no builtin POSIX regex function.
func isoDate(col string) string {
	digit8 := "[0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9]"
	return fmt.Sprintf(`CASE WHEN %s GLOB '%s' THEN substr(%s,1,4)||'-'||substr(%s,5,2)||'-'||substr(%s,7,2) ELSE COALESCE(%s, '') END`,
		col, digit8, col, col, col, col)
}

func statusCase(col string) string {
	return fmt.Sprintf(`CASE substr('00' || %s, -2)
		WHEN '01' THEN 'Nula' WHEN '02' THEN 'Ativa' WHEN '03' THEN 'Suspensa'
		WHEN '04' THEN 'Inapta' WHEN '08' THEN 'Baixada' ELSE %s END`, col, col)
}

func hqBranchCase(col string) string {
	return fmt.Sprintf(`CASE %s WHEN '1' THEN 'Matriz' WHEN '2' THEN 'Filial' ELSE %s END`, col, col)
}

func sizeCase(col string) string {
	return fmt.Sprintf(`CASE %s
		WHEN '00' THEN 'Não informado' WHEN '01' THEN 'Microempresa (ME)'
		WHEN '03' THEN 'Empresa de Pequeno Porte (EPP)' WHEN '05' THEN 'Demais'
		ELSE COALESCE(%s, '') END`, col, col)
}

func partnerKindCase(col string) string {
	return fmt.Sprintf(`CASE %s WHEN '1' THEN 'Pessoa Jurídica' WHEN '2' THEN 'Pessoa Física'
		WHEN '3' THEN 'Estrangeiro' ELSE COALESCE(%s, '') END`, col, col)
}

func ageBandCase(col string) string {
	return fmt.Sprintf(`CASE %s
		WHEN '0' THEN 'Não se aplica' WHEN '1' THEN '0 a 12 anos' WHEN '2' THEN '13 a 20 anos'
		WHEN '3' THEN '21 a 30 anos' WHEN '4' THEN '31 a 40 anos' WHEN '5' THEN '41 a 50 anos'
		WHEN '6' THEN '51 a 60 anos' WHEN '7' THEN '61 a 70 anos' WHEN '8' THEN '71 a 80 anos'
		WHEN '9' THEN 'Mais de 80 anos' ELSE COALESCE(%s, '') END`, col, col)
}
