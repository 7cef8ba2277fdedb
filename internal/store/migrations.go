package store

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/libsql/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

const (
	dialectLibSQL   = "libsql"
	dialectPostgres = "postgres"
)

// migration is one NNN_name.sql file of a dialect.
type migration struct {
	Version int
	Name    string
	SQL     string
}

func (m migration) statements() []string { return splitStatements(m.SQL) }

// loadMigrations returns the embedded migrations of a dialect sorted by version.
func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	files, err := fs.Glob(migrationFS, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list %s migrations: %w", dialect, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no %s migrations embedded", dialect)
	}

	out := make([]migration, 0, len(files))
	seen := make(map[int]string, len(files))
	for _, file := range files {
		base := strings.TrimSuffix(path.Base(file), ".sql")
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", file)
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", file, err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", file, version, prev)
		}
		seen[version] = file
		body, err := migrationFS.ReadFile(file)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(body)})
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// migrationTarget is the dialect-specific half of a schema upgrade. Each
// apply call must run the statements and the version record in one transaction.
type migrationTarget interface {
	dialect() string
	ensureVersionTable(ctx context.Context) error
	currentVersion(ctx context.Context) (int, error)
	apply(ctx context.Context, m migration) error
}

// migrate brings t up to the newest embedded migration and reports how many
// were applied.
func migrate(ctx context.Context, t migrationTarget) (int, error) {
	all, err := loadMigrations(t.dialect())
	if err != nil {
		return 0, err
	}
	if err := t.ensureVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	current, err := t.currentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}

	applied := 0
	for _, m := range all {
		if m.Version <= current {
			continue
		}
		if err := t.apply(ctx, m); err != nil {
			return applied, fmt.Errorf("migration %03d_%s: %w", m.Version, m.Name, err)
		}
		applied++
	}
	return applied, nil
}

// sqlTarget migrates a database/sql handle (libSQL).
type sqlTarget struct{ db *sql.DB }

func (sqlTarget) dialect() string { return dialectLibSQL }

func (t sqlTarget) ensureVersionTable(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (t sqlTarget) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := t.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

func (t sqlTarget) apply(ctx context.Context, m migration) (err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range m.statements() {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// pgxTarget migrates a pgx pool.
type pgxTarget struct{ pool *pgxpool.Pool }

func (pgxTarget) dialect() string { return dialectPostgres }

func (t pgxTarget) ensureVersionTable(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`)
	return err
}

func (t pgxTarget) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := t.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

func (t pgxTarget) apply(ctx context.Context, m migration) error {
	return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		for _, stmt := range m.statements() {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
		return err
	})
}

// splitStatements cuts a script on semicolons and drops chunks that hold
// only comments or whitespace.
func splitStatements(script string) []string {
	var stmts []string
	for chunk := range strings.SplitSeq(script, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" && hasCode(chunk) {
			stmts = append(stmts, chunk)
		}
	}
	return stmts
}

func hasCode(chunk string) bool {
	for line := range strings.Lines(chunk) {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
