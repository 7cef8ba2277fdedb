package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestLibSQLStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)

	applied, err := migrate(context.Background(), sqlTarget{db: s.DB()})
	require.NoError(t, err)
	assert.Zero(t, applied, "nothing left to apply")
}

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []string{dialectLibSQL, dialectPostgres} {
		t.Run(dialect, func(t *testing.T) {
			ms, err := loadMigrations(dialect)
			require.NoError(t, err)
			require.NotEmpty(t, ms)
			assert.Equal(t, 1, ms[0].Version)
			assert.Equal(t, "initial_schema", ms[0].Name)
			assert.NotEmpty(t, splitStatements(ms[0].SQL))
		})
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- comment only
;
CREATE TABLE a (id INT);
-- trailing
CREATE INDEX i ON a (id);
`)
	require.Len(t, stmts, 2)
	assert.Empty(t, splitStatements("-- nothing\n;\n  ;"))
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestLoadMigrations_UnknownDialect(t *testing.T) {
	_, err := loadMigrations("oracle")
	assert.ErrorContains(t, err, "no oracle migrations embedded")
}
