package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "llmops.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestApplySQLiteCreatesBlobTables(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	require.NoError(t, Apply(context.Background(), db, DriverSQLite))

	assert.True(t, sqliteTableExists(t, db, "blobs"))
	assert.True(t, sqliteTableExists(t, db, "blob_lines"))

	applied, err := Applied(context.Background(), db)
	require.NoError(t, err)
	want, err := Names(DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, want, applied)
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	require.NoError(t, Apply(context.Background(), db, DriverSQLite))
	first, err := Applied(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, Apply(context.Background(), db, DriverSQLite))
	second, err := Applied(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestNamesAreSortedPerDriver(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{DriverSQLite, DriverPostgres} {
		names, err := Names(driver)
		require.NoError(t, err)
		require.NotEmpty(t, names, driver)
		assert.IsNonDecreasing(t, names)
		for _, name := range names {
			assert.Equal(t, driver, filepath.Dir(name))
		}
	}
}

func TestApplyRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	assert.Error(t, Apply(context.Background(), db, "mysql"))
	_, err := Names("mysql")
	assert.Error(t, err)
}

func sqliteTableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count)
	require.NoError(t, err)
	return count > 0
}
