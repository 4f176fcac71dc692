package migrate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrate_AppliesCoreMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(ctx, db, CoreMigrations))

	for _, table := range []string{"projects", "file_index_states", "file_change_history", "schema_migrations"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "expected table %s to exist", table)
		require.Equal(t, table, name)
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(ctx, db, CoreMigrations))
	require.NoError(t, Migrate(ctx, db, CoreMigrations))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, len(CoreMigrations), count)
}

func TestMigrate_SkipsAlreadyAppliedVersions(t *testing.T) {
	ctx := context.Background()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ran := false
	migrations := []Migration{
		{Version: 1, Name: "first", Apply: func(tx *sql.Tx) error {
			ran = true
			_, err := tx.Exec(`CREATE TABLE t (id INTEGER)`)
			return err
		}},
	}
	require.NoError(t, Migrate(ctx, db, migrations))
	require.True(t, ran)

	ran = false
	require.NoError(t, Migrate(ctx, db, migrations))
	require.False(t, ran, "already-applied migration should not re-run")
}
