package db

import (
	"bytes"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n))
	return n > 0
}

func TestGetLatestMigrationVersion(t *testing.T) {
	embedded, err := getMigrationsFS()
	require.NoError(t, err)
	v, err := GetLatestMigrationVersion(embedded)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)

	tests := []struct {
		name    string
		fsys    fstest.MapFS
		want    uint
		wantErr bool
	}{
		{
			name: "picks highest",
			fsys: fstest.MapFS{
				"000003_c.up.sql":   {Data: []byte("SELECT 1;")},
				"000010_d.up.sql":   {Data: []byte("SELECT 1;")},
				"000010_d.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: 10,
		},
		{name: "empty", fsys: fstest.MapFS{}, wantErr: true},
		{
			name:    "unnumbered",
			fsys:    fstest.MapFS{"init.up.sql": {Data: []byte("SELECT 1;")}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetLatestMigrationVersion(tt.fsys)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMigrateUpDown(t *testing.T) {
	db, _ := openRawDB(t)
	fsys, err := getMigrationsFS()
	require.NoError(t, err)

	v, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(fsys))
	assert.True(t, tableExists(t, db, "sweep_runs"))
	assert.True(t, tableExists(t, db, "sweep_combinations"))

	// Up again is a no-op.
	require.NoError(t, db.MigrateUp(fsys))

	st, err := db.GetMigrationStatus(fsys)
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{Version: 2, Latest: 2, SchemaMigrationsExists: true}, st)

	require.NoError(t, db.MigrateTo(fsys, 1))
	v, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, db.MigrateDown(fsys))
	assert.False(t, tableExists(t, db, "sweep_runs"))

	require.NoError(t, db.MigrateForce(fsys, 2))
	v, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestRunMigrateCommand(t *testing.T) {
	_, path := openRawDB(t)

	t.Run("help", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
		assert.Contains(t, out.String(), "Usage: paramsweep migrate")
	})

	t.Run("missing action", func(t *testing.T) {
		var out bytes.Buffer
		assert.Error(t, RunMigrateCommand(nil, path, &out))
		assert.Contains(t, out.String(), "Commands:")
	})

	t.Run("status before up", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
		assert.Contains(t, out.String(), "Current version: 0")
		assert.Contains(t, out.String(), "2 version(s) behind")
	})

	t.Run("up", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
		assert.Contains(t, out.String(), "Current version: 2")
		assert.Contains(t, out.String(), "up to date")
	})

	t.Run("version requires argument", func(t *testing.T) {
		assert.Error(t, RunMigrateCommand([]string{"version"}, path, &bytes.Buffer{}))
		assert.Error(t, RunMigrateCommand([]string{"version", "two"}, path, &bytes.Buffer{}))
	})

	t.Run("unknown action", func(t *testing.T) {
		err := RunMigrateCommand([]string{"sideways"}, path, &bytes.Buffer{})
		assert.ErrorContains(t, err, "unknown migrate action")
	})
}
