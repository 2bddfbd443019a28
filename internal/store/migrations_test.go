package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFiles, "migrations")
	require.NoError(t, err)
	require.Len(t, ms, 4)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.Equal(t, "tool_registry", ms[1].Name)
	assert.Equal(t, "scheduled_transitions", ms[2].Name)
	assert.Equal(t, "trace_invocation", ms[3].Name)
	assert.Len(t, ms[0].Checksum, 64)
}

func TestLoadMigrations_OrderAndErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql": {Data: []byte("CREATE TABLE b (x INT);")},
		"m/002_first.sql": {Data: []byte("CREATE TABLE a (x INT);")},
		"m/README.md":     {Data: []byte("ignored")},
	}
	ms, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, []int{2, 10}, []int{ms[0].Version, ms[1].Version})

	_, err = loadMigrations(fstest.MapFS{"m/abc_x.sql": {Data: []byte("")}}, "m")
	assert.ErrorContains(t, err, "bad version prefix")

	_, err = loadMigrations(fstest.MapFS{"m/noname.sql": {Data: []byte("")}}, "m")
	assert.ErrorContains(t, err, "want NNN_name.sql")

	_, err = loadMigrations(fstest.MapFS{
		"m/001_a.sql":  {Data: []byte("")},
		"m/0001_b.sql": {Data: []byte("")},
	}, "m")
	assert.ErrorContains(t, err, "share version 1")
}

func TestMigrate_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 4, n)
}

func TestApplyMigrations_DetectsEditedScript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ms, err := loadMigrations(migrationFiles, "migrations")
	require.NoError(t, err)
	ms[1].Checksum = "edited"

	err = applyMigrations(ctx, s.DB(), ms)
	assert.ErrorContains(t, err, "migration 2 (tool_registry) changed after it was applied")
}

func TestApplyMigrations_FailedScriptRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := migration{Version: 99, Name: "broken", SQL: "CREATE TABLE half (x INT);\nNOT SQL;", Checksum: "x"}
	err := applyMigrations(ctx, s.DB(), []migration{bad})
	assert.ErrorContains(t, err, "migration 99 (broken)")

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'half'`).Scan(&n))
	assert.Zero(t, n)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}
