package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leoline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	v1, err := Version(conn)
	require.NoError(t, err)
	require.NoError(t, Migrate(conn))
	v2, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Positive(t, v1)

	for _, table := range []string{"strategic_directives", "phase_handoffs", "verification_results", "sub_items", "sd_artifacts", "overrides", "leases", "events"} {
		var n int
		require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM `+table), table)
	}
}

func TestDialect(t *testing.T) {
	assert.Equal(t, "postgres", Dialect("postgres"))
	assert.Equal(t, "sqlite", Dialect("sqlite"))
}
