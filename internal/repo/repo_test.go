package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leoline/internal/db"
	"leoline/internal/domain"
	"leoline/internal/migrate"
	"leoline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func insertSD(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	ts := "2024-01-01T00:00:00Z"
	require.NoError(t, r.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return r.InsertSD(context.Background(), tx, domain.StrategicDirective{
			ID: id, Title: id, Type: "feature", Status: domain.StatusDraft,
			CurrentPhase: domain.PhaseLeadApproval, CreatedBy: "tester", CreatedAt: ts, UpdatedAt: ts,
		})
	}))
}

func TestWithTxRetriesLockContention(t *testing.T) {
	r := newRepo(t)
	attempts := 0
	err := r.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithTxStopsOnPermanentError(t *testing.T) {
	r := newRepo(t)
	attempts := 0
	err := r.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		attempts++
		_, err := r.GetSDTx(context.Background(), tx, "SD-NOPE")
		return err
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 1, attempts)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r := newRepo(t)
	boom := errors.New("boom")
	err := r.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		ts := "2024-01-01T00:00:00Z"
		if err := r.InsertSD(context.Background(), tx, domain.StrategicDirective{
			ID: "SD-RB", Title: "rb", Type: "feature", Status: domain.StatusDraft,
			CurrentPhase: domain.PhaseLeadApproval, CreatedBy: "tester", CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = r.GetSD(context.Background(), "SD-RB")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListSDsFilters(t *testing.T) {
	r := newRepo(t)
	insertSD(t, r, "SD-A")
	insertSD(t, r, "SD-B")
	parent := "SD-A"
	require.NoError(t, r.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return r.SetParent(context.Background(), tx, "SD-B", &parent, "2024-01-02T00:00:00Z")
	}))

	roots, err := r.ListSDs(context.Background(), repo.SDFilters{RootOnly: true})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "SD-A", roots[0].ID)

	children, err := r.ListChildren(context.Background(), r.DB, "SD-A")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "SD-B", children[0].ID)
}

func TestEventsAreAppendOnly(t *testing.T) {
	r := newRepo(t)
	_, err := r.DB.Exec(`INSERT INTO events(ts,type,sd_id,entity_kind,entity_id,actor_id,payload_json) VALUES ('2024-01-01T00:00:00Z','sd.created',NULL,'sd',NULL,'tester','{}')`)
	require.NoError(t, err)

	_, err = r.DB.Exec(`UPDATE events SET type='tampered'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	items, err := r.LatestEvents(context.Background(), repo.EventFilters{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "sd.created", items[0].Type)
}
