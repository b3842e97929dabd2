package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leoline/internal/config"
	"leoline/internal/repo"
)

func TestResolveConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := ResolveConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Verification.Threshold, cfg.Verification.Threshold)
}

func TestResolveConfigExplicitFileErrorsAreWrapped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("verification:\n  threshold: 400\n"), 0o644))
	_, err := ResolveConfig(dir, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestOpenMigratesStore(t *testing.T) {
	e, conn, err := Open(Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	items, err := e.ListSDs(context.Background(), repo.SDFilters{})
	require.NoError(t, err)
	assert.Empty(t, items)
}
