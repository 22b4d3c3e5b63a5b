package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediajob/internal/config"
	"mediajob/internal/db"
)

func TestOpenLocalRuntime(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Signing.Secret = "s3cret"
	log, hook := test.NewNullLogger()

	rt, err := Open(context.Background(), workspace, cfg, log)
	require.NoError(t, err)
	defer rt.Close()

	_, err = os.Stat(db.Path(workspace))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(workspace, cfg.Storage.Path))
	assert.NoError(t, err)
	assert.Empty(t, hook.AllEntries())

	d, err := rt.Engine.CreateDocument(context.Background(), "Lecture", "tester")
	require.NoError(t, err)
	assert.True(t, rt.Engine.CheckAccess(context.Background(), "write", "tester", d.ID))
	assert.NoError(t, rt.Blobs.Check(context.Background()))
}

func TestOpenWarnsWithoutSecret(t *testing.T) {
	log, hook := test.NewNullLogger()
	rt, err := Open(context.Background(), t.TempDir(), config.Default(), log)
	require.NoError(t, err)
	defer rt.Close()
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "signing.secret")
}
