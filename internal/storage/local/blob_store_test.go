// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlosdotorg/atlos/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out", "run")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
		assert.Equal(t, dir, store.Root())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("LeavesNoMarkerBehind", func(t *testing.T) {
		dir := t.TempDir()
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		data := []byte("hello world")
		uri, err := store.PutObject(ctx, "object.txt", "text/plain", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "object.txt"), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, "object.txt"))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
		assert.True(t, store.Exists("object.txt"))
	})

	t.Run("NeverOverwrites", func(t *testing.T) {
		_, err := store.PutObject(ctx, "once.bin", "", strings.NewReader("first"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "once.bin", "", strings.NewReader("second"))
		require.True(t, errors.Is(err, local.ErrObjectExists))

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, "once.bin"))
		require.NoError(t, err)
		assert.Equal(t, "first", string(readData))
	})

	t.Run("NestedPath", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "a/b/c/object.txt", "text/plain", strings.NewReader("nested"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "a", "b", "c", "object.txt"), uri)
	})

	t.Run("Rejects", func(t *testing.T) {
		for _, path := range []string{"", "  ", "../escape.txt", "a/../../escape.txt"} {
			_, err := store.PutObject(ctx, path, "text/plain", strings.NewReader("data"))
			assert.Error(t, err, path)
		}
		assert.False(t, store.Exists("../escape.txt"))
	})
}
