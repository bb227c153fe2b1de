package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "instances.json"))
	docs, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "instances.json")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, map[string]json.RawMessage{
		"a": json.RawMessage(`{"type":"text","content":"hello"}`),
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"doc":{"type":"text","content":"hello"}}}`, string(raw))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file renamed away")

	docs, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","content":"hello"}`, string(docs["a"]))
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestFileStore_SaveFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory where the snapshot file should be makes the rename fail.
	path := filepath.Join(dir, "instances.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))

	err := NewFileStore(path).Save(context.Background(), map[string]json.RawMessage{})
	assert.Error(t, err)
}
