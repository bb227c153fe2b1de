package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

func testFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	require.NoError(t, err, "failed to create Firestore client")
	t.Cleanup(func() { client.Close() })
	return client
}

// uniqueCollection returns a collection name private to the test.
func uniqueCollection(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

// cleanupCollection deletes every document of the store's collection.
func cleanupCollection(t *testing.T, s *FirestoreStore) {
	t.Helper()
	ctx := context.Background()
	iter := s.coll().Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done || err != nil {
			break
		}
		snap.Ref.Delete(ctx)
	}
}

func TestFirestoreStore_SaveAndLoad(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, uniqueCollection(t))
	t.Cleanup(func() { cleanupCollection(t, s) })
	ctx := context.Background()

	docs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	require.NoError(t, s.Save(ctx, map[string]json.RawMessage{
		"a": json.RawMessage(`{"type":"text","content":"hello"}`),
		"b": json.RawMessage(`{"type":"text","content":" "}`),
	}))

	docs, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.JSONEq(t, `{"type":"text","content":"hello"}`, string(docs["a"]))
}

func TestFirestoreStore_SaveReplacesMapping(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, uniqueCollection(t))
	t.Cleanup(func() { cleanupCollection(t, s) })
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, map[string]json.RawMessage{
		"a": json.RawMessage(`{"type":"text","content":"a"}`),
		"b": json.RawMessage(`{"type":"text","content":"b"}`),
	}))
	require.NoError(t, s.Save(ctx, map[string]json.RawMessage{
		"b": json.RawMessage(`{"type":"text","content":"b2"}`),
	}))

	docs, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.JSONEq(t, `{"type":"text","content":"b2"}`, string(docs["b"]))
}
