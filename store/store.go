package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// SnapshotStore persists the portable form of every instance's document,
// keyed by instance id. Versions and history are never persisted.
type SnapshotStore interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	// Save replaces the whole persisted mapping.
	Save(ctx context.Context, docs map[string]json.RawMessage) error
}

type snapshotEntry struct {
	Doc json.RawMessage `json:"doc"`
}

func encodeSnapshot(docs map[string]json.RawMessage) ([]byte, error) {
	out := make(map[string]snapshotEntry, len(docs))
	for id, doc := range docs {
		out[id] = snapshotEntry{Doc: doc}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

func decodeSnapshot(data []byte) (map[string]json.RawMessage, error) {
	var in map[string]snapshotEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	docs := make(map[string]json.RawMessage, len(in))
	for id, e := range in {
		docs[id] = e.Doc
	}
	return docs, nil
}

func cloneDocs(docs map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(docs))
	for id, doc := range docs {
		out[id] = append(json.RawMessage(nil), doc...)
	}
	return out
}
