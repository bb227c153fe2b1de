package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one Firestore document per instance id. Save replaces
// the whole collection inside a single transaction.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore
// client. An empty collection defaults to "instances".
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "instances"
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}
}

func (s *FirestoreStore) coll() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.coll().Doc(id)
}

func (s *FirestoreStore) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	iter := s.coll().Documents(ctx)
	defer iter.Stop()

	docs := make(map[string]json.RawMessage)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if status.Code(err) == codes.NotFound {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load snapshots: %w", err)
		}
		raw, err := snapshotToDoc(snap)
		if err != nil {
			return nil, err
		}
		docs[snap.Ref.ID] = raw
	}
	return docs, nil
}

func snapshotToDoc(snap *firestore.DocumentSnapshot) (json.RawMessage, error) {
	data := snap.Data()
	doc, ok := data["doc"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid doc field in snapshot %s", snap.Ref.ID)
	}
	return json.RawMessage(doc), nil
}

func (s *FirestoreStore) Save(ctx context.Context, docs map[string]json.RawMessage) error {
	now := time.Now()
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Reads must precede writes inside a transaction.
		iter := tx.Documents(s.coll())
		defer iter.Stop()
		var stale []*firestore.DocumentRef
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			if _, ok := docs[snap.Ref.ID]; !ok {
				stale = append(stale, snap.Ref)
			}
		}

		for _, ref := range stale {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		for id, doc := range docs {
			err := tx.Set(s.docRef(id), map[string]interface{}{
				"doc":       string(doc),
				"updatedAt": now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshots: %w", err)
	}
	return nil
}
