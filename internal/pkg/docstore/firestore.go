package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
)

// FirestoreStore implements Store on Cloud Firestore, which provides the
// realtime snapshot listeners and TTL-based reaping the design assumes.
// Payloads round-trip through JSON so the wire-visible field values match the
// other backends byte for byte.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (f *FirestoreStore) docRef(collection, id string) *firestore.DocumentRef {
	return f.client.Collection(collection).Doc(id)
}

func (f *FirestoreStore) Set(ctx context.Context, collection, id string, value interface{}) error {
	fields, err := toFirestoreFields(value)
	if err != nil {
		return err
	}
	if _, err := f.docRef(collection, id).Set(ctx, fields); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *FirestoreStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	snap, err := f.docRef(collection, id).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return Doc{}, ErrNotFound
		}
		return Doc{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return firestoreDoc(snap)
}

func (f *FirestoreStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		if t, ok := v.(time.Time); ok {
			v = TimeFilterValue(t)
		}
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	if _, err := f.docRef(collection, id).Update(ctx, updates); err != nil {
		if isFirestoreNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := f.docRef(collection, id).Delete(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *FirestoreStore) Transact(ctx context.Context, collection, id string, fn TxnFunc) error {
	ref := f.docRef(collection, id)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current Doc
		exists := false

		snap, err := tx.Get(ref)
		if err != nil && !isFirestoreNotFound(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err == nil && snap.Exists() {
			current, err = firestoreDoc(snap)
			if err != nil {
				return err
			}
			exists = true
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		fields, err := toFirestoreFields(next)
		if err != nil {
			return err
		}
		return tx.Set(ref, fields)
	})
}

func (f *FirestoreStore) Watch(ctx context.Context, collection string, filters []Filter, h Handler) (CancelFunc, error) {
	query := f.client.Collection(collection).Query
	for _, flt := range filters {
		value := flt.Value
		if t, ok := value.(time.Time); ok {
			value = TimeFilterValue(t)
		}
		query = query.Where(flt.Field, string(flt.Op), value)
	}

	watchCtx, cancelCtx := context.WithCancel(ctx)
	iter := query.Snapshots(watchCtx)

	go func() {
		defer iter.Stop()
		for {
			qs, err := iter.Next()
			if err != nil {
				// Context cancelled or the listener died; Firestore
				// redelivers on its own once a listener is recreated, so
				// there is nothing to retry here.
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				continue
			}
			var snap Snapshot
			ok := true
			for _, ds := range docs {
				doc, err := firestoreDoc(ds)
				if err != nil {
					ok = false
					break
				}
				snap.Docs = append(snap.Docs, doc)
			}
			if ok {
				h(snap)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(cancelCtx)
	}
	return cancel, nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

// toFirestoreFields converts a value to the map form Firestore stores,
// passing through the JSON wire encoding so field names and timestamp
// formats agree with the other backends.
func toFirestoreFields(value interface{}) (map[string]interface{}, error) {
	data, err := EncodeValue(value)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func firestoreDoc(snap *firestore.DocumentSnapshot) (Doc, error) {
	data, err := json.Marshal(snap.Data())
	if err != nil {
		return Doc{}, err
	}
	return Doc{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func isFirestoreNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NotFound")
}
