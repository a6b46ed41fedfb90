// Package docstore abstracts the passive document store the presence and
// matching index runs against: per-document CRUD plus realtime change
// subscriptions keyed by collection path and filter predicate. Backends are
// Firestore (production), Redis (hash + pub/sub) and an in-memory store used
// by tests.
//
// Documents travel as JSON. Timestamps are stored as RFC3339 UTC strings so
// that range filters behave identically on every backend.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrUnavailable wraps transient backend failures. Presence and request
	// writes are optimistic: callers log this and move on, trusting the next
	// heartbeat or subscription tick to converge.
	ErrUnavailable = errors.New("docstore: store unavailable")

	// ErrClosed is returned once the store has been shut down.
	ErrClosed = errors.New("docstore: store closed")
)

// Doc is a single document snapshot.
type Doc struct {
	ID         string
	Data       []byte
	UpdateTime time.Time
}

// DataTo unmarshals the document payload into v.
func (d Doc) DataTo(v interface{}) error {
	return json.Unmarshal(d.Data, v)
}

// Snapshot is a subscription's complete current result set. Each delivery
// replaces the previous one; consumers overwrite their cache, never merge.
type Snapshot struct {
	Docs []Doc
}

// Handler consumes snapshots pushed by a subscription.
type Handler func(Snapshot)

// CancelFunc tears down a subscription. Safe to call more than once.
type CancelFunc func()

// Op is a filter comparison operator.
type Op string

const (
	OpEqual     Op = "=="
	OpGreaterEq Op = ">="
)

// Filter is a field/op/value predicate applied to a collection subscription.
// Backends that can evaluate it server-side do; the rest filter client-side
// before delivering the snapshot.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// TxnFunc is a read-modify-write step run against the current state of a
// single document. Returning an error aborts the transaction and propagates
// it to the caller; returning a value writes it as the new document state.
type TxnFunc func(current Doc, exists bool) (interface{}, error)

// Store is the document store contract shared by all backends.
type Store interface {
	// Set creates or fully overwrites a document.
	Set(ctx context.Context, collection, id string, value interface{}) error

	// Get reads a single document, ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (Doc, error)

	// Update merges the given fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Transact runs a read-modify-write cycle against one document with the
	// backend's strongest single-document guarantee. Used for conditional
	// writes such as the open→assigned claim.
	Transact(ctx context.Context, collection, id string, fn TxnFunc) error

	// Watch opens a realtime subscription on a collection. The handler first
	// receives the current result set, then a fresh snapshot after every
	// change. Watch returns a cancel handle; leaking it wastes read quota,
	// per the shared-resource policy.
	Watch(ctx context.Context, collection string, filters []Filter, h Handler) (CancelFunc, error)

	// Close releases all backend resources.
	Close() error
}

// EncodeValue normalizes a value to the store's JSON wire form.
func EncodeValue(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

// TimeFilterValue converts a time bound to the stored RFC3339 UTC string form
// so lexicographic and chronological ordering agree.
func TimeFilterValue(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Matches evaluates filters client-side against a document payload.
func Matches(doc Doc, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var data map[string]interface{}
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return false
	}
	for _, f := range filters {
		if !matchField(data[f.Field], f) {
			return false
		}
	}
	return true
}

func matchField(got interface{}, f Filter) bool {
	want := normalize(f.Value)
	have := normalize(got)

	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(have, want)
	case OpGreaterEq:
		haveStr, okH := have.(string)
		wantStr, okW := want.(string)
		if okH && okW {
			if ht, err := time.Parse(time.RFC3339Nano, haveStr); err == nil {
				if wt, err := time.Parse(time.RFC3339Nano, wantStr); err == nil {
					return !ht.Before(wt)
				}
			}
			return haveStr >= wantStr
		}
		haveNum, okH := have.(float64)
		wantNum, okW := want.(float64)
		return okH && okW && haveNum >= wantNum
	default:
		return false
	}
}

// normalize collapses the type differences between decoded JSON values and
// caller-supplied filter values.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return TimeFilterValue(t)
	case string:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case bool:
		return t
	case nil:
		return nil
	default:
		// Named string types (roles, statuses) and anything else stringable.
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var out interface{}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}
