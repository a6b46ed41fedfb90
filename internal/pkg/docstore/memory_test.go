package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureDoc struct {
	UID      string    `json:"uid"`
	Role     string    `json:"role"`
	LastSeen time.Time `json:"lastSeen"`
	Score    float64   `json:"score"`
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	in := fixtureDoc{UID: "driver-1", Role: "driver", LastSeen: time.Now().UTC(), Score: 4.8}
	require.NoError(t, store.Set(ctx, "cells/abc/presence", "driver-1", in))

	doc, err := store.Get(ctx, "cells/abc/presence", "driver-1")
	require.NoError(t, err)
	assert.Equal(t, "driver-1", doc.ID)

	var out fixtureDoc
	require.NoError(t, doc.DataTo(&out))
	assert.Equal(t, in.UID, out.UID)
	assert.Equal(t, in.Role, out.Role)
	assert.WithinDuration(t, in.LastSeen, out.LastSeen, time.Second)

	require.NoError(t, store.Delete(ctx, "cells/abc/presence", "driver-1"))
	_, err = store.Get(ctx, "cells/abc/presence", "driver-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "cells/abc/presence", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteMissingIsNoop(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	assert.NoError(t, store.Delete(context.Background(), "cells/abc/presence", "nope"))
}

func TestMemoryStore_SetReplacesWholeDocument(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "col", "d", map[string]interface{}{"a": 1, "b": 2}))
	require.NoError(t, store.Set(ctx, "col", "d", map[string]interface{}{"a": 3}))

	doc, err := store.Get(ctx, "col", "d")
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, doc.DataTo(&out))
	assert.Equal(t, float64(3), out["a"])
	assert.NotContains(t, out, "b")
}

func TestMemoryStore_UpdateMergesFields(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "col", "d", map[string]interface{}{"a": "keep", "b": "old"}))
	require.NoError(t, store.Update(ctx, "col", "d", map[string]interface{}{"b": "new"}))

	doc, err := store.Get(ctx, "col", "d")
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, doc.DataTo(&out))
	assert.Equal(t, "keep", out["a"])
	assert.Equal(t, "new", out["b"])

	err = store.Update(ctx, "col", "missing", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_WatchDeliversInitialSnapshot(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "col", "one", fixtureDoc{UID: "one", Role: "driver"}))
	require.NoError(t, store.Set(ctx, "col", "two", fixtureDoc{UID: "two", Role: "client"}))

	var mu sync.Mutex
	var snaps []Snapshot
	cancel, err := store.Watch(ctx, "col", nil, func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	mu.Lock()
	require.NotEmpty(t, snaps)
	assert.Len(t, snaps[0].Docs, 2)
	mu.Unlock()
}

func TestMemoryStore_WatchFiltersAndNotifies(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Set(ctx, "col", "fresh-driver", fixtureDoc{UID: "fresh-driver", Role: "driver", LastSeen: now}))
	require.NoError(t, store.Set(ctx, "col", "stale-driver", fixtureDoc{UID: "stale-driver", Role: "driver", LastSeen: now.Add(-2 * time.Hour)}))
	require.NoError(t, store.Set(ctx, "col", "fresh-client", fixtureDoc{UID: "fresh-client", Role: "client", LastSeen: now}))

	filters := []Filter{
		{Field: "role", Op: OpEqual, Value: "driver"},
		{Field: "lastSeen", Op: OpGreaterEq, Value: now.Add(-time.Hour)},
	}

	var mu sync.Mutex
	var latest Snapshot
	cancel, err := store.Watch(ctx, "col", filters, func(snap Snapshot) {
		mu.Lock()
		latest = snap
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	mu.Lock()
	require.Len(t, latest.Docs, 1)
	assert.Equal(t, "fresh-driver", latest.Docs[0].ID)
	mu.Unlock()

	// A new matching write triggers another snapshot.
	require.NoError(t, store.Set(ctx, "col", "another-driver", fixtureDoc{UID: "another-driver", Role: "driver", LastSeen: now}))

	mu.Lock()
	assert.Len(t, latest.Docs, 2)
	mu.Unlock()

	// A non-matching write still notifies with the filtered view unchanged.
	require.NoError(t, store.Set(ctx, "col", "another-client", fixtureDoc{UID: "another-client", Role: "client", LastSeen: now}))

	mu.Lock()
	assert.Len(t, latest.Docs, 2)
	mu.Unlock()
}

func TestMemoryStore_WatchCancelStopsDelivery(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	cancel, err := store.Watch(ctx, "col", nil, func(Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	initial := count
	mu.Unlock()

	cancel()
	require.NoError(t, store.Set(ctx, "col", "d", fixtureDoc{UID: "d"}))

	mu.Lock()
	assert.Equal(t, initial, count)
	mu.Unlock()
}

func TestMemoryStore_TransactConditionalClaim(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "col", "req", map[string]interface{}{"status": "open"}))

	claim := func(winner string) error {
		return store.Transact(ctx, "col", "req", func(current Doc, exists bool) (interface{}, error) {
			if !exists {
				return nil, ErrNotFound
			}
			var state map[string]interface{}
			if err := current.DataTo(&state); err != nil {
				return nil, err
			}
			if state["status"] != "open" {
				return nil, errors.New("already taken")
			}
			state["status"] = "assigned"
			state["assignee"] = winner
			return state, nil
		})
	}

	require.NoError(t, claim("driver-1"))
	err := claim("driver-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already taken")

	doc, err := store.Get(ctx, "col", "req")
	require.NoError(t, err)
	var state map[string]interface{}
	require.NoError(t, doc.DataTo(&state))
	assert.Equal(t, "assigned", state["status"])
	assert.Equal(t, "driver-1", state["assignee"])
}

func TestMemoryStore_TransactOnMissingDoc(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	err := store.Transact(ctx, "col", "new", func(current Doc, exists bool) (interface{}, error) {
		assert.False(t, exists)
		return map[string]interface{}{"status": "open"}, nil
	})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "col", "new")
	require.NoError(t, err)
	var state map[string]interface{}
	require.NoError(t, doc.DataTo(&state))
	assert.Equal(t, "open", state["status"])
}

func TestMemoryStore_ClosedStoreRejectsOperations(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	err := store.Set(context.Background(), "col", "d", fixtureDoc{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatches_TimeBoundary(t *testing.T) {
	now := time.Now().UTC()
	doc := Doc{ID: "d"}
	data, err := EncodeValue(map[string]interface{}{"lastSeen": TimeFilterValue(now)})
	require.NoError(t, err)
	doc.Data = data

	tests := []struct {
		name  string
		bound time.Time
		want  bool
	}{
		{"bound before lastSeen", now.Add(-time.Minute), true},
		{"bound equals lastSeen", now, true},
		{"bound after lastSeen", now.Add(time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(doc, []Filter{{Field: "lastSeen", Op: OpGreaterEq, Value: tt.bound}})
			assert.Equal(t, tt.want, got)
		})
	}
}
