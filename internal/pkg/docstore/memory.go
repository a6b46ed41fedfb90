package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with synchronous subscription fan-out.
// It backs every component test and doubles as the backend for local demos.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Doc
	subs        map[int]*memorySub
	nextSubID   int
	closed      bool
}

type memorySub struct {
	collection string
	filters    []Filter
	handler    Handler
	cancelled  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Doc),
		subs:        make(map[int]*memorySub),
	}
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, value interface{}) error {
	data, err := EncodeValue(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Doc)
		m.collections[collection] = docs
	}
	docs[id] = Doc{ID: id, Data: data, UpdateTime: time.Now().UTC()}
	notify := m.pendingNotifications(collection)
	m.mu.Unlock()

	deliver(notify)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Doc{}, ErrClosed
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	merged, err := mergeFields(doc.Data, fields)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.collections[collection][id] = Doc{ID: id, Data: merged, UpdateTime: time.Now().UTC()}
	notify := m.pendingNotifications(collection)
	m.mu.Unlock()

	deliver(notify)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	docs, ok := m.collections[collection]
	if ok {
		delete(docs, id)
	}
	notify := m.pendingNotifications(collection)
	m.mu.Unlock()

	deliver(notify)
	return nil
}

func (m *MemoryStore) Transact(ctx context.Context, collection, id string, fn TxnFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	doc, exists := m.collections[collection][id]

	next, err := fn(doc, exists)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	data, err := EncodeValue(next)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Doc)
		m.collections[collection] = docs
	}
	docs[id] = Doc{ID: id, Data: data, UpdateTime: time.Now().UTC()}
	notify := m.pendingNotifications(collection)
	m.mu.Unlock()

	deliver(notify)
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context, collection string, filters []Filter, h Handler) (CancelFunc, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextSubID
	m.nextSubID++
	sub := &memorySub{collection: collection, filters: filters, handler: h}
	m.subs[id] = sub
	initial := m.snapshotLocked(collection, filters)
	m.mu.Unlock()

	// Initial result set is delivered before Watch returns, mirroring the
	// first snapshot a Firestore listener produces.
	h(initial)

	cancel := func() {
		m.mu.Lock()
		if s, ok := m.subs[id]; ok {
			s.cancelled = true
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return cancel, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]*memorySub)
	return nil
}

type notification struct {
	handler  Handler
	snapshot Snapshot
}

// pendingNotifications builds the snapshot deliveries owed to subscribers of
// a collection. Called with the lock held; deliveries happen after release so
// handlers may re-enter the store.
func (m *MemoryStore) pendingNotifications(collection string) []notification {
	var out []notification
	for _, sub := range m.subs {
		if sub.collection != collection || sub.cancelled {
			continue
		}
		out = append(out, notification{
			handler:  sub.handler,
			snapshot: m.snapshotLocked(collection, sub.filters),
		})
	}
	return out
}

func (m *MemoryStore) snapshotLocked(collection string, filters []Filter) Snapshot {
	var snap Snapshot
	for _, doc := range m.collections[collection] {
		if Matches(doc, filters) {
			snap.Docs = append(snap.Docs, doc)
		}
	}
	return snap
}

func deliver(notifications []notification) {
	for _, n := range notifications {
		n.handler(n.snapshot)
	}
}

func mergeFields(data []byte, fields map[string]interface{}) ([]byte, error) {
	var current map[string]interface{}
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if t, ok := v.(time.Time); ok {
			current[k] = TimeFilterValue(t)
			continue
		}
		current[k] = v
	}
	return EncodeValue(current)
}
