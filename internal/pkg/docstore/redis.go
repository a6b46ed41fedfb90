package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis key layout. Collection paths contain only cell ids and fixed segment
// names, so they embed directly into keys.
const (
	redisDocKeyFmt     = "geocell:doc:%s:%s"  // geocell:doc:{collection}:{id}
	redisColKeyFmt     = "geocell:col:%s"     // geocell:col:{collection} -> set of ids
	redisChangeChanFmt = "geocell:changes:%s" // pub/sub channel per collection
)

// RedisStore implements Store over Redis: one string key per document,
// a set per collection, and a pub/sub channel per collection for change
// notification. Filters are evaluated client-side before delivery. Document
// TTLs come from the record's own expiresAt field, which keeps the Redis
// reaper aligned with the 24h cleanup contract.
type RedisStore struct {
	client *redis.Client
	mu     sync.Mutex
	closed bool
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisDocKey(collection, id string) string {
	return fmt.Sprintf(redisDocKeyFmt, collection, id)
}

func (r *RedisStore) Set(ctx context.Context, collection, id string, value interface{}) error {
	data, err := EncodeValue(value)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisDocKey(collection, id), data, ttlFromDoc(data))
	pipe.SAdd(ctx, fmt.Sprintf(redisColKeyFmt, collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return r.publishChange(ctx, collection)
}

func (r *RedisStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	data, err := r.client.Get(ctx, redisDocKey(collection, id)).Bytes()
	if err == redis.Nil {
		return Doc{}, ErrNotFound
	}
	if err != nil {
		return Doc{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Doc{ID: id, Data: data, UpdateTime: time.Now().UTC()}, nil
}

func (r *RedisStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return r.Transact(ctx, collection, id, func(current Doc, exists bool) (interface{}, error) {
		if !exists {
			return nil, ErrNotFound
		}
		merged, err := mergeFields(current.Data, fields)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(merged), nil
	})
}

func (r *RedisStore) Delete(ctx context.Context, collection, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisDocKey(collection, id))
	pipe.SRem(ctx, fmt.Sprintf(redisColKeyFmt, collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r.publishChange(ctx, collection)
}

// Transact implements the conditional write with an optimistic WATCH/MULTI
// cycle on the document key.
func (r *RedisStore) Transact(ctx context.Context, collection, id string, fn TxnFunc) error {
	key := redisDocKey(collection, id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		exists := err != redis.Nil
		if err != nil && err != redis.Nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		current := Doc{ID: id, Data: data, UpdateTime: time.Now().UTC()}
		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		encoded, err := EncodeValue(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttlFromDoc(encoded))
			pipe.SAdd(ctx, fmt.Sprintf(redisColKeyFmt, collection), id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue // contended write, retry the optimistic cycle
		}
		return err
	}
	return fmt.Errorf("%w: transaction contention on %s", ErrUnavailable, key)
}

func (r *RedisStore) Watch(ctx context.Context, collection string, filters []Filter, h Handler) (CancelFunc, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, fmt.Sprintf(redisChangeChanFmt, collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	watchCtx, cancelCtx := context.WithCancel(ctx)

	// Initial result set before any change lands.
	snap, err := r.snapshot(ctx, collection, filters)
	if err != nil {
		pubsub.Close()
		cancelCtx()
		return nil, err
	}
	h(snap)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				snap, err := r.snapshot(watchCtx, collection, filters)
				if err != nil {
					// Store-side failure on a refresh; the subscription
					// stays up and the next change retries.
					continue
				}
				h(snap)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			pubsub.Close()
		})
	}
	return cancel, nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *RedisStore) publishChange(ctx context.Context, collection string) error {
	if err := r.client.Publish(ctx, fmt.Sprintf(redisChangeChanFmt, collection), "changed").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) snapshot(ctx context.Context, collection string, filters []Filter) (Snapshot, error) {
	ids, err := r.client.SMembers(ctx, fmt.Sprintf(redisColKeyFmt, collection)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var snap Snapshot
	for _, id := range ids {
		data, err := r.client.Get(ctx, redisDocKey(collection, id)).Bytes()
		if err == redis.Nil {
			// Key TTL fired but the set member lingers; prune lazily.
			r.client.SRem(ctx, fmt.Sprintf(redisColKeyFmt, collection), id)
			continue
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		doc := Doc{ID: id, Data: data, UpdateTime: time.Now().UTC()}
		if Matches(doc, filters) {
			snap.Docs = append(snap.Docs, doc)
		}
	}
	return snap, nil
}

// ttlFromDoc derives the Redis key TTL from the document's own expiresAt
// field so the store reaper honors the 24h horizon without background scans.
func ttlFromDoc(data []byte) time.Duration {
	var probe struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ExpiresAt.IsZero() {
		return 0 // no expiry field, keep indefinitely
	}
	ttl := time.Until(probe.ExpiresAt)
	if ttl <= 0 {
		return time.Second // already past due, let Redis reap immediately
	}
	return ttl
}
