// Package txncache is a shared LRU cache whose updates are transactional.
// Reads see the transaction's own pending writes first, then the committed
// contents. Writes become visible to others only when the transaction commits.
package txncache

import (
	"context"
	"fmt"
	"sync"

	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Cache[K comparable, V any] struct {
	name string
	lru  *lru.Cache[K, V]
}

func New[K comparable, V any](name string, size int) (*Cache[K, V], error) {
	l, err := lru.New[K, V](size)
	if err != nil {
		return nil, fmt.Errorf("txncache %s: %w", name, err)
	}
	return &Cache[K, V]{name: name, lru: l}, nil
}

// Peek returns the committed value for key without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) { return c.lru.Peek(key) }

// Len returns the number of committed entries.
func (c *Cache[K, V]) Len() int { return c.lru.Len() }

func (c *Cache[K, V]) Get(txn *transaction.Transaction, key K) (V, bool, error) {
	o, err := c.overlay(txn)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if w, ok := o.lookup(key); ok {
		return w.value, !w.removed, nil
	}
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *Cache[K, V]) Put(txn *transaction.Transaction, key K, value V) error {
	o, err := c.overlay(txn)
	if err != nil {
		return err
	}
	o.set(key, write[V]{value: value})
	return nil
}

func (c *Cache[K, V]) Remove(txn *transaction.Transaction, key K) error {
	o, err := c.overlay(txn)
	if err != nil {
		return err
	}
	o.set(key, write[V]{removed: true})
	return nil
}

func (c *Cache[K, V]) overlay(txn *transaction.Transaction) (*overlay[K, V], error) {
	p, err := txn.Enlist(c, func() transaction.Participant {
		return &overlay[K, V]{c: c, writes: make(map[K]write[V])}
	})
	if err != nil {
		return nil, err
	}
	return p.(*overlay[K, V]), nil
}

type write[V any] struct {
	value   V
	removed bool
}

// overlay holds one transaction's pending writes.
type overlay[K comparable, V any] struct {
	c *Cache[K, V]

	mu     sync.Mutex
	order  []K
	writes map[K]write[V]
}

func (o *overlay[K, V]) Name() string { return "txncache:" + o.c.name }

func (o *overlay[K, V]) lookup(key K) (write[V], bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.writes[key]
	return w, ok
}

func (o *overlay[K, V]) set(key K, w write[V]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.writes[key]; !ok {
		o.order = append(o.order, key)
	}
	o.writes[key] = w
}

func (o *overlay[K, V]) Prepare(context.Context, *transaction.Transaction) (transaction.Vote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.writes) == 0 {
		return transaction.VoteReadOnly, nil
	}
	return transaction.VoteCommit, nil
}

func (o *overlay[K, V]) Commit(context.Context, *transaction.Transaction) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range o.order {
		w := o.writes[key]
		if w.removed {
			o.c.lru.Remove(key)
		} else {
			o.c.lru.Add(key, w.value)
		}
	}
	o.order = nil
	o.writes = make(map[K]write[V])
	return nil
}

func (o *overlay[K, V]) Abort(context.Context, *transaction.Transaction) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = nil
	o.writes = make(map[K]write[V])
	return nil
}

func (o *overlay[K, V]) PrepareAndCommit(ctx context.Context, txn *transaction.Transaction) error {
	return o.Commit(ctx, txn)
}
