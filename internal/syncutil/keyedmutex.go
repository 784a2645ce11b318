// Package syncutil holds the keyed lock backing the threat-feed
// cache's single-fill guarantee.
package syncutil

import (
	"context"
	"hash/fnv"
)

// slots bounds memory: two keys may share a slot and serialize against
// each other, which is harmless for a cache fill.
const slots = 256

// KeyedMutex serializes work per string key while letting waiters give
// up when their context ends. Each slot is a one-token channel, so
// acquisition can select against ctx.Done.
type KeyedMutex struct {
	tokens [slots]chan struct{}
}

// NewKeyedMutex returns a KeyedMutex with every slot unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.tokens {
		m.tokens[i] = make(chan struct{}, 1)
		m.tokens[i] <- struct{}{}
	}
	return m
}

// Lock acquires the slot for key. It returns a release function the
// caller must invoke, or the context error if ctx ended first.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	slot := m.tokens[slotFor(key)]
	select {
	case <-slot:
		return func() { slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func slotFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % slots
}
