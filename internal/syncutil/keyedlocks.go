// Package syncutil provides the keyed locking primitive behind
// per-execution admission serialization.
package syncutil

import (
	"context"
	"hash/fnv"
)

// KeyedLocks is a fixed pool of context-aware mutexes keyed by string.
// Duplicate submissions of one execution serialize on the same slot
// while unrelated executions proceed in parallel. Memory stays bounded
// no matter how many keys pass through, at the cost of occasional
// false sharing between keys that hash to the same slot.
type KeyedLocks struct {
	slots [256]chan struct{}
}

// NewKeyedLocks returns a pool with every slot unlocked.
func NewKeyedLocks() *KeyedLocks {
	l := &KeyedLocks{}
	for i := range l.slots {
		l.slots[i] = make(chan struct{}, 1)
		l.slots[i] <- struct{}{}
	}
	return l
}

// Acquire takes the lock for key, giving up when ctx is done. On
// success the caller must invoke the returned release function exactly
// once.
func (l *KeyedLocks) Acquire(ctx context.Context, key string) (release func(), err error) {
	slot := l.slots[l.slot(key)]
	select {
	case <-slot:
		return func() { slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyedLocks) slot(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(l.slots))
}
