package ledger

import (
	"context"
	"sync"
)

// keyLock serializes work per key. Different keys never contend beyond the
// short critical section on the index map. Entries are removed once no
// goroutine holds or waits for them, so the map only grows with concurrency,
// not with the number of keys ever seen.
type keyLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	token   chan struct{}
	waiters int
}

func newKeyLock() *keyLock {
	return &keyLock{slots: make(map[string]*lockSlot)}
}

// Lock blocks until the caller holds key or ctx is done. On success the
// returned func releases the key and must be called exactly once.
func (l *keyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{token: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.waiters++
	l.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
		return func() { l.unlock(key, slot) }, nil
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}
}

func (l *keyLock) unlock(key string, slot *lockSlot) {
	<-slot.token
	l.release(key, slot)
}

func (l *keyLock) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.waiters--
	if slot.waiters == 0 {
		delete(l.slots, key)
	}
}

// size returns the number of keys currently held or awaited.
func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
