package inspect

import (
	"context"
	"sync"

	"github.com/xiaowucn/scriber-inspector/internal/store"
)

// keyLocks serializes work per store key. Waiting honours ctx.
type keyLocks struct {
	mu    sync.Mutex
	locks map[store.Key]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[store.Key]*keyLock)}
}

func (k *keyLocks) acquire(ctx context.Context, key store.Key) (release func(), err error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.drop(key, l)
		}, nil
	case <-ctx.Done():
		k.drop(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyLocks) drop(key store.Key, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(k.locks, key)
	}
}
