package jobs

import "sync"

type entityRef struct {
	kind Kind
	id   int64
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// entityLocks hands out one mutex per entity. Entries exist only while
// someone holds or waits for them.
type entityLocks struct {
	mu    sync.Mutex
	locks map[entityRef]*entityLock
}

func (l *entityLocks) lock(ref entityRef) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[entityRef]*entityLock)
	}
	el := l.locks[ref]
	if el == nil {
		el = &entityLock{}
		l.locks[ref] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			el.mu.Unlock()
			l.mu.Lock()
			if el.refs--; el.refs == 0 {
				delete(l.locks, ref)
			}
			l.mu.Unlock()
		})
	}
}

func (l *entityLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// LockEntity serializes work on one entity across goroutines: a caller that
// persists a change and then re-arms or cancels its jobs holds the lock over
// both steps, and recovery takes it before re-reading the row. It is
// independent of the registry lock, so Register and Cancel may be called
// while holding it. The returned func releases the lock and is idempotent.
func (r *Registry) LockEntity(kind Kind, id int64) (unlock func()) {
	return r.elocks.lock(entityRef{kind: kind, id: id})
}
