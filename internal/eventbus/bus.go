// Package eventbus is an in-process fan-out for lifecycle signals
// (job fires, deliveries, task runs). Nothing in the scheduling path depends
// on a subscriber being present.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	JobFired     = "job.fired"
	JobSkipped   = "job.skipped"
	NotifySent   = "notify.sent"
	NotifyFailed = "notify.failed"
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
)

// Event is a small, JSON-friendly signal.
//
// Publish never blocks. Subscribers get a buffered channel and drop events
// when they fall behind.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	unsub := func() {
		if !s.closed.CompareAndSwap(false, true) {
			return
		}
		// Taking the write lock excludes in-flight Publish calls, so the
		// close cannot race a send.
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Is reports whether e.Type belongs to the dotted family prefix ("notify" matches "notify.sent").
func Is(e Event, family string) bool {
	return e.Type == family || strings.HasPrefix(e.Type, family+".")
}
