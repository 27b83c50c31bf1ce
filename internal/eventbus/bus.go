// Package eventbus fans out in-memory lifecycle events (arm, disarm, dispatch,
// ledger leaks) to subscribers such as the app's debug logger and tests.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber drops events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Collect drains whatever is buffered in ch, keeping the given types
// (all types when none are given). It never blocks.
func Collect(ch <-chan Event, types ...string) []Event {
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			if len(want) == 0 || want[e.Type] {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}
