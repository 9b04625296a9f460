package inproc

import (
	"errors"
	"sync"

	"dealcoord/internal/domain"
)

var ErrObserverQueueFull = errors.New("observer queue is full")

// Bus fans coordination events out to live local observers. Delivery is
// best-effort: a full observer queue drops the event and the store remains the
// only source of truth.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	buffer int
}

type subscription struct {
	ch    chan domain.Event
	agent string
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]*subscription),
		buffer: buffer,
	}
}

// Subscribe registers an observer. A non-empty agent restricts delivery to
// events addressed to that agent.
func (b *Bus) Subscribe(observerID, agent string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[observerID]; ok {
		return sub.ch
	}
	sub := &subscription{
		ch:    make(chan domain.Event, b.buffer),
		agent: agent,
	}
	b.subs[observerID] = sub
	return sub.ch
}

func (b *Bus) Unsubscribe(observerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[observerID]
	if !ok {
		return
	}
	delete(b.subs, observerID)
	close(sub.ch)
}

// Publish never blocks. It returns ErrObserverQueueFull when at least one
// interested observer missed the event.
func (b *Bus) Publish(evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var dropped bool
	for _, sub := range b.subs {
		if sub.agent != "" && sub.agent != evt.Agent {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrObserverQueueFull
	}
	return nil
}

func (b *Bus) Observers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
