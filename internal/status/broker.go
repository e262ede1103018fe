package status

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

type subscription struct {
	docID string
	ch    chan Update
}

// Broker fans updates out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the update.
type Broker struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
	done chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[*subscription]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe returns a channel of updates for docID, or for every document
// when docID is empty. The channel closes when ctx ends or the broker shuts
// down.
func (b *Broker) Subscribe(ctx context.Context, docID string) <-chan Update {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Update)
		close(ch)
		return ch
	default:
	}

	sub := &subscription{docID: docID, ch: make(chan Update, subscriberBuffer)}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}()

	return sub.ch
}

// Publish delivers u to matching subscribers.
func (b *Broker) Publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	select {
	case <-b.done:
		return
	default:
	}
	for sub := range b.subs {
		if sub.docID != "" && sub.docID != u.DocumentID {
			continue
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes every subscription. Later publishes are dropped.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
