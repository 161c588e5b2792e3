// Package stream fans wallet events out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"

	"walletcore.org/internal/wallet"
)

// Stream fan-outs committed wallet events to all active subscribers. It
// implements wallet.Notifier so it can sit behind the engine's async
// delivery queue.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan wallet.Event
	next int
}

var _ wallet.Notifier = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan wallet.Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan wallet.Event {
	ch := make(chan wallet.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt wallet.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
