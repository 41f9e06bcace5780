// Package progress fans out page-level extraction events to live subscribers.
package progress

import (
	"sync"

	"github.com/dgallion1/dococr/internal/document"
)

// DefaultBuffer is the per-subscriber buffer used when NewBus gets n < 1.
const DefaultBuffer = 32

// Event reports a page transition. PageNumber 0 is a document-level event.
type Event struct {
	DocumentID     string              `json:"documentId"`
	PageNumber     int                 `json:"pageNumber"`
	Status         document.PageStatus `json:"status"`
	Confidence     *float64            `json:"confidence,omitempty"`
	DocumentStatus document.Status     `json:"documentStatus"`
	TotalPages     int                 `json:"totalPages"`
	Final          bool                `json:"final"`
	Error          string              `json:"error,omitempty"`
}

// Subscription receives events for one document id from the moment it was
// created. C is closed by Unsubscribe.
type Subscription struct {
	C <-chan Event

	docID  string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// DocumentID is the id this subscription listens to.
func (s *Subscription) DocumentID() string { return s.docID }

// deliver never blocks: when the buffer is full the oldest event is dropped.
func (s *Subscription) deliver(ev Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is an in-memory publish/subscribe hub keyed by document id. The lock
// only guards the subscriber sets; delivery happens outside it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int

	dropped uint64
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in docID. There is no replay of past events.
func (b *Bus) Subscribe(docID string) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, docID: docID, ch: ch}

	b.mu.Lock()
	set, ok := b.subs[docID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[docID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[s.docID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.docID)
		}
	}
	b.mu.Unlock()
	s.close()
}

// Publish delivers ev to every current subscriber of ev.DocumentID.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	set := b.subs[ev.DocumentID]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var dropped uint64
	for _, s := range targets {
		if s.deliver(ev) {
			dropped++
		}
	}
	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions for docID.
func (b *Bus) Subscribers(docID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[docID])
}

// Dropped is the number of events discarded because a subscriber fell behind.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
