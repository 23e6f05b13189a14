package session

import (
	"log"
	"sync"

	"github.com/okvist/collabd/internal/domain"
)

// Broker fans collaboration events out to per-session subscribers. Each
// subscription owns a bounded queue; when a subscriber falls behind, the
// oldest events are dropped and counted, never silently losing the stream.
type Broker struct {
	mu      sync.Mutex
	size    int
	logger  *log.Logger
	subs    map[string]map[*Subscription]struct{}
	dropped uint64
}

// Subscription is one consumer's view of a session's event stream. The
// channel closes when the session ends or the subscriber cancels.
type Subscription struct {
	broker    *Broker
	sessionID string
	ch        chan domain.CollaborationEvent
	closed    bool
}

func NewBroker(queueSize int, logger *log.Logger) *Broker {
	if queueSize < 1 {
		queueSize = 1024
	}
	return &Broker{
		size:   queueSize,
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

var _ domain.EventSink = (*Broker)(nil)

// Subscribe attaches a new consumer to the session's stream. No replay:
// only events published after this call are delivered.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		broker:    b,
		sessionID: sessionID,
		ch:        make(chan domain.CollaborationEvent, b.size),
	}
	b.mu.Lock()
	set := b.subs[sessionID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// PublishEvent delivers ev to every subscriber of its session, in
// publication order per subscription. Insertions and publishes share the
// broker mutex so a subscriber never misses a wake-up.
func (b *Broker) PublishEvent(ev domain.CollaborationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.SessionID] {
		if sub.closed {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Full queue: shed the oldest event and retry.
				select {
				case <-sub.ch:
					b.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// CloseSession ends every subscription for the session. Used on cancel and
// completion.
func (b *Broker) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[sessionID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.subs, sessionID)
}

// Dropped reports how many events have been shed across all subscriptions.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Events is the subscriber's receive side. It closes when the session ends
// or Close is called.
func (s *Subscription) Events() <-chan domain.CollaborationEvent { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if set := b.subs[s.sessionID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.sessionID)
		}
	}
}
