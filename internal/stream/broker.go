package stream

import "sync"

// Event is one progress tuple emitted as a session's cycle advances.
type Event struct {
	SessionID              string `json:"session_id"`
	Progress               int    `json:"progress"`
	TestProgress           int    `json:"test_progress"`
	ImplementationProgress int    `json:"implementation_progress"`
	CurrentFile            string `json:"current_file,omitempty"`
	OutputDelta            string `json:"output_delta,omitempty"`
}

// Broker fans session events out to subscribers. Publishing never blocks:
// the engine must make progress whether or not a consumer is connected, so
// events to a slow subscriber are dropped.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a consumer for one session's events. The returned
// cancel function must be called to release the subscription.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[sessionID][id]; ok {
			delete(b.subs[sessionID], id)
			close(sub)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its session, dropping it
// for subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
