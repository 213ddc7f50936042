package events

import (
	"sync"

	"payfwd/core/types"
)

// Envelope pairs a broadcast event with its bus sequence number. Sequence
// numbers start at 1 and increase monotonically for the life of the bus, so
// consumers can resume a stream by passing the last sequence they saw.
type Envelope struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Bus fans events out to subscribers and keeps a bounded backlog for
// cursor-based replay. Publishing never blocks: a subscriber whose buffer is
// full is closed and must resubscribe from its last cursor.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	backlog  []Envelope
	capacity int
	subs     map[uint64]*Subscription
	nextID   uint64
	closed   bool
}

// Subscription is a live event feed handed out by Subscribe.
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Envelope

	once sync.Once
}

const defaultBacklog = 1024

// NewBus constructs a bus retaining up to capacity envelopes for replay.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultBacklog
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[uint64]*Subscription),
	}
}

// Publish converts the payload, stamps it with the next sequence number,
// appends it to the backlog, and fans it out. It implements Emitter so the
// bus can sit directly behind an engine.
func (b *Bus) Publish(evt Event) Envelope {
	if evt == nil {
		return Envelope{}
	}
	wire := evt.Event()
	if wire == nil {
		wire = &types.Event{Type: evt.EventType()}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}
	}
	b.seq++
	env := Envelope{Sequence: b.seq, Event: wire.Clone()}
	b.backlog = append(b.backlog, env)
	if len(b.backlog) > b.capacity {
		b.backlog = b.backlog[len(b.backlog)-b.capacity:]
	}
	var stalled []*Subscription
	for _, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	for _, sub := range stalled {
		sub.terminate()
	}
	return env
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(evt Event) { b.Publish(evt) }

// Subscribe registers a new consumer. Envelopes already in the backlog with
// sequence greater than cursor are returned immediately; later events arrive
// on the subscription channel. buffer bounds the live channel.
func (b *Bus) Subscribe(cursor uint64, buffer int) (*Subscription, []Envelope) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Envelope
	for _, env := range b.backlog {
		if env.Sequence > cursor {
			replay = append(replay, env)
		}
	}
	sub := &Subscription{bus: b, ch: make(chan Envelope, buffer)}
	if b.closed {
		close(sub.ch)
		return sub, replay
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub, replay
}

// LastSequence reports the sequence number of the most recent publication.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close tears down every subscription. Subsequent publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.terminate()
	}
}

// Events returns the live feed. The channel closes when the subscription is
// cancelled, the bus shuts down, or the consumer falls too far behind.
func (s *Subscription) Events() <-chan Envelope { return s.ch }

// Close cancels the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.terminate()
}

func (s *Subscription) terminate() {
	s.once.Do(func() { close(s.ch) })
}
