package event

import (
	"log"
	"sync"
	"time"
)

// liveBuffer is the slack a subscriber gets beyond the replayed history.
// A subscriber that falls further behind than this has events dropped rather
// than blocking the pipeline.
const liveBuffer = 64

type subscriber struct {
	crID string
	ch   chan Event
	gone bool
}

// Bus is the per-CR ordered publish/subscribe channel. Publishing stamps a
// monotonic (seq, timestamp) pair per CR, appends to the durable log and the
// in-memory history, then fans out to live subscribers. Subscribers receive
// replay-then-stream: all already-emitted events for the CR, then subsequent
// events live, in order.
//
// Delivery failures are observational only: a full subscriber channel or a
// failed log write is logged and dropped, never surfaced to the pipeline.
type Bus struct {
	mu      sync.Mutex
	durable *Log // may be nil (tests)
	history map[string][]Event
	subs    map[string][]*subscriber
	seq     map[string]int64
	lastTS  map[string]time.Time
}

// NewBus creates a Bus. durable may be nil, in which case replay only covers
// events published within this process.
func NewBus(durable *Log) *Bus {
	return &Bus{
		durable: durable,
		history: make(map[string][]Event),
		subs:    make(map[string][]*subscriber),
		seq:     make(map[string]int64),
		lastTS:  make(map[string]time.Time),
	}
}

// Publish stamps and delivers an event. The returned event carries the
// assigned sequence number and timestamp.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seedLocked(e.CR)

	b.seq[e.CR]++
	e.Seq = b.seq[e.CR]

	ts := time.Now().UTC()
	if last := b.lastTS[e.CR]; !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	b.lastTS[e.CR] = ts
	e.Timestamp = ts

	b.history[e.CR] = append(b.history[e.CR], e)
	if b.durable != nil {
		if err := b.durable.Append(e); err != nil {
			log.Printf("event log append failed (cr=%s seq=%d): %v", e.CR, e.Seq, err)
		}
	}

	for _, sub := range b.subs[e.CR] {
		select {
		case sub.ch <- e:
		default:
			log.Printf("dropping event for lagging subscriber (cr=%s seq=%d type=%s)", e.CR, e.Seq, e.Type)
		}
	}
	return e
}

// Subscribe returns a channel that first replays every already-emitted event
// for the CR, then streams subsequent events in order. The cancel function
// detaches the subscriber and closes the channel.
func (b *Bus) Subscribe(crID string) (<-chan Event, func()) {
	b.mu.Lock()
	b.seedLocked(crID)

	hist := b.history[crID]
	sub := &subscriber{
		crID: crID,
		ch:   make(chan Event, len(hist)+liveBuffer),
	}
	for _, e := range hist {
		sub.ch <- e
	}
	b.subs[crID] = append(b.subs[crID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.gone {
			return
		}
		sub.gone = true
		subs := b.subs[crID]
		for i, s := range subs {
			if s == sub {
				b.subs[crID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// History returns the in-memory event history for a CR, falling back to the
// durable log when this process has not published for the CR yet.
func (b *Bus) History(crID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seedLocked(crID)
	return append([]Event{}, b.history[crID]...)
}

// seedLocked loads prior events for a CR from the durable log the first time
// the CR is seen in this process, so replay and sequence numbering survive
// restarts. Caller holds b.mu.
func (b *Bus) seedLocked(crID string) {
	if _, seen := b.history[crID]; seen || b.durable == nil {
		return
	}
	hist, err := b.durable.History(crID)
	if err != nil {
		log.Printf("event log read failed (cr=%s): %v", crID, err)
		b.history[crID] = []Event{}
		return
	}
	b.history[crID] = hist
	if n := len(hist); n > 0 {
		b.seq[crID] = hist[n-1].Seq
		b.lastTS[crID] = hist[n-1].Timestamp
	} else {
		b.history[crID] = []Event{}
	}
}
