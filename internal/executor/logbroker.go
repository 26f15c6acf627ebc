package executor

import (
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedMarkerTTL is how long a finished invocation is remembered so a
// subscriber arriving just after it ended gets a closed channel.
const closedMarkerTTL = time.Minute

// LogBroker fans guest log lines out to live subscribers, keyed by
// invocation id. It is safe for concurrent use.
//
// Lines are only delivered to subscribers present when they are published;
// history comes from the store. Each line carries its sequence number so a
// reader can merge the two without repeats. Every invocation ends with Close, so finished
// invocations leave a marker that expires after closedMarkerTTL.
type LogBroker struct {
	now func() time.Time

	mu      sync.Mutex
	live    map[string]*logTopic
	ended   map[string]time.Time
	expires []endedTopic // ordered by close time
}

type logTopic struct {
	subs   map[int]chan model.LogLine
	nextID int
}

type endedTopic struct {
	id string
	at time.Time
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		now:   time.Now,
		live:  make(map[string]*logTopic),
		ended: make(map[string]time.Time),
	}
}

// Subscribe returns a channel receiving the invocation's log lines and an
// unsubscribe function. The channel is closed when the invocation ends, or
// immediately if it already has.
func (b *LogBroker) Subscribe(invocationID string) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LogLine, subscriberBufferSize)
	if _, ok := b.ended[invocationID]; ok {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.live[invocationID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan model.LogLine)}
		b.live[invocationID] = t
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.live[invocationID] == t {
			delete(b.live, invocationID)
		}
	}
}

// Publish sends a line to every current subscriber of the invocation. Slow
// subscribers miss lines rather than stall the guest.
func (b *LogBroker) Publish(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.live[line.InvocationID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the invocation's stream: subscriber channels are closed and
// later Subscribe calls get a closed channel until the marker expires.
func (b *LogBroker) Close(invocationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	if t, ok := b.live[invocationID]; ok {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.live, invocationID)
	}
	if _, ok := b.ended[invocationID]; ok {
		return
	}
	b.ended[invocationID] = now
	b.expires = append(b.expires, endedTopic{id: invocationID, at: now})
}

// prune forgets markers older than closedMarkerTTL.
func (b *LogBroker) prune(now time.Time) {
	i := 0
	for i < len(b.expires) && now.Sub(b.expires[i].at) > closedMarkerTTL {
		delete(b.ended, b.expires[i].id)
		i++
	}
	if i > 0 {
		b.expires = append(b.expires[:0], b.expires[i:]...)
	}
}

// Markers returns the number of finished invocations still remembered.
func (b *LogBroker) Markers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ended)
}
