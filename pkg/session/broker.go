package session

import (
	"sync"
	"sync/atomic"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber that falls this many events behind is dropped.
const defaultSubscriberBuffer = 256

// Subscriber is one in-process consumer of a run session's live events.
// Events arrive on a bounded channel; the channel closes when the run
// ends, the subscriber unsubscribes, or it falls too far behind.
type Subscriber struct {
	id    uint64
	runID string
	ch    chan *models.SessionEvent

	closeOnce sync.Once
	slow      atomic.Bool
}

// Events returns the subscriber's delivery channel. It is closed when
// the subscription ends; check Slow to distinguish a drop from a normal
// end.
func (s *Subscriber) Events() <-chan *models.SessionEvent {
	return s.ch
}

// RunID returns the run this subscriber is attached to.
func (s *Subscriber) RunID() string {
	return s.runID
}

// Slow reports whether the subscriber was dropped for not keeping up.
func (s *Subscriber) Slow() bool {
	return s.slow.Load()
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// broker fans persisted events out to the subscribers of each run.
// Publishing never blocks: a subscriber whose buffer is full is dropped
// on the spot so one stalled reader cannot stall the session.
type broker struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscriber
	nextID  uint64
	bufSize int

	onDrop func(sub *Subscriber)
}

func newBroker(bufSize int, onDrop func(*Subscriber)) *broker {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &broker{
		subs:    make(map[string]map[uint64]*Subscriber),
		bufSize: bufSize,
		onDrop:  onDrop,
	}
}

func (b *broker) subscribe(runID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		id:    b.nextID,
		runID: runID,
		ch:    make(chan *models.SessionEvent, b.bufSize),
	}

	group, ok := b.subs[runID]
	if !ok {
		group = make(map[uint64]*Subscriber)
		b.subs[runID] = group
	}
	group[sub.id] = sub

	return sub
}

func (b *broker) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if group, ok := b.subs[sub.runID]; ok {
		delete(group, sub.id)
		if len(group) == 0 {
			delete(b.subs, sub.runID)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// publish delivers one event to every subscriber of its run. Slow
// subscribers are removed and closed; the drop callback runs outside
// the broker lock.
func (b *broker) publish(event *models.SessionEvent) {
	var dropped []*Subscriber

	b.mu.Lock()
	for id, sub := range b.subs[event.RunID] {
		select {
		case sub.ch <- event:
		default:
			sub.slow.Store(true)
			delete(b.subs[event.RunID], id)
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		logger.Warn("dropped slow subscriber",
			logger.RunID(sub.runID),
			logger.Seq(event.Seq))
		if b.onDrop != nil {
			b.onDrop(sub)
		}
	}
}

// closeRun ends every subscription for a run after its terminal event
// has been delivered.
func (b *broker) closeRun(runID string) {
	b.mu.Lock()
	group := b.subs[runID]
	delete(b.subs, runID)
	b.mu.Unlock()

	for _, sub := range group {
		sub.close()
	}
}

// count returns the number of live subscribers for a run.
func (b *broker) count(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
