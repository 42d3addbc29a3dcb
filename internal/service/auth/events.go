package auth

import (
	"sync"
	"time"

	"careportal/internal/domain"
	"careportal/internal/metrics"
	"careportal/internal/service"
)

// Broadcaster fans auth events out to subscribers. Every event gets the next
// sequence number, and each subscriber receives events in that order on its
// own goroutine, so a slow handler never blocks the emitter.
type Broadcaster struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*subscriber
	now    func() time.Time
}

// NewBroadcaster creates a broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
}

// Emit assigns the next sequence number and queues the event for every subscriber
func (b *Broadcaster) Emit(eventType domain.AuthEventType, sess *domain.Session) domain.AuthEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := domain.AuthEvent{Seq: b.seq, Type: eventType, Session: sess, At: b.now()}
	for _, sub := range b.subs {
		sub.push(ev)
	}
	metrics.AuthEvents.WithLabelValues(string(eventType)).Inc()
	return ev
}

// Subscribe registers fn for events emitted after this call
func (b *Broadcaster) Subscribe(fn func(domain.AuthEvent)) service.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{fn: fn}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[id] = sub
	go sub.run()

	return &subscription{
		unsubscribe: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		},
	}
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []domain.AuthEvent
	closed bool
	fn     func(domain.AuthEvent)
}

func (s *subscriber) push(ev domain.AuthEvent) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(ev)
	}
}

type subscription struct {
	once        sync.Once
	unsubscribe func()
}

// Unsubscribe stops delivery. Events still queued are dropped.
func (s *subscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}
