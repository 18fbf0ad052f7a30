package bus

import "sync"

// Subscription delivers values for one session in publish order until it is
// closed. Closing is idempotent and never affects other subscriptions.
type Subscription[T any] struct {
	id        uint64
	sessionID string
	ch        chan T
	done      chan struct{}
	filter    func(T) bool
	remove    func()

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// SessionID returns the session this subscription is bound to.
func (s *Subscription[T]) SessionID() string {
	return s.sessionID
}

// Close stops delivery and releases any publisher blocked on this subscriber.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		if s.remove != nil {
			s.remove()
		}
	})
}

// deliver blocks while the subscriber's queue is full. It reports false once
// the subscription is closed.
func (s *Subscription[T]) deliver(v T) bool {
	if s.filter != nil && !s.filter(v) {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- v:
		return true
	case <-s.done:
		return false
	}
}

// topic is a per-session subscriber registry for one value type.
type topic[T any] struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription[T]
	nextID  uint64
	bufSize int
}

func newTopic[T any](bufSize int) *topic[T] {
	return &topic[T]{
		subs:    make(map[string][]*Subscription[T]),
		bufSize: bufSize,
	}
}

func (t *topic[T]) subscribe(sessionID string, filter func(T) bool) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	sub := &Subscription[T]{
		id:        t.nextID,
		sessionID: sessionID,
		ch:        make(chan T, t.bufSize),
		done:      make(chan struct{}),
		filter:    filter,
	}
	sub.remove = func() { t.unsubscribe(sub) }
	t.subs[sessionID] = append(t.subs[sessionID], sub)

	return sub
}

func (t *topic[T]) unsubscribe(sub *Subscription[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.subs[sub.sessionID]
	for i, s := range list {
		if s.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.subs, sub.sessionID)
		return
	}
	t.subs[sub.sessionID] = list
}

// publish delivers v to a snapshot of the session's subscribers. The lock is
// not held while delivering, so a slow subscriber only stalls its publisher.
func (t *topic[T]) publish(sessionID string, v T) {
	t.mu.RLock()
	snapshot := append([]*Subscription[T](nil), t.subs[sessionID]...)
	t.mu.RUnlock()

	for _, sub := range snapshot {
		sub.deliver(v)
	}
}

func (t *topic[T]) count(sessionID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[sessionID])
}

func (t *topic[T]) closeSession(sessionID string) {
	t.mu.RLock()
	snapshot := append([]*Subscription[T](nil), t.subs[sessionID]...)
	t.mu.RUnlock()

	for _, sub := range snapshot {
		sub.Close()
	}
}

func (t *topic[T]) closeAll() {
	t.mu.RLock()
	var all []*Subscription[T]
	for _, list := range t.subs {
		all = append(all, list...)
	}
	t.mu.RUnlock()

	for _, sub := range all {
		sub.Close()
	}
}
