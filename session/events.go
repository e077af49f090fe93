package session

type EventType string

const (
	EventLogin   EventType = "login"
	EventLogout  EventType = "logout"
	EventExpired EventType = "expired"
)

type Event struct {
	Type     EventType `json:"type"`
	Identity *Identity `json:"identity,omitempty"`
}

const subscriberBuffer = 8

// Subscribe returns a channel receiving every session event from now on and a function to stop
// receiving them. Slow subscribers lose events rather than blocking the store.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch

	var cancelled bool
	return ch, func() {
		s.subsLock.Lock()
		defer s.subsLock.Unlock()

		if cancelled {
			return
		}

		cancelled = true
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Store) emit(ev Event) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warnf("dropping %s event for slow subscriber %d", ev.Type, id)
		}
	}
}
