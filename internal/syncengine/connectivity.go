package syncengine

import "sync"

// ConnectivitySignal is the shared online/offline flag. Transitions fan out
// to subscribers; the reconciler listens for the offline-to-online edge.
type ConnectivitySignal struct {
	mu       sync.Mutex
	online   bool
	nextID   int
	handlers map[int]func(online bool)
}

func NewConnectivitySignal(online bool) *ConnectivitySignal {
	return &ConnectivitySignal{online: online, handlers: map[int]func(online bool){}}
}

func (s *ConnectivitySignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline updates the flag and notifies subscribers on a real transition.
// Handlers run synchronously outside the lock; order is unspecified.
func (s *ConnectivitySignal) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	handlers := make([]func(bool), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(online)
	}
}

// Subscribe registers a transition handler and returns an unsubscribe func.
func (s *ConnectivitySignal) Subscribe(handler func(online bool)) func() {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}
