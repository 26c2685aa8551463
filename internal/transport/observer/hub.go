package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"citybridge.ai/internal/observerproto"
)

// Hub fans tick messages out to observer sessions. Publish runs on the tick
// goroutine and never blocks: each session has a small buffer and a slow
// reader only ever sees the newest messages.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session

	// last is the most recent full building list seen on the tick stream;
	// sessions that ask for buildings start from it.
	last     []observerproto.Building
	haveLast bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type session struct {
	id  string
	out chan []byte

	mu         sync.Mutex
	buildings  bool
	everyTicks uint64
	needFull   bool // next message carries the building list
}

type HubStats struct {
	Sessions  int    `json:"sessions"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func NewHub() *Hub {
	return &Hub{sessions: map[string]*session{}}
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	return HubStats{Sessions: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

func (h *Hub) join(id string, sub observerproto.SubscribeMsg) *session {
	s := &session{id: id, out: make(chan []byte, 8)}
	s.apply(sub)
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (s *session) apply(sub observerproto.SubscribeMsg) {
	normalizeSubscribe(&sub)
	s.mu.Lock()
	if sub.Buildings && !s.buildings {
		s.needFull = true
	}
	s.buildings = sub.Buildings
	s.everyTicks = uint64(sub.EveryTicks)
	s.mu.Unlock()
}

// Publish implements city.Publisher.
func (h *Hub) Publish(msg observerproto.TickMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.Buildings != nil {
		h.last = msg.Buildings
		h.haveLast = true
	}
	if len(h.sessions) == 0 {
		return
	}

	var full, bare []byte
	encode := func(withBuildings bool) []byte {
		if withBuildings {
			if full == nil {
				m := msg
				m.Buildings = h.last
				full, _ = json.Marshal(m)
			}
			return full
		}
		if bare == nil {
			m := msg
			m.Buildings = nil
			bare, _ = json.Marshal(m)
		}
		return bare
	}

	for _, s := range h.sessions {
		s.mu.Lock()
		withBuildings := s.buildings && h.haveLast && (msg.Buildings != nil || s.needFull)
		send := withBuildings || len(msg.Events) > 0 || s.everyTicks <= 1 || msg.Tick%s.everyTicks == 0
		if withBuildings {
			s.needFull = false
		}
		s.mu.Unlock()
		if !send {
			continue
		}
		b := encode(withBuildings)
		if b == nil {
			continue
		}
		if !sendLatest(s.out, b) {
			h.dropped.Add(1)
		}
		h.published.Add(1)
	}
}

// sendLatest delivers b, evicting the oldest buffered message if the channel
// is full. It reports false when a message was evicted or b was dropped.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.EveryTicks <= 0 {
		sub.EveryTicks = 1
	}
	if sub.EveryTicks > 1000 {
		sub.EveryTicks = 1000
	}
}
