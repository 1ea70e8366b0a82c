package push

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one connected consumer of a user's notifications.
type Session struct {
	ID     string
	UserID string

	send chan Message
	done chan struct{}
	once sync.Once
}

// Receive exposes the session's delivery channel. Consumers must also
// watch Done; the delivery channel itself is never closed.
func (s *Session) Receive() <-chan Message {
	return s.send
}

// Done is closed when the session is detached from the hub.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

type broadcast struct {
	userID   string
	messages []Message
}

// Hub is the per-user session registry. Broadcasts flow through a
// single dispatch goroutine so a slow or gone session can never block
// the caller; a session whose buffer is full simply misses the message.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}

	queue  chan broadcast
	done   chan struct{}
	closed sync.Once

	bufSize int
	logger  zerolog.Logger
}

func NewHub(queueSize int, logger zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	h := &Hub{
		sessions: make(map[string]map[*Session]struct{}),
		queue:    make(chan broadcast, queueSize),
		done:     make(chan struct{}),
		bufSize:  queueSize,
		logger:   logger,
	}
	go h.dispatch()
	return h
}

// Connect attaches a new session for userID and returns it together
// with a detach function. The detach function is idempotent.
func (h *Hub) Connect(userID string) (*Session, func()) {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan Message, h.bufSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("user", userID).Str("session", s.ID).Msg("session connected")

	detach := func() {
		h.mu.Lock()
		if set, ok := h.sessions[userID]; ok {
			if _, live := set[s]; live {
				delete(set, s)
				if len(set) == 0 {
					delete(h.sessions, userID)
				}
				s.close()
			}
		}
		h.mu.Unlock()
	}
	return s, detach
}

// Broadcast queues messages for every session of userID. It never
// blocks; when the dispatch queue is saturated the batch is dropped.
func (h *Hub) Broadcast(userID string, msgs ...Message) bool {
	if len(msgs) == 0 {
		return true
	}
	select {
	case <-h.done:
		return false
	case h.queue <- broadcast{userID: userID, messages: msgs}:
		return true
	default:
		h.logger.Warn().Str("user", userID).Int("count", len(msgs)).Msg("dispatch queue full, dropping batch")
		return false
	}
}

// SessionCount reports the number of live sessions for userID.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Close stops the dispatch loop and detaches every session.
func (h *Hub) Close() {
	h.closed.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, set := range h.sessions {
			for s := range set {
				s.close()
			}
		}
		h.sessions = make(map[string]map[*Session]struct{})
		h.mu.Unlock()
	})
}

func (h *Hub) dispatch() {
	for {
		select {
		case <-h.done:
			return
		case b := <-h.queue:
			h.deliver(b)
		}
	}
}

func (h *Hub) deliver(b broadcast) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[b.userID]))
	for s := range h.sessions[b.userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, msg := range b.messages {
		for _, s := range targets {
			// sessions never see their own writes echoed back
			if msg.SourceSessionID != "" && msg.SourceSessionID == s.ID {
				continue
			}
			select {
			case <-s.done:
			case s.send <- msg:
			default:
				h.logger.Debug().Str("session", s.ID).Msg("session buffer full, message dropped")
			}
		}
	}
}
