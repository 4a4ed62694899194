package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// Listener types.
const (
	ListenNextUserMessage = "next_user_message"
	ListenMessageCount    = "message_count"
)

// Listener timing bounds.
const (
	listenerDefaultTimeout = 10 * time.Minute
	listenerMaxTimeout     = 30 * time.Minute
	listenerCooldown       = time.Minute
)

// Listener is a one-shot wake condition on a session: fire on the next
// matching user message, or after a number of messages.
type Listener struct {
	SessionID    string
	Type         string
	UserID       int64 // next_user_message: restrict to this sender (0 = anyone)
	Count        int   // message_count: fire at this many messages
	CurrentCount int
	Reason       string
	CreatedAt    time.Time
	Timeout      time.Duration
}

func (l *Listener) expired(now time.Time) bool {
	return now.Sub(l.CreatedAt) > l.Timeout
}

// ListenerManager tracks at most one listener per session with a
// cooldown between registrations.
type ListenerManager struct {
	now func() time.Time

	mu        sync.Mutex
	listeners map[string]*Listener
	cooldowns map[string]time.Time // session id → re-registration allowed after
}

// NewListenerManager creates an empty manager.
func NewListenerManager() *ListenerManager {
	return &ListenerManager{
		now:       time.Now,
		listeners: make(map[string]*Listener),
		cooldowns: make(map[string]time.Time),
	}
}

// Register installs a listener. Fails when the session already has one
// or is still cooling down from the last fire or expiry.
func (m *ListenerManager) Register(l *Listener) error {
	if l.Type != ListenNextUserMessage && l.Type != ListenMessageCount {
		return fmt.Errorf("unknown listener type: %s", l.Type)
	}
	if l.Timeout <= 0 {
		l.Timeout = listenerDefaultTimeout
	}
	if l.Timeout > listenerMaxTimeout {
		l.Timeout = listenerMaxTimeout
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.listeners[l.SessionID]; ok && !existing.expired(now) {
		return fmt.Errorf("session %s already has a listener", l.SessionID)
	}
	if until, ok := m.cooldowns[l.SessionID]; ok && now.Before(until) {
		return fmt.Errorf("session %s listener cooling down until %s", l.SessionID, until.Format(time.Kitchen))
	}

	l.CreatedAt = now
	m.listeners[l.SessionID] = l
	return nil
}

// OnMessage advances the session's listener with one inbound message.
// Returns the listener when it fires; expiry removes it silently. Both
// outcomes start the re-registration cooldown.
func (m *ListenerManager) OnMessage(sessionID string, userID int64) *Listener {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listeners[sessionID]
	if !ok {
		return nil
	}

	if l.expired(now) {
		delete(m.listeners, sessionID)
		m.cooldowns[sessionID] = now.Add(listenerCooldown)
		return nil
	}

	fired := false
	switch l.Type {
	case ListenNextUserMessage:
		fired = l.UserID == 0 || l.UserID == userID
	case ListenMessageCount:
		l.CurrentCount++
		fired = l.CurrentCount >= l.Count
	}
	if !fired {
		return nil
	}

	delete(m.listeners, sessionID)
	m.cooldowns[sessionID] = now.Add(listenerCooldown)
	return l
}

// Active reports whether a session has a live listener.
func (m *ListenerManager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[sessionID]
	return ok && !l.expired(m.now())
}
