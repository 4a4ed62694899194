// Package session manages the hot cache of conversation sessions.
package session

import (
	"container/list"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jerryplusy/mioku/internal/store"
)

// Manager is an LRU cache over session metadata. Eviction removes
// entries only from the cache; the store rows persist.
type Manager struct {
	store    *store.Store
	logger   *slog.Logger
	capacity int

	mu    sync.Mutex
	order *list.List               // front = most recently used
	cache map[string]*list.Element // session id → element holding *store.Session
}

// NewManager creates a session manager bounded at capacity entries.
func NewManager(st *store.Store, capacity int, logger *slog.Logger) *Manager {
	if capacity <= 0 {
		capacity = 100
	}
	return &Manager{
		store:    st,
		logger:   logger,
		capacity: capacity,
		order:    list.New(),
		cache:    make(map[string]*list.Element),
	}
}

// GetOrCreate returns the session with the given id, creating it in
// the store on first sight. The entry is promoted to most recently
// used.
func (m *Manager) GetOrCreate(id, typ string, targetID int64) (*store.Session, error) {
	m.mu.Lock()
	if el, ok := m.cache[id]; ok {
		m.order.MoveToFront(el)
		sess := el.Value.(*store.Session)
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess, err := m.store.GetSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		sess = &store.Session{ID: id, Type: typ, TargetID: targetID}
		if err := m.store.CreateSession(sess); err != nil {
			return nil, fmt.Errorf("create session %s: %w", id, err)
		}
		m.logger.Info("session created", "session", id, "type", typ)
	} else if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A concurrent GetOrCreate may have inserted while the lock was
	// released for store access; keep the existing entry.
	if el, ok := m.cache[id]; ok {
		m.order.MoveToFront(el)
		return el.Value.(*store.Session), nil
	}

	m.cache[id] = m.order.PushFront(sess)
	m.evictLocked()
	return sess, nil
}

// Touch refreshes a session's updated_at and promotes it to most
// recently used. Unknown ids are a no-op.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	if el, ok := m.cache[id]; ok {
		m.order.MoveToFront(el)
		el.Value.(*store.Session).UpdatedAt = time.Now()
	}
	m.mu.Unlock()

	return m.store.TouchSession(id)
}

// Reset deletes all messages of a session and clears its compressed
// context. The session identity persists in both cache and store.
func (m *Manager) Reset(id string) error {
	if err := m.store.ResetSession(id); err != nil {
		return err
	}

	m.mu.Lock()
	if el, ok := m.cache[id]; ok {
		el.Value.(*store.Session).CompressedContext = ""
	}
	m.mu.Unlock()

	m.logger.Info("session reset", "session", id)
	return nil
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Cached reports whether a session is currently in the hot cache.
func (m *Manager) Cached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cache[id]
	return ok
}

// evictLocked drops least recently used entries beyond capacity.
// Caller holds mu.
func (m *Manager) evictLocked() {
	for m.order.Len() > m.capacity {
		el := m.order.Back()
		if el == nil {
			return
		}
		sess := el.Value.(*store.Session)
		m.order.Remove(el)
		delete(m.cache, sess.ID)
		m.logger.Debug("session evicted from cache", "session", sess.ID)
	}
}
