// Package ratelimit gates how often users can trigger the bot.
package ratelimit

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
)

// Denial reasons. Callers treat any of them as a silent drop.
var (
	ErrGroupCooldown = errors.New("group replied to too recently")
	ErrUserWindow    = errors.New("user trigger limit reached")
	ErrDuplicate     = errors.New("duplicate content")
)

type contentRecord struct {
	content string
	at      time.Time
}

// Limiter combines three independent checks: a per-group response
// cooldown, a per-user sliding trigger window, and per-user exact
// content deduplication. All three must pass for a trigger to proceed.
type Limiter struct {
	cfg    config.RateConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	groupLast    map[int64]time.Time
	userTriggers map[int64][]time.Time
	lastContent  map[int64]contentRecord
}

// New creates a limiter with the given windows.
func New(cfg config.RateConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		groupLast:    make(map[int64]time.Time),
		userTriggers: make(map[int64][]time.Time),
		lastContent:  make(map[int64]contentRecord),
	}
}

// Allow reports whether a trigger may proceed. A nil return means all
// three checks passed; otherwise the first failing check's error is
// returned. groupID zero skips the group cooldown (private chats).
func (l *Limiter) Allow(userID, groupID int64, content string) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if groupID != 0 {
		if last, ok := l.groupLast[groupID]; ok && now.Sub(last) < l.cfg.GroupCooldown() {
			return ErrGroupCooldown
		}
	}

	triggers := l.trimmedTriggersLocked(userID, now)
	if len(triggers) >= l.cfg.MaxTriggersPerWindow {
		return ErrUserWindow
	}

	if rec, ok := l.lastContent[userID]; ok {
		if rec.content == content && now.Sub(rec.at) < l.cfg.DedupWindow() {
			return ErrDuplicate
		}
	}

	return nil
}

// Record notes a passed trigger, updating all three checks.
func (l *Limiter) Record(userID, groupID int64, content string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if groupID != 0 {
		l.groupLast[groupID] = now
	}
	l.userTriggers[userID] = append(l.trimmedTriggersLocked(userID, now), now)
	l.lastContent[userID] = contentRecord{content: content, at: now}
}

// Cleanup prunes expired entries across all three maps. Wired to a
// periodic schedule by the caller.
func (l *Limiter) Cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for gid, last := range l.groupLast {
		if now.Sub(last) >= l.cfg.GroupCooldown() {
			delete(l.groupLast, gid)
		}
	}
	for uid := range l.userTriggers {
		if trimmed := l.trimmedTriggersLocked(uid, now); len(trimmed) == 0 {
			delete(l.userTriggers, uid)
		} else {
			l.userTriggers[uid] = trimmed
		}
	}
	for uid, rec := range l.lastContent {
		if now.Sub(rec.at) >= l.cfg.DedupWindow() {
			delete(l.lastContent, uid)
		}
	}

	l.logger.Debug("rate limiter cleanup",
		"groups", len(l.groupLast),
		"users", len(l.userTriggers),
		"dedup", len(l.lastContent),
	)
}

// trimmedTriggersLocked returns the user's trigger timestamps still
// inside the sliding window. Caller holds mu.
func (l *Limiter) trimmedTriggersLocked(userID int64, now time.Time) []time.Time {
	triggers := l.userTriggers[userID]
	cutoff := now.Add(-l.cfg.Window())
	i := 0
	for i < len(triggers) && !triggers[i].After(cutoff) {
		i++
	}
	return triggers[i:]
}
