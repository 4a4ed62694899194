package humanizer

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
)

// Frequency decides whether the bot speaks unprompted and how long it
// pretends to type. State is per session.
type Frequency struct {
	cfg    config.FrequencyConfig
	logger *slog.Logger
	now    func() time.Time
	randFn func() float64

	mu        sync.Mutex
	lastSpeak map[string]time.Time
	noReply   map[string]int // consecutive ShouldSpeak denials
}

// NewFrequency creates a frequency controller.
func NewFrequency(cfg config.FrequencyConfig, logger *slog.Logger) *Frequency {
	return &Frequency{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		randFn:    rand.Float64,
		lastSpeak: make(map[string]time.Time),
		noReply:   make(map[string]int),
	}
}

// ShouldSpeak reports whether the bot may reply in this session right
// now. Always true when the controller is disabled. A denial bumps the
// session's consecutive-silence counter, which gradually raises the
// odds of the next attempt.
func (f *Frequency) ShouldSpeak(sessionID string) bool {
	if !f.cfg.Enabled {
		return true
	}

	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if last, ok := f.lastSpeak[sessionID]; ok && now.Sub(last) < f.cfg.MinInterval() {
		return false
	}

	p := f.cfg.SpeakProbability
	if f.inQuietHours(now.Hour()) {
		p *= f.cfg.QuietProbabilityMultiplier
	}
	if n := f.noReply[sessionID]; n >= 3 {
		p += 0.2 * float64(n-2)
		if p > 1.0 {
			p = 1.0
		}
	}

	if f.randFn() >= p {
		f.noReply[sessionID]++
		return false
	}
	return true
}

// RecordSpeak marks a completed reply: resets the silence counter and
// starts the minimum-interval clock.
func (f *Frequency) RecordSpeak(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSpeak[sessionID] = f.now()
	f.noReply[sessionID] = 0
}

// TypingDelay simulates composing a message of the given rune length:
// a 1-3 s base plus 50-100 ms per character, capped at the configured
// maximum interval.
func (f *Frequency) TypingDelay(length int) time.Duration {
	base := time.Duration(1000+f.randFn()*2000) * time.Millisecond
	perChar := time.Duration(50+f.randFn()*50) * time.Millisecond
	delay := base + time.Duration(length)*perChar
	if max := f.cfg.MaxInterval(); delay > max {
		delay = max
	}
	return delay
}

// inQuietHours checks the wrapped interval [start, end) interpreted
// modulo 24. start == end means no quiet hours.
func (f *Frequency) inQuietHours(hour int) bool {
	start, end := f.cfg.QuietHoursStart, f.cfg.QuietHoursEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
