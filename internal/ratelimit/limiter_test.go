package ratelimit

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
)

func testLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	cfg := config.RateConfig{
		GroupCooldownMS:      3000,
		WindowMS:             60000,
		MaxTriggersPerWindow: 3,
		DedupWindowMS:        30000,
	}
	l := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowPassesWhenAllChecksPass(t *testing.T) {
	l, _ := testLimiter(t)
	if err := l.Allow(42, 100, "hi"); err != nil {
		t.Errorf("Allow = %v, want nil", err)
	}
}

func TestGroupCooldownDenies(t *testing.T) {
	l, now := testLimiter(t)
	l.Record(42, 100, "hi")

	*now = now.Add(time.Second)
	if err := l.Allow(7, 100, "other"); !errors.Is(err, ErrGroupCooldown) {
		t.Errorf("Allow = %v, want ErrGroupCooldown", err)
	}

	// Cooldown elapsed.
	*now = now.Add(3 * time.Second)
	if err := l.Allow(7, 100, "other"); err != nil {
		t.Errorf("Allow after cooldown = %v", err)
	}

	// Private chats skip the group check entirely.
	l.Record(42, 100, "hi2")
	if err := l.Allow(7, 0, "private"); err != nil {
		t.Errorf("private Allow = %v", err)
	}
}

func TestSlidingWindowDenies(t *testing.T) {
	l, now := testLimiter(t)

	for i := 0; i < 3; i++ {
		l.Record(42, 0, "msg")
		*now = now.Add(time.Second)
	}
	if err := l.Allow(42, 0, "fresh"); !errors.Is(err, ErrUserWindow) {
		t.Errorf("Allow = %v, want ErrUserWindow", err)
	}

	// Another user is unaffected.
	if err := l.Allow(7, 0, "fresh"); err != nil {
		t.Errorf("other user Allow = %v", err)
	}

	// Old triggers fall out of the window.
	*now = now.Add(time.Minute)
	if err := l.Allow(42, 0, "fresh"); err != nil {
		t.Errorf("Allow after window = %v", err)
	}
}

func TestDedupDenies(t *testing.T) {
	l, now := testLimiter(t)
	l.Record(42, 0, "same thing")

	*now = now.Add(10 * time.Second)
	if err := l.Allow(42, 0, "same thing"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Allow = %v, want ErrDuplicate", err)
	}
	if err := l.Allow(42, 0, "different thing"); err != nil {
		t.Errorf("different content Allow = %v", err)
	}

	*now = now.Add(30 * time.Second)
	if err := l.Allow(42, 0, "same thing"); err != nil {
		t.Errorf("Allow after dedup window = %v", err)
	}
}

func TestCleanupPrunesExpired(t *testing.T) {
	l, now := testLimiter(t)
	l.Record(42, 100, "hi")

	*now = now.Add(2 * time.Minute)
	l.Cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.groupLast) != 0 || len(l.userTriggers) != 0 || len(l.lastContent) != 0 {
		t.Errorf("state after cleanup: groups=%d users=%d dedup=%d",
			len(l.groupLast), len(l.userTriggers), len(l.lastContent))
	}
}
