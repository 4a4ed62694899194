// Package dispatch routes inbound gateway events through the trigger
// gates into the chat engine and emits the result.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/engine"
	"github.com/jerryplusy/mioku/internal/gateway"
	"github.com/jerryplusy/mioku/internal/humanizer"
	"github.com/jerryplusy/mioku/internal/prompt"
	"github.com/jerryplusy/mioku/internal/ratelimit"
	"github.com/jerryplusy/mioku/internal/session"
	"github.com/jerryplusy/mioku/internal/skills"
	"github.com/jerryplusy/mioku/internal/store"
)

// Dispatch timing.
const (
	followUpWindow = 3 * time.Minute
	pokeCooldown   = 10 * time.Minute
	interSendDelay = 300 * time.Millisecond
	historyWindow  = 30
)

type followKey struct {
	groupID int64
	userID  int64
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Gateway  gateway.Client
	Store    *store.Store
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Skills   *skills.Registry
	Engine   *engine.Engine

	Planner   *humanizer.Planner
	Frequency *humanizer.Frequency
	Typo      *humanizer.Typo
	Retriever *humanizer.Retriever
	Topics    *humanizer.Tracker
	Learner   *humanizer.Learner
	Emoji     *humanizer.EmojiSystem
	Compactor *humanizer.Compactor
}

// Dispatcher owns the transient per-process chat state: the in-flight
// guard, the follow-up window, and poke cooldowns.
type Dispatcher struct {
	Deps
	picker    *prompt.Picker
	listeners *ListenerManager

	now   func() time.Time
	sleep func(time.Duration)

	mu            sync.Mutex
	inflight      map[string]bool
	followUps     map[followKey]time.Time
	pokeCooldowns map[int64]time.Time
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		Deps:          deps,
		picker:        prompt.NewPicker(),
		listeners:     NewListenerManager(),
		now:           time.Now,
		sleep:         time.Sleep,
		inflight:      make(map[string]bool),
		followUps:     make(map[followKey]time.Time),
		pokeCooldowns: make(map[int64]time.Time),
	}
}

// Listeners exposes the one-shot listener manager so skills can
// register wake conditions.
func (d *Dispatcher) Listeners() *ListenerManager {
	return d.listeners
}

// OnMessage implements gateway.EventHandler.
func (d *Dispatcher) OnMessage(ev *gateway.MessageEvent) {
	ctx := context.Background()
	cfg := d.Config.Effective(ev.GroupID)

	selfID := d.Gateway.SelfID()
	if selfID == 0 {
		selfID = ev.SelfID
	}
	if ev.UserID == selfID {
		return
	}

	log := d.Logger.With("group", ev.GroupID, "user", ev.UserID)
	text := strings.TrimSpace(ev.PlainText())

	if d.handleCommand(ctx, ev, cfg, text) {
		return
	}

	if ev.IsGroup() && !cfg.GroupAllowed(ev.GroupID) {
		return
	}

	// Private chats skip the group trigger rules entirely.
	if !ev.IsGroup() {
		if err := d.Limiter.Allow(ev.UserID, 0, text); err != nil {
			log.Debug("rate limited", "reason", err)
			return
		}
		d.Limiter.Record(ev.UserID, 0, text)
		d.processChat(ctx, ev, cfg, chatOptions{})
		return
	}

	opts, triggered := d.decideTrigger(ctx, ev, cfg, selfID, text, log)
	if !triggered {
		return
	}

	if err := d.Limiter.Allow(ev.UserID, ev.GroupID, text); err != nil {
		log.Debug("rate limited", "reason", err)
		return
	}
	d.Limiter.Record(ev.UserID, ev.GroupID, text)

	d.processChat(ctx, ev, cfg, opts)
}

// decideTrigger applies the group trigger rules in order: direct
// mention, nickname, quote-of-bot, one-shot listener, follow-up
// window. Listener and follow-up triggers consult the planner first
// and proceed only on reply.
func (d *Dispatcher) decideTrigger(ctx context.Context, ev *gateway.MessageEvent, cfg *config.Config, selfID int64, text string, log *slog.Logger) (chatOptions, bool) {
	if ev.Mentions(selfID) {
		return chatOptions{}, true
	}

	lower := strings.ToLower(text)
	for _, nick := range cfg.Nicknames {
		if nick != "" && strings.Contains(lower, strings.ToLower(nick)) {
			return chatOptions{}, true
		}
	}

	if d.quotesBot(ctx, ev, selfID) {
		return chatOptions{}, true
	}

	sessionID := store.GroupSessionID(ev.GroupID)

	if fired := d.listeners.OnMessage(sessionID, ev.UserID); fired != nil {
		log.Info("listener fired", "reason", fired.Reason)
		return d.planGatedTrigger(ctx, ev, cfg, sessionID, fired.Reason, log)
	}

	if d.consumeFollowUp(ev.GroupID, ev.UserID) {
		return d.planGatedTrigger(ctx, ev, cfg, sessionID, "follow-up", log)
	}

	return chatOptions{}, false
}

// planGatedTrigger asks the planner whether a soft trigger (follow-up
// or listener) warrants a reply. The decision is consumed here, so
// processChat runs with the planner skipped.
func (d *Dispatcher) planGatedTrigger(ctx context.Context, ev *gateway.MessageEvent, cfg *config.Config, sessionID, reason string, log *slog.Logger) (chatOptions, bool) {
	if !cfg.Planner.Enabled {
		return chatOptions{skipPlanner: true, triggerReason: reason}, true
	}

	history, err := d.Store.GetMessages(sessionID, historyWindow, time.Time{})
	if err != nil {
		log.Warn("history load failed", "error", err)
	}
	decision := d.Planner.Plan(ctx, humanizer.PlanRequest{
		SessionID: sessionID,
		BotName:   d.botName(cfg),
		History:   history,
		Trigger:   ev.PlainText(),
	})
	if decision.Action != humanizer.ActionReply {
		log.Debug("soft trigger declined", "action", decision.Action, "reason", decision.Reason)
		return chatOptions{}, false
	}
	return chatOptions{
		skipPlanner:    true,
		triggerReason:  reason,
		plannerThought: decision.Reason,
	}, true
}

// quotesBot reports whether the message replies to one of the bot's
// own messages.
func (d *Dispatcher) quotesBot(ctx context.Context, ev *gateway.MessageEvent, selfID int64) bool {
	for _, seg := range ev.Segments {
		id, ok := seg.ReplyID()
		if !ok {
			continue
		}
		quoted, err := d.Gateway.GetMsg(ctx, id)
		if err != nil {
			return false
		}
		return quoted.SenderID == selfID
	}
	return false
}

// consumeFollowUp checks and removes the (group, user) follow-up
// record when it is still inside the window.
func (d *Dispatcher) consumeFollowUp(groupID, userID int64) bool {
	key := followKey{groupID: groupID, userID: userID}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.followUps[key]
	if !ok {
		return false
	}
	delete(d.followUps, key)
	return now.Sub(last) < followUpWindow
}

// recordFollowUp opens the follow-up window after the bot replies.
func (d *Dispatcher) recordFollowUp(groupID, userID int64) {
	if groupID == 0 {
		return
	}
	d.mu.Lock()
	d.followUps[followKey{groupID: groupID, userID: userID}] = d.now()
	d.mu.Unlock()
}

// OnPoke implements gateway.EventHandler. A poke at the bot becomes a
// synthetic trigger that skips the normal trigger rules but keeps the
// in-flight guard and the frequency gate.
func (d *Dispatcher) OnPoke(ev *gateway.PokeEvent) {
	ctx := context.Background()

	selfID := d.Gateway.SelfID()
	if ev.TargetID != selfID || ev.GroupID == 0 {
		return
	}
	cfg := d.Config.Effective(ev.GroupID)
	if !cfg.GroupAllowed(ev.GroupID) {
		return
	}

	now := d.now()
	d.mu.Lock()
	if last, ok := d.pokeCooldowns[ev.GroupID]; ok && now.Sub(last) < pokeCooldown {
		d.mu.Unlock()
		return
	}
	d.pokeCooldowns[ev.GroupID] = now
	d.mu.Unlock()

	name := "someone"
	if info, err := d.Gateway.GetGroupMemberInfo(ctx, ev.GroupID, ev.UserID); err == nil {
		name = info.DisplayName()
	}

	synthetic := &gateway.MessageEvent{
		GroupID:  ev.GroupID,
		UserID:   ev.UserID,
		UserName: name,
		UserRole: "member",
		Segments: []gateway.Segment{gateway.Text("[" + name + " poked you]")},
		Time:     ev.Time,
		SelfID:   selfID,
	}
	d.processChat(ctx, synthetic, cfg, chatOptions{triggerReason: "poke"})
}

// handleCommand processes slash commands. Returns true when the event
// was consumed.
func (d *Dispatcher) handleCommand(ctx context.Context, ev *gateway.MessageEvent, cfg *config.Config, text string) bool {
	switch text {
	case "/reset-self":
		sessionID := store.PersonalSessionID(ev.UserID)
		if err := d.Sessions.Reset(sessionID); err != nil {
			d.Logger.Error("reset-self failed", "session", sessionID, "error", err)
			return true
		}
		d.reply(ctx, ev, "memory of you wiped")
		return true

	case "/reset-group":
		if !ev.IsGroup() {
			return true
		}
		if ev.UserRole != "admin" && ev.UserRole != "owner" && !cfg.IsBotOwner(ev.UserID) {
			d.reply(ctx, ev, "admins only")
			return true
		}
		sessionID := store.GroupSessionID(ev.GroupID)
		if err := d.Sessions.Reset(sessionID); err != nil {
			d.Logger.Error("reset-group failed", "session", sessionID, "error", err)
			return true
		}
		d.reply(ctx, ev, "group memory wiped")
		return true
	}
	return false
}

// reply sends one plain text message back to the event's chat.
func (d *Dispatcher) reply(ctx context.Context, ev *gateway.MessageEvent, text string) {
	var err error
	if ev.IsGroup() {
		_, err = d.Gateway.SendGroupMsg(ctx, ev.GroupID, []gateway.Segment{gateway.Text(text)})
	} else {
		_, err = d.Gateway.SendPrivateMsg(ctx, ev.UserID, []gateway.Segment{gateway.Text(text)})
	}
	if err != nil {
		d.Logger.Warn("reply failed", "error", err)
	}
}

func (d *Dispatcher) botName(cfg *config.Config) string {
	if len(cfg.Nicknames) > 0 {
		return cfg.Nicknames[0]
	}
	return "mioku"
}

// tryAcquire enters the in-flight guard for a session. Concurrent
// arrivals are dropped, not queued.
func (d *Dispatcher) tryAcquire(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[sessionID] {
		return false
	}
	d.inflight[sessionID] = true
	return true
}

func (d *Dispatcher) release(sessionID string) {
	d.mu.Lock()
	delete(d.inflight, sessionID)
	d.mu.Unlock()
}
