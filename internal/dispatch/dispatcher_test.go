package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/engine"
	"github.com/jerryplusy/mioku/internal/gateway"
	"github.com/jerryplusy/mioku/internal/humanizer"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/ratelimit"
	"github.com/jerryplusy/mioku/internal/session"
	"github.com/jerryplusy/mioku/internal/skills"
	"github.com/jerryplusy/mioku/internal/store"
)

const botID int64 = 999

// fakeLLM replays chat and text responses in order.
type fakeLLM struct {
	mu        sync.Mutex
	chatQueue []*llm.ChatResponse
	textQueue []string
}

func (f *fakeLLM) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chatQueue) == 0 {
		return nil, errors.New("fakeLLM: chat queue empty")
	}
	out := f.chatQueue[0]
	f.chatQueue = f.chatQueue[1:]
	return out, nil
}

func (f *fakeLLM) GenerateText(context.Context, llm.TextRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.textQueue) == 0 {
		return "", errors.New("fakeLLM: text queue empty")
	}
	out := f.textQueue[0]
	f.textQueue = f.textQueue[1:]
	return out, nil
}

func (f *fakeLLM) GenerateMultimodal(ctx context.Context, req llm.TextRequest) (string, error) {
	return f.GenerateText(ctx, req)
}

type sentMsg struct {
	groupID int64
	userID  int64
	segs    []gateway.Segment
}

// fakeGateway records sends and serves canned lookups.
type fakeGateway struct {
	mu    sync.Mutex
	sends []sentMsg
	msgs  map[int32]*gateway.HistoryMessage
}

func (f *fakeGateway) SelfID() int64 { return botID }

func (f *fakeGateway) SendGroupMsg(_ context.Context, groupID int64, segs []gateway.Segment) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{groupID: groupID, segs: segs})
	return int32(len(f.sends)), nil
}

func (f *fakeGateway) SendPrivateMsg(_ context.Context, userID int64, segs []gateway.Segment) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{userID: userID, segs: segs})
	return int32(len(f.sends)), nil
}

func (f *fakeGateway) GetMsg(_ context.Context, id int32) (*gateway.HistoryMessage, error) {
	if m, ok := f.msgs[id]; ok {
		return m, nil
	}
	return nil, errors.New("no such message")
}

func (f *fakeGateway) GetGroupInfo(_ context.Context, groupID int64) (*gateway.GroupInfo, error) {
	return &gateway.GroupInfo{GroupID: groupID, GroupName: "testers", MemberCount: 12}, nil
}

func (f *fakeGateway) GetGroupMemberInfo(_ context.Context, groupID, userID int64) (*gateway.MemberInfo, error) {
	return &gateway.MemberInfo{GroupID: groupID, UserID: userID, Nickname: "Bob", Role: "member"}, nil
}

func (f *fakeGateway) GetGroupMemberList(context.Context, int64) ([]gateway.MemberInfo, error) {
	return nil, nil
}

func (f *fakeGateway) GetGroupMsgHistory(context.Context, int64, int) ([]gateway.HistoryMessage, error) {
	return nil, nil
}

func (f *fakeGateway) SetGroupBan(context.Context, int64, int64, time.Duration) error { return nil }
func (f *fakeGateway) SetGroupKick(context.Context, int64, int64) error               { return nil }
func (f *fakeGateway) SetGroupCard(context.Context, int64, int64, string) error       { return nil }
func (f *fakeGateway) SetGroupSpecialTitle(context.Context, int64, int64, string) error {
	return nil
}
func (f *fakeGateway) SetGroupWholeBan(context.Context, int64, bool) error { return nil }
func (f *fakeGateway) GroupPoke(context.Context, int64, int64) error       { return nil }

func (f *fakeGateway) sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeGateway) sentTexts() []string {
	var out []string
	for _, s := range f.sent() {
		out = append(out, gateway.PlainText(s.segs))
	}
	return out
}

type testBot struct {
	dispatcher *Dispatcher
	gateway    *fakeGateway
	llm        *fakeLLM
	store      *store.Store
	cfg        *config.Config
	sleeps     []time.Duration
}

func newTestBot(t *testing.T, mutate func(*config.Config)) *testBot {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Nicknames = []string{"miku"}
	// Keep the group cooldown out of the way; tests that need it set
	// their own windows.
	cfg.Rate.GroupCooldownMS = 1
	cfg.Planner.Enabled = false
	cfg.Frequency.Enabled = false
	cfg.Typo.Enabled = false
	cfg.Emoji.Enabled = false
	cfg.Topic.Enabled = false
	cfg.Expression.Enabled = false
	cfg.Memory.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	client := &fakeLLM{}
	gw := &fakeGateway{msgs: make(map[int32]*gateway.HistoryMessage)}
	reg := skills.NewRegistry(logger)
	model := cfg.EffectiveModel()

	bot := &testBot{gateway: gw, llm: client, store: st, cfg: cfg}

	d := New(Deps{
		Config:    cfg,
		Logger:    logger,
		Gateway:   gw,
		Store:     st,
		Sessions:  session.NewManager(st, cfg.MaxSessions, logger),
		Limiter:   ratelimit.New(cfg.Rate, logger),
		Skills:    reg,
		Engine:    engine.New(client, st, nil, logger),
		Planner:   humanizer.NewPlanner(client, model, logger),
		Frequency: humanizer.NewFrequency(cfg.Frequency, logger),
		Typo:      humanizer.NewTypo(cfg.Typo),
		Retriever: humanizer.NewRetriever(cfg.Memory, st, client, model, logger),
		Topics:    humanizer.NewTracker(cfg.Topic, st, client, model, logger),
		Learner:   humanizer.NewLearner(cfg.Expression, st, client, model, logger),
		Emoji:     humanizer.NewEmojiSystem(cfg.Emoji, st, client, model, cfg.IsMultimodal, logger),
	})
	d.sleep = func(dur time.Duration) { bot.sleeps = append(bot.sleeps, dur) }
	bot.dispatcher = d
	return bot
}

func groupEvent(text string, mention bool) *gateway.MessageEvent {
	segs := []gateway.Segment{}
	if mention {
		segs = append(segs, gateway.At(botID))
	}
	segs = append(segs, gateway.Text(text))
	return &gateway.MessageEvent{
		MessageID: 10,
		GroupID:   100,
		UserID:    42,
		UserName:  "Bob",
		UserRole:  "member",
		Segments:  segs,
		Time:      time.Now(),
		SelfID:    botID,
	}
}

// S1: direct @-trigger, two-part reply with pacing.
func TestDirectTriggerSingleReply(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{
		{Content: "hey\n---\nhow's it going?"},
	}

	bot.dispatcher.OnMessage(groupEvent("hi", true))

	texts := bot.gateway.sentTexts()
	if len(texts) != 2 || texts[0] != "hey" || texts[1] != "how's it going?" {
		t.Fatalf("sends = %q", texts)
	}
	if len(bot.sleeps) != 1 || bot.sleeps[0] != interSendDelay {
		t.Errorf("sleeps = %v, want one %v gap", bot.sleeps, interSendDelay)
	}

	// One assistant row persisted under the group session.
	msgs, _ := bot.store.GetMessages("group:100", 10, time.Time{})
	assistant := 0
	for _, m := range msgs {
		if m.Role == "assistant" {
			assistant++
		}
	}
	if assistant != 1 {
		t.Errorf("assistant rows = %d, want 1", assistant)
	}

	// Follow-up window opened for (100, 42).
	bot.dispatcher.mu.Lock()
	_, ok := bot.dispatcher.followUps[followKey{groupID: 100, userID: 42}]
	bot.dispatcher.mu.Unlock()
	if !ok {
		t.Error("follow-up record missing")
	}
}

// Group inbound is persisted under both the group and the personal
// session.
func TestDualPersistence(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "ok"}}

	bot.dispatcher.OnMessage(groupEvent("hello there", true))

	group, _ := bot.store.GetMessages("group:100", 10, time.Time{})
	personal, _ := bot.store.GetMessages("personal:42", 10, time.Time{})
	if len(group) == 0 || len(personal) != 1 {
		t.Fatalf("group = %d rows, personal = %d rows", len(group), len(personal))
	}
	if personal[0].Content != group[0].Content {
		t.Error("personal copy differs from group row")
	}
}

// S2: duplicate content inside the dedup window is silently dropped.
func TestRateLimitDedup(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "hey"}}

	bot.dispatcher.OnMessage(groupEvent("same text", true))
	firstSends := len(bot.gateway.sent())
	rows, _ := bot.store.CountMessages("group:100")

	bot.dispatcher.OnMessage(groupEvent("same text", true))

	if got := len(bot.gateway.sent()); got != firstSends {
		t.Errorf("second event produced sends: %d → %d", firstSends, got)
	}
	rowsAfter, _ := bot.store.CountMessages("group:100")
	if rowsAfter != rows {
		t.Errorf("second event persisted rows: %d → %d", rows, rowsAfter)
	}
}

// Untriggered group chatter is ignored.
func TestNoTriggerNoReply(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.dispatcher.OnMessage(groupEvent("just chatting", false))
	if len(bot.gateway.sent()) != 0 {
		t.Error("reply sent without a trigger")
	}
}

// Nickname mention triggers case-insensitively.
func TestNicknameTrigger(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "yes?"}}

	bot.dispatcher.OnMessage(groupEvent("hey MIKU, you there?", false))
	if len(bot.gateway.sent()) != 1 {
		t.Error("nickname mention did not trigger")
	}
}

// S3: follow-up inside the window goes through the planner and then
// processChat with the planner already consumed.
func TestFollowUpWindow(t *testing.T) {
	bot := newTestBot(t, func(cfg *config.Config) {
		cfg.Planner.Enabled = true
	})
	// First reply: planner says reply, engine replies.
	bot.llm.textQueue = []string{`{"action": "reply", "reason": "asked directly"}`}
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "hey"}}
	bot.dispatcher.OnMessage(groupEvent("hi", true))
	if len(bot.gateway.sent()) != 1 {
		t.Fatalf("setup reply missing: %q", bot.gateway.sentTexts())
	}

	// Follow-up without a mention inside the window: planner consulted
	// once, engine runs without a second planner call.
	bot.llm.textQueue = []string{`{"action": "reply", "reason": "follow-up"}`}
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "really!"}}

	bot.dispatcher.OnMessage(groupEvent("really?", false))

	if texts := bot.gateway.sentTexts(); len(texts) != 2 || texts[1] != "really!" {
		t.Fatalf("sends = %q", texts)
	}
	if len(bot.llm.textQueue) != 0 {
		t.Error("planner not consulted for follow-up")
	}

	// The follow-up consumed the record and the second reply re-opened it.
	bot.dispatcher.mu.Lock()
	_, ok := bot.dispatcher.followUps[followKey{groupID: 100, userID: 42}]
	bot.dispatcher.mu.Unlock()
	if !ok {
		t.Error("follow-up window not re-opened after the second reply")
	}
}

// S6: planner wait persists the inbound but emits nothing and releases
// the guard.
func TestPlannerWait(t *testing.T) {
	bot := newTestBot(t, func(cfg *config.Config) {
		cfg.Planner.Enabled = true
	})
	bot.llm.textQueue = []string{`{"action": "wait", "reason": "thread still moving", "wait_seconds": 30}`}

	bot.dispatcher.OnMessage(groupEvent("hmm miku", false))

	if len(bot.gateway.sent()) != 0 {
		t.Error("wait decision still replied")
	}
	rows, _ := bot.store.CountMessages("group:100")
	if rows != 1 {
		t.Errorf("inbound rows = %d, want persisted despite wait", rows)
	}
	if !bot.dispatcher.tryAcquire("group:100") {
		t.Error("in-flight guard not released after wait")
	}
	bot.dispatcher.release("group:100")

	// Wait armed a one-shot wake on the session.
	if !bot.dispatcher.Listeners().Active("group:100") {
		t.Error("wait did not register a listener")
	}

	// The next message fires the listener, the planner approves, the
	// engine replies.
	bot.llm.textQueue = []string{`{"action": "reply", "reason": "they continued"}`}
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "right, so"}}
	bot.dispatcher.OnMessage(groupEvent("as I was saying", false))

	if texts := bot.gateway.sentTexts(); len(texts) != 1 || texts[0] != "right, so" {
		t.Errorf("sends after listener fire = %q", texts)
	}
}

// P1: at most one processChat per session; concurrent arrivals drop.
func TestInFlightGuardDrops(t *testing.T) {
	bot := newTestBot(t, nil)

	if !bot.dispatcher.tryAcquire("group:100") {
		t.Fatal("guard acquire failed")
	}
	bot.dispatcher.OnMessage(groupEvent("hi", true))
	bot.dispatcher.release("group:100")

	if len(bot.gateway.sent()) != 0 {
		t.Error("second in-flight task replied")
	}
	rows, _ := bot.store.CountMessages("group:100")
	if rows != 0 {
		t.Error("dropped task persisted rows")
	}
}

// Quote-of-bot counts as a trigger.
func TestQuoteOfBotTriggers(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.gateway.msgs[55] = &gateway.HistoryMessage{
		MessageID: 55, SenderID: botID, SenderName: "miku",
		Segments: []gateway.Segment{gateway.Text("my earlier take")},
	}
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "glad you asked"}}

	ev := groupEvent("interesting", false)
	ev.Segments = append([]gateway.Segment{gateway.Reply(55)}, ev.Segments...)

	bot.dispatcher.OnMessage(ev)
	if len(bot.gateway.sent()) != 1 {
		t.Error("quote of bot message did not trigger")
	}
}

// Quoting a third party prefixes the persisted content.
func TestQuotePrefixPersisted(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.gateway.msgs[56] = &gateway.HistoryMessage{
		MessageID: 56, SenderID: 7, SenderName: "Carol",
		Segments: []gateway.Segment{gateway.Text("pizza friday?")},
	}
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "count me in"}}

	ev := groupEvent("what do you think miku", false)
	ev.Segments = append([]gateway.Segment{gateway.Reply(56)}, ev.Segments...)
	bot.dispatcher.OnMessage(ev)

	msgs, _ := bot.store.GetMessages("group:100", 10, time.Time{})
	if len(msgs) == 0 || !strings.HasPrefix(msgs[0].Content, `[Quoting Carol: "pizza friday?"]`) {
		t.Errorf("persisted = %q", msgs[0].Content)
	}
}

// Self messages never loop back.
func TestSelfMessageDropped(t *testing.T) {
	bot := newTestBot(t, nil)
	ev := groupEvent("echo", true)
	ev.UserID = botID
	bot.dispatcher.OnMessage(ev)
	if len(bot.gateway.sent()) != 0 {
		t.Error("bot replied to itself")
	}
}

// Whitelist blocks unlisted groups.
func TestWhitelist(t *testing.T) {
	bot := newTestBot(t, func(cfg *config.Config) {
		cfg.WhitelistGroups = []int64{200}
	})
	bot.dispatcher.OnMessage(groupEvent("hi", true))
	if len(bot.gateway.sent()) != 0 {
		t.Error("whitelisted-out group got a reply")
	}
}

func TestResetGroupCommand(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "hey"}}
	bot.dispatcher.OnMessage(groupEvent("hi", true))

	// Member cannot reset.
	ev := groupEvent("/reset-group", false)
	bot.dispatcher.OnMessage(ev)
	rows, _ := bot.store.CountMessages("group:100")
	if rows == 0 {
		t.Fatal("member reset the group")
	}

	// Admin can.
	ev = groupEvent("/reset-group", false)
	ev.UserRole = "admin"
	bot.dispatcher.OnMessage(ev)
	rows, _ = bot.store.CountMessages("group:100")
	if rows != 0 {
		t.Errorf("rows after admin reset = %d", rows)
	}
}

func TestResetSelfCommand(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "hey"}}
	bot.dispatcher.OnMessage(groupEvent("hi", true))

	before, _ := bot.store.CountMessages("personal:42")
	if before == 0 {
		t.Fatal("personal copy missing")
	}

	bot.dispatcher.OnMessage(groupEvent("/reset-self", false))
	after, _ := bot.store.CountMessages("personal:42")
	if after != 0 {
		t.Errorf("personal rows after reset = %d", after)
	}
}

func TestPokeTriggersWithCooldown(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{{Content: "did you need me?"}, {Content: "again?"}}

	poke := &gateway.PokeEvent{GroupID: 100, UserID: 42, TargetID: botID, Time: time.Now()}
	bot.dispatcher.OnPoke(poke)

	texts := bot.gateway.sentTexts()
	if len(texts) != 1 || texts[0] != "did you need me?" {
		t.Fatalf("sends = %q", texts)
	}
	msgs, _ := bot.store.GetMessages("group:100", 10, time.Time{})
	if !strings.Contains(msgs[0].Content, "poked you") {
		t.Errorf("synthetic content = %q", msgs[0].Content)
	}

	// Second poke inside the cooldown is ignored.
	bot.dispatcher.OnPoke(poke)
	if len(bot.gateway.sent()) != 1 {
		t.Error("poke cooldown not enforced")
	}

	// Pokes at someone else are not for us.
	bot.dispatcher.OnPoke(&gateway.PokeEvent{GroupID: 100, UserID: 42, TargetID: 7})
	if len(bot.gateway.sent()) != 1 {
		t.Error("bot answered a poke aimed at someone else")
	}
}

func TestEngineEndSessionEmitsNothing(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "end_session", Arguments: `{}`}}},
	}
	bot.dispatcher.OnMessage(groupEvent("hi", true))
	if len(bot.gateway.sent()) != 0 {
		t.Error("end_session still sent messages")
	}
}

func TestPendingAtsAttachToFirstSendOnly(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.llm.chatQueue = []*llm.ChatResponse{
		{
			Content:   "ok Bob\n---\nsecond thought",
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "at_user", Arguments: `{"user_id": 42}`}},
		},
	}
	bot.dispatcher.OnMessage(groupEvent("hi", true))

	sends := bot.gateway.sent()
	if len(sends) != 2 {
		t.Fatalf("sends = %d", len(sends))
	}
	if sends[0].segs[0].Type != gateway.SegAt {
		t.Error("first send missing at segment")
	}
	for _, seg := range sends[1].segs {
		if seg.Type == gateway.SegAt {
			t.Error("at segment leaked onto second send")
		}
	}
}
