package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/engine"
	"github.com/jerryplusy/mioku/internal/gateway"
	"github.com/jerryplusy/mioku/internal/humanizer"
	"github.com/jerryplusy/mioku/internal/prompt"
	"github.com/jerryplusy/mioku/internal/store"
	"github.com/jerryplusy/mioku/internal/tools"
)

// chatOptions tune one processChat invocation.
type chatOptions struct {
	skipPlanner    bool
	triggerReason  string // prepended to the persisted content when set
	plannerThought string // pre-consumed planner reasoning (soft triggers)
}

// processChat runs the full reply pipeline for one triggering inbound:
// persistence, humanizer fan-out, gates, engine, emission.
func (d *Dispatcher) processChat(ctx context.Context, ev *gateway.MessageEvent, cfg *config.Config, opts chatOptions) {
	sessionID := sessionIDFor(ev)
	log := d.Logger.With("session", sessionID, "user", ev.UserID)

	if !d.tryAcquire(sessionID) {
		log.Debug("dropped: session already in flight")
		return
	}
	defer d.release(sessionID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("processChat panicked", "panic", r)
		}
	}()

	sess, personalSess, err := d.ensureSessions(ev, sessionID)
	if err != nil {
		log.Error("session setup failed", "error", err)
		return
	}

	content := d.extractContent(ctx, ev)
	persisted := content
	if opts.triggerReason != "" {
		persisted = "[" + opts.triggerReason + "] " + content
	}

	inbound := &store.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   persisted,
		UserID:    ev.UserID,
		UserName:  ev.UserName,
		UserRole:  ev.UserRole,
		UserTitle: ev.UserTitle,
		GroupID:   ev.GroupID,
		GroupName: ev.GroupName,
		Timestamp: ev.Time,
		MessageID: ev.MessageID,
	}
	if err := d.Store.SaveMessage(inbound); err != nil {
		log.Error("inbound persistence failed", "error", err)
		return
	}
	// Group messages are persisted twice: the sender's personal session
	// carries a copy for cross-group lookups.
	if personalSess != nil {
		personal := *inbound
		personal.ID = 0
		personal.SessionID = personalSess.ID
		if err := d.Store.SaveMessage(&personal); err != nil {
			log.Warn("personal copy failed", "error", err)
		}
	}
	if err := d.Sessions.Touch(sessionID); err != nil {
		log.Warn("session touch failed", "error", err)
	}

	// Fire-and-forget analyzers. None may block the reply path.
	go d.Learner.OnMessage(context.Background(), sessionID, inbound)
	go d.Topics.OnMessage(context.Background(), sessionID)
	go d.Emoji.CollectFromSegments(context.Background(), ev.Segments)
	if d.Compactor != nil && d.Compactor.NeedsCompaction(sessionID) {
		go func() {
			if err := d.Compactor.Compact(context.Background(), sessionID); err != nil {
				log.Warn("compaction failed", "error", err)
			}
		}()
	}

	if ev.IsGroup() && !d.Frequency.ShouldSpeak(sessionID) {
		log.Debug("frequency gate: staying quiet")
		return
	}

	history, err := d.Store.GetMessages(sessionID, historyWindow, time.Time{})
	if err != nil {
		log.Error("history load failed", "error", err)
		return
	}

	plannerThought := opts.plannerThought
	if !opts.skipPlanner && cfg.Planner.Enabled {
		decision := d.Planner.Plan(ctx, humanizer.PlanRequest{
			SessionID: sessionID,
			BotName:   d.botName(cfg),
			History:   history,
			Trigger:   content,
		})
		switch decision.Action {
		case humanizer.ActionComplete:
			log.Debug("planner: thread complete")
			return
		case humanizer.ActionWait:
			// Arm a one-shot wake so the next message in this session
			// re-enters the planner even without a direct trigger.
			err := d.listeners.Register(&Listener{
				SessionID: sessionID,
				Type:      ListenNextUserMessage,
				Reason:    decision.Reason,
				Timeout:   decision.Wait,
			})
			if err != nil {
				log.Debug("wait listener not registered", "error", err)
			}
			log.Debug("planner: waiting", "wait", decision.Wait)
			return
		}
		plannerThought = decision.Reason
	}

	// Group metadata and the bot's own role shape tool visibility.
	var groupInfo *gateway.GroupInfo
	botRole := ""
	if ev.IsGroup() {
		if info, err := d.Gateway.GetGroupInfo(ctx, ev.GroupID); err == nil {
			groupInfo = info
		} else {
			log.Warn("group info fetch failed", "error", err)
		}
		if me, err := d.Gateway.GetGroupMemberInfo(ctx, ev.GroupID, ev.SelfID); err == nil {
			botRole = me.Role
		}
	}

	memoryCtx := d.Retriever.Retrieve(ctx, humanizer.RetrieveRequest{
		SessionID:  sessionID,
		SenderName: ev.UserName,
		SenderID:   ev.UserID,
		Trigger:    content,
		History:    history,
	})

	toolCtx := &tools.ToolContext{
		Gateway:   d.Gateway,
		Event:     ev,
		Config:    cfg,
		Store:     d.Store,
		Skills:    d.Skills,
		Logger:    d.Logger,
		SessionID: sessionID,
		GroupID:   ev.GroupID,
		UserID:    ev.UserID,
		BotRole:   botRole,
	}

	promptCtx := &prompt.Context{
		LoadedSkills:      d.Skills.LoadedSkills(sessionID),
		ExpressionContext: d.Learner.Context(sessionID),
		TopicContext:      d.Topics.Context(sessionID),
		MemoryContext:     memoryCtx,
		CompressedContext: sess.CompressedContext,
		Now:               d.now(),
		ChatType:          sess.Type,
		BotName:           d.botName(cfg),
		BotRole:           botRole,
		History:           history,
		TargetMessage:     content,
		TargetSender:      ev.UserName,
		PlannerThought:    plannerThought,
		Persona:           cfg.Persona,
		PersonalityState:  d.picker.PickState(cfg.Personality),
		ReplyStyle:        d.picker.PickStyle(cfg.ReplyStyle),
		CanMute:           toolCtx.CanMute(),
		AdminTools:        toolCtx.CanMute(),
	}
	if groupInfo != nil {
		promptCtx.GroupName = groupInfo.GroupName
		promptCtx.MemberCount = groupInfo.MemberCount
	}
	if cfg.EnableExternalSkills {
		for _, s := range d.Skills.List() {
			promptCtx.ExternalSkills = append(promptCtx.ExternalSkills, prompt.SkillInfo{
				Name:        s.Name,
				Description: s.Description,
			})
		}
	}

	result, err := d.Engine.Run(ctx, &engine.Request{
		ToolCtx:       toolCtx,
		PromptCtx:     promptCtx,
		TargetMessage: fmt.Sprintf("%s: %s", ev.UserName, content),
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxIterations: cfg.MaxIterations,
	})
	if err != nil {
		log.Error("engine run failed", "error", err)
		return
	}
	if result.Ended || len(result.Messages) == 0 {
		return
	}

	d.emit(ctx, ev, result)
	d.recordFollowUp(ev.GroupID, ev.UserID)
	d.Frequency.RecordSpeak(sessionID)

	log.Info("reply sent",
		"messages", len(result.Messages),
		"tool_calls", len(result.ToolCalls),
		"emoji", result.EmojiPath != "")
}

// ensureSessions creates the target session, plus the sender's
// personal session for group messages.
func (d *Dispatcher) ensureSessions(ev *gateway.MessageEvent, sessionID string) (sess, personal *store.Session, err error) {
	if ev.IsGroup() {
		sess, err = d.Sessions.GetOrCreate(sessionID, store.SessionGroup, ev.GroupID)
		if err != nil {
			return nil, nil, err
		}
		personal, err = d.Sessions.GetOrCreate(store.PersonalSessionID(ev.UserID), store.SessionPersonal, ev.UserID)
		if err != nil {
			return nil, nil, err
		}
		return sess, personal, nil
	}
	sess, err = d.Sessions.GetOrCreate(sessionID, store.SessionPersonal, ev.UserID)
	return sess, nil, err
}

// extractContent flattens the event's segments into the persisted
// text: plain text joined, media as placeholders, and a quote prefix
// when the message replies to someone else.
func (d *Dispatcher) extractContent(ctx context.Context, ev *gateway.MessageEvent) string {
	var sb strings.Builder
	var quote string

	for _, seg := range ev.Segments {
		switch seg.Type {
		case gateway.SegText:
			sb.WriteString(seg.TextContent())
		case gateway.SegImage:
			sb.WriteString("[image]")
		case gateway.SegRecord:
			sb.WriteString("[voice message]")
		case gateway.SegVideo:
			sb.WriteString("[video]")
		case gateway.SegReply:
			if id, ok := seg.ReplyID(); ok && quote == "" {
				if quoted, err := d.Gateway.GetMsg(ctx, id); err == nil && quoted.SenderID != ev.SelfID {
					quote = fmt.Sprintf("[Quoting %s: %q] ", quoted.SenderName, gateway.PlainText(quoted.Segments))
				}
			}
		}
	}

	return quote + strings.TrimSpace(sb.String())
}

// emit sends the engine's messages: the quote and pending mentions
// attach to the very first send, each message body is split into
// lines, every line passes through the typo generator, and sends are
// paced by a fixed delay.
func (d *Dispatcher) emit(ctx context.Context, ev *gateway.MessageEvent, result *engine.Result) {
	first := true
	for i, message := range result.Messages {
		if i > 0 {
			d.sleep(interSendDelay)
		}
		for j, line := range strings.Split(message, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if j > 0 {
				d.sleep(interSendDelay)
			}

			var segs []gateway.Segment
			if first {
				if result.PendingQuote != 0 {
					segs = append(segs, gateway.Reply(result.PendingQuote))
				}
				for _, uid := range result.PendingAts {
					segs = append(segs, gateway.At(uid))
				}
				first = false
			}
			segs = append(segs, gateway.Text(d.Typo.Apply(line)))

			if err := d.send(ctx, ev, segs); err != nil {
				d.Logger.Warn("send failed", "error", err)
				return
			}
		}
	}

	if result.EmojiPath != "" {
		d.sleep(interSendDelay)
		if err := d.send(ctx, ev, []gateway.Segment{gateway.Image(result.EmojiPath)}); err != nil {
			d.Logger.Warn("emoji send failed", "error", err)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, ev *gateway.MessageEvent, segs []gateway.Segment) error {
	var err error
	if ev.IsGroup() {
		_, err = d.Gateway.SendGroupMsg(ctx, ev.GroupID, segs)
	} else {
		_, err = d.Gateway.SendPrivateMsg(ctx, ev.UserID, segs)
	}
	return err
}

func sessionIDFor(ev *gateway.MessageEvent) string {
	if ev.IsGroup() {
		return store.GroupSessionID(ev.GroupID)
	}
	return store.PersonalSessionID(ev.UserID)
}
