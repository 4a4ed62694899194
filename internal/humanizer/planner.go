package humanizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// Planner actions.
const (
	ActionReply    = "reply"
	ActionWait     = "wait"
	ActionComplete = "complete"
)

// Planner decision bounds.
const (
	minWait           = 10 * time.Second
	maxWait           = 300 * time.Second
	decisionLogCap    = 20
	decisionsInPrompt = 5
	plannerHistory    = 20
)

// Decision is one planner verdict. Purely advisory: the dispatcher
// acts on Action.
type Decision struct {
	Action string        `json:"action"`
	Reason string        `json:"reason"`
	Wait   time.Duration `json:"-"`
	At     time.Time     `json:"-"`
}

// Planner asks the model whether the bot should reply, wait for more
// context, or treat the thread as finished.
type Planner struct {
	llm    llm.Client
	model  string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	decisions map[string][]*Decision // session id → recent decisions
}

// NewPlanner creates an action planner using the given model.
func NewPlanner(client llm.Client, model string, logger *slog.Logger) *Planner {
	return &Planner{
		llm:       client,
		model:     model,
		logger:    logger,
		now:       time.Now,
		decisions: make(map[string][]*Decision),
	}
}

// PlanRequest carries the planner's inputs for one inbound message.
type PlanRequest struct {
	SessionID string
	BotName   string
	History   []*store.Message // recent, ascending
	Trigger   string           // last trigger text
}

// Plan returns the planner's decision. Never fails: any LLM or parse
// error degrades to reply, which matches what a dropped planner would
// have done before this subsystem existed.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) *Decision {
	prompt := p.buildPrompt(req)

	raw, err := p.llm.GenerateText(ctx, llm.TextRequest{
		Model:       p.model,
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil {
		p.logger.Warn("planner call failed, defaulting to reply",
			"session", req.SessionID, "error", err)
		return p.record(req.SessionID, &Decision{Action: ActionReply, Reason: "planner unavailable"})
	}

	var parsed struct {
		Action      string  `json:"action"`
		Reason      string  `json:"reason"`
		WaitSeconds float64 `json:"wait_seconds"`
	}
	if err := unmarshalLenient(raw, &parsed); err != nil {
		p.logger.Warn("planner output unparseable, defaulting to reply",
			"session", req.SessionID, "error", err)
		return p.record(req.SessionID, &Decision{Action: ActionReply, Reason: "unparseable plan"})
	}

	d := &Decision{Reason: parsed.Reason}
	switch parsed.Action {
	case ActionReply, ActionWait, ActionComplete:
		d.Action = parsed.Action
	default:
		d.Action = ActionReply
	}
	if d.Action == ActionWait {
		wait := time.Duration(parsed.WaitSeconds * float64(time.Second))
		if wait < minWait {
			wait = minWait
		}
		if wait > maxWait {
			wait = maxWait
		}
		d.Wait = wait
	}

	p.logger.Debug("planner decision",
		"session", req.SessionID, "action", d.Action, "reason", d.Reason)
	return p.record(req.SessionID, d)
}

// record appends to the per-session decision log, capped at
// decisionLogCap entries.
func (p *Planner) record(sessionID string, d *Decision) *Decision {
	d.At = p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	log := append(p.decisions[sessionID], d)
	if len(log) > decisionLogCap {
		log = log[len(log)-decisionLogCap:]
	}
	p.decisions[sessionID] = log
	return d
}

// Recent returns up to n most recent decisions for a session, oldest
// first.
func (p *Planner) Recent(sessionID string, n int) []*Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := p.decisions[sessionID]
	if len(log) > n {
		log = log[len(log)-n:]
	}
	out := make([]*Decision, len(log))
	copy(out, log)
	return out
}

func (p *Planner) buildPrompt(req PlanRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, a member of a group chat deciding whether to respond.\n\n", req.BotName)

	if len(req.History) > 0 {
		sb.WriteString("Recent messages:\n")
		history := req.History
		if len(history) > plannerHistory {
			history = history[len(history)-plannerHistory:]
		}
		for _, m := range history {
			name := m.UserName
			if m.Role == "assistant" {
				name = req.BotName
			}
			fmt.Fprintf(&sb, "%s: %s\n", name, m.Content)
		}
		sb.WriteString("\n")
	}

	if recent := p.Recent(req.SessionID, decisionsInPrompt); len(recent) > 0 {
		sb.WriteString("Your recent decisions in this chat:\n")
		for _, d := range recent {
			fmt.Fprintf(&sb, "- %s (%s)\n", d.Action, d.Reason)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Latest message: %s\n\n", req.Trigger)
	sb.WriteString(`Decide your next move. Respond with only a JSON object:
{"action": "reply" | "wait" | "complete", "reason": "short explanation", "wait_seconds": number}

- reply: respond now
- wait: the conversation may continue without you; check back after wait_seconds (10-300)
- complete: the thread needs nothing more from you`)

	return sb.String()
}
