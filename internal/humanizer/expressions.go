package humanizer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// expressionBatchSize is how many inbound messages accumulate per
// session before a learning pass runs.
const expressionBatchSize = 30

// minMessagesPerUser filters users with too little material to learn
// habits from in one batch.
const minMessagesPerUser = 3

// Learner extracts speaking habits from group members so the prompt
// can nudge the bot toward local register.
type Learner struct {
	cfg    config.ExpressionConfig
	store  *store.Store
	llm    llm.Client
	model  string
	logger *slog.Logger
	pickFn func(n int) int

	mu      sync.Mutex
	buffers map[string][]*store.Message
}

// NewLearner creates an expression learner.
func NewLearner(cfg config.ExpressionConfig, st *store.Store, client llm.Client, model string, logger *slog.Logger) *Learner {
	return &Learner{
		cfg:     cfg,
		store:   st,
		llm:     client,
		model:   model,
		logger:  logger,
		pickFn:  rand.Intn,
		buffers: make(map[string][]*store.Message),
	}
}

// OnMessage buffers one inbound user message. When the session's
// buffer reaches the batch size a learning pass runs synchronously;
// callers invoke this from a background goroutine.
func (l *Learner) OnMessage(ctx context.Context, sessionID string, m *store.Message) {
	if !l.cfg.Enabled || m.Role != "user" {
		return
	}

	l.mu.Lock()
	l.buffers[sessionID] = append(l.buffers[sessionID], m)
	if len(l.buffers[sessionID]) < expressionBatchSize {
		l.mu.Unlock()
		return
	}
	batch := l.buffers[sessionID]
	delete(l.buffers, sessionID)
	l.mu.Unlock()

	l.learn(ctx, sessionID, batch)
}

// learn runs one learning pass over a full batch. Failures are logged
// and swallowed; learning is best-effort.
func (l *Learner) learn(ctx context.Context, sessionID string, batch []*store.Message) {
	byUser := make(map[int64][]*store.Message)
	for _, m := range batch {
		if m.UserID != 0 {
			byUser[m.UserID] = append(byUser[m.UserID], m)
		}
	}

	for userID, msgs := range byUser {
		if len(msgs) < minMessagesPerUser {
			continue
		}
		if err := l.learnUser(ctx, sessionID, userID, msgs); err != nil {
			l.logger.Warn("expression learning failed",
				"session", sessionID, "user", userID, "error", err)
		}
	}
}

func (l *Learner) learnUser(ctx context.Context, sessionID string, userID int64, msgs []*store.Message) error {
	userName := msgs[len(msgs)-1].UserName

	var sb strings.Builder
	fmt.Fprintf(&sb, "These are recent group chat messages from %s:\n\n", userName)
	for _, m := range msgs {
		fmt.Fprintf(&sb, "- %s\n", m.Content)
	}
	sb.WriteString(`
Identify 2-4 distinctive speaking habits. Respond with only a JSON object:
{"habits": [{"situation": "when they use it", "style": "how it sounds", "example": "verbatim example"}]}`)

	raw, err := l.llm.GenerateText(ctx, llm.TextRequest{
		Model:       l.model,
		Prompt:      sb.String(),
		Temperature: 0.5,
		MaxTokens:   500,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	var parsed struct {
		Habits []struct {
			Situation string `json:"situation"`
			Style     string `json:"style"`
			Example   string `json:"example"`
		} `json:"habits"`
	}
	if err := unmarshalLenient(raw, &parsed); err != nil {
		return err
	}

	for _, h := range parsed.Habits {
		if h.Situation == "" && h.Style == "" {
			continue
		}
		err := l.store.SaveExpression(&store.Expression{
			SessionID: sessionID,
			UserID:    userID,
			UserName:  userName,
			Situation: h.Situation,
			Style:     h.Style,
			Example:   h.Example,
		})
		if err != nil {
			return fmt.Errorf("save expression: %w", err)
		}
	}

	// Enforce the per-session cap, dropping the oldest rows first.
	count, err := l.store.GetExpressionCount(sessionID)
	if err != nil {
		return err
	}
	if count > l.cfg.MaxExpressions {
		if err := l.store.DeleteOldestExpressions(sessionID, l.cfg.MaxExpressions); err != nil {
			return err
		}
	}

	l.logger.Info("expressions learned",
		"session", sessionID, "user", userID, "habits", len(parsed.Habits))
	return nil
}

// Context samples learned habits for prompt injection: sample_size
// habits drawn from the last 3x rows, shuffled, formatted as bullets.
// Empty when nothing has been learned yet.
func (l *Learner) Context(sessionID string) string {
	if !l.cfg.Enabled {
		return ""
	}

	pool, err := l.store.GetExpressions(sessionID, 3*l.cfg.SampleSize)
	if err != nil {
		l.logger.Warn("expression context failed", "session", sessionID, "error", err)
		return ""
	}
	if len(pool) == 0 {
		return ""
	}

	// Partial Fisher-Yates: shuffle only the prefix we take.
	n := l.cfg.SampleSize
	if n > len(pool) {
		n = len(pool)
	}
	for i := 0; i < n; i++ {
		j := i + l.pickFn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}

	var sb strings.Builder
	for _, e := range pool[:n] {
		fmt.Fprintf(&sb, "- %s: %s", e.Situation, e.Style)
		if e.Example != "" {
			fmt.Fprintf(&sb, " (e.g. %q)", e.Example)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BufferLen reports the current buffer size for a session.
func (l *Learner) BufferLen(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffers[sessionID])
}
