package humanizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// Topic analysis inputs.
const (
	topicAnalysisMessages = 80
	topicAnalysisTitles   = 20
	topicTimeTriggerFloor = 15 // minimum batch for the time-based trigger
	topicSimilarityFloor  = 0.7
)

type topicCounter struct {
	count     int
	lastCheck time.Time
}

// Tracker maintains per-session conversation topics extracted by the
// model in the background.
type Tracker struct {
	cfg    config.TopicConfig
	store  *store.Store
	llm    llm.Client
	model  string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*topicCounter
}

// NewTracker creates a topic tracker.
func NewTracker(cfg config.TopicConfig, st *store.Store, client llm.Client, model string, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		store:    st,
		llm:      client,
		model:    model,
		logger:   logger,
		now:      time.Now,
		counters: make(map[string]*topicCounter),
	}
}

// OnMessage counts one inbound message and runs an analysis pass when
// a trigger condition is met. Callers invoke this from a background
// goroutine; analysis failures are logged and swallowed.
func (t *Tracker) OnMessage(ctx context.Context, sessionID string) {
	if !t.cfg.Enabled {
		return
	}

	now := t.now()

	t.mu.Lock()
	c, ok := t.counters[sessionID]
	if !ok {
		c = &topicCounter{lastCheck: now}
		t.counters[sessionID] = c
	}
	c.count++

	trigger := c.count >= t.cfg.MessageThreshold ||
		(now.Sub(c.lastCheck) > t.cfg.TimeThreshold() && c.count >= topicTimeTriggerFloor)
	var batch int
	if trigger {
		batch = c.count
		c.count = 0
		c.lastCheck = now
	}
	t.mu.Unlock()

	if !trigger {
		return
	}

	if err := t.analyze(ctx, sessionID, batch); err != nil {
		t.logger.Warn("topic analysis failed", "session", sessionID, "error", err)
	}
}

// Context renders the session's current topics for prompt injection.
func (t *Tracker) Context(sessionID string) string {
	if !t.cfg.Enabled {
		return ""
	}
	topics, err := t.store.GetTopics(sessionID, t.cfg.MaxTopicsPerSession)
	if err != nil || len(topics) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, topic := range topics {
		fmt.Fprintf(&sb, "- %s: %s\n", topic.Title, topic.Summary)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (t *Tracker) analyze(ctx context.Context, sessionID string, batch int) error {
	msgs, err := t.store.GetMessages(sessionID, topicAnalysisMessages, time.Time{})
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	existing, err := t.store.GetTopics(sessionID, topicAnalysisTitles)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}

	raw, err := t.llm.GenerateText(ctx, llm.TextRequest{
		Model:       t.model,
		Prompt:      t.buildPrompt(msgs, existing),
		Temperature: 0.3,
		MaxTokens:   800,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	var parsed struct {
		Topics []struct {
			Title          string   `json:"title"`
			Keywords       []string `json:"keywords"`
			Summary        string   `json:"summary"`
			IsContinuation bool     `json:"is_continuation"`
		} `json:"topics"`
	}
	if err := unmarshalLenient(raw, &parsed); err != nil {
		return err
	}

	for _, pt := range parsed.Topics {
		if pt.Title == "" {
			continue
		}
		if match := matchTopic(existing, pt.Title); match != nil {
			summary := pt.Summary
			keywords := pt.Keywords
			err = t.store.UpdateTopic(match.ID, store.TopicPatch{
				Summary:           &summary,
				Keywords:          &keywords,
				MessageCountDelta: batch,
			})
		} else {
			err = t.store.SaveTopic(&store.Topic{
				SessionID:    sessionID,
				Title:        pt.Title,
				Keywords:     pt.Keywords,
				Summary:      pt.Summary,
				MessageCount: batch,
			})
		}
		if err != nil {
			return fmt.Errorf("upsert topic %q: %w", pt.Title, err)
		}
	}

	if err := t.store.PruneTopics(sessionID, t.cfg.MaxTopicsPerSession); err != nil {
		return fmt.Errorf("prune topics: %w", err)
	}

	t.logger.Info("topics analyzed",
		"session", sessionID, "batch", batch, "topics", len(parsed.Topics))
	return nil
}

func (t *Tracker) buildPrompt(msgs []*store.Message, existing []*store.Topic) string {
	var sb strings.Builder
	sb.WriteString("Analyze what this group chat has been discussing.\n\nMessages:\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.UserName, m.Content)
	}

	if len(existing) > 0 {
		sb.WriteString("\nKnown topics so far:\n")
		for _, topic := range existing {
			fmt.Fprintf(&sb, "- %s\n", topic.Title)
		}
	}

	sb.WriteString(`
Respond with only a JSON object:
{"topics": [{"title": "short title", "keywords": ["k1", "k2"], "summary": "one or two sentences", "is_continuation": true|false}]}

Reuse a known topic's title when the discussion continues it.`)
	return sb.String()
}

// matchTopic finds an existing topic by exact title or character-set
// Jaccard similarity above the floor.
func matchTopic(existing []*store.Topic, title string) *store.Topic {
	for _, t := range existing {
		if t.Title == title {
			return t
		}
	}
	var best *store.Topic
	var bestScore float64
	for _, t := range existing {
		if score := charJaccard(t.Title, title); score > topicSimilarityFloor && score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

// charJaccard computes Jaccard similarity over the character sets of
// two strings.
func charJaccard(a, b string) float64 {
	setA := make(map[rune]struct{})
	for _, r := range a {
		setA[r] = struct{}{}
	}
	setB := make(map[rune]struct{})
	for _, r := range b {
		setB[r] = struct{}{}
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	inter := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
