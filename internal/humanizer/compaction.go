package humanizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// Compaction bounds.
const (
	compactionSpan = 100 // messages before the recent window summarized per pass
)

// Compactor folds old history into a session's compressed context so
// long-running chats stay within the prompt budget.
type Compactor struct {
	store     *store.Store
	llm       llm.Client
	model     string
	logger    *slog.Logger
	threshold int // message count that triggers compaction
}

// NewCompactor creates a compactor that fires once a session holds
// more than threshold messages.
func NewCompactor(st *store.Store, client llm.Client, model string, threshold int, logger *slog.Logger) *Compactor {
	if threshold <= 0 {
		threshold = 400
	}
	return &Compactor{
		store:     st,
		llm:       client,
		model:     model,
		logger:    logger,
		threshold: threshold,
	}
}

// NeedsCompaction reports whether a session has grown past the
// threshold.
func (c *Compactor) NeedsCompaction(sessionID string) bool {
	n, err := c.store.CountMessages(sessionID)
	if err != nil {
		return false
	}
	return n > c.threshold
}

// Compact summarizes up to compactionSpan messages that precede the
// most recent threshold/2 messages into the compressed context, merging
// with any previous summary. Messages are never
// deleted; the prompt builder reads only the recent window, so the
// summary is what keeps old context reachable.
func (c *Compactor) Compact(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	total, err := c.store.CountMessages(sessionID)
	if err != nil {
		return err
	}
	if total <= c.threshold {
		return nil
	}

	// The span ends where the recent window begins.
	recent, err := c.store.GetMessages(sessionID, c.threshold/2, time.Time{})
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}
	cutoff := recent[0].Timestamp

	old, err := c.store.GetMessages(sessionID, compactionSpan, cutoff)
	if err != nil {
		return err
	}
	if len(old) == 0 {
		return nil
	}

	var sb strings.Builder
	if sess.CompressedContext != "" {
		fmt.Fprintf(&sb, "Existing summary:\n%s\n\n", sess.CompressedContext)
	}
	sb.WriteString("Older messages:\n")
	for _, m := range old {
		fmt.Fprintf(&sb, "%s: %s\n", m.UserName, m.Content)
	}
	sb.WriteString("\nMerge everything into one compact summary of what this chat has covered. Keep names and concrete facts; drop pleasantries.")

	summary, err := c.llm.GenerateText(ctx, llm.TextRequest{
		Model:       c.model,
		Prompt:      sb.String(),
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}

	if err := c.store.SetCompressedContext(sessionID, summary); err != nil {
		return err
	}
	c.logger.Info("session compacted",
		"session", sessionID, "span", len(old), "summary_chars", len(summary))
	return nil
}
