package humanizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// noRetrievalSentinel short-circuits stage one when the trigger needs
// no memory lookup.
const noRetrievalSentinel = "NO_RETRIEVAL_NEEDED"

// Retrieval search bounds.
const (
	retrievalHistory      = 15
	retrievalSearchLimit  = 10
	retrievalResultBudget = 2000 // characters of accumulated tool output
)

// Retriever answers "what do I remember about this?" in two stages: a
// question-generation call, then a bounded search agent over the
// message store.
type Retriever struct {
	cfg    config.MemoryConfig
	store  *store.Store
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// NewRetriever creates a memory retriever.
func NewRetriever(cfg config.MemoryConfig, st *store.Store, client llm.Client, model string, logger *slog.Logger) *Retriever {
	return &Retriever{
		cfg:    cfg,
		store:  st,
		llm:    client,
		model:  model,
		logger: logger,
	}
}

// RetrieveRequest carries the inputs for one retrieval pass.
type RetrieveRequest struct {
	SessionID  string
	SenderName string
	SenderID   int64
	Trigger    string
	History    []*store.Message // recent, ascending
}

// Retrieve returns remembered context relevant to the trigger, or ""
// when nothing is needed or found. Errors are internal only: callers
// treat a failed retrieval the same as an empty one.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) string {
	if !r.cfg.Enabled {
		return ""
	}

	question, ok := r.generateQuestion(ctx, req)
	if !ok {
		return ""
	}

	deadline, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	defer cancel()

	answer := r.search(deadline, req, question)
	if answer != "" {
		r.logger.Debug("memory retrieved",
			"session", req.SessionID, "question", question, "chars", len(answer))
	}
	return answer
}

// generateQuestion runs stage one. Returns false when retrieval is not
// needed or the call failed.
func (r *Retriever) generateQuestion(ctx context.Context, req RetrieveRequest) (string, bool) {
	var sb strings.Builder
	sb.WriteString("You decide whether answering a group chat message needs information from older chat history.\n\n")

	history := req.History
	if len(history) > retrievalHistory {
		history = history[len(history)-retrievalHistory:]
	}
	if len(history) > 0 {
		sb.WriteString("Recent messages:\n")
		for _, m := range history {
			fmt.Fprintf(&sb, "%s: %s\n", m.UserName, m.Content)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "%s just said: %s\n\n", req.SenderName, req.Trigger)
	fmt.Fprintf(&sb, "If old context would help, state the single key question to answer. Otherwise respond with exactly %s.", noRetrievalSentinel)

	question, err := r.llm.GenerateText(ctx, llm.TextRequest{
		Model:       r.model,
		Prompt:      sb.String(),
		Temperature: 0.3,
		MaxTokens:   150,
	})
	if err != nil {
		r.logger.Warn("retrieval question generation failed",
			"session", req.SessionID, "error", err)
		return "", false
	}
	if strings.Contains(question, noRetrievalSentinel) {
		return "", false
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", false
	}
	return question, true
}

// search runs the stage-two agent loop: up to MaxIterations rounds of
// tool calls under the deadline. found_answer terminates; on budget
// exhaustion the accumulated tool output stands in for an answer.
func (r *Retriever) search(ctx context.Context, req RetrieveRequest, question string) string {
	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(
			"You search group chat history to answer one question: %s\n"+
				"Use the search tools, then call found_answer with found=true and the answer, "+
				"or found=false if the history has nothing.", question)},
		{Role: "user", Content: question},
	}

	var accumulated []string

	for i := 0; i < r.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			break
		}

		resp, err := r.llm.Chat(ctx, llm.ChatRequest{
			Model:       r.model,
			Messages:    messages,
			Tools:       retrievalToolDefs(),
			Temperature: 0.2,
			MaxTokens:   500,
		})
		if err != nil {
			r.logger.Warn("retrieval search call failed",
				"session", req.SessionID, "iter", i, "error", err)
			break
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		done := false
		var answer string
		for _, tc := range resp.ToolCalls {
			result, final, found := r.executeSearchTool(req, tc)
			if final {
				done = true
				if found {
					answer = result
				}
				result = "ok"
			} else if result != "" {
				accumulated = append(accumulated, result)
			}
			// One tool result per emitted call id, always.
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
		if done {
			return answer
		}
	}

	joined := strings.Join(accumulated, "\n")
	if len(joined) > retrievalResultBudget {
		joined = joined[:retrievalResultBudget]
	}
	return joined
}

// executeSearchTool runs one retrieval tool. final reports a
// found_answer call; found its verdict.
func (r *Retriever) executeSearchTool(req RetrieveRequest, tc llm.ToolCall) (result string, final, found bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		args = map[string]any{}
	}

	switch tc.Name {
	case "search_chat_history":
		keyword, _ := args["keyword"].(string)
		msgs, err := r.store.SearchMessages(req.SessionID, keyword, retrievalSearchLimit)
		if err != nil {
			return "search failed: " + err.Error(), false, false
		}
		return formatSearchResults(msgs), false, false

	case "search_user_history":
		userID := req.SenderID
		if v, ok := args["user_id"].(float64); ok && v != 0 {
			userID = int64(v)
		}
		msgs, err := r.store.GetMessagesByUser(userID, "", retrievalSearchLimit)
		if err != nil {
			return "search failed: " + err.Error(), false, false
		}
		return formatSearchResults(msgs), false, false

	case "found_answer":
		answer, _ := args["answer"].(string)
		foundFlag, _ := args["found"].(bool)
		return answer, true, foundFlag

	default:
		return "unknown tool: " + tc.Name, false, false
	}
}

func formatSearchResults(msgs []*store.Message) string {
	if len(msgs) == 0 {
		return "no matches"
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n",
			m.Timestamp.Format("2006-01-02 15:04"), m.UserName, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func retrievalToolDefs() []map[string]any {
	return []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "search_chat_history",
				"description": "Search this chat's history for messages containing a keyword.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"keyword": map[string]any{"type": "string"},
					},
					"required": []string{"keyword"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "search_user_history",
				"description": "Fetch a user's recent messages across all chats.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"user_id": map[string]any{"type": "integer"},
					},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "found_answer",
				"description": "Report the final answer. Set found=false when the history has nothing relevant.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"answer": map[string]any{"type": "string"},
						"found":  map[string]any{"type": "boolean"},
					},
					"required": []string{"found"},
				},
			},
		},
	}
}
