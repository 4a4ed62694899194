// Package engine drives the bounded tool-calling loop for one reply.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jerryplusy/mioku/internal/humanizer"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/prompt"
	"github.com/jerryplusy/mioku/internal/skills"
	"github.com/jerryplusy/mioku/internal/store"
	"github.com/jerryplusy/mioku/internal/tools"
)

// unboundedCap replaces max_iterations = -1. Documented as unbounded,
// but a runaway loop at provider prices is not a feature.
const unboundedCap = 64

// Request is one engine run.
type Request struct {
	ToolCtx       *tools.ToolContext
	PromptCtx     *prompt.Context // Iteration and ToolResults are managed per loop turn
	TargetMessage string
	Model         string
	Temperature   float64
	MaxIterations int // -1 = unbounded (capped internally)
}

// ToolCallRecord is one executed tool call for logging and tests.
type ToolCallRecord struct {
	Name      string
	Arguments string
	Result    string
	Err       string
}

// Result is the engine's outcome: parsed outbound messages plus the
// aggregates the emitter needs.
type Result struct {
	Messages     []string
	PendingAts   []int64
	PendingQuote int32
	ToolCalls    []ToolCallRecord
	EmojiPath    string
	Ended        bool // end_session was invoked; emit nothing
}

// Engine runs the chat loop.
type Engine struct {
	llm    llm.Client
	store  *store.Store
	emoji  *humanizer.EmojiSystem // nil disables sticker picking
	logger *slog.Logger
}

// New creates a chat engine.
func New(client llm.Client, st *store.Store, emoji *humanizer.EmojiSystem, logger *slog.Logger) *Engine {
	return &Engine{llm: client, store: st, emoji: emoji, logger: logger}
}

// Run executes the bounded loop and parses the final text into
// outbound messages.
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	maxIter := req.MaxIterations
	if maxIter < 0 || maxIter > unboundedCap {
		maxIter = unboundedCap
	}

	result := &Result{}
	var toolResults []prompt.ToolResult
	lastText := ""

	for iteration := 0; iteration < maxIter; iteration++ {
		req.PromptCtx.Iteration = iteration
		if iteration > 0 {
			req.PromptCtx.ToolResults = toolResults
		}

		visible := e.visibleTools(req.ToolCtx)
		defs := make([]map[string]any, 0, len(visible))
		for _, name := range sortedToolNames(visible) {
			defs = append(defs, namedDefinition(name, visible[name]))
		}

		resp, err := e.llm.Chat(ctx, llm.ChatRequest{
			Model: req.Model,
			Messages: []llm.Message{
				{Role: "system", Content: prompt.Build(req.PromptCtx)},
				{Role: "user", Content: req.TargetMessage},
			},
			Tools:       defs,
			Temperature: req.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("chat iteration %d: %w", iteration, err)
		}
		if resp.Reasoning != "" {
			e.logger.Debug("model reasoning", "iter", iteration, "chars", len(resp.Reasoning))
		}
		if resp.Content != "" {
			lastText = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		toolResults = toolResults[:0]
		returningCalls := 0
		for _, tc := range resp.ToolCalls {
			args := parseArgs(tc.Arguments)
			record := ToolCallRecord{Name: tc.Name, Arguments: tc.Arguments}

			switch tc.Name {
			case tools.ToolAtUser:
				if id, err := argUserID(args); err == nil {
					result.PendingAts = append(result.PendingAts, id)
					record.Result = "queued"
				} else {
					record.Err = err.Error()
				}
				result.ToolCalls = append(result.ToolCalls, record)
				continue

			case tools.ToolQuoteReply:
				if id, ok := argMessageID(args); ok {
					result.PendingQuote = id
					record.Result = "queued"
				} else {
					record.Err = "message_id missing"
				}
				result.ToolCalls = append(result.ToolCalls, record)
				continue

			case tools.ToolEndSession:
				e.logger.Info("session ended by model",
					"session", req.ToolCtx.SessionID, "reason", argReason(args))
				result.Ended = true
				result.Messages = nil
				return result, nil
			}

			tool, ok := visible[tc.Name]
			if !ok || tool.Handler == nil {
				record.Err = "unknown tool: " + tc.Name
				result.ToolCalls = append(result.ToolCalls, record)
				toolResults = append(toolResults, prompt.ToolResult{
					Name: tc.Name, Result: errorResult(record.Err),
				})
				returningCalls++
				continue
			}

			out, err := tool.Handler(ctx, args)
			if err != nil {
				record.Err = err.Error()
				e.logger.Warn("tool failed",
					"session", req.ToolCtx.SessionID, "tool", tc.Name, "error", err)
			} else {
				record.Result = out
			}
			result.ToolCalls = append(result.ToolCalls, record)

			// The model sees results (and errors) of returning tools on
			// the next iteration's prompt.
			if tool.ReturnToAI {
				body := out
				if err != nil {
					body = errorResult(err.Error())
				}
				toolResults = append(toolResults, prompt.ToolResult{Name: tc.Name, Result: body})
				returningCalls++
			}
		}

		if returningCalls == 0 {
			break
		}
	}

	result.Messages = splitReply(lastText)

	if lastText != "" {
		err := e.store.SaveMessage(&store.Message{
			SessionID: req.ToolCtx.SessionID,
			Role:      "assistant",
			Content:   lastText,
		})
		if err != nil {
			e.logger.Warn("assistant message not persisted",
				"session", req.ToolCtx.SessionID, "error", err)
		}
	}

	if e.emoji != nil && len(result.Messages) > 0 {
		result.EmojiPath = e.emoji.PickEmoji(ctx, lastText)
	}

	return result, nil
}

// visibleTools merges the fixed catalog with the session's non-expired
// skill tools, re-read every iteration so freshly loaded skills appear
// immediately.
func (e *Engine) visibleTools(tc *tools.ToolContext) map[string]*skills.Tool {
	out := make(map[string]*skills.Tool)
	for _, t := range tools.Catalog(tc) {
		out[t.Name] = t
	}
	for fq, t := range tc.Skills.SessionTools(tc.SessionID) {
		out[fq] = t
	}
	return out
}

// namedDefinition renders a definition under its visible name, which
// for skill tools is the fully qualified "skill.tool" form.
func namedDefinition(name string, t *skills.Tool) map[string]any {
	def := t.Definition()
	fn := def["function"].(map[string]any)
	fn["name"] = name
	return def
}

func sortedToolNames(m map[string]*skills.Tool) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	// Stable order keeps prompts cache-friendly and tests deterministic.
	sort.Strings(names)
	return names
}

// splitReply breaks the assistant text into outbound messages on lines
// consisting solely of ---, trimming and dropping empties.
func splitReply(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var messages []string
	var current []string
	flush := func() {
		joined := strings.TrimSpace(strings.Join(current, "\n"))
		if joined != "" {
			messages = append(messages, joined)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "---" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return messages
}

func parseArgs(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func argUserID(args map[string]any) (int64, error) {
	switch v := args["user_id"].(type) {
	case float64:
		return int64(v), nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("user_id missing")
}

func argMessageID(args map[string]any) (int32, bool) {
	if v, ok := args["message_id"].(float64); ok {
		return int32(v), true
	}
	return 0, false
}

func argReason(args map[string]any) string {
	s, _ := args["reason"].(string)
	return s
}

func errorResult(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
