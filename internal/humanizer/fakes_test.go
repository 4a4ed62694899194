package humanizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// fakeLLM replays canned responses in order and records requests.
type fakeLLM struct {
	mu        sync.Mutex
	textQueue []string
	chatQueue []*llm.ChatResponse
	textErr   error
	chatErr   error

	prompts  []string
	chatReqs []llm.ChatRequest
}

func (f *fakeLLM) GenerateText(_ context.Context, req llm.TextRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompt := req.Prompt
	if prompt == "" && len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		prompt = last.Content
		for _, part := range last.Parts {
			prompt += part.Text
		}
	}
	f.prompts = append(f.prompts, prompt)
	if f.textErr != nil {
		return "", f.textErr
	}
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

func (f *fakeLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatReqs = append(f.chatReqs, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if len(f.chatQueue) == 0 {
		return nil, errors.New("fakeLLM: chat queue empty")
	}
	out := f.chatQueue[0]
	f.chatQueue = f.chatQueue[1:]
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
