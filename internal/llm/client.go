package llm

import "context"

// Client is the interface the conversation engine and the background
// analyzers call. All implementations must return one ToolCall entry
// per tool call the model emitted, preserving provider IDs.
type Client interface {
	// Chat sends a tool-calling completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// GenerateText sends a plain completion request and returns the text.
	GenerateText(ctx context.Context, req TextRequest) (string, error)

	// GenerateMultimodal sends a completion whose messages carry
	// image_url parts and returns the text.
	GenerateMultimodal(ctx context.Context, req TextRequest) (string, error)
}
