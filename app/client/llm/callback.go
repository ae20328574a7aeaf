package llm

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

var _ callbacks.Handler = (*LogCallbackHandler)(nil)

// LogCallbackHandler reports model traffic to slog. Only generation and errors are logged.
type LogCallbackHandler struct{}

func (l LogCallbackHandler) HandleText(context.Context, string) {}

func (l LogCallbackHandler) HandleLLMStart(context.Context, []string) {}

func (l LogCallbackHandler) HandleLLMGenerateContentStart(ctx context.Context, ms []llms.MessageContent) {
	slog.DebugContext(ctx, "LLM request", "messages", len(ms))
}

func (l LogCallbackHandler) HandleLLMGenerateContentEnd(ctx context.Context, res *llms.ContentResponse) {
	if res == nil || len(res.Choices) == 0 {
		slog.DebugContext(ctx, "LLM response without choices")
		return
	}

	choice := res.Choices[0]
	slog.DebugContext(ctx, "LLM response",
		"stop_reason", choice.StopReason,
		"length", len(choice.Content),
	)
}

func (l LogCallbackHandler) HandleLLMError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "LLM error", "error", err)
}

func (l LogCallbackHandler) HandleChainStart(context.Context, map[string]any) {}

func (l LogCallbackHandler) HandleChainEnd(context.Context, map[string]any) {}

func (l LogCallbackHandler) HandleChainError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "Chain error", "error", err)
}

func (l LogCallbackHandler) HandleToolStart(context.Context, string) {}

func (l LogCallbackHandler) HandleToolEnd(context.Context, string) {}

func (l LogCallbackHandler) HandleToolError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "Tool error", "error", err)
}

func (l LogCallbackHandler) HandleAgentAction(context.Context, schema.AgentAction) {}

func (l LogCallbackHandler) HandleAgentFinish(context.Context, schema.AgentFinish) {}

func (l LogCallbackHandler) HandleRetrieverStart(context.Context, string) {}

func (l LogCallbackHandler) HandleRetrieverEnd(context.Context, string, []schema.Document) {}

func (l LogCallbackHandler) HandleStreamingFunc(context.Context, []byte) {}
