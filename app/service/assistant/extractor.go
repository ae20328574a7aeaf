package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/nonegit2301/mini-apartment/app/config"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

//go:embed extractor_prompt.txt
var extractorPrompt string

const (
	FallbackReply     = "Xin lỗi, tôi đang gặp sự cố. Vui lòng thử lại sau."
	maxReasonDuration = 30 * time.Second
	limiterBurst      = 3
)

var errRateLimited = errors.New("rate limited")

// Extractor turns a conversation plus a new utterance into a reply and optional filters.
// It never fails: any problem yields FallbackReply without filters.
type Extractor struct {
	model       llms.Model
	limiter     *rate.Limiter
	metrics     *metrics.Manager
	temperature float64
	maxTokens   int
}

func NewExtractor(model llms.Model, cfg config.Assistant, m *metrics.Manager) *Extractor {
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60)

	return &Extractor{
		model:       model,
		limiter:     rate.NewLimiter(perSecond, limiterBurst),
		metrics:     m,
		temperature: cfg.SamplingTemperature(),
		maxTokens:   cfg.MaxTokens,
	}
}

func (e *Extractor) Extract(ctx context.Context, history []Message, utterance string) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Assistant panicked", "panic", r)
			e.metrics.AssistantReplies.WithLabelValues("fallback").Inc()
			reply = Reply{Text: FallbackReply}
		}
	}()

	result, err := e.call(ctx, history, utterance)
	if err != nil {
		outcome := "fallback"
		if errors.Is(err, errRateLimited) {
			outcome = "limited"
		}
		e.metrics.AssistantReplies.WithLabelValues(outcome).Inc()

		slog.Warn("Assistant failed, using fallback reply", "error", err)

		return Reply{Text: FallbackReply}
	}

	e.metrics.AssistantReplies.WithLabelValues("ok").Inc()

	return *result
}

func (e *Extractor) call(ctx context.Context, history []Message, utterance string) (*Reply, error) {
	if !e.limiter.Allow() {
		return nil, errRateLimited
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, extractorPrompt))
	for _, msg := range history {
		messages = append(messages, llms.TextParts(messageType(msg.Role), msg.Text))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, utterance))

	ctx, cancel := context.WithTimeout(ctx, maxReasonDuration)
	defer cancel()

	resp, err := e.model.GenerateContent(ctx, messages,
		llms.WithJSONMode(),
		llms.WithTemperature(e.temperature),
		llms.WithMaxTokens(e.maxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices")
	}

	return parseExtraction(resp.Choices[0].Content)
}

func parseExtraction(content string) (*Reply, error) {
	content = strings.TrimSpace(content)
	content = strings.Trim(content, "`")
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "json")
	content = strings.TrimSpace(content)

	var result extraction
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	text := strings.TrimSpace(result.Response)
	if text == "" {
		return nil, fmt.Errorf("empty response text")
	}

	reply := &Reply{Text: text}
	if !result.Filters.Empty() {
		reply.Filters = result.Filters
	}

	return reply, nil
}

func messageType(role Role) llms.ChatMessageType {
	if role == RoleModel {
		return llms.ChatMessageTypeAI
	}

	return llms.ChatMessageTypeHuman
}
