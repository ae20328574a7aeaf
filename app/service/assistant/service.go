package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nonegit2301/mini-apartment/app/config"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/search"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/samber/do"
	"github.com/tmc/langchaingo/llms"
)

const Greeting = "Xin chào! Tôi có thể giúp bạn tìm căn hộ như thế nào? (Vd: tìm nhà ở Quận 1 dưới 10 triệu)"

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrBusy           = errors.New("assistant is still answering")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNoFilters      = errors.New("message has no filters")
)

type FilterExtractor interface {
	Extract(ctx context.Context, history []Message, utterance string) Reply
}

// FilterApplier receives filters the user explicitly accepted.
type FilterApplier interface {
	ApplyExtractedFilters(p search.Partial) error
}

// Service keeps the assistant conversation. Suggested filters are stored with the
// model's message and only reach the search when Apply is called for it.
type Service struct {
	extractor FilterExtractor
	applier   FilterApplier
	bus       *events.Service

	askMu   sync.Mutex
	mu      sync.RWMutex
	history *chatHistory
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	extractor := NewExtractor(
		do.MustInvoke[llms.Model](di),
		cfg.Assistant,
		do.MustInvoke[*metrics.Manager](di),
	)

	s := NewService(
		extractor,
		do.MustInvoke[*search.Service](di),
		do.MustInvoke[*events.Service](di),
		cfg.Assistant.HistorySize,
	)

	do.MustInvoke[*session.Session](di).OnTeardown(s.Reset)

	return s, nil
}

func NewService(extractor FilterExtractor, applier FilterApplier, bus *events.Service, historySize int) *Service {
	history := newChatHistory(historySize)
	history.add(Message{Role: RoleModel, Text: Greeting})

	return &Service{
		extractor: extractor,
		applier:   applier,
		bus:       bus,
		history:   history,
	}
}

func (s *Service) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.history.snapshot()
}

// Ask sends text to the assistant and returns its reply. Only one question may be
// pending at a time.
func (s *Service) Ask(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	if !s.askMu.TryLock() {
		return Message{}, ErrBusy
	}
	defer s.askMu.Unlock()

	s.mu.Lock()
	previous := s.history.snapshot()
	s.history.add(Message{Role: RoleUser, Text: text})
	s.mu.Unlock()

	reply := s.extractor.Extract(ctx, previous, text)

	s.mu.Lock()
	msg := s.history.add(Message{Role: RoleModel, Text: reply.Text, Filters: reply.Filters})
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.AssistantReply, Seq: uint64(msg.ID)})

	return msg, nil
}

// Apply is the user's confirmation of the filters suggested in message id.
func (s *Service) Apply(id int) (search.Partial, error) {
	s.mu.RLock()
	msg, ok := s.history.find(id)
	s.mu.RUnlock()

	if !ok {
		return search.Partial{}, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	if msg.Role != RoleModel || msg.Filters.Empty() {
		return search.Partial{}, fmt.Errorf("%w: %d", ErrNoFilters, id)
	}

	if err := s.applier.ApplyExtractedFilters(*msg.Filters); err != nil {
		return search.Partial{}, fmt.Errorf("applier.ApplyExtractedFilters: %w", err)
	}

	return *msg.Filters, nil
}

// ApplyLatest applies the most recent suggestion.
func (s *Service) ApplyLatest() (search.Partial, error) {
	s.mu.RLock()
	messages := s.history.snapshot()
	s.mu.RUnlock()

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleModel && !messages[i].Filters.Empty() {
			return s.Apply(messages[i].ID)
		}
	}

	return search.Partial{}, ErrNoFilters
}

// Reset clears the conversation back to the greeting.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history.clear()
	s.history.add(Message{Role: RoleModel, Text: Greeting})
}
