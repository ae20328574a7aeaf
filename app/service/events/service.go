package events

import (
	"log/slog"
	"sync"

	"github.com/samber/do"
)

const bufferSize = 64

var _ do.Shutdownable = (*Service)(nil)

type Kind string

const (
	SavedChanged   Kind = "saved_changed"
	FilterChanged  Kind = "filter_changed"
	ResultsChanged Kind = "results_changed"
	SearchFailed   Kind = "search_failed"
	AssistantReply Kind = "assistant_reply"
)

type Event struct {
	Kind Kind
	// Seq is the search sequence number for search events.
	Seq uint64
	// ID is the toggled listing id for saved events, empty on bulk changes.
	ID  string
	Err error
}

// Service fans events out to subscribers. Publishing never blocks.
type Service struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func New(_ *do.Injector) (*Service, error) {
	return NewService(), nil
}

func NewService() *Service {
	return &Service{
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns a channel of events and a func that detaches it.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, bufferSize)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

func (s *Service) Publish(event Event) {
	if s == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			slog.Warn("event subscriber is full, dropping event", "kind", event.Kind)
		}
	}
}

func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}

	return nil
}
