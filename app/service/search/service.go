package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/config"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/samber/do"
)

var _ do.Shutdownable = (*Service)(nil)

type Store interface {
	Search(ctx context.Context, query listingapi.Query) ([]listingapi.Listing, error)
}

type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Status struct {
	// Issued is the sequence number of the latest search sent.
	Issued uint64 `json:"issued"`
	// Applied is the sequence number whose results are visible.
	Applied   uint64 `json:"applied"`
	Loading   bool   `json:"loading"`
	Failed    bool   `json:"failed"`
	LastError string `json:"lastError,omitempty"`
}

// Service composes UI edits and accepted assistant suggestions into one filter
// and runs exactly one search per settled filter state.
type Service struct {
	ctx             context.Context
	store           Store
	bus             *events.Service
	metrics         *metrics.Manager
	delay           time.Duration
	defaultMaxPrice int64
	afterFunc       AfterFunc

	mu       sync.Mutex
	filter   FilterState
	timer    Timer
	timerGen uint64
	issued   uint64
	applied  uint64
	settled  uint64
	epoch    uint64
	results  []listingapi.Listing
	failed   bool
	lastErr  error
	closed   bool
	wg       sync.WaitGroup
}

type Options struct {
	Delay           time.Duration
	DefaultMaxPrice int64
	// AfterFunc replaces time.AfterFunc, used by tests.
	AfterFunc AfterFunc
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	s := NewService(
		do.MustInvoke[context.Context](di),
		do.MustInvoke[*listingapi.Client](di),
		do.MustInvoke[*events.Service](di),
		do.MustInvoke[*metrics.Manager](di),
		Options{
			Delay:           cfg.Search.Debounce,
			DefaultMaxPrice: cfg.Search.DefaultMaxPrice,
		},
	)

	do.MustInvoke[*session.Session](di).OnTeardown(s.Teardown)

	return s, nil
}

func NewService(ctx context.Context, store Store, bus *events.Service, m *metrics.Manager, opts Options) *Service {
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}

	return &Service{
		ctx:             ctx,
		store:           store,
		bus:             bus,
		metrics:         m,
		delay:           opts.Delay,
		defaultMaxPrice: opts.DefaultMaxPrice,
		afterFunc:       opts.AfterFunc,
		results:         []listingapi.Listing{},
	}
}

func (s *Service) SetAddress(text string) {
	s.mu.Lock()
	s.filter = s.filter.withAddress(text)
	s.scheduleLocked()
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.FilterChanged})
}

// SetPriceRange sets both bounds; 0 means "any" for either of them.
// A negative price or a ceiling below the floor is rejected and leaves the filter unchanged.
func (s *Service) SetPriceRange(minPrice, maxPrice int64) error {
	s.mu.Lock()
	next := s.filter.withPrices(&minPrice, &maxPrice)
	if err := next.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.filter = next
	s.scheduleLocked()
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.FilterChanged})

	return nil
}

// ApplyExtractedFilters merges an accepted assistant suggestion. Present fields overwrite
// the filter at once; the search itself goes through the same debounce as manual edits.
func (s *Service) ApplyExtractedFilters(p Partial) error {
	s.mu.Lock()
	next, err := s.filter.merge(p, s.defaultMaxPrice)
	if err == nil {
		err = next.validate()
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.filter = next
	s.scheduleLocked()
	filter := s.filter
	s.mu.Unlock()

	slog.Info("Applied extracted filters", "partial", p.String(), "filter", filter.String())
	s.bus.Publish(events.Event{Kind: events.FilterChanged})

	return nil
}

// Refresh re-runs the current filter after the debounce window.
func (s *Service) Refresh() {
	s.mu.Lock()
	s.scheduleLocked()
	s.mu.Unlock()
}

func (s *Service) CurrentFilter() FilterState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter.clone()
}

func (s *Service) Results() []listingapi.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]listingapi.Listing, len(s.results))
	copy(result, s.results)

	return result
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Issued:  s.issued,
		Applied: s.applied,
		Loading: s.settled != s.issued || s.timer != nil,
		Failed:  s.failed,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}

	return status
}

func (s *Service) scheduleLocked() {
	if s.closed {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timerGen++
	gen := s.timerGen
	s.timer = s.afterFunc(s.delay, func() {
		s.fire(gen)
	})
}

func (s *Service) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen {
		s.mu.Unlock()
		return
	}

	s.timer = nil
	s.issued++
	seq := s.issued
	epoch := s.epoch
	filter := s.filter.clone()
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	slog.Debug("Searching listings", "seq", seq, "filter", filter.String())

	listings, err := s.store.Search(s.ctx, filter.Query())
	s.complete(seq, epoch, listings, err)
}

func (s *Service) complete(seq, epoch uint64, listings []listingapi.Listing, err error) {
	s.mu.Lock()

	if epoch != s.epoch {
		s.mu.Unlock()
		slog.Debug("Dropping search response from a previous session", "seq", seq)
		return
	}

	if seq != s.issued {
		s.mu.Unlock()
		s.metrics.SearchStaleResponses.Inc()
		slog.Debug("Discarding stale search response", "seq", seq)
		return
	}

	s.settled = seq

	if err != nil {
		s.failed = true
		s.lastErr = err
		s.mu.Unlock()

		s.metrics.Searches.WithLabelValues("failed").Inc()
		slog.Warn("Search failed, keeping previous results", "seq", seq, "error", err)
		s.bus.Publish(events.Event{Kind: events.SearchFailed, Seq: seq, Err: err})
		return
	}

	if listings == nil {
		listings = []listingapi.Listing{}
	}

	s.results = listings
	s.applied = seq
	s.failed = false
	s.lastErr = nil
	s.mu.Unlock()

	s.metrics.Searches.WithLabelValues("ok").Inc()
	s.bus.Publish(events.Event{Kind: events.ResultsChanged, Seq: seq})
}

// Teardown cancels the pending search, drops in-flight responses and resets the filter.
func (s *Service) Teardown() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.epoch++
	s.filter = FilterState{}
	s.results = []listingapi.Listing{}
	s.settled = s.issued
	s.failed = false
	s.lastErr = nil
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.FilterChanged})
	s.bus.Publish(events.Event{Kind: events.ResultsChanged})
}

// Wait blocks until in-flight searches complete.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.mu.Unlock()

	s.wg.Wait()

	return nil
}
