package saved

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"
	"github.com/nonegit2301/mini-apartment/app/util/mylog"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

const fetchConcurrency = 4

var _ do.Shutdownable = (*Service)(nil)

type Store interface {
	UpdateSaved(ctx context.Context, id string) ([]string, error)
	Listing(ctx context.Context, id string) (*listingapi.Listing, error)
}

// Service holds the user's saved listing ids. Toggles apply locally at once and are
// reconciled with the server afterwards; the server's returned set always wins and a
// failed request restores the set captured right before that request's toggle, with
// the still pending toggles of other ids applied on top.
type Service struct {
	ctx     context.Context
	store   Store
	session *session.Session
	bus     *events.Service
	metrics *metrics.Manager

	mu       sync.RWMutex
	ids      map[string]struct{}
	inFlight map[uint64]inFlightToggle
	seq      uint64
	epoch    uint64
	wg       sync.WaitGroup
}

// inFlightToggle is the state a pending toggle left its id in.
type inFlightToggle struct {
	id    string
	saved bool
}

func New(di *do.Injector) (*Service, error) {
	sess := do.MustInvoke[*session.Session](di)

	s := NewService(
		do.MustInvoke[context.Context](di),
		do.MustInvoke[*listingapi.Client](di),
		sess,
		do.MustInvoke[*events.Service](di),
		do.MustInvoke[*metrics.Manager](di),
	)

	sess.OnTeardown(s.Teardown)

	return s, nil
}

func NewService(
	ctx context.Context,
	store Store,
	sess *session.Session,
	bus *events.Service,
	m *metrics.Manager,
) *Service {
	return &Service{
		ctx:     ctx,
		store:   store,
		session: sess,
		bus:     bus,
		metrics:  m,
		ids:      make(map[string]struct{}),
		inFlight: make(map[uint64]inFlightToggle),
	}
}

// Initialize replaces the set with ids fetched from the server.
func (s *Service) Initialize(ids []string) {
	if !s.session.Active() {
		return
	}

	s.mu.Lock()
	s.ids = toSet(ids)
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.SavedChanged})
}

func (s *Service) IsSaved(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ids[id]
	return ok
}

// IDs returns the saved ids in sorted order.
func (s *Service) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return pie.Sort(pie.Keys(s.ids))
}

// Toggle flips id locally and reconciles with the server in the background.
func (s *Service) Toggle(id string) {
	s.toggle(id)
}

// ToggleWait toggles id and blocks until the server settles it. It reports the
// reconciled state; a non-nil error means this toggle was reverted.
func (s *Service) ToggleWait(ctx context.Context, id string) (bool, error) {
	done := s.toggle(id)
	if done == nil {
		return false, listingapi.ErrNoSession
	}

	select {
	case err := <-done:
		return s.IsSaved(id), err
	case <-ctx.Done():
		return s.IsSaved(id), ctx.Err()
	}
}

func (s *Service) toggle(id string) <-chan error {
	if !s.session.Active() {
		s.metrics.SavedToggles.WithLabelValues("skipped").Inc()
		slog.Debug("Ignoring saved toggle without session", "id", id)
		return nil
	}

	s.mu.Lock()
	snapshot := maps.Clone(s.ids)
	_, was := s.ids[id]
	if was {
		delete(s.ids, id)
	} else {
		s.ids[id] = struct{}{}
	}
	s.seq++
	seq := s.seq
	s.inFlight[seq] = inFlightToggle{id: id, saved: !was}
	epoch := s.epoch
	s.wg.Add(1)
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.SavedChanged, ID: id})

	done := make(chan error, 1)
	go func() {
		defer s.wg.Done()

		ids, err := s.store.UpdateSaved(s.ctx, id)
		done <- s.settle(seq, id, epoch, snapshot, ids, err)
	}()

	return done
}

func (s *Service) settle(seq uint64, id string, epoch uint64, snapshot map[string]struct{}, ids []string, err error) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		slog.Debug("Dropping saved response from a previous session", "id", id)
		return fmt.Errorf("saved toggle %s: %w", id, listingapi.ErrNoSession)
	}
	delete(s.inFlight, seq)

	if err != nil {
		s.ids = snapshot
		s.reapplyInFlight(id)
		s.mu.Unlock()

		s.metrics.SavedToggles.WithLabelValues("rolled_back").Inc()
		slog.Warn("Could not update saved listings, change reverted",
			"id", id,
			"error", err,
			mylog.NotifyKey, true,
		)
		s.bus.Publish(events.Event{Kind: events.SavedChanged, ID: id, Err: err})
		return fmt.Errorf("saved toggle %s: %w", id, err)
	}

	s.ids = toSet(ids)
	s.mu.Unlock()

	s.metrics.SavedToggles.WithLabelValues("ok").Inc()
	s.bus.Publish(events.Event{Kind: events.SavedChanged, ID: id})
	return nil
}

// reapplyInFlight puts back the optimistic state of pending toggles of other ids,
// oldest first. Must be called with mu held.
func (s *Service) reapplyInFlight(except string) {
	for _, seq := range pie.Sort(pie.Keys(s.inFlight)) {
		t := s.inFlight[seq]
		if t.id == except {
			continue
		}
		if t.saved {
			s.ids[t.id] = struct{}{}
		} else {
			delete(s.ids, t.id)
		}
	}
}

// SavedListings resolves saved ids to listings. Listings that cannot be fetched are skipped.
func (s *Service) SavedListings(ctx context.Context) ([]listingapi.Listing, error) {
	ids := s.IDs()
	found := make([]*listingapi.Listing, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			listing, err := s.store.Listing(ctx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				if !errors.Is(err, listingapi.ErrNotFound) {
					slog.Warn("Failed to fetch saved listing", "id", id, "error", err)
				}
				return nil
			}

			found[i] = listing
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch saved listings: %w", err)
	}

	result := make([]listingapi.Listing, 0, len(found))
	for _, listing := range found {
		if listing != nil {
			result = append(result, *listing)
		}
	}

	return result, nil
}

// Teardown forgets the set; responses to requests issued before it are ignored.
func (s *Service) Teardown() {
	s.mu.Lock()
	s.ids = make(map[string]struct{})
	s.inFlight = make(map[uint64]inFlightToggle)
	s.epoch++
	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.SavedChanged})
}

// Wait blocks until every in-flight toggle has settled.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Shutdown() error {
	s.wg.Wait()
	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
