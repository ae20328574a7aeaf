package saved

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) UpdateSaved(ctx context.Context, id string) ([]string, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) Listing(ctx context.Context, id string) (*listingapi.Listing, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*listingapi.Listing), args.Error(1)
}

type pendingUpdate struct {
	id   string
	done chan updateResult
}

type updateResult struct {
	ids []string
	err error
}

// gatedStore holds every UpdateSaved call until the test resolves it.
type gatedStore struct {
	MockStore

	mu      sync.Mutex
	pending []*pendingUpdate
}

func (g *gatedStore) UpdateSaved(_ context.Context, id string) ([]string, error) {
	p := &pendingUpdate{id: id, done: make(chan updateResult, 1)}

	g.mu.Lock()
	g.pending = append(g.pending, p)
	g.mu.Unlock()

	r := <-p.done
	return r.ids, r.err
}

func (g *gatedStore) Pending() []*pendingUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*pendingUpdate, len(g.pending))
	copy(out, g.pending)
	return out
}

func (g *gatedStore) waitPending(t *testing.T, n int) []*pendingUpdate {
	t.Helper()

	require.Eventually(t, func() bool { return len(g.Pending()) == n }, time.Second, time.Millisecond)
	return g.Pending()
}

func newTestService(store Store, loggedIn bool) *Service {
	sess := session.NewSession()
	if loggedIn {
		sess.Login("tkn")
	}

	return NewService(context.Background(), store, sess, events.NewService(), metrics.NewManager())
}

func TestToggleAppliesOptimisticallyThenServerSet(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)
	s.Initialize([]string{"B"})

	s.Toggle("A")
	assert.True(t, s.IsSaved("A"))
	assert.True(t, s.IsSaved("B"))

	pending := store.waitPending(t, 1)
	assert.Equal(t, "A", pending[0].id)

	// the server knows about C from another device
	pending[0].done <- updateResult{ids: []string{"A", "B", "C"}}
	s.Wait()

	assert.Equal(t, []string{"A", "B", "C"}, s.IDs())
	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("ok")), 0)
}

func TestFailedToggleRestoresSnapshot(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)
	s.Initialize([]string{"A", "B"})

	s.Toggle("A")
	assert.False(t, s.IsSaved("A"))

	pending := store.waitPending(t, 1)
	pending[0].done <- updateResult{err: errors.New("connection reset")}
	s.Wait()

	assert.True(t, s.IsSaved("A"))
	assert.Equal(t, []string{"A", "B"}, s.IDs())
	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("rolled_back")), 0)
}

func TestRollbackUsesOwnSnapshot(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)

	s.Toggle("A")
	s.Toggle("B")
	assert.Equal(t, []string{"A", "B"}, s.IDs())

	pending := store.waitPending(t, 2)
	byID := map[string]*pendingUpdate{pending[0].id: pending[0], pending[1].id: pending[1]}

	// A settles first, then B fails: B's snapshot already contains A
	byID["A"].done <- updateResult{ids: []string{"A"}}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("ok")) == 1
	}, time.Second, time.Millisecond)

	byID["B"].done <- updateResult{err: errors.New("timeout")}
	s.Wait()

	assert.Equal(t, []string{"A"}, s.IDs())
}

func TestRollbackKeepsOtherPendingToggle(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)

	s.Toggle("A")
	s.Toggle("B")

	pending := store.waitPending(t, 2)
	byID := map[string]*pendingUpdate{pending[0].id: pending[0], pending[1].id: pending[1]}

	// A fails while B is still waiting on the server
	byID["A"].done <- updateResult{err: errors.New("timeout")}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("rolled_back")) == 1
	}, time.Second, time.Millisecond)

	assert.False(t, s.IsSaved("A"))
	assert.True(t, s.IsSaved("B"))

	byID["B"].done <- updateResult{ids: []string{"B"}}
	s.Wait()

	assert.Equal(t, []string{"B"}, s.IDs())
}

func TestRollbackKeepsPendingUnsave(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)
	s.Initialize([]string{"B"})

	s.Toggle("A")
	s.Toggle("B")
	assert.Equal(t, []string{"A"}, s.IDs())

	pending := store.waitPending(t, 2)
	byID := map[string]*pendingUpdate{pending[0].id: pending[0], pending[1].id: pending[1]}

	byID["A"].done <- updateResult{err: errors.New("offline")}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("rolled_back")) == 1
	}, time.Second, time.Millisecond)

	assert.Empty(t, s.IDs())

	byID["B"].done <- updateResult{ids: []string{}}
	s.Wait()
}

func TestDoubleToggleEndsWithServerAuthority(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)

	s.Toggle("A")
	s.Toggle("A")
	assert.False(t, s.IsSaved("A"))

	pending := store.waitPending(t, 2)

	pending[0].done <- updateResult{ids: []string{"A"}}
	require.Eventually(t, func() bool { return s.IsSaved("A") }, time.Second, time.Millisecond)

	pending[1].done <- updateResult{ids: []string{}}
	s.Wait()

	assert.False(t, s.IsSaved("A"))
}

func TestDoubleToggleOutOfOrder(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)

	s.Toggle("A")
	s.Toggle("A")

	pending := store.waitPending(t, 2)

	pending[1].done <- updateResult{ids: []string{}}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("ok")) == 1
	}, time.Second, time.Millisecond)

	pending[0].done <- updateResult{ids: []string{"A"}}
	s.Wait()

	// the set reflects the last response to settle
	assert.True(t, s.IsSaved("A"))
}

func TestSequentialTogglesMatchServer(t *testing.T) {
	store := &MockStore{}
	store.On("UpdateSaved", mock.Anything, "A").Return([]string{"A"}, nil).Once()
	store.On("UpdateSaved", mock.Anything, "A").Return([]string{}, nil).Once()
	store.On("UpdateSaved", mock.Anything, "A").Return([]string{"A"}, nil).Once()

	s := newTestService(store, true)

	for i := 0; i < 3; i++ {
		s.Toggle("A")
		s.Wait()
	}

	assert.True(t, s.IsSaved("A"))
	store.AssertExpectations(t)
}

func TestToggleWithoutSessionIsSkipped(t *testing.T) {
	store := &MockStore{}
	s := newTestService(store, false)

	s.Toggle("A")
	s.Wait()

	assert.False(t, s.IsSaved("A"))
	store.AssertNotCalled(t, "UpdateSaved", mock.Anything, mock.Anything)
}

func TestInitializeWithoutSessionIsNoop(t *testing.T) {
	s := newTestService(&MockStore{}, false)

	s.Initialize([]string{"A"})
	assert.Empty(t, s.IDs())
}

func TestTeardownDropsInFlight(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)
	s.Initialize([]string{"B"})

	s.Toggle("A")
	pending := store.waitPending(t, 1)

	s.Teardown()
	assert.Empty(t, s.IDs())

	pending[0].done <- updateResult{ids: []string{"A", "B"}}
	s.Wait()

	assert.Empty(t, s.IDs())
}

func TestSavedListingsSkipsMissing(t *testing.T) {
	store := &MockStore{}
	store.On("Listing", mock.Anything, "a").Return(&listingapi.Listing{ID: "a"}, nil)
	store.On("Listing", mock.Anything, "b").Return(nil, listingapi.ErrNotFound)
	store.On("Listing", mock.Anything, "c").Return(&listingapi.Listing{ID: "c"}, nil)
	store.On("Listing", mock.Anything, "d").Return(nil, errors.New("boom"))

	s := newTestService(store, true)
	s.Initialize([]string{"d", "c", "b", "a"})

	listings, err := s.SavedListings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []listingapi.Listing{{ID: "a"}, {ID: "c"}}, listings)
}

func TestSavedChangedEvents(t *testing.T) {
	store := &MockStore{}
	store.On("UpdateSaved", mock.Anything, "A").Return(nil, errors.New("offline"))

	s := newTestService(store, true)
	ch, unsub := s.bus.Subscribe()
	defer unsub()

	s.Toggle("A")
	s.Wait()

	assert.Equal(t, events.Event{Kind: events.SavedChanged, ID: "A"}, <-ch)
	rolledBack := <-ch
	assert.Equal(t, "A", rolledBack.ID)
	assert.Error(t, rolledBack.Err)
}

func TestToggleWaitReportsRollback(t *testing.T) {
	store := &MockStore{}
	store.On("UpdateSaved", mock.Anything, "A").Return(nil, errors.New("bad gateway"))

	s := newTestService(store, true)

	saved, err := s.ToggleWait(context.Background(), "A")
	require.Error(t, err)
	assert.False(t, saved)
}

func TestToggleWaitAcceptsServerSet(t *testing.T) {
	store := &MockStore{}
	// another device already removed A, so the server answers without it
	store.On("UpdateSaved", mock.Anything, "A").Return([]string{"C"}, nil)

	s := newTestService(store, true)

	saved, err := s.ToggleWait(context.Background(), "A")
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, []string{"C"}, s.IDs())
	assert.InDelta(t, 0, testutil.ToFloat64(s.metrics.SavedToggles.WithLabelValues("rolled_back")), 0)
}

func TestToggleWaitWithoutSession(t *testing.T) {
	store := &MockStore{}
	s := newTestService(store, false)

	_, err := s.ToggleWait(context.Background(), "A")
	require.ErrorIs(t, err, listingapi.ErrNoSession)
	store.AssertNotCalled(t, "UpdateSaved", mock.Anything, mock.Anything)
}

func TestToggleWaitAfterTeardown(t *testing.T) {
	store := &gatedStore{}
	s := newTestService(store, true)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ToggleWait(context.Background(), "A")
		errCh <- err
	}()

	pending := store.waitPending(t, 1)
	s.Teardown()
	pending[0].done <- updateResult{ids: []string{"A"}}

	require.ErrorIs(t, <-errCh, listingapi.ErrNoSession)
	assert.Empty(t, s.IDs())
}
