package engine

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/assistant"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/profile"
	"github.com/nonegit2301/mini-apartment/app/service/saved"
	"github.com/nonegit2301/mini-apartment/app/service/search"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves every store interface from memory.
type fakeBackend struct {
	mu       sync.Mutex
	listings []listingapi.Listing
	saved    []string
	profile  listingapi.Profile
	queries  []listingapi.Query
}

func (f *fakeBackend) Search(_ context.Context, query listingapi.Query) ([]listingapi.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	return append([]listingapi.Listing(nil), f.listings...), nil
}

func (f *fakeBackend) Listing(_ context.Context, id string) (*listingapi.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, l := range f.listings {
		if l.ID == id {
			return &l, nil
		}
	}
	return nil, listingapi.ErrNotFound
}

func (f *fakeBackend) Profile(_ context.Context) (*listingapi.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.profile
	p.SavedIDs = append([]string(nil), f.saved...)
	return &p, nil
}

func (f *fakeBackend) UpdateSaved(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, saved := range f.saved {
		if saved == id {
			f.saved = append(f.saved[:i], f.saved[i+1:]...)
			return append([]string(nil), f.saved...), nil
		}
	}
	f.saved = append(f.saved, id)
	return append([]string(nil), f.saved...), nil
}

func (f *fakeBackend) UpdateProfile(_ context.Context, update listingapi.ProfileUpdate) (*listingapi.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.profile.Name = update.Name
	f.profile.Phone = update.Phone
	p := f.profile
	return &p, nil
}

func (f *fakeBackend) Queries() []listingapi.Query {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]listingapi.Query(nil), f.queries...)
}

type staticExtractor struct {
	reply assistant.Reply
}

func (e staticExtractor) Extract(context.Context, []assistant.Message, string) assistant.Reply {
	return e.reply
}

type harness struct {
	engine  *Service
	out     *bytes.Buffer
	backend *fakeBackend
	search  *search.Service
	saved   *saved.Service
	session *session.Session
}

func newHarness(t *testing.T, input string, reply assistant.Reply) *harness {
	t.Helper()

	backend := &fakeBackend{
		listings: []listingapi.Listing{
			{ID: "a1", Name: "Studio gần chợ Bến Thành", Address: listingapi.Address{District: "Quận 1", City: "TP.HCM"}, Price: 4_500_000, Area: 25, Status: "available"},
			{ID: "b2", Name: "Căn hộ có ban công", Address: listingapi.Address{District: "Quận 3", City: "TP.HCM"}, Price: 6_000_000, Area: 32, Status: "available"},
		},
		profile: listingapi.Profile{Name: "Lan", Email: "lan@example.com"},
	}

	ctx := context.Background()
	bus := events.NewService()
	m := metrics.NewManager()
	sess := session.NewSession()

	searchSvc := search.NewService(ctx, backend, bus, m, search.Options{DefaultMaxPrice: 20_000_000})
	savedSvc := saved.NewService(ctx, backend, sess, bus, m)
	profileSvc := profile.NewService(backend, sess, savedSvc)
	assistantSvc := assistant.NewService(staticExtractor{reply: reply}, searchSvc, bus, 20)

	sess.OnTeardown(savedSvc.Teardown)
	sess.OnTeardown(searchSvc.Teardown)
	sess.OnTeardown(profileSvc.Teardown)

	t.Cleanup(func() {
		_ = searchSvc.Shutdown()
		_ = savedSvc.Shutdown()
	})

	out := &bytes.Buffer{}
	engine := NewService(strings.NewReader(input), out, Deps{
		Listings:  backend,
		Search:    searchSvc,
		Saved:     savedSvc,
		Assistant: assistantSvc,
		Profile:   profileSvc,
		Session:   sess,
		Bus:       bus,
	})

	return &harness{engine: engine, out: out, backend: backend, search: searchSvc, saved: savedSvc, session: sess}
}

func (h *harness) exec(t *testing.T, line string) string {
	t.Helper()

	h.out.Reset()
	require.NoError(t, h.engine.Execute(context.Background(), line))
	return h.out.String()
}

func (h *harness) waitForResults(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.search.Results()) > 0
	}, time.Second, time.Millisecond)
}

func TestExecuteFilterCommands(t *testing.T) {
	h := newHarness(t, "", assistant.Reply{})

	out := h.exec(t, "addr Quận 1")
	assert.Contains(t, out, `address="Quận 1"`)

	out = h.exec(t, "price 0 10000000")
	assert.Contains(t, out, "max=10000000")

	err := h.engine.Execute(context.Background(), "price 9000000 5000000")
	require.ErrorIs(t, err, search.ErrInvalidPriceRange)
	assert.Equal(t, int64(10_000_000), h.search.CurrentFilter().MaxPriceValue())

	err = h.engine.Execute(context.Background(), "price ten 5")
	require.Error(t, err)

	h.waitForResults(t)
	queries := h.backend.Queries()
	require.NotEmpty(t, queries)
	assert.Equal(t, "Quận 1", *queries[len(queries)-1].Address)
}

func TestExecuteListShowSave(t *testing.T) {
	h := newHarness(t, "", assistant.Reply{})
	h.session.Login("opaque-token")

	h.search.Refresh()
	h.waitForResults(t)

	out := h.exec(t, "list")
	assert.Contains(t, out, " 1. a1 | Studio gần chợ Bến Thành | Quận 1, TP.HCM | 4.500.000 VND/month")
	assert.Contains(t, out, " 2. b2")

	out = h.exec(t, "show 2")
	assert.Contains(t, out, "Căn hộ có ban công")

	out = h.exec(t, "save 1")
	assert.Contains(t, out, "saved a1")
	assert.True(t, h.saved.IsSaved("a1"))

	h.saved.Wait()
	assert.Equal(t, []string{"a1"}, h.saved.IDs())

	out = h.exec(t, "saved")
	assert.Contains(t, out, "a1 | Studio gần chợ Bến Thành")
	assert.Contains(t, out, "[saved]")

	err := h.engine.Execute(context.Background(), "show 7")
	require.Error(t, err)
}

func TestExecuteSaveRequiresSession(t *testing.T) {
	h := newHarness(t, "", assistant.Reply{})

	err := h.engine.Execute(context.Background(), "save a1")
	require.ErrorIs(t, err, listingapi.ErrNoSession)

	err = h.engine.Execute(context.Background(), "saved")
	require.ErrorIs(t, err, listingapi.ErrNoSession)
}

func TestExecuteAskAndApply(t *testing.T) {
	address := "Quận 3"
	ceiling := 0.0
	h := newHarness(t, "", assistant.Reply{
		Text:    "Ok, tôi sẽ tìm căn hộ ở Quận 3 cho bạn.",
		Filters: &search.Partial{Address: &address, MaxPrice: &ceiling},
	})

	out := h.exec(t, "ask tìm nhà Quận 3")
	assert.Contains(t, out, "assistant: Ok, tôi sẽ tìm căn hộ ở Quận 3 cho bạn.")
	assert.Contains(t, out, `type "apply 2"`)
	assert.Equal(t, "", h.search.CurrentFilter().AddressValue())

	out = h.exec(t, "apply")
	assert.Contains(t, out, `address="Quận 3" min=0 max=20000000`)

	h.waitForResults(t)
}

func TestExecuteLoginProfileLogout(t *testing.T) {
	h := newHarness(t, "", assistant.Reply{})
	h.backend.saved = []string{"b2"}

	out := h.exec(t, "login opaque-token")
	assert.Contains(t, out, "logged in, 1 saved listings")

	out = h.exec(t, "name Lan Nguyen")
	assert.Contains(t, out, "name: Lan Nguyen")

	err := h.engine.Execute(context.Background(), "phone 12ab")
	require.Error(t, err)

	out = h.exec(t, "logout")
	assert.Contains(t, out, "logged out")
	assert.Empty(t, h.saved.IDs())

	out = h.exec(t, "profile")
	assert.Contains(t, out, "not logged in")
}

func TestExecuteUnknown(t *testing.T) {
	h := newHarness(t, "", assistant.Reply{})

	err := h.engine.Execute(context.Background(), "fly")
	require.ErrorContains(t, err, `unknown command "fly"`)

	assert.Empty(t, h.exec(t, "   "))
}

func TestRunStopsOnQuit(t *testing.T) {
	h := newHarness(t, "help\nbogus\nquit\naddr never\n", assistant.Reply{})

	require.NoError(t, h.engine.Run(context.Background()))

	out := h.out.String()
	assert.Contains(t, out, assistant.Greeting)
	assert.Contains(t, out, "commands:")
	assert.Contains(t, out, `error: unknown command "bogus"`)
	assert.Equal(t, "", h.search.CurrentFilter().AddressValue())
}

func TestFormatPrice(t *testing.T) {
	tests := map[int64]string{
		0:          "0",
		999:        "999",
		4_500_000:  "4.500.000",
		20_000_000: "20.000.000",
		-1500:      "-1.500",
	}

	for price, want := range tests {
		assert.Equal(t, want, formatPrice(price))
	}
}
