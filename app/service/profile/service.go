package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/saved"
	"github.com/nonegit2301/mini-apartment/app/service/session"

	"github.com/go-playground/validator/v10"
	"github.com/samber/do"
)

type Store interface {
	Profile(ctx context.Context) (*listingapi.Profile, error)
	UpdateProfile(ctx context.Context, update listingapi.ProfileUpdate) (*listingapi.Profile, error)
}

// SavedInitializer receives the saved ids that come with the profile.
type SavedInitializer interface {
	Initialize(ids []string)
}

type Service struct {
	store    Store
	session  *session.Session
	saved    SavedInitializer
	validate *validator.Validate

	mu      sync.RWMutex
	current *listingapi.Profile
}

func New(di *do.Injector) (*Service, error) {
	sess := do.MustInvoke[*session.Session](di)

	s := NewService(
		do.MustInvoke[*listingapi.Client](di),
		sess,
		do.MustInvoke[*saved.Service](di),
	)

	sess.OnTeardown(s.Teardown)

	return s, nil
}

func NewService(store Store, sess *session.Session, savedIDs SavedInitializer) *Service {
	return &Service{
		store:    store,
		session:  sess,
		saved:    savedIDs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load fetches the signed-in user's profile and seeds the saved set from it.
// Without a session it does nothing.
func (s *Service) Load(ctx context.Context) error {
	if !s.session.Active() {
		return nil
	}

	p, err := s.store.Profile(ctx)
	if err != nil {
		if s.saved != nil {
			s.saved.Initialize(nil)
		}
		return fmt.Errorf("store.Profile: %w", err)
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	if s.saved != nil {
		s.saved.Initialize(p.SavedIDs)
	}

	slog.Info("Loaded profile", "name", p.Name, "saved", len(p.SavedIDs))

	return nil
}

// Current returns a copy of the loaded profile, or nil.
func (s *Service) Current() *listingapi.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil
	}

	p := *s.current
	p.SavedIDs = append([]string(nil), s.current.SavedIDs...)
	return &p
}

// Save validates and submits the update. On any failure the previous profile is kept.
func (s *Service) Save(ctx context.Context, update listingapi.ProfileUpdate) (*listingapi.Profile, error) {
	if !s.session.Active() {
		return nil, listingapi.ErrNoSession
	}

	update.Name = strings.TrimSpace(update.Name)
	update.Phone = strings.TrimSpace(update.Phone)

	if err := s.validate.Struct(update); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	p, err := s.store.UpdateProfile(ctx, update)
	if err != nil {
		slog.Warn("Failed to update profile", "error", err)
		return nil, fmt.Errorf("store.UpdateProfile: %w", err)
	}

	s.mu.Lock()
	if s.current != nil && p.SavedIDs == nil {
		p.SavedIDs = s.current.SavedIDs
	}
	s.current = p
	s.mu.Unlock()

	slog.Info("Updated profile", "name", p.Name)

	return s.Current(), nil
}

func (s *Service) Teardown() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}
