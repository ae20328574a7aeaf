package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/config"
	"github.com/nonegit2301/mini-apartment/app/service/assistant"
	"github.com/nonegit2301/mini-apartment/app/service/profile"
	"github.com/nonegit2301/mini-apartment/app/service/saved"
	"github.com/nonegit2301/mini-apartment/app/service/search"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do"
)

const shutdownTimeout = 5 * time.Second

var _ do.Shutdownable = (*Service)(nil)

type ListingSource interface {
	Listing(ctx context.Context, id string) (*listingapi.Listing, error)
}

type Deps struct {
	Listings  ListingSource
	Search    *search.Service
	Saved     *saved.Service
	Assistant *assistant.Service
	Profile   *profile.Service
	Session   *session.Session
	Metrics   *metrics.Manager
}

// Service is the local JSON API a presentation layer talks to.
type Service struct {
	app    *fiber.App
	listen string

	listings     ListingSource
	searchSvc    *search.Service
	savedSvc     *saved.Service
	assistantSvc *assistant.Service
	profileSvc   *profile.Service
	session      *session.Session
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewService(cfg.Server.Listen, Deps{
		Listings:  do.MustInvoke[*listingapi.Client](di),
		Search:    do.MustInvoke[*search.Service](di),
		Saved:     do.MustInvoke[*saved.Service](di),
		Assistant: do.MustInvoke[*assistant.Service](di),
		Profile:   do.MustInvoke[*profile.Service](di),
		Session:   do.MustInvoke[*session.Session](di),
		Metrics:   do.MustInvoke[*metrics.Manager](di),
	}), nil
}

func NewService(listen string, deps Deps) *Service {
	s := &Service{
		listen:       listen,
		listings:     deps.Listings,
		searchSvc:    deps.Search,
		savedSvc:     deps.Saved,
		assistantSvc: deps.Assistant,
		profileSvc:   deps.Profile,
		session:      deps.Session,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "mini-apartment",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(logRequest)

	s.routes(deps.Metrics)

	return s
}

func (s *Service) routes(m *metrics.Manager) {
	s.app.Get("/filter", s.getFilter)
	s.app.Put("/filter/address", s.putAddress)
	s.app.Put("/filter/price", s.putPrice)

	s.app.Get("/listings", s.getListings)
	s.app.Get("/listings/:id", s.getListing)

	s.app.Get("/saved", s.getSaved)
	s.app.Get("/saved/listings", s.getSavedListings)
	s.app.Get("/saved/:id", s.getSavedOne)
	s.app.Post("/saved/:id/toggle", s.toggleSaved)

	s.app.Get("/assistant/messages", s.getMessages)
	s.app.Post("/assistant/messages", s.postMessage)
	s.app.Post("/assistant/messages/:index/apply", s.applyMessage)

	s.app.Get("/profile", s.getProfile)
	s.app.Put("/profile", s.putProfile)
	s.app.Post("/logout", s.logout)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// App exposes the fiber app for in-process requests.
func (s *Service) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled. The listener itself is closed by Shutdown.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", s.listen)
		errCh <- s.app.Listen(s.listen)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		return nil
	}
}

func (s *Service) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.app.ShutdownWithContext(ctx)
}

func logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	slog.Debug("API request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		"duration", time.Since(start),
	)

	return err
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	if code >= fiber.StatusInternalServerError {
		slog.Warn("API request failed", "path", c.Path(), "error", err)
	}

	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	var fiberErr *fiber.Error

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, search.ErrInvalidPriceRange),
		errors.Is(err, search.ErrNegativePrice),
		errors.Is(err, search.ErrPriceOutOfRange),
		errors.Is(err, assistant.ErrEmptyMessage),
		errors.Is(err, errInvalidBody):
		return fiber.StatusBadRequest
	case errors.Is(err, listingapi.ErrNoSession),
		errors.Is(err, listingapi.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, listingapi.ErrNotFound),
		errors.Is(err, assistant.ErrUnknownMessage):
		return fiber.StatusNotFound
	case errors.Is(err, assistant.ErrBusy):
		return fiber.StatusConflict
	case errors.Is(err, assistant.ErrNoFilters), isValidation(err):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusBadGateway
	}
}
