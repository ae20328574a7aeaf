package api

import (
	"errors"
	"fmt"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/search"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var errInvalidBody = errors.New("invalid request body")

type filterResponse struct {
	Filter search.FilterState `json:"filter"`
	Status search.Status      `json:"status"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type priceRequest struct {
	MinPrice int64 `json:"minPrice"`
	MaxPrice int64 `json:"maxPrice"`
}

type listingView struct {
	listingapi.Listing
	Saved bool `json:"saved"`
}

type listingsResponse struct {
	Listings []listingView `json:"listings"`
	Status   search.Status `json:"status"`
}

type savedResponse struct {
	IDs []string `json:"ids"`
}

type savedStateResponse struct {
	ID    string `json:"id"`
	Saved bool   `json:"saved"`
}

type askRequest struct {
	Text string `json:"text"`
}

type applyResponse struct {
	Applied search.Partial     `json:"applied"`
	Filter  search.FilterState `json:"filter"`
}

func (s *Service) getFilter(c *fiber.Ctx) error {
	return c.JSON(s.filterResponse())
}

func (s *Service) putAddress(c *fiber.Ctx) error {
	var req addressRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	s.searchSvc.SetAddress(req.Address)

	return c.JSON(s.filterResponse())
}

func (s *Service) putPrice(c *fiber.Ctx) error {
	var req priceRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := s.searchSvc.SetPriceRange(req.MinPrice, req.MaxPrice); err != nil {
		return err
	}

	return c.JSON(s.filterResponse())
}

func (s *Service) getListings(c *fiber.Ctx) error {
	return c.JSON(listingsResponse{
		Listings: s.views(s.searchSvc.Results()),
		Status:   s.searchSvc.Status(),
	})
}

func (s *Service) getListing(c *fiber.Ctx) error {
	listing, err := s.listings.Listing(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(listingView{Listing: *listing, Saved: s.savedSvc.IsSaved(listing.ID)})
}

func (s *Service) getSaved(c *fiber.Ctx) error {
	return c.JSON(savedResponse{IDs: s.savedSvc.IDs()})
}

func (s *Service) getSavedListings(c *fiber.Ctx) error {
	if !s.session.Active() {
		return listingapi.ErrNoSession
	}

	listings, err := s.savedSvc.SavedListings(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(listingsResponse{Listings: s.views(listings), Status: s.searchSvc.Status()})
}

func (s *Service) getSavedOne(c *fiber.Ctx) error {
	id := c.Params("id")
	return c.JSON(savedStateResponse{ID: id, Saved: s.savedSvc.IsSaved(id)})
}

// toggleSaved answers with the optimistic state; the reconciled one arrives later.
func (s *Service) toggleSaved(c *fiber.Ctx) error {
	if !s.session.Active() {
		return listingapi.ErrNoSession
	}

	id := c.Params("id")
	s.savedSvc.Toggle(id)

	return c.Status(fiber.StatusAccepted).JSON(savedStateResponse{ID: id, Saved: s.savedSvc.IsSaved(id)})
}

func (s *Service) getMessages(c *fiber.Ctx) error {
	return c.JSON(s.assistantSvc.Messages())
}

func (s *Service) postMessage(c *fiber.Ctx) error {
	var req askRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	msg, err := s.assistantSvc.Ask(c.UserContext(), req.Text)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Service) applyMessage(c *fiber.Ctx) error {
	id, err := c.ParamsInt("index")
	if err != nil {
		return fmt.Errorf("%w: message index must be a number", errInvalidBody)
	}

	applied, err := s.assistantSvc.Apply(id)
	if err != nil {
		return err
	}

	return c.JSON(applyResponse{Applied: applied, Filter: s.searchSvc.CurrentFilter()})
}

func (s *Service) getProfile(c *fiber.Ctx) error {
	if !s.session.Active() {
		return listingapi.ErrNoSession
	}

	p := s.profileSvc.Current()
	if p == nil {
		if err := s.profileSvc.Load(c.UserContext()); err != nil {
			return err
		}
		p = s.profileSvc.Current()
	}

	return c.JSON(p)
}

func (s *Service) putProfile(c *fiber.Ctx) error {
	var req listingapi.ProfileUpdate
	if err := parseBody(c, &req); err != nil {
		return err
	}

	p, err := s.profileSvc.Save(c.UserContext(), req)
	if err != nil {
		return err
	}

	return c.JSON(p)
}

func (s *Service) logout(c *fiber.Ctx) error {
	s.session.Logout()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Service) filterResponse() filterResponse {
	return filterResponse{
		Filter: s.searchSvc.CurrentFilter(),
		Status: s.searchSvc.Status(),
	}
}

func (s *Service) views(listings []listingapi.Listing) []listingView {
	result := make([]listingView, len(listings))
	for i, listing := range listings {
		result[i] = listingView{Listing: listing, Saved: s.savedSvc.IsSaved(listing.ID)}
	}
	return result
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

func isValidation(err error) bool {
	var validationErrs validator.ValidationErrors
	return errors.As(err, &validationErrs)
}
