package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/saved"
	"github.com/nonegit2301/mini-apartment/app/service/search"
	"github.com/nonegit2301/mini-apartment/app/service/session"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/samber/do"
)

const (
	serverName    = "mini-apartment"
	serverVersion = "1.0.0"
)

type ListingStore interface {
	Search(ctx context.Context, query listingapi.Query) ([]listingapi.Listing, error)
	Listing(ctx context.Context, id string) (*listingapi.Listing, error)
}

// Service exposes listing search and saved listings as MCP tools over stdio.
type Service struct {
	store    ListingStore
	savedSvc *saved.Service
	session  *session.Session
	server   *server.MCPServer
}

func New(di *do.Injector) (*Service, error) {
	return NewService(
		do.MustInvoke[*listingapi.Client](di),
		do.MustInvoke[*saved.Service](di),
		do.MustInvoke[*session.Session](di),
	), nil
}

func NewService(store ListingStore, savedSvc *saved.Service, sess *session.Session) *Service {
	s := &Service{
		store:    store,
		savedSvc: savedSvc,
		session:  sess,
		server:   server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}

	s.server.AddTool(mcp.NewTool("search_listings",
		mcp.WithDescription("Search apartment listings. All filters are optional; prices are monthly rent in VND, 0 means any."),
		mcp.WithString("address", mcp.Description("District, street or city, e.g. \"Quận 1\"")),
		mcp.WithNumber("min_price", mcp.Description("Minimum price in VND")),
		mcp.WithNumber("max_price", mcp.Description("Maximum price in VND")),
	), s.searchListings)

	s.server.AddTool(mcp.NewTool("get_listing",
		mcp.WithDescription("Get full details of one listing by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Listing id")),
	), s.getListing)

	s.server.AddTool(mcp.NewTool("list_saved",
		mcp.WithDescription("List the listings the signed-in user saved."),
	), s.listSaved)

	s.server.AddTool(mcp.NewTool("toggle_saved",
		mcp.WithDescription("Save a listing, or remove it if it is already saved. Requires a signed-in user."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Listing id")),
	), s.toggleSaved)

	return s
}

// Serve runs the MCP server on stdin/stdout until the input closes.
func (s *Service) Serve() error {
	slog.Info("MCP server started on stdio")

	if err := server.ServeStdio(s.server); err != nil {
		return fmt.Errorf("serve stdio: %w", err)
	}

	return nil
}

func (s *Service) searchListings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	minPrice, err := search.PriceFromFloat(request.GetFloat("min_price", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	maxPrice, err := search.PriceFromFloat(request.GetFloat("max_price", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	filter, err := search.NewFilter(request.GetString("address", ""), minPrice, maxPrice)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	listings, err := s.store.Search(ctx, filter.Query())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	return jsonResult(listings)
}

func (s *Service) getListing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	listing, err := s.store.Listing(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get listing %s: %v", id, err)), nil
	}

	return jsonResult(listing)
}

func (s *Service) listSaved(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.session.Active() {
		return mcp.NewToolResultError(listingapi.ErrNoSession.Error()), nil
	}

	listings, err := s.savedSvc.SavedListings(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(listings)
}

// toggleSaved waits for the server to settle so the caller sees the reconciled state.
func (s *Service) toggleSaved(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !s.session.Active() {
		return mcp.NewToolResultError(listingapi.ErrNoSession.Error()), nil
	}

	isSaved, err := s.savedSvc.ToggleWait(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not update saved listing %s, change reverted: %v", id, err)), nil
	}

	return jsonResult(map[string]any{"id": id, "saved": isSaved})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return mcp.NewToolResultText(string(data)), nil
}
