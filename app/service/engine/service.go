package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/service/assistant"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/profile"
	"github.com/nonegit2301/mini-apartment/app/service/saved"
	"github.com/nonegit2301/mini-apartment/app/service/search"
	"github.com/nonegit2301/mini-apartment/app/service/session"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
)

var errQuit = errors.New("quit")

type ListingSource interface {
	Listing(ctx context.Context, id string) (*listingapi.Listing, error)
}

// Service is the interactive console. It reads one command per line and prints
// bus events between commands.
type Service struct {
	in  io.Reader
	out io.Writer

	listings     ListingSource
	searchSvc    *search.Service
	savedSvc     *saved.Service
	assistantSvc *assistant.Service
	profileSvc   *profile.Service
	session      *session.Session
	bus          *events.Service

	// listed is what the last list or saved command printed, for numeric references.
	listed []listingapi.Listing
}

type Deps struct {
	Listings  ListingSource
	Search    *search.Service
	Saved     *saved.Service
	Assistant *assistant.Service
	Profile   *profile.Service
	Session   *session.Session
	Bus       *events.Service
}

func New(di *do.Injector) (*Service, error) {
	return NewService(os.Stdin, os.Stdout, Deps{
		Listings:  do.MustInvoke[*listingapi.Client](di),
		Search:    do.MustInvoke[*search.Service](di),
		Saved:     do.MustInvoke[*saved.Service](di),
		Assistant: do.MustInvoke[*assistant.Service](di),
		Profile:   do.MustInvoke[*profile.Service](di),
		Session:   do.MustInvoke[*session.Session](di),
		Bus:       do.MustInvoke[*events.Service](di),
	}), nil
}

func NewService(in io.Reader, out io.Writer, deps Deps) *Service {
	return &Service{
		in:           in,
		out:          out,
		listings:     deps.Listings,
		searchSvc:    deps.Search,
		savedSvc:     deps.Saved,
		assistantSvc: deps.Assistant,
		profileSvc:   deps.Profile,
		session:      deps.Session,
		bus:          deps.Bus,
	}
}

// Run processes commands until quit, end of input or ctx cancellation.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	s.printf("%s\n", assistant.Greeting)
	s.printf("Type \"help\" for commands.\n")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.printEvent(event)
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			err := s.Execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				slog.Debug("Command failed", "line", line, "error", err)
				s.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command line.
func (s *Service) Execute(ctx context.Context, line string) error {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "":
		return nil
	case "addr", "address":
		s.searchSvc.SetAddress(arg)
		s.printf("filter: %s\n", s.searchSvc.CurrentFilter())
	case "price":
		return s.setPrice(arg)
	case "filter":
		s.printFilter()
	case "refresh":
		s.searchSvc.Refresh()
	case "list", "ls":
		s.listed = s.searchSvc.Results()
		s.printListings(s.listed)
	case "show":
		return s.show(ctx, arg)
	case "save", "unsave":
		return s.toggle(arg)
	case "saved":
		return s.printSaved(ctx)
	case "ask":
		return s.ask(ctx, arg)
	case "apply":
		return s.apply(arg)
	case "profile":
		s.printProfile()
	case "name", "phone":
		return s.updateProfile(ctx, strings.ToLower(name), arg)
	case "login":
		return s.login(ctx, arg)
	case "logout":
		s.session.Logout()
		s.listed = nil
		s.printf("logged out\n")
	case "help":
		s.printf("%s", helpText)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", name)
	}

	return nil
}

func (s *Service) setPrice(arg string) error {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		return errors.New("usage: price <min> <max>")
	}

	minPrice, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid min price: %w", err)
	}
	maxPrice, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid max price: %w", err)
	}

	if err = s.searchSvc.SetPriceRange(minPrice, maxPrice); err != nil {
		return err
	}

	s.printf("filter: %s\n", s.searchSvc.CurrentFilter())
	return nil
}

// resolveID maps an index from the last printed list to its id; anything else is taken as an id.
func (s *Service) resolveID(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("listing number or id required")
	}

	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(s.listed) {
			return "", fmt.Errorf("no listing #%d, run list first", n)
		}
		return s.listed[n-1].ID, nil
	}

	return arg, nil
}

func (s *Service) show(ctx context.Context, arg string) error {
	id, err := s.resolveID(arg)
	if err != nil {
		return err
	}

	listing, err := s.listings.Listing(ctx, id)
	if err != nil {
		return err
	}

	s.printf("%s\n", formatListing(*listing, s.savedSvc.IsSaved(listing.ID)))
	if listing.Description != "" {
		s.printf("  %s\n", listing.Description)
	}
	if len(listing.Amenities) > 0 {
		s.printf("  amenities: %s\n", strings.Join(listing.Amenities, ", "))
	}
	if listing.Contact != nil {
		s.printf("  contact: %s %s\n", listing.Contact.Name, listing.Contact.Phone)
	}

	return nil
}

func (s *Service) toggle(arg string) error {
	if !s.session.Active() {
		return listingapi.ErrNoSession
	}

	id, err := s.resolveID(arg)
	if err != nil {
		return err
	}

	s.savedSvc.Toggle(id)

	if s.savedSvc.IsSaved(id) {
		s.printf("saved %s\n", id)
	} else {
		s.printf("removed %s\n", id)
	}

	return nil
}

func (s *Service) printSaved(ctx context.Context) error {
	if !s.session.Active() {
		return listingapi.ErrNoSession
	}

	listings, err := s.savedSvc.SavedListings(ctx)
	if err != nil {
		return err
	}

	s.listed = listings
	s.printListings(listings)

	return nil
}

func (s *Service) ask(ctx context.Context, text string) error {
	msg, err := s.assistantSvc.Ask(ctx, text)
	if err != nil {
		return err
	}

	s.printf("assistant: %s\n", msg.Text)
	if !msg.Filters.Empty() {
		s.printf("suggested filters %s, type \"apply %d\" to use them\n", msg.Filters, msg.ID)
	}

	return nil
}

func (s *Service) apply(arg string) error {
	var (
		applied search.Partial
		err     error
	)

	if arg == "" {
		applied, err = s.assistantSvc.ApplyLatest()
	} else {
		id, convErr := strconv.Atoi(arg)
		if convErr != nil {
			return fmt.Errorf("invalid message id: %w", convErr)
		}
		applied, err = s.assistantSvc.Apply(id)
	}
	if err != nil {
		return err
	}

	s.printf("applied %s, filter: %s\n", applied.String(), s.searchSvc.CurrentFilter())
	return nil
}

func (s *Service) updateProfile(ctx context.Context, field, value string) error {
	current := s.profileSvc.Current()
	if current == nil {
		return listingapi.ErrNoSession
	}

	update := listingapi.ProfileUpdate{Name: current.Name, Phone: current.Phone}
	if field == "name" {
		update.Name = value
	} else {
		update.Phone = value
	}

	if _, err := s.profileSvc.Save(ctx, update); err != nil {
		return err
	}

	s.printProfile()
	return nil
}

func (s *Service) login(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("usage: login <token>")
	}

	s.session.Login(token)
	if err := s.profileSvc.Load(ctx); err != nil {
		return err
	}

	s.printf("logged in, %d saved listings\n", len(s.savedSvc.IDs()))
	return nil
}

func (s *Service) printFilter() {
	status := s.searchSvc.Status()

	s.printf("filter: %s\n", s.searchSvc.CurrentFilter())
	switch {
	case status.Loading:
		s.printf("status: loading (search #%d)\n", status.Issued)
	case status.Failed:
		s.printf("status: failed, showing results of search #%d: %s\n", status.Applied, status.LastError)
	default:
		s.printf("status: %d results from search #%d\n", len(s.searchSvc.Results()), status.Applied)
	}
}

func (s *Service) printListings(listings []listingapi.Listing) {
	if len(listings) == 0 {
		s.printf("no listings\n")
		return
	}

	for i, listing := range listings {
		s.printf("%2d. %s\n", i+1, formatListing(listing, s.savedSvc.IsSaved(listing.ID)))
	}
}

func (s *Service) printProfile() {
	p := s.profileSvc.Current()
	if p == nil {
		s.printf("not logged in\n")
		return
	}

	s.printf("name: %s\nemail: %s\nphone: %s\nsaved: %d\n", p.Name, p.Email, p.Phone, len(s.savedSvc.IDs()))
}

func (s *Service) printEvent(event events.Event) {
	switch event.Kind {
	case events.ResultsChanged:
		if event.Seq > 0 {
			s.printf("* %d listings found, type \"list\" to see them\n", len(s.searchSvc.Results()))
		}
	case events.SearchFailed:
		s.printf("* search failed, keeping previous results: %v\n", event.Err)
	case events.SavedChanged:
		if event.Err != nil {
			s.printf("* could not update saved listing %s, change reverted\n", event.ID)
		}
	}
}

func (s *Service) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func formatListing(l listingapi.Listing, isSaved bool) string {
	location := pie.Filter([]string{l.Address.Street, l.Address.District, l.Address.City}, func(part string) bool {
		return part != ""
	})

	marker := ""
	if isSaved {
		marker = " [saved]"
	}

	return fmt.Sprintf("%s | %s | %s | %s VND/month | %.0fm² | %s%s",
		l.ID, l.Name, strings.Join(location, ", "), formatPrice(l.Price), l.Area, l.Status, marker)
}

// formatPrice groups digits by thousands: 4500000 -> 4.500.000.
func formatPrice(price int64) string {
	digits := strconv.FormatInt(price, 10)
	negative := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}

const helpText = `commands:
  addr <text>          set the address filter (empty clears it)
  price <min> <max>    set the price range, 0 means any
  filter               show the current filter and search status
  refresh              run the current search again
  list                 show search results
  show <n|id>          show listing details
  save <n|id>          save or unsave a listing
  saved                show saved listings
  ask <text>           ask the assistant
  apply [id]           use filters suggested by the assistant
  profile              show your profile
  name <text>          change your name
  phone <digits>       change your phone
  login <token>        sign in with a bearer token
  logout               sign out
  quit                 exit
`
