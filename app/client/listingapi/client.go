package listingapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/nonegit2301/mini-apartment/app/config"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/oops"
)

var (
	ErrNoSession         = errors.New("no active session")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnexpectedStatus  = errors.New("unexpected status")
	ErrMalformedResponse = errors.New("malformed response")
)

var _ do.Shutdownable = (*Client)(nil)

// Client talks to the listings REST backend.
type Client struct {
	baseURL string
	timeout time.Duration
	session *session.Session
	metrics *metrics.Manager
	http    *fiber.Client
}

func NewClient(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewWithSession(
		cfg.API.BaseURL,
		cfg.API.Timeout,
		do.MustInvoke[*session.Session](di),
		do.MustInvoke[*metrics.Manager](di),
	), nil
}

func NewWithSession(baseURL string, timeout time.Duration, sess *session.Session, m *metrics.Manager) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api",
		timeout: timeout,
		session: sess,
		metrics: m,
		http:    fiber.AcquireClient(),
	}
}

func (c *Client) Search(ctx context.Context, query Query) ([]Listing, error) {
	var result []Listing

	err := c.do(ctx, request{
		method: fiber.MethodGet,
		route:  "/apartments",
		path:   "/apartments",
		query:  query.Values(),
	}, &result)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = []Listing{}
	}

	return result, nil
}

func (c *Client) Listing(ctx context.Context, id string) (*Listing, error) {
	var result Listing

	err := c.do(ctx, request{
		method: fiber.MethodGet,
		route:  "/apartments/:id",
		path:   "/apartments/" + url.PathEscape(id),
	}, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var result Profile

	err := c.do(ctx, request{
		method: fiber.MethodGet,
		route:  "/users/me",
		path:   "/users/me",
		auth:   true,
	}, &result)
	if err != nil {
		return nil, err
	}

	if result.SavedIDs == nil {
		result.SavedIDs = []string{}
	}

	return &result, nil
}

// UpdateSaved toggles id on the server and returns the full saved set it recomputed.
func (c *Client) UpdateSaved(ctx context.Context, id string) ([]string, error) {
	var result savedResponse

	err := c.do(ctx, request{
		method: fiber.MethodPut,
		route:  "/users/me/saved",
		path:   "/users/me/saved",
		body:   savedRequest{ApartmentID: id},
		auth:   true,
	}, &result)
	if err != nil {
		return nil, err
	}

	if result.SavedIDs == nil {
		return nil, oops.
			In("listingapi").
			Code("missing_field").
			With("field", "savedApartments").
			Wrapf(ErrMalformedResponse, "update saved response")
	}

	return *result.SavedIDs, nil
}

func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*Profile, error) {
	var result Profile

	err := c.do(ctx, request{
		method: fiber.MethodPut,
		route:  "/users/me",
		path:   "/users/me",
		body:   update,
		auth:   true,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

type request struct {
	method string
	// route is the path template used as a metrics label
	route string
	path  string
	query url.Values
	body  any
	auth  bool
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	errb := oops.In("listingapi").With("method", req.method, "route", req.route)

	if err := ctx.Err(); err != nil {
		return errb.Wrapf(err, "request cancelled")
	}

	token := c.session.Token()
	if req.auth && token == "" {
		return ErrNoSession
	}

	timeout, err := c.requestTimeout(ctx)
	if err != nil {
		return errb.Wrapf(err, "request deadline")
	}

	var agent *fiber.Agent
	uri := c.baseURL + req.path
	switch req.method {
	case fiber.MethodGet:
		agent = c.http.Get(uri)
	case fiber.MethodPut:
		agent = c.http.Put(uri)
	case fiber.MethodPost:
		agent = c.http.Post(uri)
	default:
		return errb.Errorf("unsupported method %s", req.method)
	}

	agent.
		Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON).
		Set(fiber.HeaderXRequestID, uuid.NewString()).
		Timeout(timeout)

	if token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	if len(req.query) > 0 {
		agent.QueryString(req.query.Encode())
	}
	if req.body != nil {
		agent.JSON(req.body)
	}

	start := time.Now()
	status, body, errs := agent.Bytes()
	c.metrics.APIRequestDuration.WithLabelValues(req.method, req.route).Observe(time.Since(start).Seconds())

	if len(errs) > 0 {
		return errb.Wrapf(errors.Join(errs...), "request failed")
	}

	errb = errb.With("status", status)

	switch {
	case status == fiber.StatusNotFound:
		return errb.Code("not_found").Wrapf(ErrNotFound, "%s", req.path)
	case status == fiber.StatusUnauthorized || status == fiber.StatusForbidden:
		return errb.Code("unauthorized").Wrapf(ErrUnauthorized, "%s", serverMessage(body))
	case status < 200 || status >= 300:
		return errb.Code("unexpected_status").Wrapf(ErrUnexpectedStatus, "%d: %s", status, serverMessage(body))
	}

	if out == nil {
		return nil
	}

	if err = json.Unmarshal(body, out); err != nil {
		return errb.Code("decode").Wrapf(errors.Join(ErrMalformedResponse, err), "failed to decode response")
	}

	return nil
}

func (c *Client) requestTimeout(ctx context.Context) (time.Duration, error) {
	timeout := c.timeout

	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, context.DeadlineExceeded
		}
		if timeout <= 0 || left < timeout {
			timeout = left
		}
	}

	return timeout, nil
}

func serverMessage(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Message != "" {
		return resp.Message
	}

	return strings.TrimSpace(string(body))
}

func (c *Client) Shutdown() error {
	fiber.ReleaseClient(c.http)
	return nil
}
