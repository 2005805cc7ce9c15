// Package gateway is the single outbound HTTP entry point of the portal.
//
// Every request leaving through a Gateway carries the current access token as
// a bearer credential, or no Authorization header at all when no token is set.
// The gateway does not react to authorization failures itself: it reports them
// to the OnUnauthorized hook supplied by its owner.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nkiryanov/campusportal/internal/logger"
	"github.com/nkiryanov/campusportal/internal/metrics"
)

const bearerScheme = "Bearer"

// Called synchronously for every 401 or 403 response, before the response is returned to the caller.
// Must not read or close the response body.
type UnauthorizedFunc func(ctx context.Context, resp *http.Response)

type Config struct {
	// Backend API root, e.g. http://127.0.0.1:8999/api/
	BaseURL string

	// Request timeout. Zero means no timeout besides the transport defaults
	Timeout time.Duration

	// Transport to send requests with. http.DefaultTransport if nil
	Transport http.RoundTripper
}

type Options struct {
	OnUnauthorized UnauthorizedFunc
	Logger         logger.Logger
}

type Gateway struct {
	base           *url.URL
	next           http.RoundTripper
	timeout        time.Duration
	onUnauthorized UnauthorizedFunc
	logger         logger.Logger

	mu    sync.RWMutex
	token string
}

func New(cfg Config, opts Options) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url. Err: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute, got %q", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	next := cfg.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	l := opts.Logger
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Gateway{
		base:           base,
		next:           next,
		timeout:        cfg.Timeout,
		onUnauthorized: opts.OnUnauthorized,
		logger:         l,
	}, nil
}

// SetAuthToken sets the token attached to future requests. Empty token clears it
func (g *Gateway) SetAuthToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.token = token
}

// Token returns the token currently attached to requests
func (g *Gateway) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.token
}

// BaseURL returns a copy of the API root
func (g *Gateway) BaseURL() *url.URL {
	u := *g.base
	return &u
}

// RoundTrip stamps the request with the current credential and sends it.
// The caller's request is never modified.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())

	if token := g.Token(); token != "" {
		out.Header.Set("Authorization", bearerScheme+" "+token)
	} else {
		out.Header.Del("Authorization")
	}

	resp, err := g.next.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		metrics.UnauthorizedResponsesTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		g.logger.Debug("backend rejected credential", "method", out.Method, "url", out.URL.Redacted(), "status", resp.StatusCode)

		if g.onUnauthorized != nil && !hookSkipped(req.Context()) {
			g.onUnauthorized(req.Context(), resp)
		}
	}

	return resp, nil
}

// Client returns http client sending every request through the gateway
func (g *Gateway) Client() *http.Client {
	return &http.Client{
		Transport: g,
		Timeout:   g.timeout,
	}
}

// NewRequest creates request to path relative to the API root
func (g *Gateway) NewRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid path %q. Err: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, fmt.Errorf("path %q must be relative to the API root", path)
	}

	return http.NewRequestWithContext(ctx, method, g.base.ResolveReference(ref).String(), body)
}

// Do sends request through the gateway
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	return g.Client().Do(req)
}

type ctxKey string

const skipHookKey ctxKey = "skip-unauthorized-hook"

// WithoutUnauthorizedHook marks requests whose authorization failures must not reach the hook.
// Used by the authentication endpoints themselves.
func WithoutUnauthorizedHook(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipHookKey, true)
}

func hookSkipped(ctx context.Context) bool {
	skip, _ := ctx.Value(skipHookKey).(bool)
	return skip
}

// BearerToken extracts bearer credential from request headers, empty if none
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}

	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return ""
	}
	return strings.TrimSpace(token)
}
