// Package session owns the client session: the credential pair, the identity
// decoded from it and the token attached to outgoing requests.
//
// A Manager is the only writer of the session store and of the request
// gateway token. Everything else reads the session through State and HasRole,
// and talks to the backend through Client or NewRequest.
package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/authapi"
	"github.com/nkiryanov/campusportal/internal/gateway"
	"github.com/nkiryanov/campusportal/internal/logger"
	"github.com/nkiryanov/campusportal/internal/metrics"
	"github.com/nkiryanov/campusportal/internal/models"
	"github.com/nkiryanov/campusportal/internal/store"
	"github.com/nkiryanov/campusportal/internal/tokencodec"
)

const refreshKey = "refresh"

// Logout reasons used as metric labels
const (
	reasonUser    = "user"
	reasonExpired = "expired"
)

type Config struct {
	// Backend API root, e.g. http://127.0.0.1:8999/api/
	BaseURL string

	// Zero means transport defaults
	Timeout   time.Duration
	Transport http.RoundTripper

	// Authentication endpoints, defaults used for empty fields
	Endpoints authapi.Endpoints

	// Ask the backend to blacklist the refresh token on logout
	RevokeOnLogout bool
}

type Option func(m *Manager)

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock sets the clock tokens expiry is checked against
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithListener subscribes fn to session events.
// Listeners are called synchronously, after the state change is visible.
func WithListener(fn func(Event)) Option {
	return func(m *Manager) {
		m.listeners = append(m.listeners, fn)
	}
}

type Manager struct {
	store     store.Store
	gateway   *gateway.Gateway
	auth      *authapi.Client
	logger    logger.Logger
	now       func() time.Time
	listeners []func(Event)
	revoke    bool

	initOnce    sync.Once
	initStarted atomic.Bool
	ready       chan struct{}

	// Serializes state transitions together with the store writes backing them
	commitMu sync.Mutex

	mu       sync.RWMutex
	status   models.Status
	identity *models.Identity
	pair     models.CredentialPair

	// Login calls in flight, the session reports loading meanwhile
	logins int

	// Bumped by every login and logout.
	// Work started under an older epoch must not commit.
	epoch uint64

	refreshGroup singleflight.Group
}

func New(cfg Config, st store.Store, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New("session store must not be nil")
	}

	m := &Manager{
		store:  st,
		logger: logger.NewNoOpLogger(),
		now:    time.Now,
		revoke: cfg.RevokeOnLogout,
		ready:  make(chan struct{}),
		status: models.StatusInitializing,
	}
	for _, opt := range opts {
		opt(m)
	}

	g, err := gateway.New(
		gateway.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Transport: cfg.Transport},
		gateway.Options{OnUnauthorized: m.handleUnauthorized, Logger: m.logger},
	)
	if err != nil {
		return nil, err
	}
	m.gateway = g
	m.auth = authapi.New(g, cfg.Endpoints)

	return m, nil
}

// Initialize restores the session persisted by a previous run.
//
// It runs once: concurrent and later callers wait for the first run and get its result.
// Never fails: unreadable, malformed or expired credentials leave the session anonymous.
func (m *Manager) Initialize(ctx context.Context) models.SessionState {
	m.initStarted.Store(true)
	m.initOnce.Do(func() {
		defer close(m.ready)
		m.initialize(ctx)
	})
	return m.State()
}

// Ready is closed once Initialize has finished
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// awaitInit blocks until a started Initialize finishes.
// Returns immediately when Initialize has not been called.
func (m *Manager) awaitInit(ctx context.Context) error {
	if !m.initStarted.Load() {
		return nil
	}
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) initialize(ctx context.Context) {
	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()

	identity, pair, ok, stale := m.restore(ctx)

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch {
		// Login or logout happened meanwhile, their result wins and so does their stored pair
		m.mu.Unlock()
		return
	}
	if !ok {
		m.status = models.StatusAnonymous
		m.mu.Unlock()
		if stale {
			m.clearStore(ctx)
		}
		return
	}
	m.pair = pair
	m.identity = &identity
	m.status = models.StatusAuthenticated
	m.gateway.SetAuthToken(pair.AccessToken)
	m.mu.Unlock()

	m.logger.Info("session restored", "username", identity.Username, "role", identity.Role)
	m.emit(Event{Kind: EventRestored, Identity: identity})
}

// restore reads the stored pair. stale reports a pair that is unusable and has to be cleared
func (m *Manager) restore(ctx context.Context) (identity models.Identity, pair models.CredentialPair, ok bool, stale bool) {
	pair, ok, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("can't load session, continue anonymous", "error", err)
		return models.Identity{}, models.CredentialPair{}, false, false
	}
	if !ok {
		return models.Identity{}, models.CredentialPair{}, false, false
	}

	identity, err = tokencodec.Decode(pair.AccessToken)
	if err != nil {
		m.logger.Warn("stored access token is malformed, discard it", "error", err)
		return models.Identity{}, models.CredentialPair{}, false, true
	}
	if identity.Expired(m.now()) {
		m.logger.Info("stored access token expired, discard it", "expires_at", identity.ExpiresAt)
		return models.Identity{}, models.CredentialPair{}, false, true
	}

	return identity, pair, true, false
}

// Login exchanges credentials for a token pair and makes the session authenticated.
// On failure the session is left untouched and *apperrors.AuthError is returned.
// State reports loading while the call is in flight.
func (m *Manager) Login(ctx context.Context, username string, password string) (models.Identity, error) {
	m.mu.Lock()
	m.logins++
	m.mu.Unlock()

	identity, err := m.login(ctx, username, password)

	m.mu.Lock()
	m.logins--
	m.mu.Unlock()

	metrics.LoginsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Info("login failed", "username", username, "error", err)
		return models.Identity{}, err
	}

	m.logger.Info("logged in", "username", identity.Username, "role", identity.Role)
	m.emit(Event{Kind: EventLogin, Identity: identity})
	return identity, nil
}

func (m *Manager) login(ctx context.Context, username string, password string) (models.Identity, error) {
	res, err := m.auth.Login(ctx, authapi.Credentials{Username: username, Password: password})
	if err != nil {
		return models.Identity{}, err
	}

	// Server record alone is enough when the token is opaque to us
	claims, err := tokencodec.Decode(res.Pair.AccessToken)
	if err != nil {
		if res.User.ID == "" && res.User.Username == "" {
			return models.Identity{}, apperrors.NewAuthError(authapi.MsgLoginFailed, 0, err)
		}
		m.logger.Warn("access token can't be decoded, use server record", "error", err)
		claims = models.Identity{Role: models.DefaultRole}
	}
	identity := mergeIdentity(claims, res.User)

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := m.store.Save(ctx, res.Pair); err != nil {
		m.logger.Warn("can't persist session, it lasts until process exit", "error", err)
	}

	m.mu.Lock()
	m.epoch++
	m.pair = res.Pair
	m.identity = &identity
	m.status = models.StatusAuthenticated
	m.gateway.SetAuthToken(res.Pair.AccessToken)
	m.mu.Unlock()

	return identity, nil
}

// Server record wins over decoded claims on every non-empty field
func mergeIdentity(claims models.Identity, user authapi.User) models.Identity {
	pick := func(server string, claim string) string {
		if server != "" {
			return server
		}
		return claim
	}

	return models.Identity{
		SubjectID: pick(string(user.ID), claims.SubjectID),
		Username:  pick(user.Username, claims.Username),
		Email:     pick(user.Email, claims.Email),
		Role:      models.Role(pick(string(user.Role), string(claims.Role))),
		FirstName: pick(user.FirstName, claims.FirstName),
		LastName:  pick(user.LastName, claims.LastName),
		ExpiresAt: claims.ExpiresAt,
	}
}

// Logout forgets the session. Calling it on anonymous session does nothing.
// A running Initialize is waited for, so the restored session is the one logged out.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.awaitInit(ctx); err != nil {
		m.logger.Warn("logout before session restore finished", "error", err)
	}

	m.mu.RLock()
	status, pair := m.status, m.pair
	m.mu.RUnlock()

	if status == models.StatusAnonymous {
		return
	}

	// Revoke while the access token is still attached: the endpoint wants an authenticated caller
	if m.revoke && pair.RefreshToken != "" {
		if err := m.auth.Logout(ctx, pair.RefreshToken); err != nil {
			m.logger.Warn("can't revoke refresh token", "error", err)
		}
	}

	m.commitMu.Lock()
	identity, ok := m.reset(ctx)
	m.commitMu.Unlock()

	if ok {
		metrics.LogoutsTotal.WithLabelValues(reasonUser).Inc()
		m.logger.Info("logged out", "username", identity.Username)
		m.emit(Event{Kind: EventLogout, Identity: identity})
	}
}

// reset drops the session. Must be called with commitMu held.
// Reports whether the session was authenticated.
func (m *Manager) reset(ctx context.Context) (models.Identity, bool) {
	m.mu.Lock()
	if m.status == models.StatusAnonymous {
		m.mu.Unlock()
		return models.Identity{}, false
	}
	prev := m.identity
	m.epoch++
	m.pair = models.CredentialPair{}
	m.identity = nil
	m.status = models.StatusAnonymous
	m.gateway.SetAuthToken("")
	m.mu.Unlock()

	m.clearStore(ctx)

	if prev == nil {
		return models.Identity{}, false
	}
	return *prev, true
}

func (m *Manager) clearStore(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("can't clear stored session", "error", err)
	}
}

// Refresh obtains a new access token with the stored refresh token.
//
// Concurrent calls share one request to the backend. Any failure logs the
// session out before the error is returned: a token the backend no longer
// accepts must not stay attached to requests.
// apperrors.ErrSessionChanged is returned when login or logout happened while
// the refresh was in flight; its result is dropped then.
//
// A running Initialize is waited for first. Before Initialize is called
// apperrors.ErrSessionNotReady is returned and nothing is touched.
// Cancelling ctx only gives up this caller: the shared request runs to the end.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	if err := m.awaitInit(ctx); err != nil {
		return "", err
	}

	flight := context.WithoutCancel(ctx)
	ch := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return m.refresh(flight)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	status, epoch, refreshToken := m.status, m.epoch, m.pair.RefreshToken
	m.mu.RUnlock()

	if status == models.StatusInitializing {
		return "", apperrors.NewAuthError(authapi.MsgRefreshFailed, 0, apperrors.ErrSessionNotReady)
	}

	if refreshToken == "" {
		err := apperrors.NewAuthError(authapi.MsgRefreshFailed, 0, apperrors.ErrNoRefreshToken)
		m.expire(ctx, epoch, err)
		return "", err
	}

	res, err := m.auth.Refresh(ctx, refreshToken)
	metrics.RefreshesTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		m.expire(ctx, epoch, err)
		return "", err
	}

	claims, decodeErr := tokencodec.Decode(res.AccessToken)
	if decodeErr != nil {
		m.logger.Debug("refreshed access token can't be decoded, keep known expiry", "error", decodeErr)
	}

	pair := models.CredentialPair{AccessToken: res.AccessToken, RefreshToken: refreshToken}
	if res.RefreshToken != "" {
		pair.RefreshToken = res.RefreshToken
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.RLock()
	changed := m.epoch != epoch
	m.mu.RUnlock()
	if changed {
		m.logger.Debug("session changed during refresh, drop refreshed token")
		return "", apperrors.ErrSessionChanged
	}

	if err := m.store.Save(ctx, pair); err != nil {
		m.logger.Warn("can't persist refreshed session", "error", err)
	}

	m.mu.Lock()
	m.pair = pair
	if m.identity != nil && decodeErr == nil {
		identity := *m.identity
		identity.ExpiresAt = claims.ExpiresAt
		m.identity = &identity
	}
	m.gateway.SetAuthToken(pair.AccessToken)
	m.mu.Unlock()

	m.logger.Debug("access token refreshed", "rotated", res.RefreshToken != "")
	return pair.AccessToken, nil
}

// expire logs out after a failed refresh unless the session changed since it started.
// A session that is not restored yet is never expired.
func (m *Manager) expire(ctx context.Context, epoch uint64, cause error) {
	m.commitMu.Lock()

	m.mu.RLock()
	skip := m.epoch != epoch || m.status == models.StatusInitializing
	m.mu.RUnlock()
	if skip {
		m.commitMu.Unlock()
		return
	}

	identity, ok := m.reset(ctx)
	m.commitMu.Unlock()

	if ok {
		metrics.LogoutsTotal.WithLabelValues(reasonExpired).Inc()
		m.logger.Info("session expired", "username", identity.Username, "error", cause)
		m.emit(Event{Kind: EventExpired, Identity: identity, Err: cause})
	}
}

// handleUnauthorized is the gateway hook.
// 401 for the current access token means it is no longer accepted, so try to refresh it.
// 403 is a role problem, the session stays as is.
func (m *Manager) handleUnauthorized(ctx context.Context, resp *http.Response) {
	if resp.StatusCode != http.StatusUnauthorized {
		m.logger.Info("backend denied access", "url", resp.Request.URL.Redacted(), "status", resp.StatusCode)
		return
	}

	m.mu.RLock()
	current := m.pair.AccessToken
	m.mu.RUnlock()

	// Anonymous request or the token has been replaced since it was sent
	if sent := gateway.BearerToken(resp.Request); sent == "" || sent != current {
		return
	}

	// Requests may be cancelled right after the response, the refresh must not be
	if _, err := m.Refresh(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("refresh after unauthorized response failed", "error", err)
	}
}

// HasRole reports whether the session is authenticated with one of the roles
func (m *Manager) HasRole(roles ...models.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.identity != nil && slices.Contains(roles, m.identity.Role)
}

// State returns a snapshot of the session. It is safe to modify.
func (m *Manager) State() models.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var state models.SessionState
	switch {
	case m.status == models.StatusInitializing:
		state = models.SessionState{Status: models.StatusInitializing, IsLoading: true}
	case m.identity != nil:
		state = models.AuthenticatedState(*m.identity)
	default:
		state = models.AnonymousState()
	}
	if m.logins > 0 {
		state.IsLoading = true
	}
	return state
}

// Client returns http client for backend API calls made on behalf of the session
func (m *Manager) Client() *http.Client {
	return m.gateway.Client()
}

// APIRoot returns the backend API root requests are resolved against
func (m *Manager) APIRoot() *url.URL {
	return m.gateway.BaseURL()
}

// NewRequest creates request to path relative to the backend API root
func (m *Manager) NewRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	return m.gateway.NewRequest(ctx, method, path, body)
}

func (m *Manager) emit(e Event) {
	for _, fn := range m.listeners {
		fn(e)
	}
}
