package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/guard"
	"github.com/nkiryanov/campusportal/internal/models"
	"github.com/nkiryanov/campusportal/internal/store"
	"github.com/nkiryanov/campusportal/internal/testutil"
)

// Stub of the authentication backend
type backend struct {
	srv *httptest.Server

	mu       sync.Mutex
	login    http.HandlerFunc
	refresh  http.HandlerFunc
	rejected map[string]bool // access tokens answered with 401
	seen     []string        // Authorization headers of /api/resource/ requests
	revoked  []string        // refresh tokens sent to logout endpoint
	revokeBy []string        // Authorization headers of logout requests

	refreshCalls atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{rejected: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		h := b.login
		b.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("POST /api/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		b.mu.Lock()
		h := b.refresh
		b.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("POST /api/auth/logout/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		b.revoked = append(b.revoked, body["refresh"])
		b.revokeBy = append(b.revokeBy, r.Header.Get("Authorization"))
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
	})
	mux.HandleFunc("GET /api/resource/", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")

		b.mu.Lock()
		b.seen = append(b.seen, auth)
		rejected := b.rejected[auth]
		b.mu.Unlock()

		switch {
		case rejected:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Given token not valid for any token type"})
		case r.URL.Query().Get("forbid") != "":
			writeJSON(w, http.StatusForbidden, map[string]any{"detail": "You do not have permission to perform this action."})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		}
	})

	b.login = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid credentials"})
	}
	b.refresh = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Token is invalid or expired"})
	}

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) onLogin(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.login = h
}

func (b *backend) onRefresh(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = h
}

func (b *backend) reject(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected["Bearer "+token] = true
}

func (b *backend) lastSeen() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[len(b.seen)-1]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Login handler accepting any credentials
func grant(access string, refresh string, user map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access": access, "refresh": refresh, "user": user})
	}
}

func newManager(t *testing.T, b *backend, st store.Store, opts ...Option) *Manager {
	t.Helper()

	m, err := New(Config{BaseURL: b.srv.URL + "/api/"}, st, opts...)
	require.NoError(t, err)
	return m
}

// Send request to the stub resource through the manager client
func get(t *testing.T, m *Manager, query string) int {
	t.Helper()

	req, err := m.NewRequest(t.Context(), http.MethodGet, "resource/"+query, nil)
	require.NoError(t, err)
	resp, err := m.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	return resp.StatusCode
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type failingStore struct{}

var errStorageDisabled = errors.New("storage disabled")

func (failingStore) Load(context.Context) (models.CredentialPair, bool, error) {
	return models.CredentialPair{}, false, apperrors.NewStorageError("load", errStorageDisabled)
}

func (failingStore) Save(context.Context, models.CredentialPair) error {
	return apperrors.NewStorageError("save", errStorageDisabled)
}

func (failingStore) Clear(context.Context) error {
	return apperrors.NewStorageError("clear", errStorageDisabled)
}

func requireStored(t *testing.T, st store.Store, expected models.CredentialPair) {
	t.Helper()

	pair, ok, err := st.Load(t.Context())
	require.NoError(t, err)
	if expected.IsZero() {
		require.False(t, ok, "store must be empty, got %+v", pair)
		return
	}
	require.True(t, ok, "store must hold the pair")
	require.Equal(t, expected, pair)
}

func TestManager_New(t *testing.T) {
	t.Run("store required", func(t *testing.T) {
		_, err := New(Config{BaseURL: "http://127.0.0.1/api/"}, nil)
		require.Error(t, err)
	})

	t.Run("base url required", func(t *testing.T) {
		_, err := New(Config{}, store.NewMemory())
		require.Error(t, err)
	})

	t.Run("initializing until initialized", func(t *testing.T) {
		m, err := New(Config{BaseURL: "http://127.0.0.1/api/"}, store.NewMemory())
		require.NoError(t, err)

		state := m.State()

		require.Equal(t, models.StatusInitializing, state.Status)
		require.True(t, state.IsLoading)
		require.False(t, state.IsAuthenticated)
		require.Nil(t, state.Identity)
		select {
		case <-m.Ready():
			t.Fatal("must not be ready before initialize")
		default:
		}
	})
}

func TestManager_Initialize(t *testing.T) {
	t.Run("no stored pair", func(t *testing.T) {
		b := newBackend(t)
		m := newManager(t, b, store.NewMemory())

		state := m.Initialize(t.Context())

		require.Equal(t, models.AnonymousState(), state)
		require.False(t, state.IsLoading)
		require.Equal(t, state, m.State())
		<-m.Ready()
	})

	t.Run("expired pair discarded", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 7, Username: "t1", Role: "teacher", ExpiresAt: time.Now().Add(-time.Minute)})
		require.NoError(t, st.Save(t.Context(), models.CredentialPair{AccessToken: access, RefreshToken: "r"}))
		m := newManager(t, b, st)

		state := m.Initialize(t.Context())

		require.Equal(t, models.StatusAnonymous, state.Status)
		require.False(t, state.IsAuthenticated)
		require.False(t, state.IsLoading)
		requireStored(t, st, models.CredentialPair{})
	})

	t.Run("expiry checked with manager clock", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		expiresAt := time.Now().Add(time.Hour)
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 7, Username: "t1", ExpiresAt: expiresAt})
		require.NoError(t, st.Save(t.Context(), models.CredentialPair{AccessToken: access, RefreshToken: "r"}))
		m := newManager(t, b, st, WithClock(func() time.Time { return expiresAt }))

		state := m.Initialize(t.Context())

		require.False(t, state.IsAuthenticated, "token expiring exactly now is expired")
		requireStored(t, st, models.CredentialPair{})
	})

	t.Run("malformed pair discarded", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		require.NoError(t, st.Save(t.Context(), models.CredentialPair{AccessToken: "not-a-token", RefreshToken: "r"}))
		m := newManager(t, b, st)

		state := m.Initialize(t.Context())

		require.False(t, state.IsAuthenticated)
		requireStored(t, st, models.CredentialPair{})
	})

	t.Run("storage unavailable", func(t *testing.T) {
		b := newBackend(t)
		m := newManager(t, b, failingStore{})

		state := m.Initialize(t.Context())

		require.Equal(t, models.AnonymousState(), state)
	})

	t.Run("valid pair restored", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 7, Username: "t1", Role: "teacher", ExpiresAt: expiresAt})
		pair := models.CredentialPair{AccessToken: access, RefreshToken: "r"}
		require.NoError(t, st.Save(t.Context(), pair))
		events := &recorder{}
		m := newManager(t, b, st, WithListener(events.listen))

		state := m.Initialize(t.Context())

		require.True(t, state.IsAuthenticated)
		require.False(t, state.IsLoading)
		require.Equal(t, models.StatusAuthenticated, state.Status)
		require.NotNil(t, state.Identity)
		assert.Equal(t, "7", state.Identity.SubjectID)
		assert.Equal(t, "t1", state.Identity.Username)
		assert.Equal(t, models.RoleTeacher, state.Identity.Role)
		assert.True(t, expiresAt.Equal(state.Identity.ExpiresAt))
		requireStored(t, st, pair)
		require.Equal(t, []EventKind{EventRestored}, events.kinds())

		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Equal(t, "Bearer "+access, b.lastSeen(), "gateway must carry restored token")
	})

	t.Run("runs once", func(t *testing.T) {
		b := newBackend(t)
		st := &countingStore{Store: store.NewMemory()}
		m := newManager(t, b, st)

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				state := m.Initialize(t.Context())
				assert.False(t, state.IsLoading)
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, st.loads.Load())
	})
}

type countingStore struct {
	store.Store
	loads atomic.Int32
}

func (s *countingStore) Load(ctx context.Context) (models.CredentialPair, bool, error) {
	s.loads.Add(1)
	return s.Store.Load(ctx)
}

func TestManager_Login(t *testing.T) {
	t.Run("server record wins over token claims", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
		access := testutil.MintToken(t, testutil.TokenClaims{
			UserID:    3,
			Username:  "teacher_demo",
			Email:     "token@college.edu",
			Role:      "student",
			FirstName: "Token",
			ExpiresAt: expiresAt,
		})
		b.onLogin(grant(access, "r", map[string]any{
			"id":       3,
			"username": "teacher_demo",
			"role":     "teacher",
			"email":    "teacher@college.edu",
		}))
		events := &recorder{}
		m := newManager(t, b, st, WithListener(events.listen))
		m.Initialize(t.Context())

		identity, err := m.Login(t.Context(), "teacher_demo", "teacher123")

		require.NoError(t, err)
		require.Equal(t, models.Identity{
			SubjectID: "3",
			Username:  "teacher_demo",
			Email:     "teacher@college.edu",
			Role:      models.RoleTeacher,
			FirstName: "Token",
			ExpiresAt: identity.ExpiresAt,
		}, identity)
		assert.True(t, expiresAt.Equal(identity.ExpiresAt))

		state := m.State()
		require.True(t, state.IsAuthenticated)
		require.Equal(t, identity, *state.Identity)
		requireStored(t, st, models.CredentialPair{AccessToken: access, RefreshToken: "r"})
		require.Equal(t, []EventKind{EventLogin}, events.kinds())

		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Equal(t, "Bearer "+access, b.lastSeen())
	})

	t.Run("opaque token with server record", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		b.onLogin(grant("a", "r", map[string]any{"id": 1, "username": "admin", "role": "admin"}))
		m := newManager(t, b, st)
		m.Initialize(t.Context())

		_, err := m.Login(t.Context(), "admin", "admin123")

		require.NoError(t, err)
		state := m.State()
		require.True(t, state.IsAuthenticated)
		require.Equal(t, models.RoleAdmin, state.Identity.Role)
		requireStored(t, st, models.CredentialPair{AccessToken: "a", RefreshToken: "r"})
	})

	t.Run("opaque token without server record", func(t *testing.T) {
		b := newBackend(t)
		b.onLogin(grant("a", "r", nil))
		m := newManager(t, b, store.NewMemory())
		m.Initialize(t.Context())

		_, err := m.Login(t.Context(), "admin", "admin123")

		var authErr *apperrors.AuthError
		require.ErrorAs(t, err, &authErr)
		require.False(t, m.State().IsAuthenticated)
	})

	t.Run("role from token when server omits it", func(t *testing.T) {
		b := newBackend(t)
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 4, Username: "resource_demo", Role: "resource_person", ExpiresAt: time.Now().Add(time.Hour)})
		b.onLogin(grant(access, "r", map[string]any{"id": 4, "username": "resource_demo"}))
		m := newManager(t, b, store.NewMemory())
		m.Initialize(t.Context())

		identity, err := m.Login(t.Context(), "resource_demo", "resource123")

		require.NoError(t, err)
		require.Equal(t, models.RoleResourcePerson, identity.Role)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		events := &recorder{}
		m := newManager(t, b, st, WithListener(events.listen))
		m.Initialize(t.Context())

		_, err := m.Login(t.Context(), "admin", "wrong")

		var authErr *apperrors.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, "Invalid credentials", authErr.Message)
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, models.AnonymousState(), m.State())
		requireStored(t, st, models.CredentialPair{})
		require.Empty(t, events.kinds())
	})

	t.Run("failed login keeps existing session", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		b.onLogin(grant(access, "r", map[string]any{"id": 1, "username": "admin", "role": "admin"}))
		m := newManager(t, b, st)
		m.Initialize(t.Context())
		_, err := m.Login(t.Context(), "admin", "admin123")
		require.NoError(t, err)
		before := m.State()

		b.onLogin(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Database is down"})
		})
		_, err = m.Login(t.Context(), "student_demo", "student123")

		require.Error(t, err)
		require.Equal(t, before, m.State())
		requireStored(t, st, models.CredentialPair{AccessToken: access, RefreshToken: "r"})
	})

	t.Run("storage unavailable", func(t *testing.T) {
		b := newBackend(t)
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 2, Username: "student_demo", Role: "student", ExpiresAt: time.Now().Add(time.Hour)})
		b.onLogin(grant(access, "r", map[string]any{"id": 2, "username": "student_demo", "role": "student"}))
		m := newManager(t, b, failingStore{})
		m.Initialize(t.Context())

		_, err := m.Login(t.Context(), "student_demo", "student123")

		require.NoError(t, err, "storage failure must not fail login")
		require.True(t, m.State().IsAuthenticated)
		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Equal(t, "Bearer "+access, b.lastSeen())
	})
}

// Logged in manager with memory store
func loggedIn(t *testing.T, b *backend, opts ...Option) (*Manager, *store.Memory, string) {
	t.Helper()

	st := store.NewMemory()
	access := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Minute)})
	b.onLogin(grant(access, "r", map[string]any{"id": 1, "username": "admin", "role": "admin"}))

	m := newManager(t, b, st, opts...)
	m.Initialize(t.Context())
	_, err := m.Login(t.Context(), "admin", "admin123")
	require.NoError(t, err)

	return m, st, access
}

func TestManager_Logout(t *testing.T) {
	t.Run("after login", func(t *testing.T) {
		b := newBackend(t)
		events := &recorder{}
		m, st, _ := loggedIn(t, b, WithListener(events.listen))

		m.Logout(t.Context())

		require.Equal(t, models.AnonymousState(), m.State())
		requireStored(t, st, models.CredentialPair{})
		require.Equal(t, []EventKind{EventLogin, EventLogout}, events.kinds())

		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Empty(t, b.lastSeen(), "no Authorization header expected after logout")
		require.Empty(t, b.revoked, "revoke is off by default")
	})

	t.Run("anonymous is noop", func(t *testing.T) {
		b := newBackend(t)
		events := &recorder{}
		m := newManager(t, b, store.NewMemory(), WithListener(events.listen))
		m.Initialize(t.Context())

		m.Logout(t.Context())
		m.Logout(t.Context())

		require.Equal(t, models.AnonymousState(), m.State())
		require.Empty(t, events.kinds())
	})

	t.Run("twice", func(t *testing.T) {
		b := newBackend(t)
		events := &recorder{}
		m, _, _ := loggedIn(t, b, WithListener(events.listen))

		m.Logout(t.Context())
		m.Logout(t.Context())

		require.Equal(t, []EventKind{EventLogin, EventLogout}, events.kinds())
	})

	t.Run("revokes refresh token", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Minute)})
		b.onLogin(grant(access, "r", map[string]any{"id": 1, "username": "admin", "role": "admin"}))
		m, err := New(Config{BaseURL: b.srv.URL + "/api/", RevokeOnLogout: true}, st)
		require.NoError(t, err)
		m.Initialize(t.Context())
		_, err = m.Login(t.Context(), "admin", "admin123")
		require.NoError(t, err)

		m.Logout(t.Context())

		require.Equal(t, []string{"r"}, b.revoked)
		require.Equal(t, []string{"Bearer " + access}, b.revokeBy)
		require.False(t, m.State().IsAuthenticated)
	})

	t.Run("revoke failure ignored", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		b.onLogin(grant("a", "r", map[string]any{"id": 1, "username": "admin", "role": "admin"}))
		m, err := New(Config{BaseURL: b.srv.URL + "/api/", RevokeOnLogout: true}, st)
		require.NoError(t, err)
		m.Initialize(t.Context())
		_, err = m.Login(t.Context(), "admin", "admin123")
		require.NoError(t, err)
		b.srv.Close()

		m.Logout(t.Context())

		require.Equal(t, models.AnonymousState(), m.State())
		requireStored(t, st, models.CredentialPair{})
	})
}

func TestManager_Refresh(t *testing.T) {
	t.Run("success keeps refresh token", func(t *testing.T) {
		b := newBackend(t)
		m, st, _ := loggedIn(t, b)
		expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
		fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: expiresAt})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "r", body["refresh"])
			writeJSON(w, http.StatusOK, map[string]any{"access": fresh})
		})

		token, err := m.Refresh(t.Context())

		require.NoError(t, err)
		require.Equal(t, fresh, token)
		requireStored(t, st, models.CredentialPair{AccessToken: fresh, RefreshToken: "r"})
		state := m.State()
		require.True(t, state.IsAuthenticated)
		require.True(t, expiresAt.Equal(state.Identity.ExpiresAt))
		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Equal(t, "Bearer "+fresh, b.lastSeen())
	})

	t.Run("rotated refresh token persisted", func(t *testing.T) {
		b := newBackend(t)
		m, st, _ := loggedIn(t, b)
		fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"access": fresh, "refresh": "r2"})
		})

		_, err := m.Refresh(t.Context())

		require.NoError(t, err)
		requireStored(t, st, models.CredentialPair{AccessToken: fresh, RefreshToken: "r2"})
	})

	t.Run("rejected refresh logs out", func(t *testing.T) {
		b := newBackend(t)
		events := &recorder{}
		m, st, _ := loggedIn(t, b, WithListener(events.listen))

		_, err := m.Refresh(t.Context())

		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
		var authErr *apperrors.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, models.AnonymousState(), m.State())
		requireStored(t, st, models.CredentialPair{})
		require.Equal(t, []EventKind{EventLogin, EventExpired}, events.kinds())

		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Empty(t, b.lastSeen())
	})

	t.Run("no refresh token logs out", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		b.onLogin(grant(access, "", map[string]any{"id": 1, "username": "admin", "role": "admin"}))
		m := newManager(t, b, st)
		m.Initialize(t.Context())
		_, err := m.Login(t.Context(), "admin", "admin123")
		require.NoError(t, err)

		_, err = m.Refresh(t.Context())

		require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
		require.False(t, m.State().IsAuthenticated)
		requireStored(t, st, models.CredentialPair{})
		require.Zero(t, b.refreshCalls.Load())
	})

	t.Run("anonymous", func(t *testing.T) {
		b := newBackend(t)
		m := newManager(t, b, store.NewMemory())
		m.Initialize(t.Context())

		_, err := m.Refresh(t.Context())

		require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
		require.Equal(t, models.AnonymousState(), m.State())
	})

	t.Run("concurrent calls share one request", func(t *testing.T) {
		b := newBackend(t)
		m, st, _ := loggedIn(t, b)
		fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		entered := make(chan struct{})
		release := make(chan struct{})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			writeJSON(w, http.StatusOK, map[string]any{"access": fresh, "refresh": "r2"})
		})

		const callers = 10
		tokens := make(chan string, callers)
		var wg sync.WaitGroup
		refresh := func() {
			defer wg.Done()
			token, err := m.Refresh(t.Context())
			assert.NoError(t, err)
			tokens <- token
		}

		wg.Add(1)
		go refresh()
		<-entered
		for range callers - 1 {
			wg.Add(1)
			go refresh()
		}
		time.Sleep(100 * time.Millisecond) // let the callers join the in-flight refresh
		close(release)
		wg.Wait()
		close(tokens)

		for token := range tokens {
			require.Equal(t, fresh, token)
		}
		require.EqualValues(t, 1, b.refreshCalls.Load())
		requireStored(t, st, models.CredentialPair{AccessToken: fresh, RefreshToken: "r2"})
	})

	t.Run("logout during refresh wins", func(t *testing.T) {
		b := newBackend(t)
		m, st, _ := loggedIn(t, b)
		fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		entered := make(chan struct{})
		release := make(chan struct{})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			writeJSON(w, http.StatusOK, map[string]any{"access": fresh})
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := m.Refresh(t.Context())
			errCh <- err
		}()
		<-entered
		m.Logout(t.Context())
		close(release)

		require.ErrorIs(t, <-errCh, apperrors.ErrSessionChanged)
		require.Equal(t, models.AnonymousState(), m.State())
		requireStored(t, st, models.CredentialPair{})
		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Empty(t, b.lastSeen())
	})

	t.Run("login during failed refresh wins", func(t *testing.T) {
		b := newBackend(t)
		m, st, _ := loggedIn(t, b)
		entered := make(chan struct{})
		release := make(chan struct{})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Token is blacklisted"})
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := m.Refresh(t.Context())
			errCh <- err
		}()
		<-entered
		newer := testutil.MintToken(t, testutil.TokenClaims{UserID: 2, Username: "student_demo", Role: "student", ExpiresAt: time.Now().Add(time.Hour)})
		b.onLogin(grant(newer, "r-student", map[string]any{"id": 2, "username": "student_demo", "role": "student"}))
		_, err := m.Login(t.Context(), "student_demo", "student123")
		require.NoError(t, err)
		close(release)

		require.ErrorIs(t, <-errCh, apperrors.ErrRefreshRejected)
		state := m.State()
		require.True(t, state.IsAuthenticated, "late refresh failure must not log out newer session")
		require.Equal(t, "student_demo", state.Identity.Username)
		requireStored(t, st, models.CredentialPair{AccessToken: newer, RefreshToken: "r-student"})
	})
}

func TestManager_Unauthorized(t *testing.T) {
	t.Run("401 for current token refreshes it", func(t *testing.T) {
		b := newBackend(t)
		m, st, access := loggedIn(t, b)
		fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"access": fresh})
		})
		b.reject(access)

		require.Equal(t, http.StatusUnauthorized, get(t, m, ""), "original request is not replayed")
		require.EqualValues(t, 1, b.refreshCalls.Load())
		requireStored(t, st, models.CredentialPair{AccessToken: fresh, RefreshToken: "r"})

		require.Equal(t, http.StatusOK, get(t, m, ""))
		require.Equal(t, "Bearer "+fresh, b.lastSeen())
	})

	t.Run("401 with failing refresh expires session", func(t *testing.T) {
		b := newBackend(t)
		events := &recorder{}
		m, st, access := loggedIn(t, b, WithListener(events.listen))
		b.reject(access)

		require.Equal(t, http.StatusUnauthorized, get(t, m, ""))

		require.False(t, m.State().IsAuthenticated)
		requireStored(t, st, models.CredentialPair{})
		require.Equal(t, []EventKind{EventLogin, EventExpired}, events.kinds())
	})

	t.Run("401 for replaced token ignored", func(t *testing.T) {
		b := newBackend(t)
		m, _, _ := loggedIn(t, b)
		b.reject("stale")

		req, err := m.NewRequest(t.Context(), http.MethodGet, "resource/", nil)
		require.NoError(t, err)
		resp, err := http.DefaultTransport.RoundTrip(withBearer(req, "stale"))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		m.handleUnauthorized(t.Context(), resp)

		require.Zero(t, b.refreshCalls.Load())
		require.True(t, m.State().IsAuthenticated)
	})

	t.Run("403 keeps session", func(t *testing.T) {
		b := newBackend(t)
		m, _, _ := loggedIn(t, b)

		require.Equal(t, http.StatusForbidden, get(t, m, "?forbid=1"))

		require.Zero(t, b.refreshCalls.Load())
		require.True(t, m.State().IsAuthenticated)
	})
}

func withBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func TestManager_HasRole(t *testing.T) {
	b := newBackend(t)
	m := newManager(t, b, store.NewMemory())
	m.Initialize(t.Context())

	require.False(t, m.HasRole(models.RoleAdmin), "anonymous has no role")

	access := testutil.MintToken(t, testutil.TokenClaims{UserID: 3, Username: "teacher_demo", Role: "teacher", ExpiresAt: time.Now().Add(time.Hour)})
	b.onLogin(grant(access, "r", map[string]any{"id": 3, "username": "teacher_demo", "role": "teacher"}))
	_, err := m.Login(t.Context(), "teacher_demo", "teacher123")
	require.NoError(t, err)

	tests := []struct {
		name     string
		roles    []models.Role
		expected bool
	}{
		{"own role", []models.Role{models.RoleTeacher}, true},
		{"one of", []models.Role{models.RoleAdmin, models.RoleTeacher}, true},
		{"other role", []models.Role{models.RoleAdmin}, false},
		{"no roles", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, m.HasRole(tt.roles...))
		})
	}
}

func TestManager_State(t *testing.T) {
	b := newBackend(t)
	m, _, _ := loggedIn(t, b)

	state := m.State()
	state.Identity.Role = models.RoleStudent

	require.Equal(t, models.RoleAdmin, m.State().Identity.Role, "state must be a copy")
}

// Memory store whose Load holds the read pair until release is closed
type blockingStore struct {
	*store.Memory

	loadingOnce sync.Once
	loading     chan struct{}
	release     chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		Memory:  store.NewMemory(),
		loading: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingStore) Load(ctx context.Context) (models.CredentialPair, bool, error) {
	pair, ok, err := s.Memory.Load(ctx)
	s.loadingOnce.Do(func() { close(s.loading) })
	<-s.release
	return pair, ok, err
}

// Start Initialize and wait until it reads the store
func initializeInBackground(t *testing.T, m *Manager, st *blockingStore) <-chan models.SessionState {
	t.Helper()

	done := make(chan models.SessionState, 1)
	go func() { done <- m.Initialize(t.Context()) }()
	<-st.loading
	return done
}

func TestManager_BeforeRestore(t *testing.T) {
	validPair := func(t *testing.T) models.CredentialPair {
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 7, Username: "t1", Role: "teacher", ExpiresAt: time.Now().Add(time.Hour)})
		return models.CredentialPair{AccessToken: access, RefreshToken: "r"}
	}

	t.Run("refresh before initialize keeps stored session", func(t *testing.T) {
		b := newBackend(t)
		st := store.NewMemory()
		pair := validPair(t)
		require.NoError(t, st.Save(t.Context(), pair))
		events := &recorder{}
		m := newManager(t, b, st, WithListener(events.listen))

		_, err := m.Refresh(t.Context())

		require.ErrorIs(t, err, apperrors.ErrSessionNotReady)
		var authErr *apperrors.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Zero(t, b.refreshCalls.Load())
		requireStored(t, st, pair)

		state := m.Initialize(t.Context())
		require.True(t, state.IsAuthenticated, "stored session must survive an early refresh")
		require.Equal(t, []EventKind{EventRestored}, events.kinds())
	})

	t.Run("refresh waits for running initialize", func(t *testing.T) {
		b := newBackend(t)
		st := newBlockingStore()
		pair := validPair(t)
		require.NoError(t, st.Save(t.Context(), pair))
		fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 7, Username: "t1", Role: "teacher", ExpiresAt: time.Now().Add(2 * time.Hour)})
		b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "r", body["refresh"], "restored refresh token expected")
			writeJSON(w, http.StatusOK, map[string]any{"access": fresh})
		})
		m := newManager(t, b, st)
		initialized := initializeInBackground(t, m, st)

		errCh := make(chan error, 1)
		go func() {
			_, err := m.Refresh(t.Context())
			errCh <- err
		}()
		select {
		case err := <-errCh:
			t.Fatalf("refresh must wait for the restore, returned %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		close(st.release)

		require.True(t, (<-initialized).IsAuthenticated)
		require.NoError(t, <-errCh)
		requireStored(t, st, models.CredentialPair{AccessToken: fresh, RefreshToken: "r"})
		require.True(t, m.State().IsAuthenticated)
	})

	t.Run("refresh gives up waiting with its context", func(t *testing.T) {
		b := newBackend(t)
		st := newBlockingStore()
		pair := validPair(t)
		require.NoError(t, st.Save(t.Context(), pair))
		m := newManager(t, b, st)
		initialized := initializeInBackground(t, m, st)

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err := m.Refresh(ctx)

		require.ErrorIs(t, err, context.DeadlineExceeded)
		close(st.release)
		require.True(t, (<-initialized).IsAuthenticated)
		requireStored(t, st, pair)
	})

	t.Run("logout waits for running initialize", func(t *testing.T) {
		b := newBackend(t)
		st := newBlockingStore()
		require.NoError(t, st.Save(t.Context(), validPair(t)))
		events := &recorder{}
		m := newManager(t, b, st, WithListener(events.listen))
		initialized := initializeInBackground(t, m, st)

		done := make(chan struct{})
		go func() {
			m.Logout(t.Context())
			close(done)
		}()
		close(st.release)
		<-initialized
		<-done

		require.Equal(t, models.AnonymousState(), m.State())
		requireStored(t, st, models.CredentialPair{})
		require.Equal(t, []EventKind{EventRestored, EventLogout}, events.kinds())
	})

	t.Run("discarding expired pair keeps newer login", func(t *testing.T) {
		b := newBackend(t)
		st := newBlockingStore()
		expired := testutil.MintToken(t, testutil.TokenClaims{UserID: 7, Username: "t1", ExpiresAt: time.Now().Add(-time.Minute)})
		require.NoError(t, st.Save(t.Context(), models.CredentialPair{AccessToken: expired, RefreshToken: "r-old"}))
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		b.onLogin(grant(access, "r", map[string]any{"id": 1, "username": "admin", "role": "admin"}))
		m := newManager(t, b, st)
		initialized := initializeInBackground(t, m, st)

		_, err := m.Login(t.Context(), "admin", "admin123")
		require.NoError(t, err)
		close(st.release)
		<-initialized

		require.True(t, m.State().IsAuthenticated)
		requireStored(t, st, models.CredentialPair{AccessToken: access, RefreshToken: "r"})
	})
}

func TestManager_LoginInFlight(t *testing.T) {
	t.Run("loading while login is in flight", func(t *testing.T) {
		b := newBackend(t)
		access := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
		entered := make(chan struct{})
		release := make(chan struct{})
		b.onLogin(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			grant(access, "r", map[string]any{"id": 1, "username": "admin", "role": "admin"})(w, r)
		})
		m := newManager(t, b, store.NewMemory())
		m.Initialize(t.Context())

		errCh := make(chan error, 1)
		go func() {
			_, err := m.Login(t.Context(), "admin", "admin123")
			errCh <- err
		}()
		<-entered

		state := m.State()
		require.True(t, state.IsLoading)
		require.Equal(t, models.StatusAnonymous, state.Status)
		require.False(t, state.IsAuthenticated)
		require.Equal(t, guard.Pending, guard.Decide(state, []models.Role{models.RoleAdmin}).Outcome)

		close(release)
		require.NoError(t, <-errCh)

		state = m.State()
		require.False(t, state.IsLoading)
		require.True(t, state.IsAuthenticated)
	})

	t.Run("loading cleared after failed login", func(t *testing.T) {
		b := newBackend(t)
		m := newManager(t, b, store.NewMemory())
		m.Initialize(t.Context())

		_, err := m.Login(t.Context(), "admin", "wrong")

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, models.AnonymousState(), m.State())
	})
}

func TestManager_RefreshCallerCancelled(t *testing.T) {
	b := newBackend(t)
	m, st, _ := loggedIn(t, b)
	fresh := testutil.MintToken(t, testutil.TokenClaims{UserID: 1, Username: "admin", Role: "admin", ExpiresAt: time.Now().Add(time.Hour)})
	var enteredOnce sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	b.onRefresh(func(w http.ResponseWriter, r *http.Request) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access": fresh, "refresh": "r2"})
	})

	ctx, cancel := context.WithCancel(t.Context())
	errFirst := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		errFirst <- err
	}()
	<-entered

	type result struct {
		token string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		token, err := m.Refresh(t.Context())
		second <- result{token, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the second caller join the in-flight refresh

	cancel()
	select {
	case err := <-errFirst:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("cancelled caller must return without waiting for the backend")
	}
	require.True(t, m.State().IsAuthenticated, "caller going away must not end the session")

	close(release)
	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, fresh, res.token)
	require.True(t, m.State().IsAuthenticated)
	requireStored(t, st, models.CredentialPair{AccessToken: fresh, RefreshToken: "r2"})
	require.EqualValues(t, 1, b.refreshCalls.Load())
}
