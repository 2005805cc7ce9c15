package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/guard"
	"github.com/nkiryanov/campusportal/internal/handlers/render"
	"github.com/nkiryanov/campusportal/internal/logger"
	"github.com/nkiryanov/campusportal/internal/models"
)

type sessionManager interface {
	State() models.SessionState

	// Has to return *apperrors.AuthError on failure
	Login(ctx context.Context, username string, password string) (models.Identity, error)

	// Never fails, noop for anonymous session
	Logout(ctx context.Context)

	// Has to return apperrors.ErrSessionChanged if login or logout happened meanwhile
	Refresh(ctx context.Context) (string, error)
}

type AuthHandler struct {
	session sessionManager
	notices *Notices
	policy  guard.Policy
	logger  logger.Logger
}

func NewAuth(sm sessionManager, notices *Notices, policy guard.Policy, l logger.Logger) *AuthHandler {
	if notices == nil {
		notices = NewNotices()
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &AuthHandler{session: sm, notices: notices, policy: policy, logger: l}
}

func (h *AuthHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", h.loginView)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /logout", h.logout)
	mux.HandleFunc("GET /session", h.state)
	mux.HandleFunc("POST /session/refresh", h.refresh)

	return mux
}

type SessionResponse struct {
	Status          string           `json:"status"`
	Identity        *models.Identity `json:"identity"`
	IsAuthenticated bool             `json:"is_authenticated"`
	IsLoading       bool             `json:"is_loading"`
}

func newSessionResponse(state models.SessionState) SessionResponse {
	return SessionResponse{
		Status:          state.Status.String(),
		Identity:        state.Identity,
		IsAuthenticated: state.IsAuthenticated,
		IsLoading:       state.IsLoading,
	}
}

func (h *AuthHandler) loginView(w http.ResponseWriter, r *http.Request) {
	type LoginViewResponse struct {
		Authenticated bool   `json:"authenticated"`
		Home          string `json:"home,omitempty"`
		Notice        string `json:"notice,omitempty"`
	}

	state := h.session.State()
	response := LoginViewResponse{
		Authenticated: state.IsAuthenticated,
		Notice:        h.notices.Take(),
	}
	if state.IsAuthenticated {
		response.Home = h.policy.Home(state.Identity.Role)
	}

	render.JSON(w, response)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Username string `json:"username" validate:"notblank,max=150"`
		Password string `json:"password" validate:"required"`
	}
	type LoginSuccessResponse struct {
		Message  string          `json:"message"`
		Identity models.Identity `json:"identity"`
		Home     string          `json:"home"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}

	identity, err := h.session.Login(r.Context(), data.Username, data.Password)
	if err != nil {
		var authErr *apperrors.AuthError
		switch {
		case errors.Is(err, apperrors.ErrInvalidCredentials) && errors.As(err, &authErr):
			render.AuthError(w, authErr.Message, http.StatusUnauthorized)
		case errors.As(err, &authErr):
			render.AuthError(w, authErr.Message, http.StatusBadGateway)
		default:
			h.logger.Error("login failed unexpectedly", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	render.JSON(w, LoginSuccessResponse{
		Message:  fmt.Sprintf("Welcome back, %s!", identity.DisplayName()),
		Identity: identity,
		Home:     h.policy.Home(identity.Role),
	})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutResponse struct {
		Message string `json:"message"`
	}

	h.session.Logout(r.Context())
	render.JSON(w, LogoutResponse{Message: "You have been logged out."})
}

func (h *AuthHandler) state(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, newSessionResponse(h.session.State()))
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshResponse struct {
		Message   string    `json:"message"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	_, err := h.session.Refresh(r.Context())
	if err != nil {
		var authErr *apperrors.AuthError
		switch {
		case errors.Is(err, apperrors.ErrSessionChanged):
			render.ServiceError(w, "Session changed while refreshing, retry", http.StatusConflict)
		case errors.Is(err, apperrors.ErrSessionNotReady):
			w.Header().Set("Retry-After", "1")
			render.ServiceError(w, "Session is loading, retry shortly", http.StatusServiceUnavailable)
		case errors.As(err, &authErr):
			render.AuthError(w, authErr.Message, http.StatusUnauthorized)
		default:
			h.logger.Error("refresh failed unexpectedly", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	response := RefreshResponse{Message: "Tokens refreshed successfully"}
	if state := h.session.State(); state.Identity != nil {
		response.ExpiresAt = state.Identity.ExpiresAt
	}
	render.JSON(w, response)
}
