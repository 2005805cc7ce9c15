// Package devserver is a demo authentication backend for local development.
//
// It speaks the same wire format as the production backend: login, token
// refresh and logout under auth/, plus a verified auth/me/ endpoint.
// Users are the fixed DemoAccounts; tokens live in memory.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/campusportal/internal/gateway"
	"github.com/nkiryanov/campusportal/internal/handlers/render"
	"github.com/nkiryanov/campusportal/internal/logger"
)

var validate = validator.New()

type Server struct {
	users  *Users
	tokens *TokenManager
	logger logger.Logger
}

func New(users *Users, tokens *TokenManager, l logger.Logger) (*Server, error) {
	if users == nil || tokens == nil {
		return nil, errors.New("users and tokens must not be nil")
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &Server{users: users, tokens: tokens, logger: l}, nil
}

// Handler serves the API under /api/
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login/", s.login)
	mux.HandleFunc("POST /api/auth/token/refresh/", s.refresh)
	mux.HandleFunc("POST /api/auth/logout/", s.authenticated(s.logout))
	mux.HandleFunc("GET /api/auth/me/", s.authenticated(s.me))
	mux.HandleFunc("GET /api/health/", s.health)

	return mux
}

type errorResponse struct {
	Error string `json:"error,omitempty"`

	// Set for authentication failures of protected endpoints
	Detail string `json:"detail,omitempty"`
}

type userResponse struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

func newUserResponse(u User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      string(u.Role),
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Username string `json:"username" validate:"required_without=Email"`
		Email    string `json:"email" validate:"required_without=Username"`
		Password string `json:"password" validate:"required"`
	}
	type LoginResponse struct {
		Access  string       `json:"access"`
		Refresh string       `json:"refresh"`
		User    userResponse `json:"user"`
	}

	var data LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || validate.Struct(data) != nil {
		render.JSONWithStatus(w, errorResponse{Error: "Email/Username and password are required"}, http.StatusBadRequest)
		return
	}

	login := data.Email
	if login == "" {
		login = data.Username
	}

	user, err := s.users.Authenticate(login, data.Password)
	if err != nil {
		s.logger.Info("login rejected", "login", login)
		render.JSONWithStatus(w, errorResponse{Error: "Invalid credentials"}, http.StatusUnauthorized)
		return
	}

	pair, err := s.tokens.GeneratePair(user)
	if err != nil {
		s.logger.Error("can't issue tokens", "error", err)
		render.JSONWithStatus(w, errorResponse{Error: "Login failed. Please try again."}, http.StatusInternalServerError)
		return
	}

	s.logger.Info("user logged in", "username", user.Username, "role", user.Role)
	render.JSON(w, LoginResponse{Access: pair.Access, Refresh: pair.Refresh, User: newUserResponse(user)})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshRequest struct {
		Refresh string `json:"refresh" validate:"required"`
	}
	type RefreshResponse struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh,omitempty"`
	}

	var data RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || validate.Struct(data) != nil {
		render.JSONWithStatus(w, errorResponse{Error: "Refresh token required"}, http.StatusBadRequest)
		return
	}

	pair, err := s.tokens.Refresh(data.Refresh, s.users.Get)
	if err != nil {
		s.logger.Info("refresh rejected", "error", err)
		render.JSONWithStatus(w, errorResponse{Error: "Invalid refresh token"}, http.StatusUnauthorized)
		return
	}

	render.JSON(w, RefreshResponse{Access: pair.Access, Refresh: pair.Refresh})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, _ User) {
	type LogoutRequest struct {
		Refresh string `json:"refresh"`
	}
	type LogoutResponse struct {
		Message string `json:"message"`
	}

	var data LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		render.JSONWithStatus(w, errorResponse{Error: "Logout failed"}, http.StatusBadRequest)
		return
	}

	if data.Refresh != "" {
		if err := s.tokens.Revoke(data.Refresh); err != nil {
			render.JSONWithStatus(w, errorResponse{Error: "Logout failed"}, http.StatusBadRequest)
			return
		}
	}

	render.JSON(w, LogoutResponse{Message: "Logged out successfully"})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, user User) {
	render.JSON(w, newUserResponse(user))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	render.JSON(w, map[string]string{"status": "ok"})
}

// authenticated verifies the bearer access token and passes its owner to h
func (s *Server) authenticated(h func(w http.ResponseWriter, r *http.Request, user User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access := gateway.BearerToken(r)
		if access == "" {
			render.JSONWithStatus(w, errorResponse{Detail: "Authentication credentials were not provided."}, http.StatusUnauthorized)
			return
		}

		userID, err := s.tokens.ParseAccess(access)
		if err != nil {
			render.JSONWithStatus(w, errorResponse{Detail: "Given token not valid for any token type"}, http.StatusUnauthorized)
			return
		}

		user, err := s.users.Get(userID)
		if err != nil {
			render.JSONWithStatus(w, errorResponse{Detail: "User not found: " + strconv.Itoa(userID)}, http.StatusUnauthorized)
			return
		}

		h(w, r, user)
	}
}
