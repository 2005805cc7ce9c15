// Package authapi talks to the authentication backend: login, token refresh and logout.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/gateway"
	"github.com/nkiryanov/campusportal/internal/models"
)

const (
	defaultLoginPath   = "auth/login/"
	defaultRefreshPath = "auth/token/refresh/"
	defaultLogoutPath  = "auth/logout/"

	// Upper bound for error payloads we try to read a message from
	maxErrorBody = 64 << 10
)

// Messages shown when the backend gives none
const (
	MsgLoginFailed   = "Login failed. Please check your credentials."
	MsgRefreshFailed = "Your session has expired. Please log in again."
	MsgUnreachable   = "Authentication server is unreachable. Please try again later."
)

var validate = validator.New()

// Paths of the authentication endpoints relative to the API root
type Endpoints struct {
	Login   string
	Refresh string
	Logout  string
}

type requester interface {
	NewRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error)
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	api       requester
	endpoints Endpoints
}

func New(api requester, endpoints Endpoints) *Client {
	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&endpoints.Login, defaultLoginPath)
	setDefault(&endpoints.Refresh, defaultRefreshPath)
	setDefault(&endpoints.Logout, defaultLogoutPath)

	return &Client{api: api, endpoints: endpoints}
}

type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// User record as returned by the authentication endpoint
type User struct {
	ID        SubjectID   `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
}

type LoginResult struct {
	Pair models.CredentialPair
	User User
}

// Login exchanges credentials for a fresh token pair and the authoritative user record
func (c *Client) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	if err := validate.Struct(creds); err != nil {
		return LoginResult{}, apperrors.NewAuthError("Username and password are required.", 0, fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err))
	}

	var resp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
		User    User   `json:"user"`
	}
	err := c.post(ctx, c.endpoints.Login, creds, &resp, MsgLoginFailed)
	if err != nil {
		return LoginResult{}, err
	}
	if resp.Access == "" {
		return LoginResult{}, apperrors.NewAuthError(MsgLoginFailed, http.StatusOK, errors.New("response has no access token"))
	}

	return LoginResult{
		Pair: models.CredentialPair{AccessToken: resp.Access, RefreshToken: resp.Refresh},
		User: resp.User,
	}, nil
}

type RefreshResult struct {
	AccessToken string

	// Empty unless the backend rotates refresh tokens
	RefreshToken string
}

// Refresh exchanges refresh token for a new access token
func (c *Client) Refresh(ctx context.Context, refresh string) (RefreshResult, error) {
	if refresh == "" {
		return RefreshResult{}, apperrors.NewAuthError(MsgRefreshFailed, 0, apperrors.ErrNoRefreshToken)
	}

	var resp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	err := c.post(ctx, c.endpoints.Refresh, map[string]string{"refresh": refresh}, &resp, MsgRefreshFailed)
	if err != nil {
		var authErr *apperrors.AuthError
		if errors.As(err, &authErr) && authErr.StatusCode != 0 {
			authErr.Err = fmt.Errorf("%w: %w", apperrors.ErrRefreshRejected, authErr.Err)
		}
		return RefreshResult{}, err
	}
	if resp.Access == "" {
		return RefreshResult{}, apperrors.NewAuthError(MsgRefreshFailed, http.StatusOK, errors.New("response has no access token"))
	}

	return RefreshResult{AccessToken: resp.Access, RefreshToken: resp.Refresh}, nil
}

// Logout asks the backend to blacklist the refresh token
func (c *Client) Logout(ctx context.Context, refresh string) error {
	if refresh == "" {
		return nil
	}
	return c.post(ctx, c.endpoints.Logout, map[string]string{"refresh": refresh}, nil, "Logout failed.")
}

// post sends JSON body and decodes JSON response into out (if not nil).
// Any failure is returned as *apperrors.AuthError with fallback message.
func (c *Client) post(ctx context.Context, path string, in any, out any, fallback string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.NewAuthError(fallback, 0, err)
	}

	// Failures of auth endpoints are reported to the caller, never to the unauthorized hook
	ctx = gateway.WithoutUnauthorizedHook(ctx)

	req, err := c.api.NewRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewAuthError(fallback, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return apperrors.NewAuthError(MsgUnreachable, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp, fallback)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewAuthError(fallback, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Error payload of the backend. Different views use different fields
type errorPayload struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func errorFromResponse(resp *http.Response, fallback string) *apperrors.AuthError {
	err := fmt.Errorf("unexpected status code %d", resp.StatusCode)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		err = fmt.Errorf("%w: status code %d", apperrors.ErrInvalidCredentials, resp.StatusCode)
	}

	var payload errorPayload
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil || json.Unmarshal(data, &payload) != nil {
		return apperrors.NewAuthError(fallback, resp.StatusCode, err)
	}

	message := fallback
	for _, m := range []string{payload.Detail, payload.Message, payload.Error} {
		if m != "" {
			message = m
			break
		}
	}

	return apperrors.NewAuthError(message, resp.StatusCode, err)
}
