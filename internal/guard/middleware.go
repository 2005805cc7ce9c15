package guard

import (
	"net/http"

	"github.com/nkiryanov/campusportal/internal/handlers/render"
	"github.com/nkiryanov/campusportal/internal/handlers/userctx"
	"github.com/nkiryanov/campusportal/internal/logger"
	"github.com/nkiryanov/campusportal/internal/metrics"
	"github.com/nkiryanov/campusportal/internal/models"
)

const (
	PendingErrorType      = "session_pending"
	AccessDeniedErrorType = "access_denied"

	DefaultLoginPath = "/login"
)

// StateSource exposes the session to the guard. Implemented by session.Manager
type StateSource interface {
	State() models.SessionState
}

type MiddlewareConfig struct {
	// Where anonymous users are sent. DefaultLoginPath if empty
	LoginPath string

	// Used to find the way back for denied users
	Policy Policy

	Logger logger.Logger
}

type PendingResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type DeniedResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Role    models.Role `json:"role"`
	Back    string      `json:"back"`
}

// Middleware lets requests through only when the session has one of the required roles.
// Allowed requests carry the identity in context, see userctx.FromContext.
func Middleware(src StateSource, required []models.Role, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, next, src.State(), required, cfg)
		})
	}
}

// PolicyMiddleware looks up the required roles by request path.
// Paths without a rule need an authenticated user of any role.
func PolicyMiddleware(src StateSource, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			required, _ := cfg.Policy.Lookup(r.URL.Path)
			serve(w, r, next, src.State(), required, cfg)
		})
	}
}

func serve(w http.ResponseWriter, r *http.Request, next http.Handler, state models.SessionState, required []models.Role, cfg MiddlewareConfig) {
	decision := Decide(state, required)
	metrics.GuardDecisionsTotal.WithLabelValues(decision.Outcome.String()).Inc()

	switch decision.Outcome {
	case Pending:
		w.Header().Set("Retry-After", "1")
		render.JSONWithStatus(w, PendingResponse{
			Error:   PendingErrorType,
			Message: "Session is loading, retry shortly",
		}, http.StatusServiceUnavailable)

	case RedirectLogin:
		loginPath := cfg.LoginPath
		if loginPath == "" {
			loginPath = DefaultLoginPath
		}
		http.Redirect(w, r, loginPath, http.StatusSeeOther)

	case Denied:
		if cfg.Logger != nil {
			cfg.Logger.Info("access denied", "path", r.URL.Path, "role", decision.Role, "required", required)
		}
		render.JSONWithStatus(w, DeniedResponse{
			Error:   AccessDeniedErrorType,
			Message: "Access Denied",
			Role:    decision.Role,
			Back:    cfg.Policy.Home(decision.Role),
		}, http.StatusForbidden)

	case Allow:
		next.ServeHTTP(w, r.WithContext(userctx.New(r.Context(), *state.Identity)))
	}
}
