package handlers

import (
	"net/http"

	"github.com/nkiryanov/campusportal/internal/guard"
	"github.com/nkiryanov/campusportal/internal/handlers/render"
	"github.com/nkiryanov/campusportal/internal/handlers/userctx"
	"github.com/nkiryanov/campusportal/internal/models"
)

// Must be served behind the guard: identity is taken from the request context
func handleUserMe() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := userctx.FromContext(r.Context())
		render.JSON(w, identity)
	})
}

// Landing page of a role: the content is rendered by the frontend, this only names it
func handleDashboard(prefix string) http.Handler {
	type DashboardResponse struct {
		Dashboard string          `json:"dashboard"`
		Welcome   string          `json:"welcome"`
		User      models.Identity `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := userctx.FromContext(r.Context())
		render.JSON(w, DashboardResponse{
			Dashboard: prefix,
			Welcome:   "Welcome, " + identity.DisplayName(),
			User:      identity,
		})
	})
}

// Sends authenticated users to their dashboard
func handleIndex(policy guard.Policy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := userctx.FromContext(r.Context())
		http.Redirect(w, r, policy.Home(identity.Role), http.StatusSeeOther)
	})
}
