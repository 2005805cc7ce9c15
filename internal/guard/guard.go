// Package guard decides whether a view may be shown for the current session.
//
// Decide is a pure function of the session state and the roles a view
// requires. Middleware applies it to HTTP handlers.
package guard

import (
	"slices"

	"github.com/nkiryanov/campusportal/internal/models"
)

type Outcome int

const (
	// Session is still initializing, no decision can be made yet
	Pending Outcome = iota
	RedirectLogin
	Denied
	Allow
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case RedirectLogin:
		return "redirect_login"
	case Denied:
		return "denied"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome Outcome

	// Role of the current user, empty unless authenticated
	Role models.Role
}

// Decide returns what to render for a view requiring one of the roles.
// Empty required means any authenticated user is allowed.
func Decide(state models.SessionState, required []models.Role) Decision {
	switch {
	case state.IsLoading:
		return Decision{Outcome: Pending}
	case !state.IsAuthenticated || state.Identity == nil:
		return Decision{Outcome: RedirectLogin}
	case len(required) > 0 && !slices.Contains(required, state.Identity.Role):
		return Decision{Outcome: Denied, Role: state.Identity.Role}
	default:
		return Decision{Outcome: Allow, Role: state.Identity.Role}
	}
}
