package session

import "github.com/nkiryanov/campusportal/internal/models"

type EventKind int

const (
	// Session loaded from the store on start
	EventRestored EventKind = iota + 1
	EventLogin
	EventLogout

	// Session dropped because the refresh token was rejected or missing
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventRestored:
		return "restored"
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind

	// Identity the event is about. For logout and expiry it is the one just dropped
	Identity models.Identity

	// Why the session expired, nil for other kinds
	Err error
}
