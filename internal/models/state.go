package models

type Status int

const (
	StatusInitializing Status = iota
	StatusAuthenticated
	StatusAnonymous
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Snapshot of the session as seen by the route guard and the views.
// IsAuthenticated is always equal to Identity != nil.
// IsLoading is set while the session is restored and while a login is in flight.
type SessionState struct {
	Status          Status    `json:"-"`
	Identity        *Identity `json:"identity"`
	IsAuthenticated bool      `json:"is_authenticated"`
	IsLoading       bool      `json:"is_loading"`
}

func AnonymousState() SessionState {
	return SessionState{Status: StatusAnonymous}
}

func AuthenticatedState(identity Identity) SessionState {
	return SessionState{
		Status:          StatusAuthenticated,
		Identity:        &identity,
		IsAuthenticated: true,
	}
}
