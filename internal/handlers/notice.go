package handlers

import (
	"sync"

	"github.com/nkiryanov/campusportal/internal/authapi"
	"github.com/nkiryanov/campusportal/internal/session"
)

// Notices remembers that the session expired until the login view shows it once
type Notices struct {
	mu      sync.Mutex
	pending string
}

func NewNotices() *Notices {
	return &Notices{}
}

// Listen is a session listener, see session.WithListener
func (n *Notices) Listen(e session.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch e.Kind {
	case session.EventExpired:
		n.pending = authapi.MsgRefreshFailed
	case session.EventLogin, session.EventLogout:
		n.pending = ""
	}
}

// Take returns the pending notice and forgets it
func (n *Notices) Take() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	notice := n.pending
	n.pending = ""
	return notice
}
