package models

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"time"
)

type Role string

const (
	RoleAdmin          Role = "admin"
	RoleTeacher        Role = "teacher"
	RoleStudent        Role = "student"
	RoleResourcePerson Role = "resource_person"
)

// Role used when neither the token nor the server says otherwise
const DefaultRole = RoleStudent

var knownRoles = []Role{RoleAdmin, RoleTeacher, RoleStudent, RoleResourcePerson}

// Known reports whether the role belongs to the closed role set.
// Unknown roles are kept as is and match no access policy.
func (r Role) Known() bool {
	return slices.Contains(knownRoles, r)
}

// Identity claims of the current user
type Identity struct {
	SubjectID string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the access token is expired at the moment now.
// Zero ExpiresAt means the token had no expiry claim and is never trusted.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// DisplayName returns first name if known, username otherwise
func (i Identity) DisplayName() string {
	if i.FirstName != "" {
		return i.FirstName
	}
	return i.Username
}

// SubjectIDFromNumber formats a numeric user id. Integral values lose any
// fraction or exponent: 7, 7.0 and 7e0 all give "7".
func SubjectIDFromNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) {
		return n.String()
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
